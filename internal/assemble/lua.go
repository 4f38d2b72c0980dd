package assemble

import (
	"fmt"
	"os"
	"time"

	lua "github.com/yuin/gopher-lua"

	"github.com/mpataki/distill/internal/models"
)

// renderLua runs a template-provided Lua script in a sandbox. The script
// must define render(session) and return the document as a string.
func renderLua(sess *models.Session, spec models.OutputSpec, ctx map[string]map[string]any) ([]byte, error) {
	script, err := os.ReadFile(spec.Script)
	if err != nil {
		return nil, fmt.Errorf("failed to read output script: %w", err)
	}

	L := lua.NewState(lua.Options{
		SkipOpenLibs: true, // Don't load any libraries by default
	})
	defer L.Close()

	openSafeLibs(L)

	if err := L.DoString(string(script)); err != nil {
		return nil, fmt.Errorf("failed to load output script: %w", err)
	}

	render := L.GetGlobal("render")
	if render == lua.LNil {
		return nil, fmt.Errorf("output script %s must define a 'render' function", spec.Script)
	}

	L.Push(render)
	L.Push(sessionTable(L, sess, ctx))
	if err := L.PCall(1, 1, nil); err != nil {
		return nil, fmt.Errorf("output script failed: %w", err)
	}

	ret := L.Get(-1)
	str, ok := ret.(lua.LString)
	if !ok {
		return nil, fmt.Errorf("output script must return a string, got %s", ret.Type())
	}
	return []byte(string(str)), nil
}

// openSafeLibs loads only the safe standard libraries
func openSafeLibs(L *lua.LState) {
	lua.OpenBase(L)

	// Remove functions that reach outside the sandbox
	L.SetGlobal("loadfile", lua.LNil)
	L.SetGlobal("dofile", lua.LNil)
	L.SetGlobal("load", lua.LNil)
	L.SetGlobal("loadstring", lua.LNil)
	L.SetGlobal("print", lua.LNil)

	lua.OpenTable(L)
	lua.OpenString(L)
	lua.OpenMath(L)

	// Remove non-deterministic math functions
	math := L.GetGlobal("math")
	if tbl, ok := math.(*lua.LTable); ok {
		L.SetField(tbl, "random", lua.LNil)
		L.SetField(tbl, "randomseed", lua.LNil)
	}
}

func sessionTable(L *lua.LState, sess *models.Session, ctx map[string]map[string]any) *lua.LTable {
	tbl := L.NewTable()
	L.SetField(tbl, "name", lua.LString(sess.Name))
	L.SetField(tbl, "template", lua.LString(sess.Template.Name))
	L.SetField(tbl, "created_at", lua.LString(sess.CreatedAt.Format(time.RFC3339)))

	phases := L.NewTable()
	for id, fields := range ctx {
		ft := L.NewTable()
		for k, v := range fields {
			L.SetField(ft, k, goToLua(L, v))
		}
		L.SetField(phases, id, ft)
	}
	L.SetField(tbl, "phases", phases)
	return tbl
}

// goToLua converts a Go value to a Lua value
func goToLua(L *lua.LState, v any) lua.LValue {
	switch val := v.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(val)
	case float64:
		return lua.LNumber(val)
	case string:
		return lua.LString(val)
	case []string:
		tbl := L.NewTable()
		for i, item := range val {
			L.SetTable(tbl, lua.LNumber(i+1), lua.LString(item))
		}
		return tbl
	case []any:
		tbl := L.NewTable()
		for i, item := range val {
			L.SetTable(tbl, lua.LNumber(i+1), goToLua(L, item))
		}
		return tbl
	case map[string]string:
		tbl := L.NewTable()
		for k, item := range val {
			L.SetField(tbl, k, lua.LString(item))
		}
		return tbl
	case map[string]any:
		tbl := L.NewTable()
		for k, item := range val {
			L.SetField(tbl, k, goToLua(L, item))
		}
		return tbl
	default:
		return lua.LString(fmt.Sprintf("%v", val))
	}
}
