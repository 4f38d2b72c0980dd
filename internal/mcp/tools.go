package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/mpataki/distill/internal/assemble"
	"github.com/mpataki/distill/internal/models"
	"github.com/mpataki/distill/internal/session"
)

type templateInfo struct {
	Name        string   `json:"name" jsonschema:"Template name"`
	Description string   `json:"description,omitempty" jsonschema:"What the template is for"`
	Phases      []string `json:"phases" jsonschema:"Phase IDs in declaration order"`
}

type listTemplatesInput struct{}

type listTemplatesOutput struct {
	Templates []templateInfo `json:"templates" jsonschema:"Available session templates"`
}

type createSessionInput struct {
	Name     string `json:"name" jsonschema:"required,Session name (lowercase letters and digits plus - and _)"`
	Template string `json:"template" jsonschema:"required,Name of the template to instantiate"`
}

type createSessionOutput struct {
	Session string   `json:"session" jsonschema:"Created session name"`
	Phases  []string `json:"phases" jsonschema:"Phase IDs awaiting capture"`
}

type listSessionsInput struct{}

type sessionInfo struct {
	Name      string `json:"name" jsonschema:"Session name"`
	Template  string `json:"template" jsonschema:"Template the session was created from"`
	CreatedAt string `json:"created_at" jsonschema:"Creation time (RFC 3339)"`
	Extracted int    `json:"extracted" jsonschema:"Number of extracted phases"`
	Total     int    `json:"total" jsonschema:"Total number of phases"`
}

type listSessionsOutput struct {
	Sessions []sessionInfo `json:"sessions" jsonschema:"Known sessions, newest first"`
}

type sessionStatusInput struct {
	Session string `json:"session" jsonschema:"required,Session name"`
}

type phaseInfo struct {
	ID           string   `json:"id" jsonschema:"Phase ID"`
	Name         string   `json:"name" jsonschema:"Human-readable phase name"`
	Status       string   `json:"status" jsonschema:"pending, captured, transcribed, extracted or failed"`
	Artifacts    int      `json:"artifacts" jsonschema:"Number of captured artifacts"`
	Partial      bool     `json:"partial,omitempty" jsonschema:"True when extraction missed some fields"`
	FailedFields []string `json:"failed_fields,omitempty" jsonschema:"Fields the provider could not extract"`
	LastError    string   `json:"last_error,omitempty" jsonschema:"Cause of the last failure, if any"`
}

type sessionStatusOutput struct {
	Session    string      `json:"session" jsonschema:"Session name"`
	Template   string      `json:"template" jsonschema:"Template name"`
	Phases     []phaseInfo `json:"phases" jsonschema:"Per-phase progress in template order"`
	NextAction string      `json:"next_action" jsonschema:"Suggested next step"`
}

type captureTextInput struct {
	Session string `json:"session" jsonschema:"required,Session name"`
	Phase   string `json:"phase" jsonschema:"required,Phase ID"`
	Text    string `json:"text" jsonschema:"required,Notes to capture"`
}

type captureFileInput struct {
	Session string `json:"session" jsonschema:"required,Session name"`
	Phase   string `json:"phase" jsonschema:"required,Phase ID"`
	Path    string `json:"path" jsonschema:"required,Path to an audio file, text file or PDF"`
}

type phaseOutput struct {
	Phase  string `json:"phase" jsonschema:"Phase ID"`
	Status string `json:"status" jsonschema:"Phase status after the operation"`
}

type transcribeInput struct {
	Session string `json:"session" jsonschema:"required,Session name"`
	Phase   string `json:"phase" jsonschema:"required,Phase ID"`
}

type extractInput struct {
	Session string `json:"session" jsonschema:"required,Session name"`
	Phase   string `json:"phase" jsonschema:"required,Phase ID"`
}

type extractOutput struct {
	Phase        string         `json:"phase" jsonschema:"Phase ID"`
	Values       map[string]any `json:"values" jsonschema:"Extracted field values"`
	Partial      bool           `json:"partial,omitempty" jsonschema:"True when some fields could not be extracted"`
	FailedFields []string       `json:"failed_fields,omitempty" jsonschema:"Fields the provider could not extract"`
}

type extractAllInput struct {
	Session string `json:"session" jsonschema:"required,Session name"`
}

type extractAllResult struct {
	Phase   string `json:"phase" jsonschema:"Phase ID"`
	Outcome string `json:"outcome" jsonschema:"extracted, skipped or failed"`
	Partial bool   `json:"partial,omitempty" jsonschema:"True when extraction missed some fields"`
	Error   string `json:"error,omitempty" jsonschema:"Failure cause"`
}

type extractAllOutput struct {
	Results []extractAllResult `json:"results" jsonschema:"Per-phase outcomes in template order"`
	Stopped string             `json:"stopped,omitempty" jsonschema:"Set when the pass stopped at an unmet dependency"`
}

type buildOutputsInput struct {
	Session string `json:"session" jsonschema:"required,Session name"`
}

type buildOutputsOutput struct {
	Files []string `json:"files" jsonschema:"Paths of the written output files"`
}

type summarizeInput struct {
	Session string `json:"session" jsonschema:"required,Session name"`
}

type summarizeOutput struct {
	Summary string `json:"summary" jsonschema:"Narrative summary of the extracted session"`
}

type exportSessionInput struct {
	Session string `json:"session" jsonschema:"required,Session name"`
}

type exportSessionOutput struct {
	Session map[string]any `json:"session" jsonschema:"Full session document"`
}

func (s *Server) registerTools() {
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "distill_list_templates",
		Description: "List the session templates distill knows about, with their phase IDs.",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args listTemplatesInput) (*mcp.CallToolResult, listTemplatesOutput, error) {
		names := make([]string, 0, len(s.templates))
		for name := range s.templates {
			names = append(names, name)
		}
		sort.Strings(names)

		output := listTemplatesOutput{}
		for _, name := range names {
			tmpl := s.templates[name]
			info := templateInfo{Name: tmpl.Name, Description: tmpl.Description}
			for _, p := range tmpl.Phases {
				info.Phases = append(info.Phases, p.ID)
			}
			output.Templates = append(output.Templates, info)
		}

		return textResult("Found %d templates.", len(output.Templates)), output, nil
	})

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "distill_create_session",
		Description: "Create a new session from a template. Every phase starts pending.",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args createSessionInput) (*mcp.CallToolResult, createSessionOutput, error) {
		tmpl, ok := s.templates[args.Template]
		if !ok {
			return nil, createSessionOutput{}, fmt.Errorf("unknown template %q (available: %s)", args.Template, strings.Join(templateNames(s.templates), ", "))
		}

		sess, err := s.sessions.Create(args.Name, *tmpl)
		if err != nil {
			return nil, createSessionOutput{}, err
		}

		output := createSessionOutput{Session: sess.Name}
		for _, p := range sess.Template.Phases {
			output.Phases = append(output.Phases, p.ID)
		}

		return textResult("Created session %q with %d phases.", sess.Name, len(output.Phases)), output, nil
	})

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "distill_list_sessions",
		Description: "List known sessions with their extraction progress, newest first.",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args listSessionsInput) (*mcp.CallToolResult, listSessionsOutput, error) {
		sessions, err := s.sessions.List()
		if err != nil {
			return nil, listSessionsOutput{}, err
		}

		output := listSessionsOutput{}
		for _, sess := range sessions {
			info := sessionInfo{
				Name:      sess.Name,
				Template:  sess.Template.Name,
				CreatedAt: sess.CreatedAt.Format(time.RFC3339),
				Total:     len(sess.Template.Phases),
			}
			for _, ps := range sess.Phases {
				if ps.Status == models.StatusExtracted {
					info.Extracted++
				}
			}
			output.Sessions = append(output.Sessions, info)
		}

		return textResult("Found %d sessions.", len(output.Sessions)), output, nil
	})

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "distill_session_status",
		Description: "Report per-phase progress for a session and suggest the next step.",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args sessionStatusInput) (*mcp.CallToolResult, sessionStatusOutput, error) {
		sess, err := s.sessions.Get(args.Session)
		if err != nil {
			return nil, sessionStatusOutput{}, err
		}

		output := sessionStatusOutput{
			Session:    sess.Name,
			Template:   sess.Template.Name,
			NextAction: session.NextAction(sess),
		}
		for _, spec := range sess.Template.Phases {
			ps := sess.Phases[spec.ID]
			output.Phases = append(output.Phases, phaseInfo{
				ID:           spec.ID,
				Name:         spec.Name,
				Status:       string(ps.Status),
				Artifacts:    len(ps.Artifacts),
				Partial:      ps.Partial,
				FailedFields: ps.FailedFields,
				LastError:    ps.LastError,
			})
		}

		return textResult("Session %q: %s", sess.Name, output.NextAction), output, nil
	})

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "distill_capture_text",
		Description: "Capture typed notes into a phase. Text goes straight to the transcript, so the phase becomes ready for extraction.",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args captureTextInput) (*mcp.CallToolResult, phaseOutput, error) {
		sess, err := s.sessions.Get(args.Session)
		if err != nil {
			return nil, phaseOutput{}, err
		}

		ps, err := s.sessions.CaptureText(sess, args.Phase, args.Text)
		if err != nil {
			return nil, phaseOutput{}, err
		}

		output := phaseOutput{Phase: args.Phase, Status: string(ps.Status)}
		return textResult("Captured notes into phase %q (%s).", args.Phase, ps.Status), output, nil
	})

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "distill_capture_file",
		Description: "Capture an audio file, text file or PDF into a phase. Audio waits for transcription; text and PDFs are transcribed immediately.",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args captureFileInput) (*mcp.CallToolResult, phaseOutput, error) {
		sess, err := s.sessions.Get(args.Session)
		if err != nil {
			return nil, phaseOutput{}, err
		}

		ps, err := s.sessions.CaptureFile(sess, args.Phase, args.Path)
		if err != nil {
			return nil, phaseOutput{}, err
		}

		output := phaseOutput{Phase: args.Phase, Status: string(ps.Status)}
		return textResult("Captured %s into phase %q (%s).", args.Path, args.Phase, ps.Status), output, nil
	})

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "distill_transcribe",
		Description: "Transcribe the latest audio artifact of a captured phase using the configured provider.",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args transcribeInput) (*mcp.CallToolResult, phaseOutput, error) {
		sess, err := s.sessions.Get(args.Session)
		if err != nil {
			return nil, phaseOutput{}, err
		}

		ps, err := s.sessions.Transcribe(ctx, sess, args.Phase)
		if err != nil {
			return nil, phaseOutput{}, err
		}

		output := phaseOutput{Phase: args.Phase, Status: string(ps.Status)}
		return textResult("Transcribed phase %q.", args.Phase), output, nil
	})

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "distill_extract_phase",
		Description: "Extract the phase's declared fields from its transcript. Partial results are committed and flagged.",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args extractInput) (*mcp.CallToolResult, extractOutput, error) {
		sess, err := s.sessions.Get(args.Session)
		if err != nil {
			return nil, extractOutput{}, err
		}

		ps, err := s.sessions.Extract(ctx, sess, args.Phase)
		if err != nil {
			return nil, extractOutput{}, err
		}

		output := extractOutput{
			Phase:        args.Phase,
			Values:       ps.Extracted,
			Partial:      ps.Partial,
			FailedFields: ps.FailedFields,
		}

		if ps.Partial {
			return textResult("Extracted phase %q with missing fields: %s.", args.Phase, strings.Join(ps.FailedFields, ", ")), output, nil
		}
		return textResult("Extracted phase %q.", args.Phase), output, nil
	})

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "distill_extract_all",
		Description: "Extract every transcribed phase in template order. Provider failures don't stop the pass; an unmet dependency does.",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args extractAllInput) (*mcp.CallToolResult, extractAllOutput, error) {
		sess, err := s.sessions.Get(args.Session)
		if err != nil {
			return nil, extractAllOutput{}, err
		}

		results, err := s.sessions.ExtractAll(ctx, sess)
		output := extractAllOutput{}
		for _, r := range results {
			res := extractAllResult{Phase: r.Phase, Outcome: string(r.Outcome), Partial: r.Partial}
			if r.Err != nil {
				res.Error = r.Err.Error()
			}
			output.Results = append(output.Results, res)
		}
		if err != nil {
			var depErr *session.DependencyError
			if !errors.As(err, &depErr) {
				return nil, extractAllOutput{}, err
			}
			output.Stopped = err.Error()
		}

		extracted := 0
		for _, r := range output.Results {
			if r.Outcome == string(session.OutcomeExtracted) {
				extracted++
			}
		}
		return textResult("Extracted %d of %d phases.", extracted, len(output.Results)), output, nil
	})

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "distill_build_outputs",
		Description: "Render the session's declared outputs. Refuses while any required phase is not extracted.",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args buildOutputsInput) (*mcp.CallToolResult, buildOutputsOutput, error) {
		sess, err := s.sessions.Get(args.Session)
		if err != nil {
			return nil, buildOutputsOutput{}, err
		}

		files, err := assemble.Build(sess, s.store)
		if err != nil {
			return nil, buildOutputsOutput{}, err
		}

		output := buildOutputsOutput{Files: files}
		return textResult("Wrote %d output files.", len(files)), output, nil
	})

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "distill_summarize",
		Description: "Generate a narrative summary of the session's extracted phases using the configured provider.",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args summarizeInput) (*mcp.CallToolResult, summarizeOutput, error) {
		sess, err := s.sessions.Get(args.Session)
		if err != nil {
			return nil, summarizeOutput{}, err
		}

		summary, err := s.sessions.Summarize(ctx, sess)
		if err != nil {
			return nil, summarizeOutput{}, err
		}

		return textResult("%s", summary), summarizeOutput{Summary: summary}, nil
	})

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "distill_export_session",
		Description: "Export the full session document, frozen template included, as structured JSON.",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args exportSessionInput) (*mcp.CallToolResult, exportSessionOutput, error) {
		sess, err := s.sessions.Get(args.Session)
		if err != nil {
			return nil, exportSessionOutput{}, err
		}

		data, err := session.ExportJSON(sess)
		if err != nil {
			return nil, exportSessionOutput{}, err
		}

		var doc map[string]any
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, exportSessionOutput{}, fmt.Errorf("failed to decode exported session: %w", err)
		}

		return textResult("Exported session %q.", sess.Name), exportSessionOutput{Session: doc}, nil
	})
}

func textResult(format string, args ...any) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			&mcp.TextContent{Text: fmt.Sprintf(format, args...)},
		},
	}
}

func templateNames(templates map[string]*models.Template) []string {
	names := make([]string, 0, len(templates))
	for name := range templates {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
