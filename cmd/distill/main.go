package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/mpataki/distill/internal/assemble"
	"github.com/mpataki/distill/internal/config"
	"github.com/mpataki/distill/internal/logging"
	"github.com/mpataki/distill/internal/mcp"
	"github.com/mpataki/distill/internal/models"
	"github.com/mpataki/distill/internal/provider"
	"github.com/mpataki/distill/internal/session"
	"github.com/mpataki/distill/internal/store"
	"github.com/mpataki/distill/internal/telemetry"
	"github.com/mpataki/distill/internal/template"
	"github.com/mpataki/distill/internal/tui"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

const version = "0.1.0"

func main() {
	rootCmd := &cobra.Command{
		Use:          "distill",
		Short:        "Structured capture sessions with AI extraction",
		Long:         "Distill turns voice notes, documents and pasted text into structured records, phase by phase, using a capture template and an AI backend.",
		Version:      version,
		SilenceUsage: true,
		RunE:         runTUI,
	}

	rootCmd.PersistentFlags().String("config", "", "Config file (default: ~/.config/distill/config.yaml)")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "Enable debug logging")

	rootCmd.AddCommand(newNewCommand())
	rootCmd.AddCommand(newListCommand())
	rootCmd.AddCommand(newStatusCommand())
	rootCmd.AddCommand(newCaptureCommand())
	rootCmd.AddCommand(newTranscribeCommand())
	rootCmd.AddCommand(newExtractCommand())
	rootCmd.AddCommand(newBuildCommand())
	rootCmd.AddCommand(newExportCommand())
	rootCmd.AddCommand(newTemplatesCommand())
	rootCmd.AddCommand(newModelsCommand())
	rootCmd.AddCommand(newConfigCommand())
	rootCmd.AddCommand(newDoctorCommand())
	rootCmd.AddCommand(newMCPCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// env bundles the dependencies a command needs. Every RunE builds one and
// closes it on the way out.
type env struct {
	cfg          *config.Config
	logger       *zap.Logger
	store        *store.Store
	sessions     *session.Service
	templates    map[string]*models.Template
	recorder     *telemetry.Recorder
	providerName string
}

func newEnv(cmd *cobra.Command) (*env, error) {
	path, _ := cmd.Flags().GetString("config")
	verbose, _ := cmd.Flags().GetBool("verbose")

	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	level := cfg.Logging.Level
	if verbose {
		level = "debug"
	}
	logger, err := logging.New(level, cfg.Logging.Format)
	if err != nil {
		return nil, err
	}

	if err := cfg.EnsureDataDir(); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	st := store.New(cfg.Storage.DataDir)

	// A missing backend is fine for local commands; provider-backed
	// operations refuse with the same message later.
	backend, err := provider.New(providerConfig(cfg), logger)
	if err != nil {
		logger.Debug("no AI backend configured", zap.Error(err))
		backend = nil
	}

	templates, err := template.Discover(cfg.Templates.Dirs)
	if err != nil {
		return nil, fmt.Errorf("failed to load templates: %w", err)
	}

	var recorder *telemetry.Recorder
	if cfg.Telemetry.Enabled {
		recorder, err = telemetry.Open(cfg.TelemetryPath(), logger)
		if err != nil {
			logger.Warn("failed to open telemetry database", zap.Error(err))
			recorder = nil
		}
	}

	providerName := ""
	if backend != nil {
		providerName = backend.Name()
	}

	return &env{
		cfg:          cfg,
		logger:       logger,
		store:        st,
		sessions:     session.New(st, backend, logger),
		templates:    templates,
		recorder:     recorder,
		providerName: providerName,
	}, nil
}

func (e *env) close() {
	if err := e.recorder.Close(); err != nil {
		e.logger.Warn("failed to close telemetry database", zap.Error(err))
	}
	logging.Sync(e.logger)
}

// track opens a telemetry event for a state-changing command. The returned
// func records it with the command's outcome.
func (e *env) track(command, sessionName, phase string) func(error) {
	return e.recorder.Track(telemetry.Event{
		Command:  command,
		Session:  sessionName,
		Phase:    phase,
		Provider: e.providerName,
	})
}

func providerConfig(cfg *config.Config) provider.Config {
	return provider.Config{
		Name:       cfg.Provider.Name,
		Model:      cfg.Provider.Model,
		APIKey:     cfg.Provider.APIKey.Value(),
		BaseURL:    cfg.Provider.BaseURL,
		Timeout:    cfg.Provider.Timeout.Duration(),
		MaxRetries: cfg.Provider.MaxRetries,
	}
}

func runTUI(cmd *cobra.Command, args []string) error {
	e, err := newEnv(cmd)
	if err != nil {
		return err
	}
	defer e.close()

	app := tui.NewApp(e.sessions, e.store, e.templates)
	p := tea.NewProgram(app, tea.WithAltScreen())

	_, err = p.Run()
	return err
}

func newNewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "new <session>",
		Short: "Create a session from one or more templates",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			names, _ := cmd.Flags().GetStringArray("template")
			if len(names) == 0 {
				return errors.New("at least one --template is required")
			}

			e, err := newEnv(cmd)
			if err != nil {
				return err
			}
			defer e.close()

			done := e.track("new", args[0], "")
			defer func() { done(err) }()

			tmpl, err := resolveTemplates(e.templates, names)
			if err != nil {
				return err
			}

			sess, err := e.sessions.Create(args[0], *tmpl)
			if err != nil {
				return err
			}

			fmt.Printf("Created session %q from template %q\n", sess.Name, tmpl.Name)
			for _, spec := range sess.Template.Phases {
				fmt.Printf("  %s  %s\n", spec.ID, spec.Name)
			}
			return nil
		},
	}

	cmd.Flags().StringArrayP("template", "t", nil, "Template name or YAML file (repeat to merge)")
	return cmd
}

func newListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := newEnv(cmd)
			if err != nil {
				return err
			}
			defer e.close()

			sessions, err := e.sessions.List()
			if err != nil {
				return err
			}

			if len(sessions) == 0 {
				fmt.Println("No sessions found.")
				return nil
			}

			for _, sess := range sessions {
				extracted := 0
				for _, spec := range sess.Template.Phases {
					if sess.Phases[spec.ID].Status == models.StatusExtracted {
						extracted++
					}
				}
				fmt.Printf("%s [%s] %d/%d extracted\n",
					sess.Name, sess.Template.Name, extracted, len(sess.Template.Phases))
			}

			return nil
		},
	}
}

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status <session>",
		Short: "Show session phases and the next action",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := newEnv(cmd)
			if err != nil {
				return err
			}
			defer e.close()

			sess, err := e.sessions.Get(args[0])
			if err != nil {
				return err
			}

			fmt.Printf("Session: %s\n", sess.Name)
			fmt.Printf("Template: %s\n", sess.Template.Name)
			fmt.Printf("Created: %s\n", sess.CreatedAt.Local().Format(time.RFC3339))
			fmt.Println()

			for _, spec := range sess.Template.Phases {
				ps := sess.Phases[spec.ID]
				line := fmt.Sprintf("  %-16s %-12s", spec.ID, ps.Status)
				if n := len(ps.Artifacts); n > 0 {
					line += fmt.Sprintf(" %d artifact(s)", n)
				}
				if ps.Partial {
					line += fmt.Sprintf(" partial, missing: %s", strings.Join(ps.FailedFields, ", "))
				}
				fmt.Println(line)
				if ps.Status == models.StatusFailed && ps.LastError != "" {
					fmt.Printf("    %s\n", ps.LastError)
				}
			}

			fmt.Printf("\nNext: %s\n", session.NextAction(sess))
			return nil
		},
	}
}

func newCaptureCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "capture <session> <phase>",
		Short: "Add a capture to a phase (from --file, --text or stdin)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			file, _ := cmd.Flags().GetString("file")
			text, _ := cmd.Flags().GetString("text")
			appendCapture, _ := cmd.Flags().GetBool("append")

			if file != "" && text != "" {
				return errors.New("use --file or --text, not both")
			}

			e, err := newEnv(cmd)
			if err != nil {
				return err
			}
			defer e.close()

			done := e.track("capture", args[0], args[1])
			defer func() { done(err) }()

			sess, err := e.sessions.Get(args[0])
			if err != nil {
				return err
			}

			phaseID := args[1]
			ps, ok := sess.Phase(phaseID)
			if !ok {
				return fmt.Errorf("unknown phase %q in session %q", phaseID, sess.Name)
			}
			if len(ps.Artifacts) > 0 && !appendCapture {
				return fmt.Errorf("phase %q already has %d capture(s); pass --append to add another",
					phaseID, len(ps.Artifacts))
			}

			var state *models.PhaseState
			switch {
			case file != "":
				state, err = e.sessions.CaptureFile(sess, phaseID, file)
			case text != "":
				state, err = e.sessions.CaptureText(sess, phaseID, text)
			default:
				data, rerr := io.ReadAll(cmd.InOrStdin())
				if rerr != nil {
					return fmt.Errorf("failed to read stdin: %w", rerr)
				}
				if strings.TrimSpace(string(data)) == "" {
					return errors.New("no input on stdin; use --file or --text")
				}
				state, err = e.sessions.CaptureText(sess, phaseID, string(data))
			}
			if err != nil {
				return err
			}

			fmt.Printf("Captured into %s (%d artifact(s), status %s)\n",
				phaseID, len(state.Artifacts), state.Status)
			return nil
		},
	}

	cmd.Flags().StringP("file", "f", "", "Capture an audio, document or text file")
	cmd.Flags().String("text", "", "Capture a text snippet")
	cmd.Flags().Bool("append", false, "Add to a phase that already has captures")
	return cmd
}

func newTranscribeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "transcribe <session> <phase>",
		Short: "Transcribe a phase's captured audio",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			e, err := newEnv(cmd)
			if err != nil {
				return err
			}
			defer e.close()

			done := e.track("transcribe", args[0], args[1])
			defer func() { done(err) }()

			sess, err := e.sessions.Get(args[0])
			if err != nil {
				return err
			}

			state, err := e.sessions.Transcribe(cmd.Context(), sess, args[1])
			if err != nil {
				return err
			}

			fmt.Printf("Transcribed %s -> %s\n", args[1], state.Transcript)
			return nil
		},
	}
}

func newExtractCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "extract <session> [phase]",
		Short: "Extract structured fields from a phase transcript",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			all, _ := cmd.Flags().GetBool("all")
			if all && len(args) == 2 {
				return errors.New("cannot combine --all with a phase")
			}
			if !all && len(args) < 2 {
				return errors.New("specify a phase or pass --all")
			}

			e, err := newEnv(cmd)
			if err != nil {
				return err
			}
			defer e.close()

			phase := ""
			if !all {
				phase = args[1]
			}
			done := e.track("extract", args[0], phase)
			defer func() { done(err) }()

			sess, err := e.sessions.Get(args[0])
			if err != nil {
				return err
			}

			if !all {
				state, eerr := e.sessions.Extract(cmd.Context(), sess, phase)
				if eerr != nil {
					return eerr
				}
				fmt.Printf("Extracted %d field(s) from %s\n", len(state.Extracted), phase)
				if state.Partial {
					fmt.Printf("Partial: missing %s\n", strings.Join(state.FailedFields, ", "))
				}
				return nil
			}

			results, aerr := e.sessions.ExtractAll(cmd.Context(), sess)
			failed := 0
			for _, res := range results {
				switch res.Outcome {
				case session.OutcomeExtracted:
					line := fmt.Sprintf("  %s: extracted", res.Phase)
					if res.Partial {
						line += " (partial)"
					}
					fmt.Println(line)
				case session.OutcomeSkipped:
					fmt.Printf("  %s: skipped\n", res.Phase)
				case session.OutcomeFailed:
					failed++
					fmt.Printf("  %s: failed: %v\n", res.Phase, res.Err)
				}
			}
			if aerr != nil {
				return aerr
			}
			if failed > 0 {
				return fmt.Errorf("%d phase(s) failed", failed)
			}
			return nil
		},
	}

	cmd.Flags().Bool("all", false, "Extract every phase that is ready, in template order")
	return cmd
}

func newBuildCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "build <session>",
		Short: "Assemble output documents from extracted phases",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			outputID, _ := cmd.Flags().GetString("output")
			aiSummary, _ := cmd.Flags().GetBool("ai-summary")

			e, err := newEnv(cmd)
			if err != nil {
				return err
			}
			defer e.close()

			done := e.track("build", args[0], "")
			defer func() { done(err) }()

			sess, err := e.sessions.Get(args[0])
			if err != nil {
				return err
			}

			if outputID != "" {
				path, berr := assemble.BuildOutput(sess, e.store, outputID)
				if berr != nil {
					return berr
				}
				fmt.Printf("Wrote %s\n", path)
			} else {
				paths, berr := assemble.Build(sess, e.store)
				if berr != nil {
					return berr
				}
				for _, path := range paths {
					fmt.Printf("Wrote %s\n", path)
				}
			}

			if aiSummary {
				summary, serr := e.sessions.Summarize(cmd.Context(), sess)
				if serr != nil {
					return serr
				}
				path, werr := e.store.WriteOutput(sess.Name, "ai-summary.md", []byte(summary))
				if werr != nil {
					return werr
				}
				fmt.Printf("Wrote %s\n", path)
			}

			return nil
		},
	}

	cmd.Flags().StringP("output", "o", "", "Build a single output by ID")
	cmd.Flags().Bool("ai-summary", false, "Also write an AI-generated narrative summary")
	return cmd
}

func newExportCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "export <session>",
		Short: "Print the full session document as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := newEnv(cmd)
			if err != nil {
				return err
			}
			defer e.close()

			sess, err := e.sessions.Get(args[0])
			if err != nil {
				return err
			}

			data, err := session.ExportJSON(sess)
			if err != nil {
				return err
			}

			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}
}

func newTemplatesCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "templates",
		Short: "Inspect capture templates",
		RunE:  runTemplatesList,
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List discovered templates",
		RunE:  runTemplatesList,
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "show <name>",
		Short: "Print a template as YAML",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := newEnv(cmd)
			if err != nil {
				return err
			}
			defer e.close()

			tmpl, ok := e.templates[args[0]]
			if !ok {
				return fmt.Errorf("template %q not found (have %s)",
					args[0], strings.Join(templateNames(e.templates), ", "))
			}

			data, err := yaml.Marshal(tmpl)
			if err != nil {
				return err
			}
			fmt.Print(string(data))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "validate <path>",
		Short: "Check a template file without installing it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tmpl, err := template.LoadFile(args[0])
			if err != nil {
				return err
			}
			fmt.Printf("OK: %s (%d phases, %d outputs)\n",
				tmpl.Name, len(tmpl.Phases), len(tmpl.Outputs))
			return nil
		},
	})

	return cmd
}

func runTemplatesList(cmd *cobra.Command, args []string) error {
	e, err := newEnv(cmd)
	if err != nil {
		return err
	}
	defer e.close()

	if len(e.templates) == 0 {
		fmt.Printf("No templates found in: %s\n", strings.Join(e.cfg.Templates.Dirs, ", "))
		return nil
	}

	for _, name := range templateNames(e.templates) {
		tmpl := e.templates[name]
		fmt.Printf("%s  %d phase(s), %d output(s)\n", name, len(tmpl.Phases), len(tmpl.Outputs))
		if tmpl.Description != "" {
			fmt.Printf("  %s\n", tmpl.Description)
		}
	}
	return nil
}

func newModelsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "models",
		Short: "Show AI backend availability",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := newEnv(cmd)
			if err != nil {
				return err
			}
			defer e.close()

			for _, backend := range provider.All(providerConfig(e.cfg), e.logger) {
				state := "unavailable"
				if backend.Available() {
					state = "available"
				}
				active := ""
				if backend.Name() == e.providerName {
					active = "  (active)"
				}
				fmt.Printf("%-10s %s%s\n", backend.Name(), state, active)
			}

			if e.providerName == "" {
				fmt.Println("\nNo backend active. Set ANTHROPIC_API_KEY or OPENAI_API_KEY, or run a local ollama server.")
			}
			return nil
		},
	}
}

func newConfigCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, _ := cmd.Flags().GetString("config")
			cfg, err := config.Load(path)
			if err != nil {
				return err
			}

			data, err := yaml.Marshal(cfg)
			if err != nil {
				return err
			}
			fmt.Print(string(data))
			return nil
		},
	}
}

func newMCPCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve sessions over the Model Context Protocol on stdio",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := newEnv(cmd)
			if err != nil {
				return err
			}
			defer e.close()

			srv, err := mcp.NewServer(&mcp.Config{
				Name:    "distill",
				Version: version,
				Logger:  e.logger,
			}, e.sessions, e.store, e.templates)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return srv.Run(ctx)
		},
	}
}

// resolveTemplates turns each --template value into a loaded template and
// merges them when there is more than one. A value with a path separator or
// a YAML extension loads from disk; anything else is looked up among
// discovered templates.
func resolveTemplates(discovered map[string]*models.Template, names []string) (*models.Template, error) {
	var tmpls []*models.Template
	for _, name := range names {
		if isTemplatePath(name) {
			tmpl, err := template.LoadFile(name)
			if err != nil {
				return nil, err
			}
			tmpls = append(tmpls, tmpl)
			continue
		}
		tmpl, ok := discovered[name]
		if !ok {
			return nil, fmt.Errorf("template %q not found (have %s)",
				name, strings.Join(templateNames(discovered), ", "))
		}
		tmpls = append(tmpls, tmpl)
	}

	if len(tmpls) == 1 {
		return tmpls[0], nil
	}
	return template.Merge(tmpls...)
}

func isTemplatePath(name string) bool {
	return strings.ContainsRune(name, os.PathSeparator) ||
		strings.HasSuffix(name, ".yaml") ||
		strings.HasSuffix(name, ".yml")
}

func templateNames(templates map[string]*models.Template) []string {
	if len(templates) == 0 {
		return []string{"none"}
	}
	names := make([]string, 0, len(templates))
	for name := range templates {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
