package main

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"strings"

	"github.com/mpataki/distill/internal/config"
	"github.com/mpataki/distill/internal/provider"
	"github.com/mpataki/distill/internal/telemetry"
	"github.com/mpataki/distill/internal/template"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newDoctorCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check the local environment",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			failures := 0

			fmt.Fprintf(out, "distill %s on %s/%s\n\n", version, runtime.GOOS, runtime.GOARCH)

			path, _ := cmd.Flags().GetString("config")
			if path == "" {
				defaultPath, err := config.DefaultConfigPath()
				if err != nil {
					return err
				}
				path = defaultPath
			}
			if _, err := os.Stat(path); err == nil {
				fmt.Fprintf(out, "config: %s\n", path)
			} else {
				fmt.Fprintf(out, "config: %s (not found, using defaults)\n", path)
			}

			cfg, err := config.Load(path)
			if err != nil {
				fmt.Fprintf(out, "config: INVALID: %v\n", err)
				return errors.New("configuration is invalid")
			}

			if err := ensureWritable(cfg.Storage.DataDir); err != nil {
				failures++
				fmt.Fprintf(out, "data dir: %s NOT WRITABLE: %v\n", cfg.Storage.DataDir, err)
			} else {
				fmt.Fprintf(out, "data dir: %s (writable)\n", cfg.Storage.DataDir)
			}

			templates, err := template.Discover(cfg.Templates.Dirs)
			if err != nil {
				failures++
				fmt.Fprintf(out, "templates: FAILED: %v\n", err)
			} else {
				fmt.Fprintf(out, "templates: %d found in %s\n",
					len(templates), strings.Join(cfg.Templates.Dirs, ", "))
			}

			fmt.Fprintln(out, "backends:")
			available := 0
			for _, backend := range provider.All(providerConfig(cfg), zap.NewNop()) {
				if backend.Available() {
					available++
					fmt.Fprintf(out, "  - %s: OK\n", backend.Name())
				} else {
					fmt.Fprintf(out, "  - %s: unavailable\n", backend.Name())
				}
			}
			if available == 0 {
				fmt.Fprintln(out, "  no backend available; transcription and extraction will refuse to run")
			}

			if !cfg.Telemetry.Enabled {
				fmt.Fprintln(out, "telemetry: disabled")
			} else if recorder, terr := telemetry.Open(cfg.TelemetryPath(), zap.NewNop()); terr != nil {
				failures++
				fmt.Fprintf(out, "telemetry: FAILED to open %s: %v\n", cfg.TelemetryPath(), terr)
			} else {
				counts, _ := recorder.CountByCommand()
				total := 0
				for _, n := range counts {
					total += n
				}
				recorder.Close()
				fmt.Fprintf(out, "telemetry: %s (%d events)\n", cfg.TelemetryPath(), total)
			}

			if failures > 0 {
				return fmt.Errorf("%d check(s) failed", failures)
			}
			fmt.Fprintln(out, "\nAll checks passed.")
			return nil
		},
	}
}

// ensureWritable proves the directory exists and accepts writes.
func ensureWritable(dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	f, err := os.CreateTemp(dir, "doctor-*")
	if err != nil {
		return err
	}
	name := f.Name()
	f.Close()
	return os.Remove(name)
}
