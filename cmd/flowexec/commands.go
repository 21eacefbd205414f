package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/vallit/flowexec/internal/diagram"
	"github.com/vallit/flowexec/internal/engine"
	"github.com/vallit/flowexec/internal/logging"
	"github.com/vallit/flowexec/internal/service"
	"github.com/vallit/flowexec/internal/store"
	"github.com/vallit/flowexec/pkg/schema"
)

// openCLIApp wires an app for a one-shot command. The scheduler stays off.
func openCLIApp(ctx context.Context) (*app, error) {
	cfg := loadConfig()
	cfg.Scheduler = false
	level := new(slog.LevelVar)
	// One-shot commands stay quiet at the default level.
	level.Set(max(logging.ParseLevel(cfg.LogLevel), slog.LevelWarn))
	if logging.ParseLevel(cfg.LogLevel) == slog.LevelDebug {
		level.Set(slog.LevelDebug)
	}
	return newApp(ctx, cfg, newLogger(os.Stderr, level))
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newInitCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write settings.json and reload a running server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig()
			flags := cmd.Flags()
			if flags.Changed("listen-addr") {
				cfg.ListenAddr, _ = flags.GetString("listen-addr")
			}
			if flags.Changed("db-path") {
				cfg.DBPath, _ = flags.GetString("db-path")
			}
			if flags.Changed("log-level") {
				cfg.LogLevel, _ = flags.GetString("log-level")
			}
			if flags.Changed("pool-size") {
				cfg.PoolSize, _ = flags.GetInt("pool-size")
			}
			if flags.Changed("redis-addr") {
				cfg.RedisAddr, _ = flags.GetString("redis-addr")
			}
			if flags.Changed("scheduler") {
				cfg.Scheduler, _ = flags.GetBool("scheduler")
			}

			path, err := writeSettings(cfg)
			if err != nil {
				return fmt.Errorf("write settings: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Config written to %s\n", path)
			if signalRunningServer() {
				fmt.Fprintln(cmd.OutOrStdout(), "Signaled running server to reload configuration")
			}
			return nil
		},
	}
	cmd.Flags().String("listen-addr", "", "TCP listen address")
	cmd.Flags().String("db-path", "", "database path (default: ~/.flowexec/flowexec.db)")
	cmd.Flags().String("log-level", "", "log level: debug, info, warn, error")
	cmd.Flags().Int("pool-size", 0, "scheduled run concurrency")
	cmd.Flags().String("redis-addr", "", "Redis address for run events")
	cmd.Flags().Bool("scheduler", true, "run scheduled jobs")
	return cmd
}

// definitionFile is the on-disk form accepted by define.
type definitionFile struct {
	Name        string                    `json:"name" yaml:"name"`
	Description string                    `json:"description" yaml:"description"`
	Status      schema.WorkflowStatus     `json:"status" yaml:"status"`
	Definition  schema.WorkflowDefinition `json:"definition" yaml:"definition"`
}

// readDefinitionFile parses a YAML or JSON definition file, chosen by extension.
func readDefinitionFile(path string) (*definitionFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var f definitionFile
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &f)
	default:
		err = json.Unmarshal(data, &f)
	}
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &f, nil
}

func newDefineCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "define",
		Short: "Validate and store a workflow from a YAML or JSON file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			file, _ := cmd.Flags().GetString("file")
			userID, _ := cmd.Flags().GetString("user")
			dryRun, _ := cmd.Flags().GetBool("validate-only")

			f, err := readDefinitionFile(file)
			if err != nil {
				return err
			}
			if name, _ := cmd.Flags().GetString("name"); name != "" {
				f.Name = name
			}

			a, err := openCLIApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			if dryRun {
				return printJSON(cmd.OutOrStdout(), a.workflows.Validate(&f.Definition))
			}
			out, err := a.workflows.Define(cmd.Context(), service.DefineRequest{
				UserID:      userID,
				Name:        f.Name,
				Description: f.Description,
				Status:      f.Status,
				Definition:  f.Definition,
			})
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
	cmd.Flags().StringP("file", "f", "", "definition file (.yaml, .yml or .json)")
	cmd.Flags().StringP("user", "u", "", "owner of the workflow")
	cmd.Flags().String("name", "", "workflow name (overrides the file)")
	cmd.Flags().Bool("validate-only", false, "validate without storing")
	_ = cmd.MarkFlagRequired("file")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func newRunCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <workflow-id>",
		Short: "Execute a stored workflow and print its result envelope",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, _ := cmd.Flags().GetString("user")
			rawInput, _ := cmd.Flags().GetString("input")

			input := map[string]any{}
			if rawInput != "" {
				if err := json.Unmarshal([]byte(rawInput), &input); err != nil {
					return fmt.Errorf("parse --input: %w", err)
				}
			}

			a, err := openCLIApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			ctx := engine.WithTrigger(cmd.Context(), store.TriggerManual)
			res, err := a.workflows.Execute(ctx, args[0], userID, input)
			if err != nil {
				return err
			}
			if err := printJSON(cmd.OutOrStdout(), res); err != nil {
				return err
			}
			if !res.Success {
				return fmt.Errorf("run failed: %s", res.Error)
			}
			return nil
		},
	}
	cmd.Flags().StringP("user", "u", "", "user the run executes for")
	cmd.Flags().String("input", "", "run input as a JSON object")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func newRunsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List run history, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, _ := cmd.Flags().GetString("user")
			workflowID, _ := cmd.Flags().GetString("workflow")
			status, _ := cmd.Flags().GetString("status")
			limit, _ := cmd.Flags().GetInt("limit")

			a, err := openCLIApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			runs, err := a.workflows.Runs(cmd.Context(), store.RunFilter{
				UserID:     userID,
				WorkflowID: workflowID,
				Status:     schema.RunStatus(status),
				Limit:      limit,
			})
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), runs)
		},
	}
	cmd.Flags().StringP("user", "u", "", "owner of the runs")
	cmd.Flags().String("workflow", "", "only runs of this workflow")
	cmd.Flags().String("status", "", "only runs in this status")
	cmd.Flags().Int("limit", store.DefaultRunLimit, "maximum runs listed")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func newDiagramCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "diagram <workflow-id>",
		Short: "Draw a workflow's step graph, optionally with a run's progress",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, _ := cmd.Flags().GetString("user")
			runID, _ := cmd.Flags().GetString("run")
			format, _ := cmd.Flags().GetString("format")
			output, _ := cmd.Flags().GetString("output")

			a, err := openCLIApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			model, err := a.workflows.Diagram(cmd.Context(), args[0], userID, runID)
			if err != nil {
				return err
			}

			var data []byte
			switch format {
			case "ascii":
				data = []byte(diagram.RenderASCII(model))
			case "mermaid":
				data = []byte(diagram.RenderMermaid(model))
			case "png":
				if output == "" {
					return fmt.Errorf("png output needs --output")
				}
				if data, err = diagram.RenderImage(cmd.Context(), model); err != nil {
					return err
				}
			default:
				return fmt.Errorf("unknown format %q: use ascii, mermaid or png", format)
			}

			if output == "" {
				_, err = cmd.OutOrStdout().Write(data)
				return err
			}
			return os.WriteFile(output, data, 0o644)
		},
	}
	cmd.Flags().StringP("user", "u", "", "owner of the workflow")
	cmd.Flags().String("run", "", "overlay the progress of this run")
	cmd.Flags().String("format", "ascii", "ascii, mermaid or png")
	cmd.Flags().StringP("output", "o", "", "write to this file instead of stdout")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}
