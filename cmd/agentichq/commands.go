package main

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/rahul/agentichq/internal/observability"
	"github.com/rahul/agentichq/internal/plan"
	"github.com/rahul/agentichq/internal/progress"
	"github.com/spf13/cobra"
	"golang.org/x/term"
	"gopkg.in/yaml.v3"
)

func runCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "run <steps-file>",
		Short: "Execute a plan from a JSON or YAML steps file and follow its progress",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			steps, err := loadSteps(args[0])
			if err != nil {
				return err
			}
			if err := plan.ValidateSteps(steps); err != nil {
				return err
			}
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, cfg, observability.NewLoggerTo(io.Discard, filepath.Join("logs", "llm.jsonl")), false)
			if err != nil {
				return err
			}
			defer a.Close()

			// Create first and subscribe before executing so no event is missed.
			p, err := a.store.CreatePlan(ctx, steps)
			if err != nil {
				return err
			}
			sub := a.hub.Subscribe(p.ID)
			defer sub.Close()

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Plan %s: %d steps\n", p.ID, len(steps))
			run := a.engine.Execute(ctx, p.ID, p.Steps)

			events, done := sub.Events(), run.Done()
			for events != nil {
				select {
				case evt, ok := <-events:
					if !ok {
						events = nil
						continue
					}
					printEvent(out, evt)
				case <-done:
					// Buffered events stay readable after Close.
					sub.Close()
					done = nil
				}
			}
			<-run.Done()
			if err := run.Err(); err != nil {
				return err
			}

			status, cursor, reason := run.Status()
			if status == plan.StatusFailed {
				return fmt.Errorf("plan %s failed at step %d: %s", p.ID, cursor, reason)
			}
			for i, res := range run.Results() {
				fmt.Fprintf(out, "\n[%d] %s\n%s\n", i, steps[i].Tool, res.Content)
			}
			return nil
		},
	}
}

// loadSteps reads either a bare step list or an object with a "steps" key.
func loadSteps(path string) ([]plan.Step, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var wrapped struct {
		Steps []plan.Step `json:"steps" yaml:"steps"`
	}
	var steps []plan.Step
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &steps); err != nil {
			if err := yaml.Unmarshal(data, &wrapped); err != nil {
				return nil, fmt.Errorf("decode %s: %w", path, err)
			}
			steps = wrapped.Steps
		}
	default:
		if err := json.Unmarshal(data, &steps); err != nil {
			if err := json.Unmarshal(data, &wrapped); err != nil {
				return nil, fmt.Errorf("decode %s: %w", path, err)
			}
			steps = wrapped.Steps
		}
	}
	return steps, nil
}

func printEvent(w io.Writer, evt progress.Event) {
	switch evt.Kind {
	case progress.StepStarted:
		tool := ""
		if evt.Step != nil {
			tool = evt.Step.Tool
		}
		fmt.Fprintf(w, "  [%d/%d] %s ...\n", evt.StepIndex+1, evt.TotalSteps, tool)
	case progress.StepCompleted:
		fmt.Fprintf(w, "  [%d/%d] done\n", evt.StepIndex+1, evt.TotalSteps)
	case progress.StepFailed:
		fmt.Fprintf(w, "  [%d/%d] failed: %s\n", evt.StepIndex+1, evt.TotalSteps, evt.Error)
	case progress.PlanCompleted:
		fmt.Fprintln(w, "Plan completed")
	case progress.PlanFailed:
		fmt.Fprintln(w, "Plan failed")
	}
}

func planCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Inspect stored plans",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show <id>",
		Short: "Print a plan and its step executions as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			st, _, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			p, err := st.GetPlan(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			execs, err := st.ListStepExecutions(cmd.Context(), p.ID)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(struct {
				*plan.Plan
				Executions []*plan.StepExecution `json:"executions"`
			}{p, execs})
		},
	})

	var statuses []string
	list := &cobra.Command{
		Use:   "list",
		Short: "List plans, optionally filtered by status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			st, _, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			filter := make([]plan.Status, 0, len(statuses))
			for _, s := range statuses {
				status := plan.Status(s)
				if !status.Valid() {
					return fmt.Errorf("unknown status %q", s)
				}
				filter = append(filter, status)
			}
			plans, err := st.ListPlans(cmd.Context(), filter...)
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tSTATUS\tSTEP\tCREATED")
			for _, p := range plans {
				fmt.Fprintf(tw, "%s\t%s\t%d/%d\t%s\n", p.ID, p.Status, p.CurrentStep, len(p.Steps), p.CreatedAt.Format("2006-01-02 15:04:05"))
			}
			return tw.Flush()
		},
	}
	list.Flags().StringSliceVar(&statuses, "status", nil, "Only plans in these statuses (pending, running, completed, failed)")
	cmd.AddCommand(list)
	return cmd
}

func toolsCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "tools",
		Short: "List the registered tools",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			a, err := newApp(cmd.Context(), cfg, observability.NewLoggerTo(io.Discard, ""), false)
			if err != nil {
				return err
			}
			defer a.Close()

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			for _, d := range a.registry.Catalog() {
				fmt.Fprintf(tw, "%s\t%s\n", d.Name, d.Description)
			}
			return tw.Flush()
		},
	}
}

func keysCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Manage encrypted provider credentials",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "set <provider> [key]",
		Short: "Store a key; prompts for it when omitted",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			key := ""
			if len(args) == 2 {
				key = args[1]
			} else {
				var err error
				if key, err = readSecret(cmd, fmt.Sprintf("Key for %s: ", args[0])); err != nil {
					return err
				}
			}
			if key == "" {
				return errors.New("key is required")
			}

			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			st, keys, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			if err := keys.SetKey(cmd.Context(), args[0], key); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Saved key for %s\n", args[0])
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "delete <provider>",
		Short: "Remove a stored key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			st, keys, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			if err := keys.DeleteKey(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted key for %s\n", args[0])
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "status <provider>",
		Short: "Show whether a key is configured and where it comes from",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			st, keys, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			status, err := keys.Status(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if !status.HasKey {
				fmt.Fprintf(out, "%s: no key\n", args[0])
				return nil
			}
			fmt.Fprintf(out, "%s: key from %s", args[0], status.Source)
			if status.KeyPreview != "" {
				fmt.Fprintf(out, " (%s...)", status.KeyPreview)
			}
			if status.UpdatedAt != nil {
				fmt.Fprintf(out, ", updated %s", status.UpdatedAt.Format("2006-01-02 15:04"))
			}
			fmt.Fprintln(out)
			return nil
		},
	})
	return cmd
}

// readSecret reads a line without echo when stdin is a terminal.
func readSecret(cmd *cobra.Command, prompt string) (string, error) {
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		fmt.Fprint(cmd.ErrOrStderr(), prompt)
		b, err := term.ReadPassword(fd)
		fmt.Fprintln(cmd.ErrOrStderr())
		if err != nil {
			return "", err
		}
		return strings.TrimSpace(string(b)), nil
	}
	line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	return strings.TrimSpace(line), nil
}
