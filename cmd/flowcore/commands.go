package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/rendis/flowcore/internal/logging"
	"github.com/rendis/flowcore/internal/orchestrator"
	"github.com/rendis/flowcore/pkg/schema"
)

// cli carries the configuration shared by the subcommands.
type cli struct {
	v          *viper.Viper
	configFile string
	cfg        Config
	logger     *slog.Logger
	stderr     io.Writer
}

func newRootCmd() *cobra.Command {
	c := &cli{v: viper.New(), stderr: os.Stderr}
	root := &cobra.Command{
		Use:          "flowcore",
		Short:        "Workflow engine, pipeline orchestrator and rules engine",
		Version:      version,
		SilenceUsage: true,

		PersistentPreRunE: func(*cobra.Command, []string) error {
			return c.load()
		},
	}

	f := root.PersistentFlags()
	f.StringVar(&c.configFile, "config", "", "config file (default ./flowcore.yaml or ~/.flowcore/flowcore.yaml)")
	f.String("log-level", "info", "log level: debug, info, warn, error")
	f.String("log-format", "text", "log format: text, json")
	f.String("metadata-dir", "", "directory of YAML/JSON definitions loaded at startup")
	f.String("store", "memory", "key-value store: memory, libsql, redis")
	f.String("store-dsn", "", "store DSN (libsql file URI or redis URL)")
	for key, flag := range map[string]string{
		"log.level":    "log-level",
		"log.format":   "log-format",
		"metadata_dir": "metadata-dir",
		"store.driver": "store",
		"store.dsn":    "store-dsn",
	} {
		_ = c.v.BindPFlag(key, f.Lookup(flag))
	}

	root.AddCommand(
		c.serveCmd(),
		c.mcpCmd(),
		c.runCmd(),
		c.startCmd(),
		c.completeCmd(),
		c.healthCmd(),
	)
	return root
}

func (c *cli) load() error {
	cfg, err := loadConfig(c.v, c.configFile)
	if err != nil {
		return err
	}
	c.cfg = cfg
	c.logger = logging.New(cfg.Log.Level, cfg.Log.Format, c.stderr)
	return nil
}

// withApp wires the components, runs fn and releases them.
func (c *cli) withApp(ctx context.Context, fn func(ctx context.Context, a *app) error) error {
	a, err := newApp(ctx, c.cfg, c.logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			c.logger.Warn("shutdown", slog.String("error", err.Error()))
		}
	}()
	return fn(ctx, a)
}

func (c *cli) serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the engines, event and job workers and the maintenance scheduler",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				return a.serve(ctx)
			})
		},
	}
}

func (c *cli) mcpCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve the engines as MCP tools over stdio",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				return a.serveMCP(ctx)
			})
		},
	}
}

func (c *cli) runCmd() *cobra.Command {
	var inputs, key string
	cmd := &cobra.Command{
		Use:   "run <pipeline-id>",
		Short: "Run a pipeline and print its result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in, err := parseObject("inputs", inputs)
			if err != nil {
				return err
			}
			return c.withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				p, err := a.catalog.Pipeline(ctx, args[0])
				if err != nil {
					return err
				}
				var opts []orchestrator.ExecOption
				if key != "" {
					opts = append(opts, orchestrator.WithIdempotencyKey(key))
				}
				res, err := a.orch.Execute(ctx, p, in, opts...)
				if err != nil {
					return err
				}
				if err := printJSON(cmd.OutOrStdout(), res); err != nil {
					return err
				}
				if !res.Success {
					return fmt.Errorf("pipeline %s failed: %s", p.ID, res.Message)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&inputs, "inputs", "", "pipeline inputs as a JSON object")
	cmd.Flags().StringVar(&key, "key", "", "idempotency key")
	return cmd
}

func (c *cli) startCmd() *cobra.Command {
	var inputs, key string
	var wait time.Duration
	cmd := &cobra.Command{
		Use:   "start <workflow-id>",
		Short: "Start a workflow execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in, err := parseObject("inputs", inputs)
			if err != nil {
				return err
			}
			return c.withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				exec, err := a.engine.StartExecution(ctx, args[0], in, "cli", key)
				if err != nil {
					return err
				}
				if wait > 0 {
					if exec, err = a.settle(ctx, exec.ID, wait); err != nil {
						return err
					}
				}
				return printJSON(cmd.OutOrStdout(), exec)
			})
		},
	}
	cmd.Flags().StringVar(&inputs, "inputs", "", "initial context as a JSON object")
	cmd.Flags().StringVar(&key, "key", "", "idempotency key")
	cmd.Flags().DurationVar(&wait, "wait", 0, "wait up to this long for the execution to stop running")
	return cmd
}

func (c *cli) completeCmd() *cobra.Command {
	var result string
	var wait time.Duration
	cmd := &cobra.Command{
		Use:   "complete <execution-id>",
		Short: "Complete the human task an execution is waiting on",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := parseObject("result", result)
			if err != nil {
				return err
			}
			return c.withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				exec, err := a.engine.CompleteHumanTask(ctx, args[0], res)
				if err != nil {
					return err
				}
				if wait > 0 {
					if exec, err = a.settle(ctx, exec.ID, wait); err != nil {
						return err
					}
				}
				return printJSON(cmd.OutOrStdout(), exec)
			})
		},
	}
	cmd.Flags().StringVar(&result, "result", "{}", "task result as a JSON object")
	cmd.Flags().DurationVar(&wait, "wait", 0, "wait up to this long for the execution to stop running")
	return cmd
}

func (c *cli) healthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Print engine health",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				report := a.engine.Health(ctx)
				if err := printJSON(cmd.OutOrStdout(), report); err != nil {
					return err
				}
				if !report.Healthy {
					return errors.New("engine unhealthy")
				}
				return nil
			})
		},
	}
}

// settle polls the execution until it leaves running or retrying, or until
// timeout passes. The last observed state is returned either way.
func (a *app) settle(ctx context.Context, id string, timeout time.Duration) (*schema.Execution, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		exec, err := a.engine.GetExecution(context.WithoutCancel(ctx), id)
		if err != nil {
			return nil, err
		}
		if exec.Status != schema.ExecutionRunning && exec.Status != schema.ExecutionRetrying {
			return exec, nil
		}
		select {
		case <-ctx.Done():
			return exec, nil
		case <-ticker.C:
		}
	}
}

func parseObject(name, raw string) (map[string]any, error) {
	if raw == "" {
		return map[string]any{}, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil, fmt.Errorf("--%s must be a JSON object: %w", name, err)
	}
	if m == nil {
		m = map[string]any{}
	}
	return m, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
