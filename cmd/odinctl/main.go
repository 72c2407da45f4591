// Command odinctl inspects and feeds an odin cell.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sholiday/odin/internal/backend"
	"github.com/sholiday/odin/internal/cell"
	"github.com/sholiday/odin/internal/config"
	"github.com/sholiday/odin/internal/dispatch"
	"github.com/sholiday/odin/internal/logger"
	"github.com/sholiday/odin/internal/models"
	natsclient "github.com/sholiday/odin/internal/nats"
)

type globals struct {
	cfgFile  string
	cell     string
	zk       string
	backend  string
	dataDir  string
	agentURL string
	natsURL  string
	verbose  bool
}

func main() {
	if err := newRootCmd(os.Stdout).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd(out io.Writer) *cobra.Command {
	g := &globals{}
	root := &cobra.Command{
		Use:           "odinctl",
		Short:         "Inspect machines and dispatch tasks in an odin cell",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.CompletionOptions.DisableDefaultCmd = true
	root.SetOut(out)

	pf := root.PersistentFlags()
	pf.StringVar(&g.cfgFile, "config", "", "path to a YAML config file")
	pf.StringVar(&g.cell, "cell", "", "cell root path")
	pf.StringVar(&g.zk, "zk", "", "comma-separated ZooKeeper servers")
	pf.StringVar(&g.backend, "backend", "", "coordination backend (zookeeper, local)")
	pf.StringVar(&g.dataDir, "data-dir", "", "local backend data directory")
	pf.StringVar(&g.agentURL, "agent", "http://localhost:8080", "agent HTTP API base URL")
	pf.StringVar(&g.natsURL, "nats", "", "NATS URL for events")
	pf.BoolVarP(&g.verbose, "verbose", "v", false, "log diagnostics to stderr")

	root.AddCommand(machineCmd(g), taskCmd(g), eventsCmd(g), pingCmd(g), statusCmd(g))
	return root
}

func (g *globals) config() (*config.Config, error) {
	args := make(map[string]string)
	for key, v := range map[string]string{
		"cell":                  g.cell,
		"coordination.servers":  g.zk,
		"coordination.backend":  g.backend,
		"coordination.data_dir": g.dataDir,
		"nats.url":              g.natsURL,
	} {
		if v != "" {
			args[key] = v
		}
	}
	return config.NewLoader().WithConfigPath(g.cfgFile).WithCmdArgs(args).Load()
}

func (g *globals) logger() *zap.Logger {
	if !g.verbose {
		return zap.NewNop()
	}
	log, err := logger.New(logger.Config{Level: "debug", Format: "console"})
	if err != nil {
		return zap.NewNop()
	}
	return log
}

// withCell runs fn against the configured cell.
func (g *globals) withCell(cmd *cobra.Command, fn func(ctx context.Context, c *cell.Client) error) error {
	cfg, err := g.config()
	if err != nil {
		return err
	}
	log := g.logger()
	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()

	conn, err := backend.Open(ctx, cfg.Coordination, log)
	if err != nil {
		return err
	}
	defer conn.Close()

	c, err := cell.New(ctx, conn, cfg.Cell, cell.WithLogger(log))
	if err != nil {
		return err
	}
	return fn(ctx, c)
}

// resolveMachine accepts a full machine path or a bare machine id.
func resolveMachine(c *cell.Client, arg string) string {
	if strings.HasPrefix(arg, "/") {
		return arg
	}
	return c.MachinesPath() + "/" + arg
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func machineCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{Use: "machine", Short: "Inspect registered machines"}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List machines of the cell",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return g.withCell(cmd, func(ctx context.Context, c *cell.Client) error {
				paths, err := c.ListMachines(ctx)
				if err != nil {
					return err
				}
				for _, p := range paths {
					m, err := c.GetMachine(ctx, p)
					if err != nil {
						fmt.Fprintf(cmd.OutOrStdout(), "%s\t<%v>\n", p, err)
						continue
					}
					fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\n", p, m.Name, m.Region)
				}
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "get MACHINE",
		Short: "Show a machine record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.withCell(cmd, func(ctx context.Context, c *cell.Client) error {
				m, err := c.GetMachine(ctx, resolveMachine(c, args[0]))
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), m)
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "remove MACHINE",
		Short: "Remove a machine node",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.withCell(cmd, func(ctx context.Context, c *cell.Client) error {
				p := resolveMachine(c, args[0])
				removed, err := c.RemoveMachine(ctx, p)
				if err != nil {
					return err
				}
				if removed {
					fmt.Fprintf(cmd.OutOrStdout(), "removed %s\n", p)
				} else {
					fmt.Fprintf(cmd.OutOrStdout(), "%s does not exist\n", p)
				}
				return nil
			})
		},
	})
	return cmd
}

func taskCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{Use: "task", Short: "Dispatch and list tasks"}

	var (
		job         string
		command     string
		directory   string
		autorestart string
		user        string
		startSecs   int32
		fromFile    string
	)
	add := &cobra.Command{
		Use:   "add MACHINE",
		Short: "Append a task to a machine's task directory",
		Example: `  odinctl task add m-0000000001 --command "sleep 600" --autorestart false
  odinctl task add /odin/prod/machines/m-0000000001 --file task.json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			task := &models.Task{}
			if fromFile != "" {
				data, err := os.ReadFile(fromFile)
				if err != nil {
					return err
				}
				if err := json.Unmarshal(data, task); err != nil {
					return fmt.Errorf("%s: %w", fromFile, err)
				}
			} else {
				task.Runnable = &models.Runnable{}
				flags := cmd.Flags()
				if flags.Changed("job") {
					task.Job = models.String(job)
				}
				if flags.Changed("command") {
					task.Runnable.Command = models.String(command)
				}
				if flags.Changed("directory") {
					task.Runnable.Directory = models.String(directory)
				}
				if flags.Changed("autorestart") {
					task.Runnable.Autorestart = models.String(autorestart)
				}
				if flags.Changed("user") {
					task.Runnable.User = models.String(user)
				}
				if flags.Changed("startsecs") {
					task.Runnable.StartSecs = models.Int32(startSecs)
				}
			}
			return g.withCell(cmd, func(ctx context.Context, c *cell.Client) error {
				p, err := dispatch.New(c, dispatch.WithLogger(g.logger())).AddTaskToMachine(ctx, task, resolveMachine(c, args[0]))
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), p)
				return nil
			})
		},
	}
	f := add.Flags()
	f.StringVar(&job, "job", "", "job name")
	f.StringVar(&command, "command", "", "command to run")
	f.StringVar(&directory, "directory", "", "working directory")
	f.StringVar(&autorestart, "autorestart", "", "restart policy (true, false, unexpected)")
	f.StringVar(&user, "user", "", "user to run as")
	f.Int32Var(&startSecs, "startsecs", 0, "seconds the process must stay up to count as started")
	f.StringVarP(&fromFile, "file", "f", "", "read the task as JSON from a file")
	cmd.AddCommand(add)

	cmd.AddCommand(&cobra.Command{
		Use:   "list MACHINE",
		Short: "List tasks dispatched to a machine, oldest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.withCell(cmd, func(ctx context.Context, c *cell.Client) error {
				entries, err := dispatch.New(c).Pending(ctx, resolveMachine(c, args[0]))
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), entries)
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "process TASK",
		Short: "Show the agent's process for a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return agentDo(cmd, http.MethodGet, g.agentURL+"/tasks/"+url.PathEscape(args[0])+"/process")
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "stop TASK",
		Short: "Stop a task's process and remove it from the agent's group",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := agentDo(cmd, http.MethodDelete, g.agentURL+"/tasks/"+url.PathEscape(args[0])+"/process"); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "stopped %s\n", args[0])
			return nil
		},
	})
	return cmd
}

func eventsCmd(g *globals) *cobra.Command {
	var subject string
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Stream lifecycle events until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := g.config()
			if err != nil {
				return err
			}
			if cfg.NATS.URL == "" {
				return fmt.Errorf("no NATS URL configured")
			}
			sub, err := natsclient.NewSubscriber(cfg.NATS.URL, "odinctl", g.logger())
			if err != nil {
				return err
			}
			defer sub.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			enc := json.NewEncoder(cmd.OutOrStdout())
			return sub.Listen(ctx, subject, func(ev natsclient.Event) {
				_ = enc.Encode(ev)
			})
		},
	}
	cmd.Flags().StringVar(&subject, "subject", natsclient.SubjectAll, "subject to subscribe to")
	return cmd
}

func pingCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "ping",
		Short: "Check that an agent's HTTP API answers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return agentDo(cmd, http.MethodGet, g.agentURL+"/ping")
		},
	}
}

func statusCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show an agent's machine, state and started task count",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return agentDo(cmd, http.MethodGet, g.agentURL+"/status")
		},
	}
}

// agentDo sends a bodiless request to the agent and copies a successful
// response to the command's output.
func agentDo(cmd *cobra.Command, method, target string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, method, target, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("%s %s: %s: %s", method, target, resp.Status, strings.TrimSpace(string(body)))
	}
	_, err = io.Copy(cmd.OutOrStdout(), resp.Body)
	return err
}
