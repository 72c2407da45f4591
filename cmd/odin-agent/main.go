// Command odin-agent registers this machine in an odin cell and starts every
// task dispatched to it under the local supervisord.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/sholiday/odin/internal/agent"
	"github.com/sholiday/odin/internal/api"
	"github.com/sholiday/odin/internal/backend"
	"github.com/sholiday/odin/internal/cell"
	"github.com/sholiday/odin/internal/config"
	"github.com/sholiday/odin/internal/dispatch"
	"github.com/sholiday/odin/internal/logger"
	"github.com/sholiday/odin/internal/models"
	natsclient "github.com/sholiday/odin/internal/nats"
	"github.com/sholiday/odin/internal/server"
	"github.com/sholiday/odin/internal/supervisor"
	"github.com/sholiday/odin/internal/telemetry"
)

var cfgFile string

// flagPaths maps command-line flags to config paths.
var flagPaths = map[string]string{
	"cell":           "cell",
	"machine":        "machine.path",
	"backend":        "coordination.backend",
	"zk":             "coordination.servers",
	"data-dir":       "coordination.data_dir",
	"supervisor-url": "supervisor.url",
	"group":          "supervisor.group",
	"heartbeat":      "agent.heartbeat",
	"http-addr":      "http.address",
	"grpc-addr":      "grpc.address",
	"metrics-addr":   "metrics.address",
	"nats":           "nats.url",
	"log-level":      "logging.level",
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "odin-agent",
		Short: "Run tasks dispatched to this machine",
		Long: `odin-agent registers this machine in an odin cell, watches its task
directory and adds every new task as a program of the supervisord group it
manages. The supervisord instance must load the twiddler plugin and declare
the group in supervisord.conf.`,
		Example: `  odin-agent --cell /odin/prod --zk zk1:2181,zk2:2181
  odin-agent --backend local --data-dir /var/lib/odin --group dynamic`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          run,
	}
	cmd.CompletionOptions.DisableDefaultCmd = true

	f := cmd.Flags()
	f.StringVar(&cfgFile, "config", "", "path to a YAML config file")
	f.String("cell", "", "cell root path")
	f.String("machine", "", "fixed machine path; a sequential one is created when empty")
	f.String("backend", "", "coordination backend (zookeeper, local)")
	f.String("zk", "", "comma-separated ZooKeeper servers")
	f.String("data-dir", "", "local backend data directory")
	f.String("supervisor-url", "", "supervisord XML-RPC URL (http://, https:// or unix://)")
	f.String("group", "", "supervisord group tasks are added to")
	f.String("heartbeat", "", "idle loop interval, e.g. 60s")
	f.String("http-addr", "", "operator HTTP API address")
	f.String("grpc-addr", "", "gRPC health address")
	f.String("metrics-addr", "", "Prometheus metrics address")
	f.String("nats", "", "NATS URL for lifecycle events")
	f.String("log-level", "", "log level (debug, info, warn, error)")
	return cmd
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	args := make(map[string]string)
	for flag, key := range flagPaths {
		if cmd.Flags().Changed(flag) {
			v, _ := cmd.Flags().GetString(flag)
			args[key] = v
		}
	}
	return config.NewLoader().WithConfigPath(cfgFile).WithCmdArgs(args).Load()
}

func run(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	log, err := logger.New(logger.Config(cfg.Logging))
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	instance := uuid.NewString()
	log = log.With(zap.String("instance", instance))

	_, shutdownTracing, err := telemetry.Setup(telemetry.Options{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: "odin-agent",
		Attributes: []attribute.KeyValue{
			attribute.String("odin.cell", cfg.Cell),
			attribute.String("odin.instance", instance),
		},
	})
	if err != nil {
		return err
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(ctx); err != nil {
			log.Warn("tracing shutdown", zap.Error(err))
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	conn, err := backend.Open(ctx, cfg.Coordination, log)
	if err != nil {
		return fmt.Errorf("coordination: %w", err)
	}
	defer conn.Close()

	cl, err := cell.New(ctx, conn, cfg.Cell, cell.WithLogger(log.Named("cell")))
	if err != nil {
		return err
	}

	endpoint, err := supervisor.New(cfg.Supervisor.URL, supervisor.WithLogger(log.Named("supervisor")))
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	grpcSrv := server.New(log.Named("grpc"))

	opts := []agent.Option{
		agent.WithLogger(log.Named("agent")),
		agent.WithMetrics(agent.NewMetrics(reg)),
		agent.WithStateHook(grpcSrv.SetState),
	}
	dispatchOpts := []dispatch.Option{dispatch.WithLogger(log.Named("dispatch"))}
	if cfg.NATS.URL != "" {
		pub, err := natsclient.NewPublisher(cfg.NATS.URL, "odin-agent-"+instance, log)
		if err != nil {
			log.Warn("lifecycle events disabled", zap.Error(err))
		} else {
			defer pub.Close()
			opts = append(opts, agent.WithPublisher(pub))
			dispatchOpts = append(dispatchOpts, dispatch.WithPublisher(pub))
		}
	}

	a, err := agent.New(cl, endpoint, agent.Config{
		MachinePath: cfg.Machine.Path,
		Machine:     machineRecord(cfg, instance),
		Group:       cfg.Supervisor.Group,
		Heartbeat:   cfg.Agent.Heartbeat,
	}, opts...)
	if err != nil {
		return err
	}

	grpcLis, err := net.Listen("tcp", cfg.GRPC.Address)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.GRPC.Address, err)
	}
	go func() {
		if err := grpcSrv.Serve(grpcLis); err != nil {
			log.Error("grpc serve", zap.Error(err))
		}
	}()
	defer grpcSrv.Stop()

	httpSrv := &http.Server{
		Addr:              cfg.HTTP.Address,
		Handler:           api.NewHTTPHandler(a, dispatch.New(cl, dispatchOpts...), log.Named("http")),
		ReadHeaderTimeout: 10 * time.Second,
	}
	metricsMux := http.NewServeMux()
	api.RegisterMetrics(metricsMux, reg)
	metricsSrv := &http.Server{Addr: cfg.Metrics.Address, Handler: metricsMux, ReadHeaderTimeout: 10 * time.Second}

	for _, s := range []*http.Server{httpSrv, metricsSrv} {
		go func() {
			log.Info("http listening", zap.String("addr", s.Addr))
			if err := s.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("http serve", zap.String("addr", s.Addr), zap.Error(err))
			}
		}()
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		for _, s := range []*http.Server{httpSrv, metricsSrv} {
			if err := s.Shutdown(sctx); err != nil {
				log.Warn("http shutdown", zap.String("addr", s.Addr), zap.Error(err))
			}
		}
	}()

	log.Info("agent starting",
		zap.String("cell", cfg.Cell),
		zap.String("backend", cfg.Coordination.Backend),
		zap.String("supervisor", cfg.Supervisor.URL))
	err = a.Run(ctx)
	log.Info("shutdown initiated")
	return err
}

func machineRecord(cfg *config.Config, instance string) *models.Machine {
	host, _ := os.Hostname()
	name := cfg.Machine.Name
	if name == "" {
		name = host
	}
	meta := make(map[string]string, len(cfg.Machine.Labels)+1)
	for k, v := range cfg.Machine.Labels {
		meta[k] = v
	}
	meta["odin.instance"] = instance
	return &models.Machine{
		Name:         name,
		Region:       cfg.Machine.Region,
		Hostname:     host,
		Capabilities: cfg.Machine.Capabilities,
		Metadata:     meta,
	}
}
