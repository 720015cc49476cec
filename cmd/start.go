package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/wine-lab/ovs-tsn/internal/config"
	"github.com/wine-lab/ovs-tsn/internal/core/defrag"
	"github.com/wine-lab/ovs-tsn/internal/log"
	"github.com/wine-lab/ovs-tsn/internal/metrics"
	"github.com/wine-lab/ovs-tsn/internal/pipeline"
	"github.com/wine-lab/ovs-tsn/internal/report"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the reassembly datapath",
	Long: `
Start the ovs-tsn datapath: capture from the configured interface,
reassemble fragmented IPv4 traffic and publish datagram events.

Examples:
  ovs-tsn start                             # Start with /etc/ovs-tsn/config.yml
  ovs-tsn start -c config.yml               # Start with a specific config file
`,
	Run: func(cmd *cobra.Command, args []string) {
		runStartCommand()
	},
}

func runStartCommand() {
	cfg, err := config.Load(configFile)
	if err != nil {
		exitWithError("failed to load configuration", err)
	}

	if err := log.Init(log.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		File: log.FileConfig{
			Enabled:    cfg.Log.File.Enabled,
			Path:       cfg.Log.File.Path,
			MaxSizeMB:  cfg.Log.File.MaxSizeMB,
			MaxAgeDays: cfg.Log.File.MaxAgeDays,
			MaxBackups: cfg.Log.File.MaxBackups,
			Compress:   cfg.Log.File.Compress,
		},
	}); err != nil {
		exitWithError("failed to initialize logging", err)
	}
	logger := log.GetLogger()

	var metricsServer *metrics.Server
	if cfg.Metrics.Enabled {
		metricsServer = metrics.NewServer(cfg.Metrics.Listen, cfg.Metrics.Path)
		if err := metricsServer.Start(); err != nil {
			exitWithError("failed to start metrics server", err)
		}
	}

	handle, err := pipeline.OpenCapture(pipeline.CaptureConfig{
		Interface:   cfg.Datapath.Capture.Interface,
		BPFFilter:   cfg.Datapath.Capture.BPFFilter,
		SnapLen:     cfg.Datapath.Capture.SnapLen,
		Promiscuous: cfg.Datapath.Capture.Promiscuous,
		PollTimeout: cfg.Datapath.Capture.PollTimeout,
	})
	if err != nil {
		exitWithError("failed to open capture", err)
	}
	defer handle.Close()

	engineCfg := defrag.Config{
		Timeout:       cfg.Datapath.Defrag.Timeout,
		HighThreshold: cfg.Datapath.Defrag.HighWatermarkBytes,
		LowThreshold:  cfg.Datapath.Defrag.LowWatermarkBytes,
		MaxSpread:     cfg.Datapath.Defrag.MaxSpread,
	}
	if cfg.Datapath.Defrag.NotifyTimeouts {
		engineCfg.Resolver = pipeline.NewHostResolver()
		engineCfg.Notifier = pipeline.NewICMPNotifier(&pipeline.HandleInjector{Handle: handle})
	}
	engine := defrag.New(engineCfg)

	reporters, err := buildReporters(cfg)
	if err != nil {
		exitWithError("failed to build reporters", err)
	}

	p := pipeline.New(pipeline.Config{
		User: cfg.User(),
		VIF:  cfg.Datapath.Defrag.VIF,
	}, handle, engine, reporters)
	if err := p.Start(); err != nil {
		exitWithError("failed to start pipeline", err)
	}

	logger.WithField("interface", cfg.Datapath.Capture.Interface).Info("datapath running")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	s := <-sig
	logger.WithField("signal", s.String()).Info("shutting down")

	p.Stop()
	if metricsServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := metricsServer.Stop(ctx); err != nil {
			logger.WithError(err).Warn("metrics server shutdown failed")
		}
		cancel()
	}
}

func buildReporters(cfg *config.Config) ([]report.Reporter, error) {
	var reporters []report.Reporter
	if cfg.Reporters.Log.Enabled {
		reporters = append(reporters, report.NewLogReporter())
	}
	if cfg.Reporters.Kafka.Enabled {
		kr, err := report.NewKafkaReporter(cfg.Reporters.Kafka.KafkaConfig)
		if err != nil {
			return nil, err
		}
		reporters = append(reporters, kr)
	}
	return reporters, nil
}
