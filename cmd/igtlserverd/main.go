// Command igtlserverd runs the OpenIGTLink streaming server: it loads the
// spec.md §6 domain config (XML) and an ambient ops config (YAML), wires up
// the channel/registry/command/server packages, and serves health,
// metrics and telemetry alongside the data path. Grounded on the teacher's
// cmd/oriond/main.go (flag parsing, slog JSON handler, signal-driven
// shutdown via a context and an error channel).
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/visiona/igtlserver/internal/audit"
	mockchannel "github.com/visiona/igtlserver/internal/channel/mock"
	"github.com/visiona/igtlserver/internal/command"
	"github.com/visiona/igtlserver/internal/config"
	"github.com/visiona/igtlserver/internal/health"
	"github.com/visiona/igtlserver/internal/model"
	"github.com/visiona/igtlserver/internal/server"
	"github.com/visiona/igtlserver/internal/telemetry"
)

const (
	defaultDomainConfigPath = "config/server.xml"
	defaultOpsConfigPath    = "config/ops.yaml"
	shutdownTimeout         = 5 * time.Second
)

func main() {
	domainConfigPath := flag.String("domain-config", defaultDomainConfigPath, "Path to the XML server configuration file")
	opsConfigPath := flag.String("ops-config", defaultOpsConfigPath, "Path to the YAML ops configuration file")
	flag.Parse()

	opsCfg, err := config.LoadOpsConfig(*opsConfigPath)
	if err != nil {
		slog.Error("failed to load ops config", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLogLevel(opsCfg.LogLevel),
	}))
	slog.SetDefault(logger)

	domainCfg, err := config.LoadDomainConfig(*domainConfigPath)
	if err != nil {
		logger.Error("failed to load domain config", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger.Info("starting igtlserverd",
		slog.String("instance_id", opsCfg.InstanceID),
		slog.Int("port", domainCfg.ListeningPort),
		slog.String("output_channel_id", domainCfg.OutputChannelID))

	registry := prometheus.NewRegistry()
	metrics := health.NewMetrics(registry)

	// The production data-acquisition channel is an external collaborator
	// outside this module's scope (spec.md §1); the mock channel stands in
	// for it here so the server is runnable end to end.
	ch := mockchannel.New(logger, 30, 640, 480, 60)

	var auditSink command.AuditSink
	var auditFile *os.File
	if opsCfg.Audit.Enabled {
		auditFile, err = os.OpenFile(opsCfg.Audit.Path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			logger.Error("failed to open audit log", slog.String("error", err.Error()))
			os.Exit(1)
		}
		defer auditFile.Close()
		auditSink = audit.New(auditFile)
		logger.Info("audit log enabled", slog.String("path", opsCfg.Audit.Path))
	}

	srv := server.New(domainCfg, server.Options{
		Log:     logger,
		Channel: ch,
		Handler: noopCommandHandler{},
		Audit:   auditSink,
		Metrics: metrics,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	ch.Start(ctx)

	mux := health.NewServeMux(registry, srv)
	healthErrChan := make(chan error, 1)
	go func() {
		healthErrChan <- health.ListenAndServe(opsCfg.Health.Port, mux)
	}()

	var emitter *telemetry.Emitter
	telemetryStop := make(chan struct{})
	if opsCfg.Telemetry.Enabled {
		emitter = telemetry.New(logger, opsCfg.Telemetry.Broker, opsCfg.InstanceID, opsCfg.Telemetry.Topic)
		if err := emitter.Connect(5 * time.Second); err != nil {
			logger.Warn("telemetry: failed to connect, continuing without it", slog.String("error", err.Error()))
			emitter = nil
		} else {
			go emitter.Run(telemetryStop, 10*time.Second, srv.Status)
		}
	}

	if err := srv.Start(); err != nil {
		logger.Error("failed to start server", slog.String("error", err.Error()))
		os.Exit(1)
	}

	select {
	case sig := <-sigChan:
		logger.Info("received shutdown signal", slog.String("signal", sig.String()))
		cancel()
	case err := <-healthErrChan:
		logger.Error("health server failed", slog.String("error", err.Error()))
		cancel()
	}

	close(telemetryStop)
	if emitter != nil {
		emitter.Disconnect()
	}
	ch.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := srv.Stop(shutdownCtx); err != nil {
		logger.Error("shutdown failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger.Info("igtlserverd stopped successfully")
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// noopCommandHandler answers every command with a FAIL string response; a
// real deployment wires in a handler that dispatches against the
// transform-name repository / metafile persistence (both out of scope,
// spec.md §1).
type noopCommandHandler struct{}

func (noopCommandHandler) Execute(_ context.Context, req model.CommandRequest) model.CommandResponse {
	return model.CommandResponse{
		Kind:       model.ResponseString,
		ClientID:   req.ClientID,
		Status:     false,
		Message:    "command execution not configured",
		DeviceName: req.DevicePrefix,
	}
}
