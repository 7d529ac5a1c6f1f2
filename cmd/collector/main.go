// Package main is the entry point for the collector.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nugget/tlsight/internal/broadcast"
	"github.com/nugget/tlsight/internal/buildinfo"
	"github.com/nugget/tlsight/internal/config"
	"github.com/nugget/tlsight/internal/events"
	"github.com/nugget/tlsight/internal/filter"
	"github.com/nugget/tlsight/internal/httppair"
	"github.com/nugget/tlsight/internal/httpparse"
	"github.com/nugget/tlsight/internal/index"
	"github.com/nugget/tlsight/internal/pipeline"
	"github.com/nugget/tlsight/internal/producer"
	"github.com/nugget/tlsight/internal/server"
	"github.com/nugget/tlsight/internal/sink"
	"github.com/nugget/tlsight/internal/sseproc"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	if flag.NArg() > 0 {
		switch flag.Arg(0) {
		case "version":
			fmt.Println(buildinfo.String())
			for k, v := range buildinfo.BuildInfo() {
				fmt.Printf("  %-12s %s\n", k+":", v)
			}
			return
		case "init":
			dir := "."
			if flag.NArg() > 1 {
				dir = flag.Arg(1)
			}
			if err := runInit(os.Stdout, dir); err != nil {
				logger.Error("init failed", "error", err)
				os.Exit(1)
			}
			return
		}
	}

	run(logger, *configPath)
}

func run(logger *slog.Logger, configPath string) {
	logger.Info("starting collector", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "built", buildinfo.BuildTime)

	cfgPath, err := config.FindConfig(configPath)
	if err != nil {
		logger.Error("config", "error", err)
		os.Exit(1)
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		logger.Error("failed to load config", "path", cfgPath, "error", err)
		os.Exit(1)
	}

	if cfg.LogLevel != "" {
		level, err := config.ParseLogLevel(cfg.LogLevel)
		if err != nil {
			logger.Error("invalid log_level in config", "error", err)
			os.Exit(1)
		}
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level:       level,
			ReplaceAttr: config.ReplaceLogLevelNames,
		}))
	}

	logger.Info("config loaded", "path", cfgPath, "listen_port", cfg.Listen.Port)

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		logger.Error("failed to create data directory", "path", cfg.DataDir, "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	processProducer := producer.New(producer.Config{
		Command:       cfg.Producers.Process.Command,
		Args:          cfg.Producers.Process.Args,
		Source:        events.SourceProcess,
		ShutdownGrace: time.Duration(cfg.Producers.ShutdownGraceMs) * time.Millisecond,
		Logger:        logger,
	})
	processStream, err := processProducer.Run(ctx)
	if err != nil {
		logger.Error("failed to start process tracer", "error", err)
		os.Exit(1)
	}

	sslProducer := producer.New(producer.Config{
		Command:       cfg.Producers.SSL.Command,
		Args:          cfg.Producers.SSL.Args,
		Source:        events.SourceSSL,
		ShutdownGrace: time.Duration(cfg.Producers.ShutdownGraceMs) * time.Millisecond,
		Logger:        logger,
	})
	sslStream, err := sslProducer.Run(ctx)
	if err != nil {
		logger.Error("failed to start TLS tracer", "error", err)
		os.Exit(1)
	}

	stages := []pipeline.Stage{
		sseproc.New(sseproc.Config{
			Timeout:     time.Duration(cfg.Pipeline.SSETimeoutMs) * time.Millisecond,
			BufferLimit: cfg.Pipeline.SSEBufferLimitBytes,
			Logger:      logger,
		}),
		httpparse.New(httpparse.Config{
			Timeout:     time.Duration(cfg.Pipeline.HTTPTimeoutMs) * time.Millisecond,
			BufferLimit: cfg.Pipeline.HTTPBufferLimitBytes,
			Logger:      logger,
		}),
		httppair.New(httppair.Config{
			Wait:   time.Duration(cfg.Pipeline.MaxWaitMs) * time.Millisecond,
			Logger: logger,
		}),
	}

	if len(cfg.Pipeline.ExcludePatterns) > 0 {
		stages = append(stages,
			filter.New(filter.Config{Domain: filter.SSLDomain{}, Exclude: cfg.Pipeline.ExcludePatterns, Debug: cfg.Debug, Logger: logger}),
			filter.New(filter.Config{Domain: filter.HTTPDomain{}, Exclude: cfg.Pipeline.ExcludePatterns, Debug: cfg.Debug, Logger: logger}),
		)
	}

	var idx index.Index
	if cfg.Index.Enabled {
		if cfg.Index.SQLitePath != "" {
			idx, err = index.NewSQLite(cfg.Index.SQLitePath, cfg.Index.Capacity)
			if err != nil {
				logger.Error("failed to open event index", "error", err)
				os.Exit(1)
			}
			logger.Info("event index persisted", "path", cfg.Index.SQLitePath)
		} else {
			idx = index.NewRing(cfg.Index.Capacity)
			logger.Info("event index in-memory only", "capacity", cfg.Index.Capacity)
		}
		stages = append(stages, index.NewTap(idx))
	}

	if cfg.Sink.Enabled {
		fileLogger, err := sink.NewFileLogger(sink.FileLoggerConfig{
			Path:        cfg.Sink.Path,
			MaxBytes:    cfg.Sink.MaxBytes,
			PrettyPrint: cfg.Sink.PrettyPrint,
			Redact:      true,
			Logger:      logger,
		})
		if err != nil {
			logger.Error("failed to open file sink", "error", err)
			os.Exit(1)
		}
		stages = append(stages, fileLogger)
		logger.Info("file sink enabled", "path", cfg.Sink.Path)
	}

	if cfg.Debug {
		stages = append(stages, sink.NewStdout(sink.StdoutConfig{Logger: logger}))
	}

	bus := broadcast.New()
	p := &pipeline.Pipeline{Stages: stages, Sink: bus}

	go p.Run(ctx, processStream, sslStream)

	srv := server.New(cfg.Listen.Address, cfg.Listen.Port, bus, idx, logger)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigCh
		logger.Info("shutdown signal received")
		cancel()
		_ = srv.Shutdown(context.Background())
		if idx != nil {
			_ = idx.Close()
		}
	}()

	if err := srv.Start(); err != nil {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}

	logger.Info("collector stopped")
}
