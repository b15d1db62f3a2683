// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command vibegrapher runs the artifact editing service.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/vibegraph/vibegrapher/pkg/logging"
	"github.com/vibegraph/vibegrapher/services/vibegraph"
	"github.com/vibegraph/vibegrapher/services/vibegraph/patch"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "vibegrapher",
		Short:        "Iterative AI-assisted code artifact editing service",
		SilenceUsage: true,
	}
	root.AddCommand(serveCmd())
	return root
}

func serveCmd() *cobra.Command {
	var (
		port          int
		dataDir       string
		inMemory      bool
		backend       string
		language      string
		otelEndpoint  string
		enableTracing bool
		maxIterations int
		callTimeout   time.Duration
		logLevel      string
		logDir        string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := logging.New(logging.Config{
				Level:   logging.ParseLevel(logLevel),
				LogDir:  logDir,
				Service: "vibegrapher",
				JSON:    true,
			})
			if err != nil {
				return fmt.Errorf("initialize logging: %w", err)
			}
			defer logger.Close()
			slog.SetDefault(logger.Logger)

			cfg := vibegraph.Config{
				Port:          port,
				DataDir:       dataDir,
				InMemory:      inMemory,
				Backend:       backend,
				Language:      patch.Language(language),
				OTelEndpoint:  otelEndpoint,
				EnableTracing: enableTracing,
				EnableMetrics: true,
				MaxIterations: maxIterations,
				CallTimeout:   callTimeout,
				GinMode:       os.Getenv("GIN_MODE"),
				Logger:        logger.Logger,
			}
			svc, err := vibegraph.New(cfg, nil, nil)
			if err != nil {
				return fmt.Errorf("initialize service: %w", err)
			}
			return svc.Run()
		},
	}

	cmd.Flags().IntVar(&port, "port", envInt("VIBEGRAPH_PORT", 12300), "HTTP server port")
	cmd.Flags().StringVar(&dataDir, "data-dir", envStr("VIBEGRAPH_DATA_DIR", "./data"), "directory for the embedded database")
	cmd.Flags().BoolVar(&inMemory, "in-memory", false, "run without persistence (data lost on exit)")
	cmd.Flags().StringVar(&backend, "backend", envStr("VIBEGRAPH_BACKEND", "openai"), "agent backend (openai)")
	cmd.Flags().StringVar(&language, "language", envStr("VIBEGRAPH_LANGUAGE", "python"), "artifact language for syntax checks (python, go, javascript, typescript)")
	cmd.Flags().StringVar(&otelEndpoint, "otel-endpoint", os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"), "OpenTelemetry collector endpoint")
	cmd.Flags().BoolVar(&enableTracing, "tracing", os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT") != "", "export spans via OTLP")
	cmd.Flags().IntVar(&maxIterations, "max-iterations", envInt("VIBEGRAPH_MAX_ITERATIONS", 3), "generation attempts per turn")
	cmd.Flags().DurationVar(&callTimeout, "call-timeout", 2*time.Minute, "timeout for a single agent call")
	cmd.Flags().StringVar(&logLevel, "log-level", envStr("LOG_LEVEL", "info"), "log level (debug, info, warn, error)")
	cmd.Flags().StringVar(&logDir, "log-dir", os.Getenv("VIBEGRAPH_LOG_DIR"), "directory for JSON log files (stderr only when empty)")

	return cmd
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}
