// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command scribe starts the content-generation HTTP server.
//
// # Environment Variables
//
//   - SCRIBE_CONFIG: path to the YAML configuration file (optional)
//   - SCRIBE_LISTEN_ADDR: HTTP listen address (default :8090)
//   - SCRIBE_DATA_DIR: BadgerDB data directory (default ./data/scribe)
//   - ANTHROPIC_API_KEY / OPENAI_API_KEY: provider credentials
//   - OLLAMA_URL: local Ollama daemon (default http://localhost:11434)
//   - WEAVIATE_URL: internal library index (optional)
//   - OTEL_EXPORTER_OTLP_ENDPOINT: trace collector (optional)
//   - SCRIBE_LOG_LEVEL / SCRIBE_LOG_DIR: logging verbosity and file output
//
// # Usage
//
//	go build -o scribe ./cmd/scribe
//	./scribe
package main

import (
	"log"
	"log/slog"
	"os"

	"github.com/AleutianAI/AleutianScribe/pkg/logging"
	"github.com/AleutianAI/AleutianScribe/services/scribe"
	"github.com/AleutianAI/AleutianScribe/services/scribe/config"
)

func main() {
	logger := logging.New(logging.Config{
		Level:   os.Getenv("SCRIBE_LOG_LEVEL"),
		LogDir:  os.Getenv("SCRIBE_LOG_DIR"),
		Service: "scribe",
		JSON:    true,
	})
	defer logger.Close()
	logger.Install()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	slog.Info("Starting scribe",
		"addr", cfg.Server.ListenAddr,
		"data_dir", cfg.Storage.DataDir,
		"workers", cfg.Engine.Workers,
	)

	svc, err := scribe.New(cfg)
	if err != nil {
		log.Fatalf("Failed to create scribe service: %v", err)
	}

	if err := svc.Run(); err != nil {
		log.Fatalf("Scribe error: %v", err)
	}
}
