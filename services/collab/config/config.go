// Copyright (C) 2026 DevSync AI (engineering@devsync.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads collaboration service settings from the environment.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/devsync-ai/devsync/services/llm"
)

// Config holds all configuration for the collaboration service.
type Config struct {
	Port string
	Env  string

	// Storage. An empty MongoURI selects the in-memory store, which is
	// only suitable for development.
	MongoURI      string
	MongoDatabase string

	// Assistant streaming.
	GeminiAPIKey  string
	GeminiBaseURL string
	ModelPriority []string
	MentionMarker string

	// File tree persistence debounce.
	QuietWindow time.Duration

	// Auth.
	JWTSecret string

	// Code execution sandbox. An empty key disables the run endpoint.
	Judge0BaseURL string
	Judge0APIKey  string

	// Per-connection inbound event rate.
	SocketEventsPerSecond float64
	SocketEventBurst      int

	// Observability.
	OTLPEndpoint string
	LogLevel     string
	LogDir       string
}

// Load reads configuration from environment variables. In development it
// loads from a .env file if present. In production it panics on missing
// required variables.
func Load() *Config {
	_ = godotenv.Load()

	cfg := &Config{
		Port:                  getEnv("PORT", "5000"),
		Env:                   getEnv("ENV", "development"),
		MongoURI:              os.Getenv("MONGO_URI"),
		MongoDatabase:         getEnv("MONGO_DB", "devsync"),
		GeminiAPIKey:          os.Getenv("GEMINI_API_KEY"),
		GeminiBaseURL:         os.Getenv("GEMINI_BASE_URL"),
		MentionMarker:         getEnv("AI_MENTION_MARKER", "@"),
		QuietWindow:           getDuration("FILETREE_QUIET_WINDOW_MS", 1500*time.Millisecond),
		JWTSecret:             os.Getenv("JWT_SECRET"),
		Judge0BaseURL:         os.Getenv("JUDGE0_BASE_URL"),
		Judge0APIKey:          os.Getenv("RAPIDAPI_KEY"),
		SocketEventsPerSecond: getFloat("SOCKET_EVENTS_PER_SECOND", 20),
		SocketEventBurst:      getInt("SOCKET_EVENT_BURST", 40),
		OTLPEndpoint:          os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		LogLevel:              getEnv("LOG_LEVEL", "info"),
		LogDir:                os.Getenv("LOG_DIR"),
	}

	cfg.ModelPriority = llm.DefaultModelPriority
	if priority := os.Getenv("MODEL_PRIORITY"); priority != "" {
		var models []string
		for _, entry := range strings.Split(priority, ",") {
			entry = strings.TrimSpace(entry)
			if entry != "" {
				models = append(models, entry)
			}
		}
		if len(models) > 0 {
			cfg.ModelPriority = models
		}
	}

	if cfg.Env == "production" {
		if cfg.MongoURI == "" {
			panic("MONGO_URI is required in production")
		}
		if cfg.JWTSecret == "" {
			panic("JWT_SECRET is required in production")
		}
		if cfg.GeminiAPIKey == "" {
			panic("GEMINI_API_KEY is required in production")
		}
	}

	return cfg
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if ms, err := strconv.Atoi(value); err == nil && ms > 0 {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return defaultValue
}
