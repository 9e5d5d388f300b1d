// Copyright 2025 The imgbase Authors
// This file is part of the imgbase library.
//
// The imgbase library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The imgbase library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the imgbase library. If not, see <http://www.gnu.org/licenses/>.

// Package config loads the imgbased configuration from an optional JSON file
// with IMGBASE_* environment variables layered on top. Omitted keys take the
// documented defaults.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/imgbase/imgbase/errs"
)

type Config struct {
	Server     ServerConfig     `json:"server"`
	Security   SecurityConfig   `json:"security"`
	Cache      CacheConfig      `json:"cache"`
	Processing ProcessingConfig `json:"processing"`
}

type ServerConfig struct {
	Host        string   `json:"host"`
	Port        int      `json:"port"`
	CORSOrigins []string `json:"cors_origins"`
	WSOrigins   []string `json:"ws_origins"`
}

type SecurityConfig struct {
	MaxFileSizeMB              int      `json:"max_file_size_mb"`
	AllowedMIMETypes           []string `json:"allowed_mime_types"`
	EnableContentScan          bool     `json:"enable_content_scan"`
	RateLimitRequestsPerMinute int      `json:"rate_limit_requests_per_minute"`
	RateLimitBurstSize         int      `json:"rate_limit_burst_size"`
}

type CacheConfig struct {
	Backend                string  `json:"backend"` // memory | disk | redis
	Dir                    string  `json:"dir"`
	RedisAddr              string  `json:"redis_addr"`
	MaxSizeMB              int     `json:"max_size_mb"`
	MaxEntries             int     `json:"max_entries"`
	MaxAgeHours            float64 `json:"max_age_hours"`
	CleanupIntervalMinutes int     `json:"cleanup_interval_minutes"`
}

type ProcessingConfig struct {
	MaxConcurrentFiles   int `json:"max_concurrent_files"`
	MaxQueueSize         int `json:"max_queue_size"`
	MaxMemoryUsageMB     int `json:"max_memory_usage_mb"`
	LargeFileThresholdMB int `json:"large_file_threshold_mb"`
}

// Default returns the documented default configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:        "0.0.0.0",
			Port:        5000,
			CORSOrigins: []string{"*"},
			WSOrigins:   []string{"*"},
		},
		Security: SecurityConfig{
			MaxFileSizeMB: 10,
			AllowedMIMETypes: []string{
				"image/png", "image/jpeg", "image/gif", "image/webp",
				"image/bmp", "image/tiff", "image/x-icon",
			},
			EnableContentScan:          true,
			RateLimitRequestsPerMinute: 60,
			RateLimitBurstSize:         10,
		},
		Cache: CacheConfig{
			Backend:                "disk",
			Dir:                    "cache",
			RedisAddr:              "localhost:6379",
			MaxSizeMB:              100,
			MaxEntries:             1000,
			MaxAgeHours:            24,
			CleanupIntervalMinutes: 60,
		},
		Processing: ProcessingConfig{
			MaxConcurrentFiles:   3,
			MaxQueueSize:         100,
			MaxMemoryUsageMB:     500,
			LargeFileThresholdMB: 50,
		},
	}
}

// Load builds a configuration from defaults, then the JSON file at path (if
// non-empty), then IMGBASE_* environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errs.Wrap(errs.InputInvalid, err, "reading config file %s", path)
		}
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, errs.Wrap(errs.InputInvalid, err, "parsing config file %s", path)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations that cannot produce a working service.
func (c *Config) Validate() error {
	switch c.Cache.Backend {
	case "memory", "disk", "redis":
	default:
		return errs.New(errs.InputInvalid, "unknown cache backend %q", c.Cache.Backend)
	}
	if c.Security.MaxFileSizeMB <= 0 {
		return errs.New(errs.InputInvalid, "security.max_file_size_mb must be positive")
	}
	if c.Processing.MaxConcurrentFiles <= 0 {
		return errs.New(errs.InputInvalid, "processing.max_concurrent_files must be positive")
	}
	if c.Processing.MaxQueueSize <= 0 {
		return errs.New(errs.InputInvalid, "processing.max_queue_size must be positive")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return errs.New(errs.InputInvalid, "server.port out of range: %d", c.Server.Port)
	}
	return nil
}

// Derived values used throughout the core.

func (c *SecurityConfig) MaxFileSizeBytes() int64 {
	return int64(c.MaxFileSizeMB) * 1024 * 1024
}

func (c *CacheConfig) MaxBytes() int64 {
	return int64(c.MaxSizeMB) * 1024 * 1024
}

func (c *CacheConfig) MaxAge() time.Duration {
	return time.Duration(c.MaxAgeHours * float64(time.Hour))
}

func (c *CacheConfig) CleanupInterval() time.Duration {
	return time.Duration(c.CleanupIntervalMinutes) * time.Minute
}

func (c *ProcessingConfig) MaxMemoryUsageBytes() int64 {
	return int64(c.MaxMemoryUsageMB) * 1024 * 1024
}

func (c *ProcessingConfig) LargeFileThresholdBytes() int64 {
	return int64(c.LargeFileThresholdMB) * 1024 * 1024
}

// applyEnv overlays IMGBASE_<SECTION>_<KEY> environment variables. The
// variable name is the config key path upper-cased with dots replaced by
// underscores, e.g. cache.max_size_mb -> IMGBASE_CACHE_MAX_SIZE_MB.
func (c *Config) applyEnv() {
	envStr("SERVER_HOST", &c.Server.Host)
	envInt("SERVER_PORT", &c.Server.Port)
	envList("SERVER_CORS_ORIGINS", &c.Server.CORSOrigins)
	envList("SERVER_WS_ORIGINS", &c.Server.WSOrigins)

	envInt("SECURITY_MAX_FILE_SIZE_MB", &c.Security.MaxFileSizeMB)
	envList("SECURITY_ALLOWED_MIME_TYPES", &c.Security.AllowedMIMETypes)
	envBool("SECURITY_ENABLE_CONTENT_SCAN", &c.Security.EnableContentScan)
	envInt("SECURITY_RATE_LIMIT_REQUESTS_PER_MINUTE", &c.Security.RateLimitRequestsPerMinute)
	envInt("SECURITY_RATE_LIMIT_BURST_SIZE", &c.Security.RateLimitBurstSize)

	envStr("CACHE_BACKEND", &c.Cache.Backend)
	envStr("CACHE_DIR", &c.Cache.Dir)
	envStr("CACHE_REDIS_ADDR", &c.Cache.RedisAddr)
	envInt("CACHE_MAX_SIZE_MB", &c.Cache.MaxSizeMB)
	envInt("CACHE_MAX_ENTRIES", &c.Cache.MaxEntries)
	envFloat("CACHE_MAX_AGE_HOURS", &c.Cache.MaxAgeHours)
	envInt("CACHE_CLEANUP_INTERVAL_MINUTES", &c.Cache.CleanupIntervalMinutes)

	envInt("PROCESSING_MAX_CONCURRENT_FILES", &c.Processing.MaxConcurrentFiles)
	envInt("PROCESSING_MAX_QUEUE_SIZE", &c.Processing.MaxQueueSize)
	envInt("PROCESSING_MAX_MEMORY_USAGE_MB", &c.Processing.MaxMemoryUsageMB)
	envInt("PROCESSING_LARGE_FILE_THRESHOLD_MB", &c.Processing.LargeFileThresholdMB)
}

const envPrefix = "IMGBASE_"

func envStr(key string, dst *string) {
	if v, ok := os.LookupEnv(envPrefix + key); ok {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v, ok := os.LookupEnv(envPrefix + key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envFloat(key string, dst *float64) {
	if v, ok := os.LookupEnv(envPrefix + key); ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func envBool(key string, dst *bool) {
	if v, ok := os.LookupEnv(envPrefix + key); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func envList(key string, dst *[]string) {
	if v, ok := os.LookupEnv(envPrefix + key); ok {
		parts := strings.Split(v, ",")
		out := parts[:0]
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		*dst = out
	}
}

func (c *Config) String() string {
	return fmt.Sprintf("backend=%s workers=%d queue=%d limit=%dMB",
		c.Cache.Backend, c.Processing.MaxConcurrentFiles,
		c.Processing.MaxQueueSize, c.Security.MaxFileSizeMB)
}
