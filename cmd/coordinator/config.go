package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	infraconfig "github.com/queryctl/coordinator/infrastructure/config"
)

// Config is the coordinator process's full configuration surface: every
// option named by spec.md §6's "Configuration surface" table, plus the
// ambient process/HTTP/logging/metrics options SPEC_FULL.md §3 adds. It is
// built from environment variables with an optional JSON overlay file
// (-config), matching the teacher's appserver entrypoint's
// flag-plus-config-file-plus-env layering (see
// _examples/r3e-network-service_layer/cmd/appserver/main.go).
type Config struct {
	BaseURI string `json:"base_uri,omitempty"`

	QueryMaxAge              time.Duration `json:"query_max_age,omitempty"`
	QueryMaxHistory          int           `json:"query_max_history,omitempty"`
	QueryClientTimeout       time.Duration `json:"query_client_timeout,omitempty"`
	QueueConfigFile          string        `json:"queue_config_file,omitempty"`
	ManagerExecutorPoolSize  int           `json:"manager_executor_pool_size,omitempty"`

	MemoryGeneralPoolBytes  int64 `json:"memory_general_pool_bytes,omitempty"`
	MemoryReservedPoolBytes int64 `json:"memory_reserved_pool_bytes,omitempty"`
	MaxMemoryPerNodeBytes   int64 `json:"max_memory_per_node_bytes,omitempty"`
	MaxMemoryPerQueryBytes  int64 `json:"max_memory_per_query_bytes,omitempty"`

	// WorkerURIs lists the worker base URIs the memory manager's reassignment
	// dispatcher broadcasts PoolAssignmentsRequest messages to. Empty means
	// run with a no-op dispatcher (e.g. a coordinator under test, or one not
	// yet attached to a live cluster).
	WorkerURIs        []string      `json:"worker_uris,omitempty"`
	WorkerDialTimeout time.Duration `json:"worker_dial_timeout,omitempty"`

	LogLevel  string `json:"log_level,omitempty"`
	LogFormat string `json:"log_format,omitempty"`

	MetricsListenAddress string `json:"metrics_listen_address,omitempty"`

	HTTPListenAddress string        `json:"http_listen_address,omitempty"`
	HTTPReadTimeout   time.Duration `json:"http_read_timeout,omitempty"`
	HTTPWriteTimeout  time.Duration `json:"http_write_timeout,omitempty"`
	HTTPShutdownGrace time.Duration `json:"http_shutdown_grace,omitempty"`

	AdmissionDequeueRateLimit float64 `json:"admission_dequeue_rate_limit,omitempty"`
	ConfigReloadSchedule      string  `json:"config_reload_schedule,omitempty"`

	HTTPPerClientRateLimit int `json:"http_per_client_rate_limit,omitempty"`
	HTTPPerClientBurst     int `json:"http_per_client_burst,omitempty"`
}

// defaultConfig returns the built-in defaults before env/file overlays.
func defaultConfig() Config {
	return Config{
		BaseURI:                 "http://localhost:8080",
		QueryMaxAge:             24 * time.Hour,
		QueryMaxHistory:         100,
		QueryClientTimeout:      5 * time.Minute,
		ManagerExecutorPoolSize: 4,
		MemoryGeneralPoolBytes:  8 << 30, // 8GiB
		MemoryReservedPoolBytes: 2 << 30, // 2GiB
		LogLevel:                "info",
		LogFormat:               "json",
		MetricsListenAddress:    ":9090",
		HTTPListenAddress:       ":8080",
		HTTPReadTimeout:         30 * time.Second,
		HTTPWriteTimeout:        30 * time.Second,
		HTTPShutdownGrace:       10 * time.Second,
		ConfigReloadSchedule:    "*/5 * * * *",
		HTTPPerClientRateLimit:  100,
		HTTPPerClientBurst:      200,
		WorkerDialTimeout:       5 * time.Second,
	}
}

// loadConfig builds the process Config from defaults, then environment
// variables, then (if configPath is non-empty) a JSON overlay file whose
// set fields take final precedence.
func loadConfig(configPath string) (*Config, error) {
	cfg := defaultConfig()
	applyEnv(&cfg)

	if configPath != "" {
		if err := applyConfigFile(&cfg, configPath); err != nil {
			return nil, err
		}
	}
	return &cfg, nil
}

func applyEnv(cfg *Config) {
	cfg.BaseURI = infraconfig.GetEnv("BASE_URI", cfg.BaseURI)

	cfg.QueryMaxAge = parseDurationEnv("QUERY_MAX_AGE", cfg.QueryMaxAge)
	cfg.QueryMaxHistory = infraconfig.GetEnvInt("QUERY_MAX_HISTORY", cfg.QueryMaxHistory)
	cfg.QueryClientTimeout = parseDurationEnv("QUERY_CLIENT_TIMEOUT", cfg.QueryClientTimeout)
	cfg.QueueConfigFile = infraconfig.GetEnv("QUERY_QUEUE_CONFIG_FILE", cfg.QueueConfigFile)
	cfg.ManagerExecutorPoolSize = infraconfig.GetEnvInt("QUERY_MANAGER_EXECUTOR_POOL_SIZE", cfg.ManagerExecutorPoolSize)

	cfg.MemoryGeneralPoolBytes = parseByteSizeEnv("MEMORY_GENERAL_POOL_SIZE", cfg.MemoryGeneralPoolBytes)
	cfg.MemoryReservedPoolBytes = parseByteSizeEnv("MEMORY_RESERVED_POOL_SIZE", cfg.MemoryReservedPoolBytes)
	cfg.MaxMemoryPerNodeBytes = parseByteSizeEnv("QUERY_MAX_MEMORY_PER_NODE", cfg.MaxMemoryPerNodeBytes)
	cfg.MaxMemoryPerQueryBytes = parseByteSizeEnv("QUERY_MAX_MEMORY", cfg.MaxMemoryPerQueryBytes)

	if raw := infraconfig.GetEnv("WORKER_URIS", ""); raw != "" {
		cfg.WorkerURIs = infraconfig.SplitAndTrimCSV(raw)
	}
	cfg.WorkerDialTimeout = parseDurationEnv("WORKER_DIAL_TIMEOUT", cfg.WorkerDialTimeout)

	cfg.LogLevel = infraconfig.GetEnv("LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = infraconfig.GetEnv("LOG_FORMAT", cfg.LogFormat)

	cfg.MetricsListenAddress = infraconfig.GetEnv("METRICS_LISTEN_ADDRESS", cfg.MetricsListenAddress)

	cfg.HTTPListenAddress = infraconfig.GetEnv("HTTP_LISTEN_ADDRESS", cfg.HTTPListenAddress)
	cfg.HTTPReadTimeout = parseDurationEnv("HTTP_READ_TIMEOUT", cfg.HTTPReadTimeout)
	cfg.HTTPWriteTimeout = parseDurationEnv("HTTP_WRITE_TIMEOUT", cfg.HTTPWriteTimeout)
	cfg.HTTPShutdownGrace = parseDurationEnv("HTTP_SHUTDOWN_GRACE", cfg.HTTPShutdownGrace)

	if v, ok := infraconfig.ParseEnvInt("ADMISSION_DEQUEUE_RATE_LIMIT"); ok {
		cfg.AdmissionDequeueRateLimit = float64(v)
	}
	cfg.ConfigReloadSchedule = infraconfig.GetEnv("ADMISSION_CONFIG_RELOAD_SCHEDULE", cfg.ConfigReloadSchedule)

	cfg.HTTPPerClientRateLimit = infraconfig.GetEnvInt("HTTP_PER_CLIENT_RATE_LIMIT", cfg.HTTPPerClientRateLimit)
	cfg.HTTPPerClientBurst = infraconfig.GetEnvInt("HTTP_PER_CLIENT_BURST", cfg.HTTPPerClientBurst)
}

func parseDurationEnv(key string, fallback time.Duration) time.Duration {
	if v, ok := infraconfig.ParseEnvDuration(key); ok {
		return v
	}
	return fallback
}

func parseByteSizeEnv(key string, fallback int64) int64 {
	raw := infraconfig.GetEnv(key, "")
	if raw == "" {
		return fallback
	}
	v, err := infraconfig.ParseByteSize(raw)
	if err != nil {
		return fallback
	}
	return v
}

// applyConfigFile decodes a JSON overlay into cfg. Only fields present in
// the file are applied; zero/absent fields in the overlay leave the
// env-derived value untouched. Strict field checking (DisallowUnknownFields)
// mirrors the teacher's decodeJSON convention for coordinator-owned config.
func applyConfigFile(cfg *Config, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open config file %s: %w", path, err)
	}
	defer f.Close()

	var overlay Config
	dec := json.NewDecoder(f)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&overlay); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}

	mergeConfig(cfg, &overlay)
	return nil
}

func mergeConfig(base, overlay *Config) {
	if overlay.BaseURI != "" {
		base.BaseURI = overlay.BaseURI
	}
	if overlay.QueryMaxAge != 0 {
		base.QueryMaxAge = overlay.QueryMaxAge
	}
	if overlay.QueryMaxHistory != 0 {
		base.QueryMaxHistory = overlay.QueryMaxHistory
	}
	if overlay.QueryClientTimeout != 0 {
		base.QueryClientTimeout = overlay.QueryClientTimeout
	}
	if overlay.QueueConfigFile != "" {
		base.QueueConfigFile = overlay.QueueConfigFile
	}
	if overlay.ManagerExecutorPoolSize != 0 {
		base.ManagerExecutorPoolSize = overlay.ManagerExecutorPoolSize
	}
	if overlay.MemoryGeneralPoolBytes != 0 {
		base.MemoryGeneralPoolBytes = overlay.MemoryGeneralPoolBytes
	}
	if overlay.MemoryReservedPoolBytes != 0 {
		base.MemoryReservedPoolBytes = overlay.MemoryReservedPoolBytes
	}
	if overlay.MaxMemoryPerNodeBytes != 0 {
		base.MaxMemoryPerNodeBytes = overlay.MaxMemoryPerNodeBytes
	}
	if overlay.MaxMemoryPerQueryBytes != 0 {
		base.MaxMemoryPerQueryBytes = overlay.MaxMemoryPerQueryBytes
	}
	if len(overlay.WorkerURIs) != 0 {
		base.WorkerURIs = overlay.WorkerURIs
	}
	if overlay.WorkerDialTimeout != 0 {
		base.WorkerDialTimeout = overlay.WorkerDialTimeout
	}
	if overlay.LogLevel != "" {
		base.LogLevel = overlay.LogLevel
	}
	if overlay.LogFormat != "" {
		base.LogFormat = overlay.LogFormat
	}
	if overlay.MetricsListenAddress != "" {
		base.MetricsListenAddress = overlay.MetricsListenAddress
	}
	if overlay.HTTPListenAddress != "" {
		base.HTTPListenAddress = overlay.HTTPListenAddress
	}
	if overlay.HTTPReadTimeout != 0 {
		base.HTTPReadTimeout = overlay.HTTPReadTimeout
	}
	if overlay.HTTPWriteTimeout != 0 {
		base.HTTPWriteTimeout = overlay.HTTPWriteTimeout
	}
	if overlay.HTTPShutdownGrace != 0 {
		base.HTTPShutdownGrace = overlay.HTTPShutdownGrace
	}
	if overlay.AdmissionDequeueRateLimit != 0 {
		base.AdmissionDequeueRateLimit = overlay.AdmissionDequeueRateLimit
	}
	if overlay.ConfigReloadSchedule != "" {
		base.ConfigReloadSchedule = overlay.ConfigReloadSchedule
	}
	if overlay.HTTPPerClientRateLimit != 0 {
		base.HTTPPerClientRateLimit = overlay.HTTPPerClientRateLimit
	}
	if overlay.HTTPPerClientBurst != 0 {
		base.HTTPPerClientBurst = overlay.HTTPPerClientBurst
	}
}
