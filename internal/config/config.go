/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package config loads the tunables that govern block-processor retry,
// replay, and distributed-commit behavior. It follows the same
// YAML-with-environment-override discipline the rest of this codebase
// uses for configuration: a config.yaml if present, then environment
// variables, then hardcoded defaults.
package config

import (
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// DBConfig describes the data-store connection the block processor commits
// transactions and blockseq entries against.
type DBConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	DBName   string `yaml:"dbname"`
	SSLMode  string `yaml:"sslmode"`
}

// LoggingConfig controls the structured logger shared by every package.
type LoggingConfig struct {
	Level    string `yaml:"level"`
	Encoding string `yaml:"encoding"`
}

// ServerConfig controls the listening socket and graceful-shutdown windows.
type ServerConfig struct {
	ListenAddr           string `yaml:"listen_addr"`
	HTTPHealthAddr       string `yaml:"http_health_addr"`
	ShutdownTimeoutSec   int    `yaml:"shutdown_timeout_sec"`
	WriterWaitTimeoutSec int    `yaml:"writer_wait_timeout_sec"`
}

// RetryConfig holds the replay/backoff tunables from spec section 6.
//
// Field names mirror the gbl_* globals of the original engine so that the
// mapping between this config and that reference behavior stays legible.
type RetryConfig struct {
	// MaxRetries bounds the deadlock (RC_INTERNAL_RETRY) retries of a
	// single client request (gbl_maxretries).
	MaxRetries int `yaml:"max_retries"`
	// OsqlVerifyRetriesMax separately bounds the whole-batch
	// verify-conflict replays of each connection's replay controller
	// (gbl_osql_verify_retries_max).
	OsqlVerifyRetriesMax int `yaml:"osql_verify_retries_max"`
	// DisttxnRandomRetryPollMS is the modulus for the inter-retry jitter
	// sleep, in milliseconds (gbl_disttxn_random_retry_poll).
	DisttxnRandomRetryPollMS int `yaml:"disttxn_random_retry_poll_ms"`
	// GoSlow mirrors gbl_goslow. Load reads it, but nothing copies it
	// onto a blockproc.Batch, whose own GoSlow field keeps the deferred
	// constraint passes on.
	GoSlow bool `yaml:"go_slow"`
	// PenaltyIncPercent mirrors gbl_penaltyincpercent. Load reads it; no
	// other package consults it, so it does not affect retry backoff.
	PenaltyIncPercent int `yaml:"penalty_inc_percent"`
}

// WorkerConfig bounds the block processor's worker pool.
type WorkerConfig struct {
	// MaxWriteThreads mirrors gbl_maxwthreads. Load reads it; the server
	// does not bound its per-connection goroutines by it.
	MaxWriteThreads int `yaml:"max_write_threads"`
}

// FeatureConfig holds the boolean tunables from spec section 6 that gate
// behavior rather than bound retries.
type FeatureConfig struct {
	// ScCloseTxn mirrors gbl_sc_close_txn. Load reads it; no other
	// package consults it.
	ScCloseTxn bool `yaml:"sc_close_txn"`
	// UseBlkseq gates whether the idempotence log participates at all;
	// disabling it is a diagnostic escape hatch, never the default
	// (gbl_use_blkseq).
	UseBlkseq bool `yaml:"use_blkseq"`
	// ReplicateLocal marks local-only writes for local sequencing
	// (gbl_replicate_local).
	ReplicateLocal bool `yaml:"replicate_local"`
	// DisableTaggedAPIWrites rejects the legacy ADDDTA/UPDATE/DELDTA
	// tagged-record opcodes outright (gbl_disable_tagged_api_writes).
	DisableTaggedAPIWrites bool `yaml:"disable_tagged_api_writes"`
	// CoordinatorWaitPropagate makes the 2PC coordinator wait for the
	// participant's propagation acknowledgment before replying to the
	// client (gbl_coordinator_wait_propagate).
	CoordinatorWaitPropagate bool `yaml:"coordinator_wait_propagate"`
	// ReplicantRetryOnNotDurable mirrors
	// gbl_replicant_retry_on_not_durable. Load reads it; no other package
	// consults it, and ERR_NOT_DURABLE is surfaced to the client.
	ReplicantRetryOnNotDurable bool `yaml:"replicant_retry_on_not_durable"`
}

// Config is the top-level process configuration.
type Config struct {
	DB      DBConfig      `yaml:"database"`
	Logging LoggingConfig `yaml:"logging"`
	Server  ServerConfig  `yaml:"server"`
	Retry   RetryConfig   `yaml:"retry"`
	Workers WorkerConfig  `yaml:"workers"`
	Feature FeatureConfig `yaml:"feature"`
}

// Load reads configuration from config.yaml if it exists, otherwise starts
// from an empty Config. Environment variables always override YAML file
// settings, and any field left unset after that falls back to a default.
func Load() (*Config, error) {
	var cfg *Config

	yamlPath := "config.yaml"
	if _, err := os.Stat(yamlPath); err == nil {
		cfg, err = LoadConfigFromYAML(yamlPath)
		if err != nil {
			return nil, err
		}
	} else {
		cfg = &Config{}
	}

	if v := getEnv("DB_HOST", ""); v != "" {
		cfg.DB.Host = v
	} else if cfg.DB.Host == "" {
		cfg.DB.Host = "localhost"
	}
	if v := getInt("DB_PORT", -1); v != -1 {
		cfg.DB.Port = v
	} else if cfg.DB.Port == 0 {
		cfg.DB.Port = 5432
	}
	if v := getEnv("DB_USER", ""); v != "" {
		cfg.DB.User = v
	} else if cfg.DB.User == "" {
		cfg.DB.User = "postgres"
	}
	if v := getEnv("DB_PASSWORD", ""); v != "" {
		cfg.DB.Password = v
	} else if cfg.DB.Password == "" {
		cfg.DB.Password = "postgres"
	}
	if v := getEnv("DB_NAME", ""); v != "" {
		cfg.DB.DBName = v
	} else if cfg.DB.DBName == "" {
		cfg.DB.DBName = "blockdb"
	}
	if v := getEnv("DB_SSLMODE", ""); v != "" {
		cfg.DB.SSLMode = v
	} else if cfg.DB.SSLMode == "" {
		cfg.DB.SSLMode = "disable"
	}

	if v := getEnv("LOG_LEVEL", ""); v != "" {
		cfg.Logging.Level = v
	} else if cfg.Logging.Level == "" {
		cfg.Logging.Level = "INFO"
	}
	if v := getEnv("LOG_ENCODING", ""); v != "" {
		cfg.Logging.Encoding = v
	} else if cfg.Logging.Encoding == "" {
		cfg.Logging.Encoding = "console"
	}

	if v := getEnv("LISTEN_ADDR", ""); v != "" {
		cfg.Server.ListenAddr = v
	} else if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = ":19000"
	}
	if v := getEnv("HTTP_HEALTH_ADDR", ""); v != "" {
		cfg.Server.HTTPHealthAddr = v
	} else if cfg.Server.HTTPHealthAddr == "" {
		cfg.Server.HTTPHealthAddr = ":19001"
	}
	if v := getInt("SHUTDOWN_TIMEOUT_SEC", -1); v != -1 {
		cfg.Server.ShutdownTimeoutSec = v
	} else if cfg.Server.ShutdownTimeoutSec == 0 {
		cfg.Server.ShutdownTimeoutSec = 10
	}
	if v := getInt("WRITER_WAIT_TIMEOUT_SEC", -1); v != -1 {
		cfg.Server.WriterWaitTimeoutSec = v
	} else if cfg.Server.WriterWaitTimeoutSec == 0 {
		cfg.Server.WriterWaitTimeoutSec = 15
	}

	if v := getInt("GBL_MAXRETRIES", -1); v != -1 {
		cfg.Retry.MaxRetries = v
	} else if cfg.Retry.MaxRetries == 0 {
		cfg.Retry.MaxRetries = 500
	}
	if v := getInt("GBL_OSQL_VERIFY_RETRIES_MAX", -1); v != -1 {
		cfg.Retry.OsqlVerifyRetriesMax = v
	} else if cfg.Retry.OsqlVerifyRetriesMax == 0 {
		cfg.Retry.OsqlVerifyRetriesMax = 100
	}
	if v := getInt("GBL_DISTTXN_RANDOM_RETRY_POLL", -1); v != -1 {
		cfg.Retry.DisttxnRandomRetryPollMS = v
	} else if cfg.Retry.DisttxnRandomRetryPollMS == 0 {
		cfg.Retry.DisttxnRandomRetryPollMS = 25
	}
	if v, ok := lookupBool("GBL_GOSLOW"); ok {
		cfg.Retry.GoSlow = v
	}
	if v := getInt("GBL_PENALTYINCPERCENT", -1); v != -1 {
		cfg.Retry.PenaltyIncPercent = v
	} else if cfg.Retry.PenaltyIncPercent == 0 {
		cfg.Retry.PenaltyIncPercent = 10
	}

	if v := getInt("GBL_MAXWTHREADS", -1); v != -1 {
		cfg.Workers.MaxWriteThreads = v
	} else if cfg.Workers.MaxWriteThreads == 0 {
		cfg.Workers.MaxWriteThreads = 48
	}

	if v, ok := lookupBool("GBL_SC_CLOSE_TXN"); ok {
		cfg.Feature.ScCloseTxn = v
	}
	if v, ok := lookupBool("GBL_USE_BLKSEQ"); ok {
		cfg.Feature.UseBlkseq = v
	} else if !cfg.Feature.UseBlkseq {
		cfg.Feature.UseBlkseq = true // on by default: the whole point of the log is idempotence
	}
	if v, ok := lookupBool("GBL_REPLICATE_LOCAL"); ok {
		cfg.Feature.ReplicateLocal = v
	}
	if v, ok := lookupBool("GBL_DISABLE_TAGGED_API_WRITES"); ok {
		cfg.Feature.DisableTaggedAPIWrites = v
	}
	if v, ok := lookupBool("GBL_COORDINATOR_WAIT_PROPAGATE"); ok {
		cfg.Feature.CoordinatorWaitPropagate = v
	}
	if v, ok := lookupBool("GBL_REPLICANT_RETRY_ON_NOT_DURABLE"); ok {
		cfg.Feature.ReplicantRetryOnNotDurable = v
	}

	if cfg.Retry.MaxRetries <= 0 {
		cfg.Retry.MaxRetries = 500
	}
	if cfg.Retry.DisttxnRandomRetryPollMS <= 0 {
		cfg.Retry.DisttxnRandomRetryPollMS = 25
	}
	if cfg.Workers.MaxWriteThreads <= 0 {
		cfg.Workers.MaxWriteThreads = 1
	}
	if cfg.Server.ShutdownTimeoutSec <= 0 {
		cfg.Server.ShutdownTimeoutSec = 10
	}

	return cfg, nil
}

// LoadConfigFromYAML loads configuration from a YAML file.
func LoadConfigFromYAML(filePath string) (*Config, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func getEnv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func getInt(key string, def int) int {
	v := getEnv(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func getBool(key string, def bool) bool {
	v, ok := lookupBool(key)
	if !ok {
		return def
	}
	return v
}

func lookupBool(key string) (bool, bool) {
	v := getEnv(key, "")
	if v == "" {
		return false, false
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, false
	}
	return b, true
}
