/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigFromYAML(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantCfg *Config
		wantErr bool
	}{
		{
			name: "valid yaml",
			yaml: `
database:
  host: testhost
  port: 5433
  user: testuser
  password: testpass
  dbname: testdb
  sslmode: require
retry:
  max_retries: 1000
  osql_verify_retries_max: 200
  disttxn_random_retry_poll_ms: 50
  go_slow: true
  penalty_inc_percent: 20
workers:
  max_write_threads: 64
`,
			wantCfg: &Config{
				DB: DBConfig{
					Host:     "testhost",
					Port:     5433,
					User:     "testuser",
					Password: "testpass",
					DBName:   "testdb",
					SSLMode:  "require",
				},
				Retry: RetryConfig{
					MaxRetries:               1000,
					OsqlVerifyRetriesMax:     200,
					DisttxnRandomRetryPollMS: 50,
					GoSlow:                   true,
					PenaltyIncPercent:        20,
				},
				Workers: WorkerConfig{
					MaxWriteThreads: 64,
				},
			},
			wantErr: false,
		},
		{
			name:    "invalid yaml",
			yaml:    `invalid: [unclosed`,
			wantCfg: nil,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tmpDir := t.TempDir()
			filePath := filepath.Join(tmpDir, "config.yaml")
			err := os.WriteFile(filePath, []byte(tt.yaml), 0644)
			require.NoError(t, err)

			cfg, err := LoadConfigFromYAML(filePath)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				require.NoError(t, err)
				assert.Equal(t, tt.wantCfg, cfg)
			}
		})
	}
}

func TestLoadConfigFromYAMLNonExistentFile(t *testing.T) {
	_, err := LoadConfigFromYAML("/nonexistent/config.yaml")
	assert.Error(t, err)
}

func withCleanEnv(t *testing.T, fn func()) {
	t.Helper()
	originalEnv := os.Environ()
	os.Clearenv()
	defer func() {
		os.Clearenv()
		for _, e := range originalEnv {
			for i := 0; i < len(e); i++ {
				if e[i] == '=' {
					os.Setenv(e[:i], e[i+1:])
					break
				}
			}
		}
	}()
	fn()
}

func TestLoadWithEnvironmentVariables(t *testing.T) {
	withCleanEnv(t, func() {
		os.Setenv("DB_HOST", "envhost")
		os.Setenv("DB_PORT", "5434")
		os.Setenv("GBL_MAXRETRIES", "750")
		os.Setenv("GBL_DISTTXN_RANDOM_RETRY_POLL", "40")
		os.Setenv("GBL_GOSLOW", "true")
		os.Setenv("GBL_MAXWTHREADS", "96")
		os.Setenv("GBL_USE_BLKSEQ", "false")

		cfg, err := Load()
		require.NoError(t, err)

		assert.Equal(t, "envhost", cfg.DB.Host)
		assert.Equal(t, 5434, cfg.DB.Port)
		assert.Equal(t, 750, cfg.Retry.MaxRetries)
		assert.Equal(t, 40, cfg.Retry.DisttxnRandomRetryPollMS)
		assert.True(t, cfg.Retry.GoSlow)
		assert.Equal(t, 96, cfg.Workers.MaxWriteThreads)
		assert.False(t, cfg.Feature.UseBlkseq)
	})
}

func TestLoadWithDefaults(t *testing.T) {
	withCleanEnv(t, func() {
		cfg, err := Load()
		require.NoError(t, err)

		assert.Equal(t, "localhost", cfg.DB.Host)
		assert.Equal(t, 5432, cfg.DB.Port)
		assert.Equal(t, "postgres", cfg.DB.User)
		assert.Equal(t, "blockdb", cfg.DB.DBName)
		assert.Equal(t, "disable", cfg.DB.SSLMode)
		assert.Equal(t, 500, cfg.Retry.MaxRetries)
		assert.Equal(t, 100, cfg.Retry.OsqlVerifyRetriesMax)
		assert.Equal(t, 25, cfg.Retry.DisttxnRandomRetryPollMS)
		assert.False(t, cfg.Retry.GoSlow)
		assert.Equal(t, 48, cfg.Workers.MaxWriteThreads)
		assert.True(t, cfg.Feature.UseBlkseq)
		assert.Equal(t, ":19000", cfg.Server.ListenAddr)
		assert.Equal(t, 10, cfg.Server.ShutdownTimeoutSec)
	})
}

func TestGetEnv(t *testing.T) {
	os.Setenv("TEST_VAR", "testvalue")
	defer os.Unsetenv("TEST_VAR")

	assert.Equal(t, "testvalue", getEnv("TEST_VAR", "default"))
	assert.Equal(t, "default", getEnv("NONEXISTENT_VAR", "default"))
}

func TestGetInt(t *testing.T) {
	os.Setenv("TEST_INT", "42")
	defer os.Unsetenv("TEST_INT")

	assert.Equal(t, 42, getInt("TEST_INT", 10))
	assert.Equal(t, 10, getInt("NONEXISTENT_INT", 10))

	os.Setenv("TEST_INVALID_INT", "notanumber")
	defer os.Unsetenv("TEST_INVALID_INT")
	assert.Equal(t, 10, getInt("TEST_INVALID_INT", 10))
}

func TestLookupBool(t *testing.T) {
	os.Setenv("TEST_BOOL", "true")
	defer os.Unsetenv("TEST_BOOL")

	v, ok := lookupBool("TEST_BOOL")
	assert.True(t, ok)
	assert.True(t, v)

	_, ok = lookupBool("NONEXISTENT_BOOL")
	assert.False(t, ok)
}
