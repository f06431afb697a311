// Copyright 2026 fanjia1024
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadConfig_Defaults(t *testing.T) {
	path := writeConfig(t, `
store:
  type: memory
log:
  level: info
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 50, cfg.Ingest.MinRows)
	assert.Equal(t, 2000, cfg.Ingest.MaxRows)
	assert.Equal(t, 1<<20, cfg.Ingest.MaxBatchBytes)
	assert.Equal(t, 5000, cfg.Worker.TargetSliceMs)
	assert.Equal(t, 200, cfg.Worker.ClaimMax)
	assert.InDelta(t, 0.7, cfg.Worker.SafetyFactor, 1e-9)
	assert.Equal(t, 5000, cfg.Worker.LockFloorMs)
	assert.Equal(t, 120000, cfg.Worker.LockCapMs)
	assert.InDelta(t, 0.35, cfg.Policy.MinScore, 1e-9)
	assert.Equal(t, 1024, cfg.Audit.BufferSize)
}

func TestLoadConfig_SafetyFactorClampedToRange(t *testing.T) {
	path := writeConfig(t, `
worker:
  safety_factor: 1.5
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.InDelta(t, 0.7, cfg.Worker.SafetyFactor, 1e-9)
}

func TestLoadConfig_EnvExpansion(t *testing.T) {
	t.Setenv("TEST_PRICER_DSN", "postgres://u:p@db/pricer")
	t.Setenv("TEST_SERP_KEY", "sk-123")
	path := writeConfig(t, `
store:
  type: postgres
  dsn: "${TEST_PRICER_DSN}"
providers:
  search:
    serpapi:
      base_url: https://serpapi.com/search
      api_key: "${TEST_SERP_KEY}"
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "postgres://u:p@db/pricer", cfg.Store.DSN)
	assert.Equal(t, "sk-123", cfg.Providers.Search["serpapi"].APIKey)
}

func TestLoadConfig_UnexpandedEnvKeptVerbatim(t *testing.T) {
	path := writeConfig(t, `
store:
  dsn: "${DEFINITELY_UNSET_VAR_42}"
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "${DEFINITELY_UNSET_VAR_42}", cfg.Store.DSN)
}

func TestLoadConfig_MissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}
