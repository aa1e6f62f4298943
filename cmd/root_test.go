package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

const testHierarchy = `
campaign: territoriales-2023
corporations: [SEN, CAM]
departments:
  - code: "01"
    municipalities:
      - code: "001"
        zones:
          - code: "02"
            stations: ["015"]
`

func writeTestConfig(t *testing.T, driver string) (string, string) {
	t.Helper()
	dir := t.TempDir()
	hierarchy := filepath.Join(dir, "hierarchy.yaml")
	require.NoError(t, os.WriteFile(hierarchy, []byte(testHierarchy), 0o600))
	cfg := `
database:
  driver: ` + driver + `
  sqlite_path: ` + filepath.Join(dir, "e14.db") + `
storage:
  backend: memory
publisher:
  backend: none
browser:
  portal_url: http://portal.invalid/e14
server:
  enabled: false
logging:
  development: false
  level: error
`
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(cfg), 0o600))
	return path, hierarchy
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestLoadThenStats(t *testing.T) {
	cfgPath, hierarchy := writeTestConfig(t, "sqlite")

	out, err := execute(t, "load", "--config", cfgPath, "--hierarchy", hierarchy)
	require.NoError(t, err)
	require.Contains(t, out, "campaign territoriales-2023: 2 tasks inserted")

	out, err = execute(t, "load", "--config", cfgPath, "--hierarchy", hierarchy)
	require.NoError(t, err)
	require.Contains(t, out, "already loaded")

	out, err = execute(t, "load", "--config", cfgPath, "--hierarchy", hierarchy, "--resume")
	require.NoError(t, err)
	require.Contains(t, out, "0 tasks inserted")

	out, err = execute(t, "stats", "--config", cfgPath)
	require.NoError(t, err)
	var stats map[string]int64
	require.NoError(t, json.Unmarshal([]byte(out), &stats))
	require.Equal(t, int64(2), stats["total"])
	require.Equal(t, int64(2), stats["pending"])
	require.Equal(t, int64(2), stats["remaining"])
}

func TestLoadRequiresHierarchy(t *testing.T) {
	cfgPath, _ := writeTestConfig(t, "memory")

	_, err := execute(t, "load", "--config", cfgPath)
	require.ErrorContains(t, err, "--hierarchy or campaign.hierarchy_file is required")
}

func TestMigrateRequiresPostgres(t *testing.T) {
	cfgPath, _ := writeTestConfig(t, "sqlite")

	_, err := execute(t, "migrate", "--config", cfgPath)
	require.ErrorContains(t, err, `migrate requires the postgres driver, got "sqlite"`)
}

func TestInvalidConfigFailsBeforeCommand(t *testing.T) {
	_, err := execute(t, "stats", "--config", filepath.Join(t.TempDir(), "missing.yaml"))
	require.ErrorContains(t, err, "read config")
}

func TestResolveEnvWithoutConfig(t *testing.T) {
	_, err := resolveEnv(context.Background())
	require.Error(t, err)
}
