package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCommandWithOutput(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestValidateAcceptsGoodConfig(t *testing.T) {
	path := writeConfig(t, "server:\n  port: 8080\n")
	out, err := run(t, "validate", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, "is valid")
}

func TestValidateRejectsBadConfig(t *testing.T) {
	path := writeConfig(t, "server:\n  port: 70000\n")
	_, err := run(t, "validate", "--config", path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "server.port")
}

func TestStatusOnEmptyDatabase(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, fmt.Sprintf("database:\n  sqlite_path: %s\nlogging:\n  audit_log_path: %s\n",
		filepath.Join(dir, "db.sqlite"), filepath.Join(dir, "audit.log")))

	out, err := run(t, "status", "--config", path, "--json")
	require.NoError(t, err)
	var status []map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &status))
	assert.Empty(t, status)
}
