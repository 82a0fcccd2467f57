package main

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupEnv points HOME and the database at temporary locations.
func setupEnv(t *testing.T) {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("HOME", dir)
	t.Setenv("SELFHEAL_STORAGE_PATH", filepath.Join(dir, "selfheal.db"))
	t.Setenv("SELFHEAL_LOGGING_LEVEL", "error")
	configPath = ""
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestTenantCommands(t *testing.T) {
	setupEnv(t)

	out, err := execute(t, "tenant", "register",
		"--org", "Acme",
		"--repository", "acme/shop",
		"--issue-token", "sntrys_raw",
		"--code-host-token", "ghp_raw",
		"--project", "shop")
	require.NoError(t, err, out)
	assert.Contains(t, out, "Registered tenant acme/acme/shop")

	out, err = execute(t, "tenant", "list")
	require.NoError(t, err, out)
	assert.Contains(t, out, "acme/acme/shop")
	assert.Contains(t, out, "active")
	assert.NotContains(t, out, "sntrys_raw")

	out, err = execute(t, "tenant", "prune")
	require.NoError(t, err, out)
	assert.Contains(t, out, "Pruned 0 tenants")
}

func TestTenantRegister_Validation(t *testing.T) {
	setupEnv(t)

	t.Run("org is required", func(t *testing.T) {
		_, err := execute(t, "tenant", "register", "--issue-token", "a", "--code-host-token", "b")
		require.Error(t, err)
	})

	t.Run("placeholder org", func(t *testing.T) {
		_, err := execute(t, "tenant", "register", "--org", "your-org", "--issue-token", "a", "--code-host-token", "b")
		require.Error(t, err)
	})

	t.Run("detect conflicts with repository", func(t *testing.T) {
		_, err := execute(t, "tenant", "register", "--org", "acme", "--detect", "--repository", "shop")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "mutually exclusive")
	})
}

func TestLedgerList(t *testing.T) {
	setupEnv(t)

	out, err := execute(t, "ledger", "list", "--tenant", "acme/acme/shop")
	require.NoError(t, err, out)
	assert.Contains(t, out, "ISSUE")

	_, err = execute(t, "ledger", "list")
	require.Error(t, err, "tenant flag is required")
}

func TestVersion(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "Version:    dev")
}

func TestWorker_RequiresTemporal(t *testing.T) {
	setupEnv(t)

	_, err := execute(t, "worker")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "temporal.host_port")
}
