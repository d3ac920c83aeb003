package main

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCmdHasSubcommands(t *testing.T) {
	cmd := NewRootCmd()

	names := make([]string, 0, len(cmd.Commands()))
	for _, sub := range cmd.Commands() {
		names = append(names, sub.Name())
	}
	assert.Contains(t, names, "serve")
	assert.Contains(t, names, "migrate")
	assert.NotNil(t, cmd.PersistentFlags().Lookup("config"))
}

func TestMigrateWithoutDatabaseFails(t *testing.T) {
	t.Setenv("AUTHCORE_TOKEN__ACCESS_SECRET", "access-secret-access-secret-access-secret")
	t.Setenv("AUTHCORE_TOKEN__REFRESH_SECRET", "refresh-secret-refresh-secret-refresh-secret")

	cmd := NewRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs([]string{"migrate"})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database.url")
}

func TestMigrateRejectsInvalidConfig(t *testing.T) {
	cmd := NewRootCmd()
	cmd.SetArgs([]string{"migrate", "--config", "/nonexistent/authcore.yaml"})

	assert.Error(t, cmd.Execute())
}

func TestAccountDisable(t *testing.T) {
	t.Setenv("AUTHCORE_TOKEN__ACCESS_SECRET", "access-secret-access-secret-access-secret")
	t.Setenv("AUTHCORE_TOKEN__REFRESH_SECRET", "refresh-secret-refresh-secret-refresh-secret")
	t.Setenv("AUTHCORE_CACHE__JANITOR_INTERVAL", "0s")
	t.Setenv("AUTHCORE_LOG__LEVEL", "error")
	t.Setenv("AUTHCORE_ADMIN__EMAIL", "admin@x.com")
	t.Setenv("AUTHCORE_ADMIN__PASSWORD", "admin-pass-99")

	cmd := NewRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"account", "disable", "admin@x.com"})
	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), "Account admin@x.com is disabled")

	cmd = NewRootCmd()
	cmd.SetArgs([]string{"account", "disable", "nobody@x.com"})
	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nobody@x.com")
}
