package cli

import (
	"bytes"
	"testing"

	"github.com/samber/lo"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommandsRegistered(t *testing.T) {
	names := lo.Map(rootCmd.Commands(), func(c *cobra.Command, _ int) string { return c.Name() })
	for _, want := range []string{"run", "simulate-alert", "show", "export", "prune", "version"} {
		assert.Contains(t, names, want)
	}
}

func TestVersionSkipsConfig(t *testing.T) {
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"version", "--config", "/nonexistent/config.yaml"})
	t.Cleanup(func() { rootCmd.SetArgs(nil); rootCmd.SetOut(nil) })

	require.NoError(t, rootCmd.Execute())
	assert.Contains(t, out.String(), "version: ")
	assert.Nil(t, appHandle)
}

func TestFlagDefaults(t *testing.T) {
	assert.Equal(t, "20", showCmd.Flags().Lookup("limit").DefValue)
	assert.Equal(t, "720h0m0s", pruneCmd.Flags().Lookup("older-than").DefValue)
	assert.NotNil(t, simulateCmd.Flags().Lookup("observed"))
}

func TestParseTimeFlag(t *testing.T) {
	got, err := parseTimeFlag("--from", "")
	require.NoError(t, err)
	assert.Nil(t, got)

	got, err = parseTimeFlag("--from", "2024-05-01T00:00:00Z")
	require.NoError(t, err)
	assert.Equal(t, 2024, got.Year())

	_, err = parseTimeFlag("--to", "yesterday")
	assert.ErrorContains(t, err, "--to")
}
