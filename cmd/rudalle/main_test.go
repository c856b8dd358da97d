package main

import (
	"bytes"
	"testing"

	"github.com/shonenkov/ru-dalle/models"
	"github.com/stretchr/testify/require"
)

func runCommand(t *testing.T, args ...string) (string, error) {
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestList(t *testing.T) {
	out, err := runCommand(t, "list")
	require.NoError(t, err)
	require.Contains(t, out, "NAME")
	require.Contains(t, out, models.Malevich)
	require.Contains(t, out, "shonenkov/rudalle-Malevich")
	require.Contains(t, out, models.Small)
}

func TestInfo(t *testing.T) {
	cacheDir := t.TempDir()
	out, err := runCommand(t, "info", models.Malevich, "--cache_dir", cacheDir)
	require.NoError(t, err)
	require.Contains(t, out, "repo_id: shonenkov/rudalle-Malevich")
	require.Contains(t, out, "num_layers: 24")
	require.Contains(t, out, "checkpoint: not loaded yet")

	_, err = runCommand(t, "info", "Kandinsky")
	require.ErrorIs(t, err, models.ErrUnknownModel)
}

func TestLoadNotPretrained(t *testing.T) {
	out, err := runCommand(t, "load", "small", "--pretrained=false", "--plain", "--fp16")
	require.NoError(t, err)
	require.Contains(t, out, "float16")
	require.Contains(t, out, "cpu")
}
