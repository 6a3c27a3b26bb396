package main

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/opencode-mem/opencode-mem/config"
)

func TestOrDefault(t *testing.T) {
	require.Equal(t, "fallback", orDefault("", "fallback"))
	require.Equal(t, "set", orDefault("set", "fallback"))
}

func TestPidFileForDerivesFromKeysDir(t *testing.T) {
	cfg := &config.Config{KeysDir: "/home/x/.opencode-mem/keys"}
	require.Equal(t, filepath.Join("/home/x/.opencode-mem", "daemon.pid"), pidFileFor(cfg))
}
