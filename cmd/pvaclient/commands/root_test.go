package commands

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRootCommandRegistersSubcommands(t *testing.T) {
	names := make(map[string]bool)
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}

	require.True(t, names["get"])
	require.True(t, names["monitor"])
	require.True(t, names["version"])
}
