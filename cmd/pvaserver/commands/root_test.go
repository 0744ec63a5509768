package commands

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRootCommandRegistersSubcommands(t *testing.T) {
	root := GetRootCmd()

	names := make(map[string]bool)
	for _, c := range root.Commands() {
		names[c.Name()] = true
	}

	require.True(t, names["serve"])
	require.True(t, names["version"])
}
