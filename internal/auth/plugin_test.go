package auth

import (
	"context"
	"testing"

	"github.com/epics-go/pvaccess/internal/auth/plugins/anonymous"
	"github.com/stretchr/testify/require"
)

func TestRegistryRegisterAndGet(t *testing.T) {
	r := NewRegistry()
	r.Register(anonymous.New())
	require.Equal(t, []string{"ca"}, r.Names())

	p, err := r.Get("ca")
	require.NoError(t, err)
	require.Equal(t, "ca", p.Name())

	_, err = r.Get("missing")
	require.Error(t, err)
}

func TestRegistryReRegisterReplacesInPlace(t *testing.T) {
	r := NewRegistry()
	r.Register(anonymous.New())
	r.Register(anonymous.New())
	require.Equal(t, []string{"ca"}, r.Names())
}

func TestAnonymousPluginAlwaysSucceedsSingleRound(t *testing.T) {
	p := anonymous.New()
	done, status, next, err := p.InitServer(context.Background(), nil)
	require.NoError(t, err)
	require.True(t, done)
	require.True(t, status.IsSuccess())
	require.Nil(t, next)
}
