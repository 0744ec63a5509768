package token

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/epics-go/pvaccess/internal/auth"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func TestPluginSatisfiesAuthPluginInterface(t *testing.T) {
	p, err := New(testSecret, "pvaccess")
	require.NoError(t, err)
	var _ auth.Plugin = p
}

func TestPluginInitClientAndHandleServerChallengeAreUnsupported(t *testing.T) {
	p, err := New(testSecret, "pvaccess")
	require.NoError(t, err)

	_, err = p.InitClient(context.Background())
	require.Error(t, err)

	_, done, err := p.HandleServerChallenge(context.Background(), nil)
	require.Error(t, err)
	require.False(t, done)
}

func TestPluginAcceptsValidToken(t *testing.T) {
	tok, err := IssueToken(testSecret, "pvaccess", "alice", time.Hour)
	require.NoError(t, err)

	p, err := New(testSecret, "pvaccess")
	require.NoError(t, err)

	done, status, _, err := p.InitServer(context.Background(), []byte(tok))
	require.NoError(t, err)
	require.True(t, done)
	require.True(t, status.IsSuccess())
}

func TestPluginRejectsExpiredToken(t *testing.T) {
	tok, err := IssueToken(testSecret, "pvaccess", "alice", -time.Hour)
	require.NoError(t, err)

	p, err := New(testSecret, "pvaccess")
	require.NoError(t, err)

	_, status, _, err := p.InitServer(context.Background(), []byte(tok))
	require.NoError(t, err)
	require.True(t, status.IsFailure())
}

func TestPluginRejectsWrongIssuer(t *testing.T) {
	tok, err := IssueToken(testSecret, "someone-else", "alice", time.Hour)
	require.NoError(t, err)

	p, err := New(testSecret, "pvaccess")
	require.NoError(t, err)

	_, status, _, err := p.InitServer(context.Background(), []byte(tok))
	require.NoError(t, err)
	require.True(t, status.IsFailure())
}

func TestNewRejectsShortSecret(t *testing.T) {
	_, err := New("short", "pvaccess")
	require.ErrorIs(t, err, ErrInvalidSecretLength)
}
