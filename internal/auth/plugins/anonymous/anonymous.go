// Package anonymous implements the "ca" flavor AuthNZ plugin: a single
// round that always succeeds, trusting whatever identity the client
// claims in its init data. Grounded in the teacher's
// internal/adapter/nfs/auth.UnixAuthenticator, which resolves
// AUTH_UNIX-style "trust the peer's claimed identity" credentials in one
// round and always falls through to a synthetic identity rather than
// rejecting the connection.
package anonymous

import (
	"context"

	"github.com/epics-go/pvaccess/internal/pvstatus"
)

// Name is the wire name of this plugin.
const Name = "ca"

// Plugin is the single-round anonymous AuthNZ mechanism.
type Plugin struct{}

// New returns the anonymous plugin.
func New() *Plugin { return &Plugin{} }

func (p *Plugin) Name() string { return Name }

// InitServer accepts any init data (typically the claimed user/host
// name pair used by the original "ca" auth flavor) and always succeeds
// in a single round.
func (p *Plugin) InitServer(ctx context.Context, initData []byte) (bool, pvstatus.Status, []byte, error) {
	return true, pvstatus.Ok, nil, nil
}

// InitClient sends no credentials; the anonymous plugin claims nothing.
func (p *Plugin) InitClient(ctx context.Context) ([]byte, error) {
	return nil, nil
}

// HandleServerChallenge is never called: InitServer always completes in
// round one.
func (p *Plugin) HandleServerChallenge(ctx context.Context, challenge []byte) ([]byte, bool, error) {
	return nil, true, nil
}
