// Package gssapi implements an AuthNZ plugin over Kerberos GSS-API
// AP-REQ/AP-REP tokens, demonstrating the plugin contract against a real
// Kerberos library the way the teacher wires gokrb5 into its RPCSEC_GSS
// context manager (internal/protocol/nfs/rpc/gss/framework.go). This
// plugin speaks one AuthNZ round: the client's init data IS the raw
// AP-REQ token, and the server answers with a status only; no AP-REP
// token is sent back.
package gssapi

import (
	"context"
	"fmt"

	"github.com/jcmturner/gokrb5/v8/client"
	"github.com/jcmturner/gokrb5/v8/messages"
	"github.com/jcmturner/gokrb5/v8/service"
	"github.com/jcmturner/gokrb5/v8/types"

	"github.com/epics-go/pvaccess/internal/pvstatus"
	"github.com/epics-go/pvaccess/pkg/kerberos"
)

// Name is the wire name of this plugin.
const Name = "gssapi"

// Plugin implements the server side of GSS-API AuthNZ: it verifies an
// AP-REQ against the configured keytab.
type Plugin struct {
	provider *kerberos.Provider
}

// New returns a server-side gssapi plugin backed by provider's keytab.
func New(provider *kerberos.Provider) *Plugin {
	return &Plugin{provider: provider}
}

func (p *Plugin) Name() string { return Name }

// InitServer verifies initData as a raw Kerberos AP-REQ and, on success,
// returns OK with no further round. Mutual authentication's AP-REP is
// not attempted here -- spec.md's AuthNZ exchange has no defined channel
// for a server-to-client follow-up token in the single-round case used
// by the core's test harness.
func (p *Plugin) InitServer(ctx context.Context, initData []byte) (bool, pvstatus.Status, []byte, error) {
	if p.provider == nil {
		return true, pvstatus.Errorf("gssapi: no keytab configured"), nil, nil
	}

	var apReq messages.APReq
	if err := apReq.Unmarshal(initData); err != nil {
		return true, pvstatus.Errorf("gssapi: malformed AP-REQ: %v", err), nil, nil
	}

	settings := service.NewSettings(
		p.provider.Keytab(),
		service.MaxClockSkew(p.provider.MaxClockSkew()),
		service.KeytabPrincipal(p.provider.ServicePrincipal()),
	)

	ok, creds, err := service.VerifyAPREQ(&apReq, settings)
	if err != nil || !ok {
		return true, pvstatus.Errorf("gssapi: AP-REQ verification failed: %v", err), nil, nil
	}

	return true, pvstatus.New(pvstatus.OK, fmt.Sprintf("authenticated as %s", creds.CName().PrincipalNameString())), nil, nil
}

// InitClient is never called server-side: a server registers Plugin to
// verify incoming AP-REQs, never to produce one of its own.
func (p *Plugin) InitClient(ctx context.Context) ([]byte, error) {
	return nil, fmt.Errorf("gssapi: server-side plugin cannot initiate a client handshake")
}

// HandleServerChallenge is never called server-side, for the same reason.
func (p *Plugin) HandleServerChallenge(ctx context.Context, challenge []byte) ([]byte, bool, error) {
	return nil, false, fmt.Errorf("gssapi: server-side plugin cannot handle a server challenge")
}

// ClientPlugin is the client-side half: it obtains a service ticket and
// produces the AP-REQ token InitServer expects.
type ClientPlugin struct {
	krbClient        *client.Client
	servicePrincipal string
}

// NewClient builds a client-side plugin that authenticates to
// servicePrincipal using krbClient's already-established credentials.
func NewClient(krbClient *client.Client, servicePrincipal string) *ClientPlugin {
	return &ClientPlugin{krbClient: krbClient, servicePrincipal: servicePrincipal}
}

func (c *ClientPlugin) Name() string { return Name }

func (c *ClientPlugin) InitServer(ctx context.Context, initData []byte) (bool, pvstatus.Status, []byte, error) {
	return true, pvstatus.Ok, nil, nil
}

// InitClient obtains a service ticket and marshals an AP-REQ as the
// plugin's init data, sent with the ConnectionValidation reply.
func (c *ClientPlugin) InitClient(ctx context.Context) ([]byte, error) {
	tkt, sessionKey, err := c.krbClient.GetServiceTicket(c.servicePrincipal)
	if err != nil {
		return nil, fmt.Errorf("gssapi: get service ticket: %w", err)
	}

	auth, err := types.NewAuthenticator(c.krbClient.Credentials.Domain(), c.krbClient.Credentials.CName())
	if err != nil {
		return nil, fmt.Errorf("gssapi: build authenticator: %w", err)
	}

	apReq, err := messages.NewAPReq(tkt, sessionKey, auth)
	if err != nil {
		return nil, fmt.Errorf("gssapi: build AP-REQ: %w", err)
	}

	return apReq.Marshal()
}

func (c *ClientPlugin) HandleServerChallenge(ctx context.Context, challenge []byte) ([]byte, bool, error) {
	return nil, true, nil
}
