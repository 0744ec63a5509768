// Package kerberos wraps the gokrb5 library with the keytab/krb5.conf
// loading this core's gssapi AuthNZ plugin needs. Adapted from the
// teacher's pkg/auth/kerberos.Provider, trimmed to what a PV Access
// server needs: load once at startup, expose the keytab and service
// principal, support hot reload for keytab rotation.
package kerberos

import (
	"fmt"
	"os"
	"sync"
	"time"

	krb5config "github.com/jcmturner/gokrb5/v8/config"
	"github.com/jcmturner/gokrb5/v8/keytab"
)

// Config configures a Provider.
type Config struct {
	KeytabPath       string
	ServicePrincipal string
	Krb5ConfPath     string
	MaxClockSkew     time.Duration
}

// Provider holds the loaded keytab and krb5.conf used to verify AP-REQ
// tokens presented by clients.
type Provider struct {
	mu               sync.RWMutex
	keytab           *keytab.Keytab
	krb5Conf         *krb5config.Config
	servicePrincipal string
	maxClockSkew     time.Duration
	keytabPath       string
}

// NewProvider loads cfg's keytab and krb5.conf.
func NewProvider(cfg Config) (*Provider, error) {
	if cfg.KeytabPath == "" {
		return nil, fmt.Errorf("kerberos: keytab path not configured")
	}
	if cfg.ServicePrincipal == "" {
		return nil, fmt.Errorf("kerberos: service principal not configured")
	}
	krb5ConfPath := cfg.Krb5ConfPath
	if krb5ConfPath == "" {
		krb5ConfPath = "/etc/krb5.conf"
	}
	maxClockSkew := cfg.MaxClockSkew
	if maxClockSkew == 0 {
		maxClockSkew = 5 * time.Minute
	}

	kt, err := loadKeytab(cfg.KeytabPath)
	if err != nil {
		return nil, fmt.Errorf("kerberos: load keytab %s: %w", cfg.KeytabPath, err)
	}
	krbCfg, err := krb5config.Load(krb5ConfPath)
	if err != nil {
		return nil, fmt.Errorf("kerberos: load krb5.conf %s: %w", krb5ConfPath, err)
	}

	return &Provider{
		keytab:           kt,
		krb5Conf:         krbCfg,
		servicePrincipal: cfg.ServicePrincipal,
		maxClockSkew:     maxClockSkew,
		keytabPath:       cfg.KeytabPath,
	}, nil
}

// Keytab returns the current keytab.
func (p *Provider) Keytab() *keytab.Keytab {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.keytab
}

// ServicePrincipal returns the configured service principal name.
func (p *Provider) ServicePrincipal() string { return p.servicePrincipal }

// MaxClockSkew returns the maximum allowed clock skew for AP-REQ
// timestamp checks.
func (p *Provider) MaxClockSkew() time.Duration { return p.maxClockSkew }

// Krb5Config returns the loaded Kerberos realm configuration.
func (p *Provider) Krb5Config() *krb5config.Config {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.krb5Conf
}

// ReloadKeytab re-reads the keytab file and atomically swaps it, for
// keytab rotation without a server restart.
func (p *Provider) ReloadKeytab() error {
	kt, err := loadKeytab(p.keytabPath)
	if err != nil {
		return fmt.Errorf("kerberos: reload keytab %s: %w", p.keytabPath, err)
	}
	p.mu.Lock()
	p.keytab = kt
	p.mu.Unlock()
	return nil
}

func loadKeytab(path string) (*keytab.Keytab, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read keytab file: %w", err)
	}
	kt := keytab.New()
	if err := kt.Unmarshal(data); err != nil {
		return nil, fmt.Errorf("parse keytab: %w", err)
	}
	return kt, nil
}
