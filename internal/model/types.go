// Package model defines the data types shared across the tunnel core:
// connection definitions, forwarding rules, sessions, and tunnel handles.
package model

import (
	"time"

	"github.com/google/uuid"
)

// AuthMethod is a tagged variant over password and public-key authentication.
type AuthMethod struct {
	Type                string `toml:"type" json:"type"`
	PrivateKeyPath      string `toml:"private_key_path,omitempty" json:"private_key_path,omitempty"`
	PassphraseRequired  bool   `toml:"passphrase_required,omitempty" json:"passphrase_required,omitempty"`
}

const (
	AuthPassword  = "password"
	AuthPublicKey = "publickey"
)

// RuleKind tags which variant a ForwardingRule carries.
type RuleKind string

const (
	RuleLocal   RuleKind = "Local"
	RuleRemote  RuleKind = "Remote"
	RuleDynamic RuleKind = "Dynamic"
)

// ForwardingRule is a tagged variant over {Local, Remote, Dynamic}.
//
// Only the fields relevant to Type are populated; callers should switch on
// Type before reading variant-specific fields.
type ForwardingRule struct {
	Type RuleKind `toml:"type" json:"type"`

	// Local: client-side listener, server-resolved destination.
	BindAddress string `toml:"bind_address,omitempty" json:"bind_address,omitempty"`
	LocalPort   int    `toml:"local_port,omitempty" json:"local_port,omitempty"`
	RemoteHost  string `toml:"remote_host,omitempty" json:"remote_host,omitempty"`
	RemotePort  int    `toml:"remote_port,omitempty" json:"remote_port,omitempty"`

	// Remote: server-side listener, client-resolved destination.
	// RemotePort above doubles as the server listen port for this variant.
	LocalHost string `toml:"local_host,omitempty" json:"local_host,omitempty"`

	// Dynamic: client-side SOCKS server. BindAddress and LocalPort above
	// are reused; SocksVersion is only meaningful here.
	SocksVersion int `toml:"socks_version,omitempty" json:"socks_version,omitempty"`
}

// EffectiveBindAddress returns BindAddress with the spec's default applied.
func (r ForwardingRule) EffectiveBindAddress() string {
	if r.BindAddress == "" {
		return "127.0.0.1"
	}
	return r.BindAddress
}

// ListenPort returns the port this rule binds locally (Local, Dynamic) or
// on the server (Remote).
func (r ForwardingRule) ListenPort() int {
	if r.Type == RuleRemote {
		return r.RemotePort
	}
	return r.LocalPort
}

// ConnectionDefinition is a persistent, named description of how to reach a
// host and what to forward once connected.
type ConnectionDefinition struct {
	ID                 string           `toml:"id" json:"id"`
	Name               string           `toml:"name" json:"name"`
	Host               string           `toml:"host" json:"host"`
	Port               int              `toml:"port" json:"port"`
	Username           string           `toml:"username" json:"username"`
	AuthMethod         AuthMethod       `toml:"auth_method" json:"auth_method"`
	ForwardingConfigs  []ForwardingRule `toml:"forwarding_configs" json:"forwarding_configs"`
	JumpHosts          []string         `toml:"jump_hosts" json:"jump_hosts"`
	IdleTimeoutSeconds int              `toml:"idle_timeout_seconds" json:"idle_timeout_seconds"`
	HostKeyFingerprint *string          `toml:"host_key_fingerprint,omitempty" json:"host_key_fingerprint,omitempty"`
	VerifyHostKey      bool             `toml:"verify_host_key" json:"verify_host_key"`
	Compression        bool             `toml:"compression" json:"compression"`
	QuietMode          bool             `toml:"quiet_mode" json:"quiet_mode"`
	CreatedAt          time.Time        `toml:"created_at" json:"created_at"`
	UpdatedAt          time.Time        `toml:"updated_at" json:"updated_at"`
}

// NewConnectionDefinition fills in the id and defaults spec §3 names, leaving
// everything else to the caller.
func NewConnectionDefinition(name, host, username string) ConnectionDefinition {
	now := time.Now()
	return ConnectionDefinition{
		ID:                 uuid.NewString(),
		Name:               name,
		Host:               host,
		Port:               22,
		Username:           username,
		IdleTimeoutSeconds: 300,
		Compression:        true,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
}

// DuplicateLocalPort reports the first pair of rules within the definition
// that claim the same local listening port and bind address, or ok=false if
// none collide. Remote rules bind on the server and are excluded.
func (d ConnectionDefinition) DuplicateLocalPort() (a, b int, ok bool) {
	type key struct {
		addr string
		port int
	}
	seen := make(map[key]int)
	for i, r := range d.ForwardingConfigs {
		if r.Type == RuleRemote {
			continue
		}
		k := key{r.EffectiveBindAddress(), r.LocalPort}
		if j, exists := seen[k]; exists {
			return j, i, true
		}
		seen[k] = i
	}
	return 0, 0, false
}

// TunnelID and SessionID are opaque 128-bit identifiers.
type TunnelID = string
type SessionID = string

// NewID mints a fresh opaque identifier for sessions and tunnels.
func NewID() string {
	return uuid.NewString()
}
