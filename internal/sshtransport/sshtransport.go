// Package sshtransport is the SSH Transport Adapter: it negotiates and
// authenticates one SSH transport and exposes the handful of protocol
// operations the tunnel core needs — direct-tcpip channel open, a
// tcpip-forward request, graceful disconnect, a liveness predicate, and
// registration of the server-initiated forwarded-tcpip callback.
//
// The protocol mechanics themselves belong to golang.org/x/crypto/ssh; this
// package only wires that library's primitives to the shapes the rest of
// the core expects.
package sshtransport

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/tunnelcore/tunnelcore/internal/forwardrouter"
	"github.com/tunnelcore/tunnelcore/internal/xerrors"
)

// defaultInactivityTimeout is applied when ConnectParams.InactivityTimeout
// is left at its zero value.
const defaultInactivityTimeout = 300 * time.Second

// HostKeyPolicy selects how the server's offered host key is checked.
type HostKeyPolicy int

const (
	// HostKeyOff accepts any host key, logging the fingerprint at WARN.
	HostKeyOff HostKeyPolicy = iota
	// HostKeyPinned requires the offered fingerprint to equal a pin.
	HostKeyPinned
	// HostKeyTOFU accepts on first sight and logs the fingerprint at WARN.
	HostKeyTOFU
)

// ConnectParams describes one SSH connection attempt.
type ConnectParams struct {
	Host     string
	Port     int
	Username string
	Auth     []ssh.AuthMethod

	VerifyHostKey      bool
	PinnedFingerprint  string // SHA256:... ; empty means TOFU when VerifyHostKey is true
	InactivityTimeout  time.Duration
}

func (p ConnectParams) policy() HostKeyPolicy {
	if !p.VerifyHostKey {
		return HostKeyOff
	}
	if p.PinnedFingerprint != "" {
		return HostKeyPinned
	}
	return HostKeyTOFU
}

// Transport is one authenticated SSH connection shared by every tunnel of a
// session. Opening a channel or issuing a forward request takes a brief
// exclusive lock; copy loops never hold it.
type Transport struct {
	mu     sync.Mutex
	client *ssh.Client

	closeOnce sync.Once
	closeErr  error
}

// AuthMethodsPassword builds the single-password auth method.
func AuthMethodsPassword(password string) []ssh.AuthMethod {
	return []ssh.AuthMethod{ssh.Password(password)}
}

// AuthMethodsPublicKey parses a PEM-encoded private key (optionally
// encrypted) and returns the corresponding auth method. Loading or
// decrypting the key is the only part of on-disk key management this
// package performs; generating or persisting keys is out of scope.
func AuthMethodsPublicKey(keyData []byte, passphrase string) ([]ssh.AuthMethod, error) {
	var signer ssh.Signer
	var err error
	if passphrase != "" {
		signer, err = ssh.ParsePrivateKeyWithPassphrase(keyData, []byte(passphrase))
	} else {
		signer, err = ssh.ParsePrivateKey(keyData)
	}
	if err != nil {
		return nil, xerrors.Wrap(xerrors.AuthenticationFailed, "could not parse private key", err)
	}
	return []ssh.AuthMethod{ssh.PublicKeys(signer)}, nil
}

// Connect negotiates and authenticates one SSH transport. It does not
// itself start accepting forwarded-tcpip channels; call Serve for that once
// the caller has a forwardrouter.Router ready.
func Connect(ctx context.Context, params ConnectParams) (*Transport, error) {
	timeout := params.InactivityTimeout
	if timeout <= 0 {
		timeout = defaultInactivityTimeout
	}

	config := &ssh.ClientConfig{
		User:            params.Username,
		Auth:            params.Auth,
		HostKeyCallback: hostKeyCallback(params.policy(), params.PinnedFingerprint),
		Timeout:         timeout,
	}

	addr := net.JoinHostPort(params.Host, fmt.Sprintf("%d", params.Port))

	type dialResult struct {
		client *ssh.Client
		err    error
	}
	done := make(chan dialResult, 1)
	go func() {
		client, err := ssh.Dial("tcp", addr, config)
		done <- dialResult{client, err}
	}()

	select {
	case <-ctx.Done():
		return nil, xerrors.Wrap(xerrors.SshConnectionFailed, "connect cancelled", ctx.Err())
	case r := <-done:
		if r.err != nil {
			return nil, classifyDialError(r.err)
		}
		return &Transport{client: r.client}, nil
	}
}

// classifyDialError maps a dial failure onto the taxonomy. Host-key
// mismatches are raised directly from the HostKeyCallback as a
// *xerrors.Error, so errors.As below recovers that classification instead
// of re-wrapping it as a generic connection failure.
func classifyDialError(err error) error {
	if kind, ok := xerrors.KindOf(err); ok && kind == xerrors.HostKeyMismatch {
		return err
	}
	return xerrors.Wrap(xerrors.SshConnectionFailed, "dial failed", err)
}

func hostKeyCallback(policy HostKeyPolicy, pinned string) ssh.HostKeyCallback {
	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		fp := ssh.FingerprintSHA256(key)
		switch policy {
		case HostKeyOff:
			slog.Warn("host key verification disabled", "host", hostname, "fingerprint", fp)
			return nil
		case HostKeyPinned:
			if fp != pinned {
				return xerrors.New(xerrors.HostKeyMismatch,
					fmt.Sprintf("host %s offered %s, expected %s", hostname, fp, pinned))
			}
			return nil
		default: // HostKeyTOFU
			slog.Warn("trusting host key on first use", "host", hostname, "fingerprint", fp)
			return nil
		}
	}
}

// directTCPIPPayload is the RFC 4254 §7.2 wire encoding for a direct-tcpip
// channel open request.
type directTCPIPPayload struct {
	DestAddr   string
	DestPort   uint32
	OriginAddr string
	OriginPort uint32
}

// OpenDirectTCPIP opens one direct-tcpip channel to destHost:destPort. The
// transport lock is held only for the duration of the open call; the
// returned channel is safe to use for a long-lived copy loop without it.
func (t *Transport) OpenDirectTCPIP(destHost string, destPort int, originAddr string, originPort int) (ssh.Channel, error) {
	payload := ssh.Marshal(directTCPIPPayload{
		DestAddr:   destHost,
		DestPort:   uint32(destPort),
		OriginAddr: originAddr,
		OriginPort: uint32(originPort),
	})

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.client == nil {
		return nil, xerrors.New(xerrors.SshConnectionFailed, "transport is closed")
	}

	ch, reqs, err := t.client.OpenChannel("direct-tcpip", payload)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.TunnelFailed, fmt.Sprintf("open direct-tcpip to %s:%d", destHost, destPort), err)
	}
	go ssh.DiscardRequests(reqs)
	return ch, nil
}

// tcpipForwardPayload is the RFC 4254 §7.1 wire encoding for a tcpip-forward
// global request.
type tcpipForwardPayload struct {
	BindAddr string
	BindPort uint32
}

// RequestRemoteForward issues one tcpip-forward global request for
// bindAddress:remotePort. On success the caller is responsible for
// registering the rule with a forwardrouter.Router before any matching
// forwarded-tcpip channel can arrive.
func (t *Transport) RequestRemoteForward(bindAddress string, remotePort int) error {
	payload := ssh.Marshal(tcpipForwardPayload{
		BindAddr: bindAddress,
		BindPort: uint32(remotePort),
	})

	t.mu.Lock()
	client := t.client
	t.mu.Unlock()
	if client == nil {
		return xerrors.New(xerrors.SshConnectionFailed, "transport is closed")
	}

	ok, _, err := client.SendRequest("tcpip-forward", true, payload)
	if err != nil {
		return xerrors.Wrap(xerrors.TunnelFailed, fmt.Sprintf("remote forward request for port %d", remotePort), err)
	}
	if !ok {
		return xerrors.New(xerrors.TunnelFailed, fmt.Sprintf("server refused remote forward for port %d", remotePort))
	}
	return nil
}

// forwardedTCPPayload mirrors the server's RFC 4254 §7.2 encoding of a
// forwarded-tcpip channel open.
type forwardedTCPPayload struct {
	Addr       string
	Port       uint32
	OriginAddr string
	OriginPort uint32
}

// Serve registers the forwarded-tcpip channel-open handler exactly once and
// dispatches every server-initiated channel to router until the transport
// closes. It must be called at most once per Transport.
func (t *Transport) Serve(ctx context.Context, router *forwardrouter.Router) {
	t.mu.Lock()
	client := t.client
	t.mu.Unlock()
	if client == nil {
		return
	}

	channels := client.HandleChannelOpen("forwarded-tcpip")
	go func() {
		for newChan := range channels {
			var payload forwardedTCPPayload
			if err := ssh.Unmarshal(newChan.ExtraData(), &payload); err != nil {
				_ = newChan.Reject(ssh.ConnectionFailed, "malformed forwarded-tcpip payload")
				continue
			}
			router.Dispatch(ctx, int(payload.Port), newChan)
		}
	}()
}

// IsAlive reports whether the transport still responds to a keepalive
// request. It is a cheap, synchronous liveness check; callers that need a
// non-blocking probe should run it in its own goroutine.
func (t *Transport) IsAlive() bool {
	t.mu.Lock()
	client := t.client
	t.mu.Unlock()
	if client == nil {
		return false
	}
	_, _, err := client.SendRequest("keepalive@tunnelcore", true, nil)
	return err == nil
}

// Disconnect closes the underlying connection. Best-effort and idempotent.
func (t *Transport) Disconnect() error {
	t.closeOnce.Do(func() {
		t.mu.Lock()
		client := t.client
		t.client = nil
		t.mu.Unlock()
		if client != nil {
			t.closeErr = client.Close()
		}
	})
	return t.closeErr
}
