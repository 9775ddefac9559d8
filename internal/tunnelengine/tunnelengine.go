// Package tunnelengine implements the Tunnel Engine: the Local, Remote, and
// Dynamic forwarders, each bridging accepted TCP connections (or a
// server-initiated channel, for Remote) to the bidirectional copy loop.
package tunnelengine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/tunnelcore/tunnelcore/internal/copyloop"
	"github.com/tunnelcore/tunnelcore/internal/counter"
	"github.com/tunnelcore/tunnelcore/internal/forwardrouter"
	"github.com/tunnelcore/tunnelcore/internal/model"
	"github.com/tunnelcore/tunnelcore/internal/portregistry"
	"github.com/tunnelcore/tunnelcore/internal/socks5"
	"github.com/tunnelcore/tunnelcore/internal/xerrors"
)

// remoteForwardPollInterval is how often a Remote tunnel checks transport
// liveness, per the component design.
const remoteForwardPollInterval = 10 * time.Second

// Transport is the subset of the SSH Transport Adapter the engine needs.
// Tests substitute a fake implementation instead of a real SSH connection.
type Transport interface {
	OpenDirectTCPIP(destHost string, destPort int, originAddr string, originPort int) (ssh.Channel, error)
	RequestRemoteForward(bindAddress string, remotePort int) error
	IsAlive() bool
}

// Handle is the Tunnel Handle of §3: an opaque id, the rule it implements,
// a traffic counter, and a cancellable task. Closing the handle aborts the
// task and releases any port reservation it held.
type Handle struct {
	ID      string
	Rule    model.ForwardingRule
	Traffic *counter.Traffic

	cancel context.CancelFunc
	done   chan struct{}
	onClose func()
}

// Close aborts the tunnel's background task and waits for it to finish.
// Safe to call more than once.
func (h *Handle) Close() {
	h.cancel()
	<-h.done
	if h.onClose != nil {
		h.onClose()
	}
}

// Engine instantiates tunnels against one shared transport.
type Engine struct {
	transport Transport
	router    *forwardrouter.Router
	ports     *portregistry.Registry
}

// New creates an engine bound to one session's transport, forward router,
// and port registry.
func New(transport Transport, router *forwardrouter.Router, ports *portregistry.Registry) *Engine {
	return &Engine{transport: transport, router: router, ports: ports}
}

// Start instantiates one tunnel for rule. The returned Handle's task keeps
// running until Close is called or the tunnel's own background task ends
// (e.g. a dead transport for a Remote tunnel).
func (e *Engine) Start(ctx context.Context, rule model.ForwardingRule) (*Handle, error) {
	switch rule.Type {
	case model.RuleLocal:
		return e.startAcceptor(ctx, rule, e.serveLocalConn)
	case model.RuleDynamic:
		return e.startAcceptor(ctx, rule, e.serveDynamicConn)
	case model.RuleRemote:
		return e.startRemote(ctx, rule)
	default:
		return nil, xerrors.New(xerrors.ConfigError, fmt.Sprintf("unknown forwarding rule type %q", rule.Type))
	}
}

// connHandler serves one accepted TCP connection for a Local or Dynamic
// tunnel.
type connHandler func(ctx context.Context, conn net.Conn, rule model.ForwardingRule, traffic *counter.Traffic)

// startAcceptor implements the Binding -> Listening -> Serving -> Closed
// state machine shared by Local and Dynamic forwarders.
func (e *Engine) startAcceptor(parent context.Context, rule model.ForwardingRule, handle connHandler) (*Handle, error) {
	bindAddr := rule.EffectiveBindAddress()
	port := rule.LocalPort

	guard, err := e.ports.Reserve(port)
	if err != nil {
		return nil, err
	}

	listener, err := net.Listen("tcp", fmt.Sprintf("%s:%d", bindAddr, port))
	if err != nil {
		guard.Release()
		if isAddrInUse(err) {
			return nil, xerrors.WithPort(xerrors.PortInUse, port)
		}
		return nil, xerrors.Wrap(xerrors.TunnelFailed, fmt.Sprintf("bind %s:%d", bindAddr, port), err)
	}
	if portregistry.IsCommonlyReserved(port) {
		slog.Warn("tunnel binds a commonly reserved port", "bind_address", bindAddr, "port", port)
	}

	ctx, cancel := context.WithCancel(parent)
	done := make(chan struct{})
	var traffic counter.Traffic

	go func() {
		defer close(done)
		defer listener.Close()
		<-ctx.Done()
	}()

	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			go handle(ctx, conn, rule, &traffic)
		}
	}()

	return &Handle{
		ID:      model.NewID(),
		Rule:    rule,
		Traffic: &traffic,
		cancel:  cancel,
		done:    done,
		onClose: guard.Release,
	}, nil
}

// serveLocalConn implements the Connection task of §4.2.1: open one
// direct-tcpip channel to the rule's server-resolved destination, then run
// the copy loop. The transport lock (held internally by OpenDirectTCPIP) is
// released before any data moves.
func (e *Engine) serveLocalConn(ctx context.Context, conn net.Conn, rule model.ForwardingRule, traffic *counter.Traffic) {
	defer conn.Close()

	originAddr, originPort := splitOriginator(conn)
	channel, err := e.transport.OpenDirectTCPIP(rule.RemoteHost, rule.RemotePort, originAddr, originPort)
	if err != nil {
		slog.Warn("local forward: channel open failed", "remote_host", rule.RemoteHost, "remote_port", rule.RemotePort, "error", err)
		return
	}
	copyloop.Run(ctx, conn, channel, traffic)
}

// serveDynamicConn implements §4.2.3: run the SOCKS5 negotiator, then open a
// direct-tcpip channel to the negotiated destination.
func (e *Engine) serveDynamicConn(ctx context.Context, conn net.Conn, rule model.ForwardingRule, traffic *counter.Traffic) {
	defer conn.Close()

	dest, err := socks5.Negotiate(conn)
	if err != nil {
		slog.Warn("dynamic forward: socks5 negotiation failed", "error", err)
		return
	}

	originAddr, originPort := splitOriginator(conn)
	channel, err := e.transport.OpenDirectTCPIP(dest.Host, dest.Port, originAddr, originPort)
	if err != nil {
		slog.Warn("dynamic forward: channel open failed", "dest_host", dest.Host, "dest_port", dest.Port, "error", err)
		return
	}
	copyloop.Run(ctx, conn, channel, traffic)
}

// startRemote implements §4.2.2: issue one tcpip-forward request, register
// the rule with the forward router on success, and poll transport liveness
// until the transport dies or the handle is closed.
func (e *Engine) startRemote(parent context.Context, rule model.ForwardingRule) (*Handle, error) {
	if err := e.transport.RequestRemoteForward("0.0.0.0", rule.RemotePort); err != nil {
		return nil, xerrors.Wrap(xerrors.TunnelFailed, fmt.Sprintf("remote forward for port %d", rule.RemotePort), err)
	}

	var traffic counter.Traffic
	e.router.Register(rule.RemotePort, forwardrouter.Destination{
		LocalHost: rule.LocalHost,
		LocalPort: rule.LocalPort,
		Traffic:   &traffic,
	})

	ctx, cancel := context.WithCancel(parent)
	done := make(chan struct{})

	go func() {
		defer close(done)
		ticker := time.NewTicker(remoteForwardPollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if !e.transport.IsAlive() {
					return
				}
			}
		}
	}()

	remotePort := rule.RemotePort
	return &Handle{
		ID:      model.NewID(),
		Rule:    rule,
		Traffic: &traffic,
		cancel:  cancel,
		done:    done,
		onClose: func() { e.router.Unregister(remotePort) },
	}, nil
}

func splitOriginator(conn net.Conn) (string, int) {
	host, portStr, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		return "localhost", 0
	}
	var port int
	fmt.Sscanf(portStr, "%d", &port)
	return host, port
}

func isAddrInUse(err error) bool {
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return strings.Contains(opErr.Err.Error(), "address already in use")
	}
	return false
}
