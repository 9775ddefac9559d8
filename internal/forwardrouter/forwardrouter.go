// Package forwardrouter implements the Remote-Forward Router: it maps an
// incoming server-initiated forwarded-tcpip channel to the local
// destination a Remote forwarding rule declared, and bridges it into the
// bidirectional copy loop.
package forwardrouter

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"golang.org/x/crypto/ssh"

	"github.com/tunnelcore/tunnelcore/internal/copyloop"
	"github.com/tunnelcore/tunnelcore/internal/counter"
)

// Destination is where a Remote rule's incoming connections are relayed.
type Destination struct {
	LocalHost string
	LocalPort int
	Traffic   *counter.Traffic
}

// Router holds the remote-forward registry for one transport, keyed by the
// server listen port the rule requested.
type Router struct {
	mu    sync.RWMutex
	rules map[int]Destination
}

// New creates an empty router.
func New() *Router {
	return &Router{rules: make(map[int]Destination)}
}

// Register adds a rule to the registry. It is the Remote forwarder's job
// to call this only after RequestRemoteForward has succeeded.
func (r *Router) Register(remotePort int, dest Destination) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rules[remotePort] = dest
}

// Unregister removes a rule, e.g. when its tunnel is torn down.
func (r *Router) Unregister(remotePort int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.rules, remotePort)
}

// Dispatch is invoked by the SSH Transport Adapter for every forwarded-tcpip
// channel the server opens. It looks up the rule for port, dials the local
// destination, accepts the channel, and spawns a copy-loop task. Neither a
// missing rule nor a failed local dial tears down the transport: the
// channel is simply rejected.
func (r *Router) Dispatch(ctx context.Context, port int, newChan ssh.NewChannel) {
	r.mu.RLock()
	dest, ok := r.rules[port]
	r.mu.RUnlock()

	if !ok {
		_ = newChan.Reject(ssh.Prohibited, fmt.Sprintf("no remote-forward rule for port %d", port))
		return
	}

	local, err := net.Dial("tcp", net.JoinHostPort(dest.LocalHost, fmt.Sprintf("%d", dest.LocalPort)))
	if err != nil {
		_ = newChan.Reject(ssh.ConnectionFailed, "local dial failed")
		slog.Warn("remote-forward local dial failed", "port", port, "local_host", dest.LocalHost, "local_port", dest.LocalPort, "error", err)
		return
	}

	channel, reqs, err := newChan.Accept()
	if err != nil {
		_ = local.Close()
		return
	}
	go ssh.DiscardRequests(reqs)

	go copyloop.Run(ctx, local, channel, dest.Traffic)
}
