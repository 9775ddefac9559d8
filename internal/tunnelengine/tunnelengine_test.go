package tunnelengine

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/tunnelcore/tunnelcore/internal/forwardrouter"
	"github.com/tunnelcore/tunnelcore/internal/model"
	"github.com/tunnelcore/tunnelcore/internal/portregistry"
	"github.com/tunnelcore/tunnelcore/internal/xerrors"
)

// fakeChannel adapts a net.Conn to ssh.Channel for the fake transport below.
type fakeChannel struct{ net.Conn }

func (f fakeChannel) CloseWrite() error                              { return nil }
func (f fakeChannel) SendRequest(string, bool, []byte) (bool, error) { return false, nil }
func (f fakeChannel) Stderr() io.ReadWriter                          { return nil }

// fakeTransport is the test double for the Transport interface, grounded on
// the teacher's TunnelStarter seam: it records what was asked of it and
// hands back an in-memory pipe instead of a real SSH channel.
type fakeTransport struct {
	alive         bool
	openErr       error
	forwardErr    error
	lastDestHost  string
	lastDestPort  int
	lastBind      string
	lastRemote    int
	peerConns     []net.Conn
}

func (f *fakeTransport) OpenDirectTCPIP(destHost string, destPort int, originAddr string, originPort int) (ssh.Channel, error) {
	f.lastDestHost = destHost
	f.lastDestPort = destPort
	if f.openErr != nil {
		return nil, f.openErr
	}
	a, b := net.Pipe()
	f.peerConns = append(f.peerConns, b)
	return fakeChannel{a}, nil
}

func (f *fakeTransport) RequestRemoteForward(bindAddress string, remotePort int) error {
	f.lastBind = bindAddress
	f.lastRemote = remotePort
	return f.forwardErr
}

func (f *fakeTransport) IsAlive() bool { return f.alive }

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	_, portStr, _ := net.SplitHostPort(ln.Addr().String())
	var port int
	fmt.Sscanf(portStr, "%d", &port)
	return port
}

func TestStartLocalOpensChannelAndRelays(t *testing.T) {
	transport := &fakeTransport{alive: true}
	engine := New(transport, forwardrouter.New(), portregistry.New())

	port := freePort(t)
	rule := model.ForwardingRule{
		Type:        model.RuleLocal,
		BindAddress: "127.0.0.1",
		LocalPort:   port,
		RemoteHost:  "10.0.0.5",
		RemotePort:  3306,
	}

	handle, err := engine.Start(context.Background(), rule)
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer handle.Close()

	conn, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		t.Fatalf("dial local listener: %v", err)
	}
	defer conn.Close()

	payload := []byte("ping")
	if _, err := conn.Write(payload); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if transport.lastDestHost == rule.RemoteHost {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if transport.lastDestHost != rule.RemoteHost || transport.lastDestPort != rule.RemotePort {
		t.Fatalf("OpenDirectTCPIP called with host=%s port=%d, want %s:%d",
			transport.lastDestHost, transport.lastDestPort, rule.RemoteHost, rule.RemotePort)
	}

	if len(transport.peerConns) != 1 {
		t.Fatalf("expected one channel peer, got %d", len(transport.peerConns))
	}
	buf := make([]byte, len(payload))
	if _, err := io.ReadFull(transport.peerConns[0], buf); err != nil {
		t.Fatalf("read relayed payload: %v", err)
	}
	if string(buf) != string(payload) {
		t.Fatalf("relayed payload = %q, want %q", buf, payload)
	}
}

func TestStartLocalPortCollisionReturnsPortInUse(t *testing.T) {
	transport := &fakeTransport{alive: true}
	ports := portregistry.New()
	engine := New(transport, forwardrouter.New(), ports)

	port := freePort(t)
	rule := model.ForwardingRule{Type: model.RuleLocal, BindAddress: "127.0.0.1", LocalPort: port, RemoteHost: "x", RemotePort: 1}

	h1, err := engine.Start(context.Background(), rule)
	if err != nil {
		t.Fatalf("first Start() error = %v", err)
	}
	defer h1.Close()

	_, err = engine.Start(context.Background(), rule)
	if err == nil {
		t.Fatal("expected PortInUse on second Start() for the same port")
	}
	if !xerrors.Is(err, xerrors.PortInUse) {
		t.Fatalf("expected PortInUse on second Start() for the same port, got %v", err)
	}
}

func TestStartRemoteRegistersWithRouter(t *testing.T) {
	transport := &fakeTransport{alive: true}
	router := forwardrouter.New()
	engine := New(transport, router, portregistry.New())

	rule := model.ForwardingRule{Type: model.RuleRemote, RemotePort: 8080, LocalHost: "127.0.0.1", LocalPort: 3000}
	handle, err := engine.Start(context.Background(), rule)
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer handle.Close()

	if transport.lastBind != "0.0.0.0" || transport.lastRemote != 8080 {
		t.Fatalf("RequestRemoteForward called with bind=%s port=%d", transport.lastBind, transport.lastRemote)
	}

	nc := &recordingNewChannel{}
	router.Dispatch(context.Background(), 8080, nc)
	if nc.rejected && nc.reason == ssh.Prohibited {
		t.Fatal("router has no rule for remote port 8080 after Start()")
	}
}

// recordingNewChannel is a forwarded-tcpip channel stub that records how the
// router rejected it: ssh.Prohibited means no rule matched the port.
type recordingNewChannel struct {
	rejected bool
	reason   ssh.RejectionReason
}

func (c *recordingNewChannel) Accept() (ssh.Channel, <-chan *ssh.Request, error) {
	return nil, nil, errors.New("not accepted in this test")
}
func (c *recordingNewChannel) Reject(reason ssh.RejectionReason, _ string) error {
	c.rejected = true
	c.reason = reason
	return nil
}
func (c *recordingNewChannel) ChannelType() string { return "forwarded-tcpip" }
func (c *recordingNewChannel) ExtraData() []byte   { return nil }

func TestStartRemoteForwardFailurePropagates(t *testing.T) {
	transport := &fakeTransport{alive: true, forwardErr: errors.New("server refused")}
	engine := New(transport, forwardrouter.New(), portregistry.New())

	rule := model.ForwardingRule{Type: model.RuleRemote, RemotePort: 8081, LocalHost: "127.0.0.1", LocalPort: 3001}
	_, err := engine.Start(context.Background(), rule)
	if err == nil {
		t.Fatal("expected error when RequestRemoteForward fails")
	}
}

// socks5ClientHandshake drives the client side of a SOCKS5 CONNECT request
// to host:port over conn, mirroring the wire bytes internal/socks5's own
// tests send against Negotiate directly.
func socks5ClientHandshake(t *testing.T, conn net.Conn, host string, port int) {
	t.Helper()
	if _, err := conn.Write([]byte{5, 1, 0}); err != nil {
		t.Fatal(err)
	}
	methodReply := make([]byte, 2)
	if _, err := io.ReadFull(conn, methodReply); err != nil {
		t.Fatal(err)
	}
	if methodReply[0] != 5 || methodReply[1] != 0 {
		t.Fatalf("unexpected method reply %v", methodReply)
	}

	req := []byte{5, 1, 0, 1} // ATYP = IPv4
	req = append(req, net.ParseIP(host).To4()...)
	portBytes := make([]byte, 2)
	binary.BigEndian.PutUint16(portBytes, uint16(port))
	req = append(req, portBytes...)
	if _, err := conn.Write(req); err != nil {
		t.Fatal(err)
	}

	reply := make([]byte, 10)
	if _, err := io.ReadFull(conn, reply); err != nil {
		t.Fatal(err)
	}
	if reply[0] != 5 || reply[1] != 0 {
		t.Fatalf("unexpected socks5 reply %v", reply)
	}
}

func TestStartDynamicNegotiatesAndRelays(t *testing.T) {
	transport := &fakeTransport{alive: true}
	engine := New(transport, forwardrouter.New(), portregistry.New())

	port := freePort(t)
	rule := model.ForwardingRule{
		Type:         model.RuleDynamic,
		BindAddress:  "127.0.0.1",
		LocalPort:    port,
		SocksVersion: 5,
	}

	handle, err := engine.Start(context.Background(), rule)
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer handle.Close()

	conn, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		t.Fatalf("dial local listener: %v", err)
	}
	defer conn.Close()

	socks5ClientHandshake(t, conn, "10.0.0.9", 443)

	payload := []byte("ping")
	if _, err := conn.Write(payload); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if transport.lastDestHost == "10.0.0.9" {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if transport.lastDestHost != "10.0.0.9" || transport.lastDestPort != 443 {
		t.Fatalf("OpenDirectTCPIP called with host=%s port=%d, want 10.0.0.9:443",
			transport.lastDestHost, transport.lastDestPort)
	}

	if len(transport.peerConns) != 1 {
		t.Fatalf("expected one channel peer, got %d", len(transport.peerConns))
	}
	buf := make([]byte, len(payload))
	if _, err := io.ReadFull(transport.peerConns[0], buf); err != nil {
		t.Fatalf("read relayed payload: %v", err)
	}
	if string(buf) != string(payload) {
		t.Fatalf("relayed payload = %q, want %q", buf, payload)
	}
}

// TestStartDynamicIgnoresStaticSocksVersionTag pins the corrected behavior:
// a persisted rule whose SocksVersion tag is not 5 (a value spec.md §3
// explicitly allows storing) must not block a real SOCKS5 client — only
// the wire-level VER byte the negotiator reads governs acceptance.
func TestStartDynamicIgnoresStaticSocksVersionTag(t *testing.T) {
	transport := &fakeTransport{alive: true}
	engine := New(transport, forwardrouter.New(), portregistry.New())

	port := freePort(t)
	rule := model.ForwardingRule{
		Type:         model.RuleDynamic,
		BindAddress:  "127.0.0.1",
		LocalPort:    port,
		SocksVersion: 4, // stored tag other than 5; must not gate the connection
	}

	handle, err := engine.Start(context.Background(), rule)
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer handle.Close()

	conn, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		t.Fatalf("dial local listener: %v", err)
	}
	defer conn.Close()

	socks5ClientHandshake(t, conn, "10.0.0.10", 22)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if transport.lastDestHost == "10.0.0.10" {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if transport.lastDestHost != "10.0.0.10" || transport.lastDestPort != 22 {
		t.Fatalf("a real VER=5 client must still be served regardless of the rule's stored SocksVersion tag; got host=%s port=%d",
			transport.lastDestHost, transport.lastDestPort)
	}
}

func TestHandleCloseReleasesPort(t *testing.T) {
	transport := &fakeTransport{alive: true}
	ports := portregistry.New()
	engine := New(transport, forwardrouter.New(), ports)

	port := freePort(t)
	rule := model.ForwardingRule{Type: model.RuleLocal, BindAddress: "127.0.0.1", LocalPort: port, RemoteHost: "x", RemotePort: 1}

	handle, err := engine.Start(context.Background(), rule)
	if err != nil {
		t.Fatal(err)
	}
	handle.Close()

	if ports.IsReserved(port) {
		t.Fatal("port should be released after Close")
	}

	// The same port should now be bindable again by a fresh tunnel.
	h2, err := engine.Start(context.Background(), rule)
	if err != nil {
		t.Fatalf("re-Start() after Close() error = %v", err)
	}
	h2.Close()
}
