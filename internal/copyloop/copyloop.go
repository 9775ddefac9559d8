// Package copyloop implements the bidirectional copy loop shared by every
// forwarding mode: move bytes between one TCP stream and one SSH channel
// until either side signals end-of-stream, recording every byte exactly
// once.
package copyloop

import (
	"context"
	"io"
	"net"

	"golang.org/x/crypto/ssh"

	"github.com/tunnelcore/tunnelcore/internal/counter"
)

const bufferSize = 8 * 1024

type halfCloser interface {
	CloseWrite() error
}

// Run moves data between local and channel until either direction ends,
// updating traffic with relaxed-ordering byte counts. When the first
// direction ends, both local and channel are closed, which also ends the
// other direction; Run returns once both have stopped. Cancelling ctx
// forces both sides closed early.
func Run(ctx context.Context, local net.Conn, channel ssh.Channel, traffic *counter.Traffic) {
	done := make(chan struct{})
	defer close(done)

	go func() {
		select {
		case <-ctx.Done():
			_ = local.Close()
			_ = channel.Close()
		case <-done:
		}
	}()

	ended := make(chan struct{}, 2)

	go func() {
		copyDirection(channel, local, traffic.AddSent)
		ended <- struct{}{}
	}()
	go func() {
		copyDirection(local, channel, traffic.AddReceived)
		ended <- struct{}{}
	}()

	<-ended
	_ = local.Close()
	_ = channel.Close()
	<-ended
}

// copyDirection reads from src in bufferSize chunks, writing each chunk to
// dst and recording its length before the next read. On src EOF it
// half-closes dst (if supported) so the caller observes FIN in that
// direction; any other error or a failed write ends the loop.
func copyDirection(dst io.Writer, src io.Reader, add func(int64)) {
	buf := make([]byte, bufferSize)
	for {
		n, readErr := src.Read(buf)
		if n > 0 {
			if _, writeErr := dst.Write(buf[:n]); writeErr != nil {
				return
			}
			add(int64(n))
		}
		if readErr != nil {
			if hc, ok := dst.(halfCloser); ok {
				_ = hc.CloseWrite()
			}
			return
		}
	}
}
