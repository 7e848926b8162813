package natstransport

import (
	"context"
	"time"

	"github.com/nats-io/nats.go"
)

// Probe exposes the connection's own view of reachability. It feeds the
// native online signal of the connectivity monitor.
type Probe struct {
	nc *nats.Conn
}

func NewProbe(nc *nats.Conn) *Probe {
	return &Probe{nc: nc}
}

// Online reports whether the client currently has a server connection.
func (p *Probe) Online() bool {
	return p.nc.IsConnected()
}

// RTT measures a round trip to the server.
func (p *Probe) RTT() (time.Duration, error) {
	return p.nc.RTT()
}

// Watch calls fn with the current reachability and again on every change
// until ctx is done.
func (p *Probe) Watch(ctx context.Context, fn func(online bool)) {
	ch := p.nc.StatusChanged(nats.CONNECTED, nats.DISCONNECTED, nats.RECONNECTING, nats.CLOSED)
	defer p.nc.RemoveStatusListener(ch)

	fn(p.Online())
	for {
		select {
		case <-ctx.Done():
			return
		case st, ok := <-ch:
			if !ok {
				return
			}
			fn(st == nats.CONNECTED)
			if st == nats.CLOSED {
				return
			}
		}
	}
}
