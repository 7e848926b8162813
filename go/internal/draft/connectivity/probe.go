package connectivity

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// Prober is a native reachability source. natstransport.Probe implements it.
type Prober interface {
	Watch(ctx context.Context, fn func(online bool))
	RTT() (time.Duration, error)
}

// RunProbe feeds the monitor from p until ctx is done: reachability changes
// as they happen, quality every interval.
func (m *Monitor) RunProbe(ctx context.Context, p Prober, interval time.Duration) {
	go p.Watch(ctx, m.SetNativeOnline)

	ticker := m.clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			rtt, err := p.RTT()
			if err != nil {
				log.Debug().Err(err).Msg("rtt probe failed")
				m.SetQuality(NetworkQuality{Bandwidth: BandwidthUnknown})
				continue
			}
			m.SetQuality(QualityFromRTT(rtt))
		}
	}
}
