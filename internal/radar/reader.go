package radar

import (
	"context"
	"time"

	"github.com/openhallway/doorsense/internal/monitoring"
	"github.com/openhallway/doorsense/internal/timeutil"
)

// Update is one reader publication. A nil Target means the sensor explicitly
// reported no target (or the poll failed and the cycle is treated as a
// miss), as opposed to no new frame arriving at all.
type Update struct {
	Target *Target
}

// Reader polls the transport at a fixed cadence, decodes report frames, and
// publishes the freshest observation into a capacity-1 channel. The channel
// never backs up: an unconsumed update is overwritten, so the decision
// engine always sees the most recent observation and never a backlog.
type Reader struct {
	transport Transport
	clock     timeutil.Clock
	interval  time.Duration
	out       chan Update
}

// NewReader creates a Reader polling the given transport every interval.
func NewReader(t Transport, clock timeutil.Clock, interval time.Duration) *Reader {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	if interval <= 0 {
		interval = 50 * time.Millisecond
	}
	return &Reader{
		transport: t,
		clock:     clock,
		interval:  interval,
		out:       make(chan Update, 1),
	}
}

// Updates returns the single-slot observation channel. The Reader is the
// only writer.
func (r *Reader) Updates() <-chan Update {
	return r.out
}

// publish writes u into the single-slot channel, discarding any unconsumed
// previous value rather than blocking on the consumer.
func (r *Reader) publish(u Update) {
	select {
	case r.out <- u:
	default:
		select {
		case <-r.out:
		default:
		}
		select {
		case r.out <- u:
		default:
		}
	}
}

// Run polls until the context is cancelled, then closes the transport. Poll
// errors are logged and treated as a missed cycle ("no target"), never as a
// queue stall.
func (r *Reader) Run(ctx context.Context) error {
	dec := r.transport.NewDecoder()
	ticker := r.clock.NewTicker(r.interval)
	defer ticker.Stop()
	defer func() {
		if err := r.transport.Close(); err != nil {
			monitoring.Logf("radar: error closing transport: %v", err)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C():
			data, err := r.transport.Poll()
			if err != nil {
				monitoring.Logf("radar: poll failed: %v", err)
				r.publish(Update{})
				continue
			}
			target, seen := dec.Feed(data, r.clock.Now())
			if seen {
				r.publish(Update{Target: target})
			}
		}
	}
}
