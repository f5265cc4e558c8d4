package relay

import (
	"context"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/petrf99/grfp-tech-utils/internal/monitoring"
	"github.com/petrf99/grfp-tech-utils/internal/timeutil"
)

// BufferSource is the read surface the forwarder consumes: a drained buffer,
// a transmit capability on the shared socket, and a way to stop ingestion.
// *Listener satisfies it.
type BufferSource interface {
	Latest() (Entry, bool)
	Sender() Sender
	Stop()
}

// ForwarderConfig contains configuration options for the forward loop.
type ForwarderConfig struct {
	// Source is the bound and running receiver to drain. Required.
	Source BufferSource
	// Target is the fixed forwarding destination. Required.
	Target *net.UDPAddr
	// Whitelist is a set of allowed source IP literals. Empty disables
	// filtering. Matching happens only for entries carrying a source
	// address, i.e. when the listener tracks sources.
	Whitelist []string
	// Transform is applied to each payload before transmission; identity
	// when nil. It must be pure and non-blocking: it runs on the hot path.
	Transform func([]byte) []byte
	// LogInterval throttles per-forward log lines; defaults to 1s.
	LogInterval time.Duration
	// PollInterval is the idle sleep when the buffer is empty or the loop
	// is paused; defaults to 1ms.
	PollInterval time.Duration
	// Name prefixes log lines; defaults to "udp-proxy".
	Name string
	// Stats receives traffic counters; a private tracker is used when nil.
	Stats *PacketStats
	// Clock defaults to the real clock.
	Clock timeutil.Clock
}

// Forwarder continuously relays buffered entries to a fixed destination,
// applying optional source filtering and a payload transform. The loop is
// pausable and cooperatively cancellable; on exit it stops the underlying
// source.
type Forwarder struct {
	source       BufferSource
	target       *net.UDPAddr
	whitelist    map[string]struct{}
	transform    func([]byte) []byte
	logInterval  time.Duration
	pollInterval time.Duration
	name         string
	stats        *PacketStats
	clock        timeutil.Clock

	paused  atomic.Bool
	active  atomic.Bool
	lastLog time.Time
}

// NewForwarder validates the configuration and builds a forwarder. The loop
// does not start until Run is called.
func NewForwarder(cfg ForwarderConfig) (*Forwarder, error) {
	if cfg.Source == nil {
		return nil, fmt.Errorf("forwarder requires a buffer source")
	}
	if cfg.Target == nil {
		return nil, fmt.Errorf("forwarder requires a target address")
	}
	if cfg.LogInterval == 0 {
		cfg.LogInterval = time.Second
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = time.Millisecond
	}
	if cfg.Name == "" {
		cfg.Name = "udp-proxy"
	}
	if cfg.Stats == nil {
		cfg.Stats = NewPacketStats()
	}
	if cfg.Clock == nil {
		cfg.Clock = timeutil.RealClock{}
	}

	whitelist := make(map[string]struct{}, len(cfg.Whitelist))
	for _, ip := range cfg.Whitelist {
		whitelist[ip] = struct{}{}
	}

	return &Forwarder{
		source:       cfg.Source,
		target:       cfg.Target,
		whitelist:    whitelist,
		transform:    cfg.Transform,
		logInterval:  cfg.LogInterval,
		pollInterval: cfg.PollInterval,
		name:         cfg.Name,
		stats:        cfg.Stats,
		clock:        cfg.Clock,
	}, nil
}

// Pause halts forwarding without stopping the loop; buffered entries stay
// queued and the loop keeps watching for resumption or cancellation.
func (f *Forwarder) Pause() { f.paused.Store(true) }

// Resume re-enables forwarding after Pause.
func (f *Forwarder) Resume() { f.paused.Store(false) }

// Paused reports whether the pause gate is currently cleared.
func (f *Forwarder) Paused() bool { return f.paused.Load() }

// Active reports whether the loop is running (set on entry to Run, cleared
// when it returns).
func (f *Forwarder) Active() bool { return f.active.Load() }

// Stats returns the forwarder's traffic counters.
func (f *Forwarder) Stats() *PacketStats { return f.stats }

// Run executes the forward loop until ctx is cancelled. Any cancellation
// signal stops the loop; callers with several stop sources merge them into
// one context. On exit the status gate is cleared and the underlying source
// is stopped, which closes the shared socket.
func (f *Forwarder) Run(ctx context.Context) error {
	f.active.Store(true)
	defer func() {
		f.active.Store(false)
		f.source.Stop()
	}()

	monitoring.Infof("%s: forwarding to %s", f.name, f.target)
	for {
		select {
		case <-ctx.Done():
			monitoring.Infof("%s: stopping", f.name)
			return ctx.Err()
		default:
		}

		if f.paused.Load() {
			f.clock.Sleep(f.pollInterval)
			continue
		}

		entry, ok := f.source.Latest()
		if !ok {
			// Deliberate short poll: forwarding latency is favoured over
			// CPU idling, bounded by the poll interval.
			f.clock.Sleep(f.pollInterval)
			continue
		}
		f.forward(entry)
	}
}

// forward handles a single entry: whitelist check, transform, transmit.
// Failures are contained; they never terminate the loop.
func (f *Forwarder) forward(entry Entry) {
	if entry.Addr != nil && len(f.whitelist) > 0 {
		if _, ok := f.whitelist[entry.Addr.IP.String()]; !ok {
			f.stats.AddRejected()
			monitoring.Infof("%s: source %s not in whitelist, dropping", f.name, entry.Addr)
			return
		}
	}

	payload := entry.Payload
	if f.transform != nil {
		out, ok := f.applyTransform(payload)
		if !ok {
			return
		}
		payload = out
	}

	if _, err := f.source.Sender().WriteToUDP(payload, f.target); err != nil {
		f.stats.AddSendError()
		monitoring.Warnf("%s: send to %s failed: %v", f.name, f.target, err)
		return
	}
	f.stats.AddForwarded(len(payload))

	now := f.clock.Now()
	if now.Sub(f.lastLog) >= f.logInterval {
		monitoring.Infof("%s: forwarded %d bytes to %s", f.name, len(payload), f.target)
		f.lastLog = now
	}
}

// applyTransform runs the user transform, containing panics so a faulty
// transform cannot crash the host process.
func (f *Forwarder) applyTransform(payload []byte) (out []byte, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			monitoring.Errorf("%s: transform panic: %v", f.name, r)
			out, ok = nil, false
		}
	}()
	return f.transform(payload), true
}
