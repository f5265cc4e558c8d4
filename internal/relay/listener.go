package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/petrf99/grfp-tech-utils/internal/monitoring"
	"github.com/petrf99/grfp-tech-utils/internal/timeutil"
)

// maxDatagramSize is the largest UDP payload the listener will read.
const maxDatagramSize = 65536

// ListenerConfig contains configuration options for the UDP listener.
type ListenerConfig struct {
	// BindHost is the interface to bind; defaults to "0.0.0.0".
	BindHost string
	// Port is the UDP port to bind. Bind failure is fatal at construction.
	Port int
	// ParseJSON, when set, decodes each payload as JSON; datagrams that fail
	// to decode are discarded without surfacing an error.
	ParseJSON bool
	// TrackSource, when set, records the sender address on each entry.
	TrackSource bool
	// Capacity is the ring buffer size; defaults to 1 (latest value wins).
	Capacity int
	// ReadTimeout bounds each blocking receive so shutdown requests are
	// observed promptly; defaults to 1s.
	ReadTimeout time.Duration
	// RcvBuf, when > 0, is the requested kernel receive buffer size.
	RcvBuf int
	// Stats receives traffic counters; a private tracker is used when nil.
	Stats *PacketStats
	// Sockets creates the socket; defaults to the real factory.
	Sockets UDPSocketFactory
	// Clock defaults to the real clock.
	Clock timeutil.Clock
}

// Listener owns a UDP socket and a background receive loop that decodes
// inbound datagrams into ring buffer entries. The caller reads entries via
// Latest and may reuse the socket for sending via Sender; only Stop closes
// the socket.
type Listener struct {
	parseJSON   bool
	trackSource bool
	readTimeout time.Duration

	sock  UDPSocket
	ring  *Ring
	stats *PacketStats
	clock timeutil.Clock

	cancel context.CancelFunc
	done   chan struct{}
}

// NewListener binds the socket and starts the receive loop. It returns only
// after the socket is bound, so callers can immediately use Sender for
// transmission. Invalid capacity and bind failures are fatal.
func NewListener(cfg ListenerConfig) (*Listener, error) {
	if cfg.Capacity == 0 {
		cfg.Capacity = 1
	}
	ring, err := NewRing(cfg.Capacity)
	if err != nil {
		return nil, err
	}
	if cfg.BindHost == "" {
		cfg.BindHost = "0.0.0.0"
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = time.Second
	}
	if cfg.Stats == nil {
		cfg.Stats = NewPacketStats()
	}
	if cfg.Sockets == nil {
		cfg.Sockets = NewRealUDPSocketFactory()
	}
	if cfg.Clock == nil {
		cfg.Clock = timeutil.RealClock{}
	}

	ip := net.ParseIP(cfg.BindHost)
	if ip == nil {
		return nil, fmt.Errorf("invalid bind host %q", cfg.BindHost)
	}
	laddr := &net.UDPAddr{IP: ip, Port: cfg.Port}
	sock, err := cfg.Sockets.ListenUDP("udp", laddr)
	if err != nil {
		return nil, fmt.Errorf("failed to bind UDP socket on %s: %w", laddr, err)
	}
	if cfg.RcvBuf > 0 {
		if err := sock.SetReadBuffer(cfg.RcvBuf); err != nil {
			monitoring.Warnf("failed to set UDP receive buffer to %d: %v", cfg.RcvBuf, err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	l := &Listener{
		parseJSON:   cfg.ParseJSON,
		trackSource: cfg.TrackSource,
		readTimeout: cfg.ReadTimeout,
		sock:        sock,
		ring:        ring,
		stats:       cfg.Stats,
		clock:       cfg.Clock,
		cancel:      cancel,
		done:        make(chan struct{}),
	}
	go l.receiveLoop(ctx)
	monitoring.Infof("UDP listener started on %s", sock.LocalAddr())
	return l, nil
}

// receiveLoop reads datagrams until cancellation. Timeouts re-check the
// cancellation state; decode failures are expected traffic noise and are
// dropped at debug level; errors caused by closing the socket during Stop
// are swallowed.
func (l *Listener) receiveLoop(ctx context.Context) {
	defer close(l.done)
	buf := make([]byte, maxDatagramSize)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		l.sock.SetReadDeadline(l.clock.Now().Add(l.readTimeout))
		n, addr, err := l.sock.ReadFromUDP(buf)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			if ctx.Err() != nil {
				// Socket closed by Stop; not an error.
				return
			}
			monitoring.Errorf("UDP read error: %v", err)
			continue
		}

		payload := make([]byte, n)
		copy(payload, buf[:n])
		entry := Entry{Payload: payload}

		if l.parseJSON {
			if err := json.Unmarshal(payload, &entry.Decoded); err != nil {
				l.stats.AddDecodeDrop()
				monitoring.Debugf("dropping malformed datagram from %v: %v", addr, err)
				continue
			}
		}
		if l.trackSource {
			entry.Addr = addr
		}

		l.stats.AddPacket(n)
		l.ring.Push(entry)
	}
}

// Latest removes and returns the oldest buffered entry. The second return
// value is false when the buffer is empty. Entries remain retrievable after
// Stop until drained.
func (l *Listener) Latest() (Entry, bool) {
	return l.ring.Pop()
}

// Sender returns the transmit-only capability of the listener's socket.
func (l *Listener) Sender() Sender {
	return l.sock
}

// LocalAddr returns the bound address of the socket.
func (l *Listener) LocalAddr() net.Addr {
	return l.sock.LocalAddr()
}

// Ring exposes the underlying buffer for metrics wiring.
func (l *Listener) Ring() *Ring {
	return l.ring
}

// Running reports whether the receive loop is still alive.
func (l *Listener) Running() bool {
	select {
	case <-l.done:
		return false
	default:
		return true
	}
}

// Stop halts ingestion: it cancels the receive loop, closes the socket to
// unblock any in-flight read, and waits up to a second for the loop to
// finish. Stop is idempotent and safe to call after the loop has exited.
func (l *Listener) Stop() {
	l.cancel()
	l.sock.Close()
	select {
	case <-l.done:
	case <-time.After(time.Second):
		monitoring.Warnf("UDP listener receive loop did not stop within join timeout")
	}
}
