package rx22

import (
	"context"
	"io"
	"math/rand"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/tarm/serial"
)

// Listener receives one fully-decoded payload per call, in the order
// frames were extracted from the wire.
type Listener func(payload []byte)

// TransportConfig configures the physical serial connection and its
// reconnect behaviour. The zero value is not usable; use
// DefaultTransportConfig and override as needed.
type TransportConfig struct {
	Port        string
	Baud        int
	ReadTimeout time.Duration

	ReconnectInitialDelay time.Duration
	ReconnectMultiplier   float64
	ReconnectMaxDelay     time.Duration
}

// DefaultTransportConfig returns the 8-N-1, 115200 baud configuration this
// module is normally run against.
func DefaultTransportConfig(port string) TransportConfig {
	return TransportConfig{
		Port:                  port,
		Baud:                  115200,
		ReadTimeout:           500 * time.Millisecond,
		ReconnectInitialDelay: 250 * time.Millisecond,
		ReconnectMultiplier:   2.0,
		ReconnectMaxDelay:     5 * time.Second,
	}
}

type subscriber struct {
	id int
	fn Listener
}

// Transport owns a serial byte stream, accumulates incoming bytes, extracts
// complete frames, fans them out to subscribed listeners, and serializes
// outgoing writes. A Transport is created once per serial device and lives
// for the process; it is safe for concurrent use.
type Transport struct {
	cfg TransportConfig
	log *log.Entry

	connMu sync.Mutex
	conn   io.ReadWriteCloser
	closed bool

	wsem chan struct{}

	bufMu sync.Mutex
	buf   []byte

	subMu  sync.Mutex
	subs   []subscriber
	nextID int

	readerDone chan struct{}
}

// NewTransport creates a Transport not yet attached to any stream. Call
// Open to attach a real serial port, or Feed to drive it in simulation mode.
// wsem starts empty; Send acquires it by sending a token and releases it by
// receiving one back.
func NewTransport(cfg TransportConfig) *Transport {
	return &Transport{
		cfg:  cfg,
		log:  log.WithField("component", "rx22.transport"),
		wsem: make(chan struct{}, 1),
	}
}

// Open dials the configured serial port and starts the background reader.
func (t *Transport) Open() error {
	conn, err := serial.OpenPort(&serial.Config{
		Name:        t.cfg.Port,
		Baud:        t.cfg.Baud,
		Size:        8,
		Parity:      serial.ParityNone,
		StopBits:    serial.Stop1,
		ReadTimeout: t.cfg.ReadTimeout,
	})
	if err != nil {
		return err
	}
	t.attach(conn)
	return nil
}

func (t *Transport) attach(conn io.ReadWriteCloser) {
	t.connMu.Lock()
	t.conn = conn
	t.closed = false
	t.connMu.Unlock()

	t.bufMu.Lock()
	t.buf = nil
	t.bufMu.Unlock()

	t.readerDone = make(chan struct{})
	go t.readLoop(conn, t.readerDone)
}

// Reconnect closes the current stream (if any) and reopens it, retrying
// with exponential backoff and jitter until ctx is done or the port opens.
func (t *Transport) Reconnect(ctx context.Context) error {
	t.connMu.Lock()
	conn := t.conn
	t.connMu.Unlock()
	if conn != nil {
		conn.Close()
	}

	delay := t.cfg.ReconnectInitialDelay
	if delay <= 0 {
		delay = 250 * time.Millisecond
	}
	for {
		err := t.Open()
		if err == nil {
			t.log.Info("reconnected")
			return nil
		}
		t.log.Warnf("reconnect attempt failed: %v", err)

		jittered := delay/2 + time.Duration(rand.Int63n(int64(delay)/2+1))
		select {
		case <-ctx.Done():
			return &CanceledError{Cause: ctx.Err()}
		case <-time.After(jittered):
		}

		delay = time.Duration(float64(delay) * t.cfg.ReconnectMultiplier)
		if t.cfg.ReconnectMaxDelay > 0 && delay > t.cfg.ReconnectMaxDelay {
			delay = t.cfg.ReconnectMaxDelay
		}
	}
}

// Close shuts the transport's stream down; subsequent operations fail with
// ErrTransportClosed until Reconnect attaches a new stream.
func (t *Transport) Close() error {
	t.connMu.Lock()
	conn := t.conn
	t.closed = true
	t.connMu.Unlock()
	if conn != nil {
		return conn.Close()
	}
	return nil
}

func (t *Transport) isClosed() bool {
	t.connMu.Lock()
	defer t.connMu.Unlock()
	return t.closed
}

// Closed reports whether the transport's stream has failed or been closed.
// A caller running its own reconnect supervision loop polls this to decide
// when to call Reconnect.
func (t *Transport) Closed() bool {
	return t.isClosed()
}

func (t *Transport) readLoop(conn io.ReadWriteCloser, done chan struct{}) {
	defer close(done)
	b := make([]byte, 1024)
	for {
		n, err := conn.Read(b)
		if n > 0 {
			t.feed(append([]byte(nil), b[:n]...))
		}
		if err != nil {
			if err == io.EOF && t.isClosed() {
				return
			}
			t.log.Errorf("read failed: %v", err)
			t.connMu.Lock()
			t.closed = true
			t.connMu.Unlock()
			return
		}
	}
}

// Feed pushes a chunk of raw bytes through the identical
// accumulate-and-extract path the real reader loop uses. It is the
// simulation-mode entry point: a test or a replay tool can inject bytes
// without ever opening a physical port.
func (t *Transport) Feed(chunk []byte) {
	t.feed(chunk)
}

func (t *Transport) feed(chunk []byte) {
	t.bufMu.Lock()
	t.buf = append(t.buf, chunk...)
	frames := t.extractLocked()
	t.bufMu.Unlock()

	for _, f := range frames {
		t.deliver(f)
	}
}

// extractLocked must be called with bufMu held. It greedily extracts every
// complete frame currently in the buffer, compacts the buffer to the
// unconsumed tail, and returns the decoded payloads in arrival order.
// Malformed frames (bad escape sequences) are reported and skipped;
// extraction resumes from the byte after that frame's EOP.
func (t *Transport) extractLocked() [][]byte {
	var out [][]byte
	offset := 0
	for {
		sopIdx := indexOf(t.buf, sop, offset)
		if sopIdx < 0 {
			t.buf = append([]byte(nil), t.buf[offset:]...)
			return out
		}
		eopIdx := indexOf(t.buf, eop, sopIdx+1)
		if eopIdx < 0 {
			t.buf = append([]byte(nil), t.buf[sopIdx:]...)
			return out
		}
		inner := t.buf[sopIdx+1 : eopIdx]
		payload, err := Decode(inner)
		if err != nil {
			t.log.Warnf("discarding malformed frame: %v", err)
		} else {
			out = append(out, payload)
		}
		offset = eopIdx + 1
	}
}

func indexOf(buf []byte, b byte, from int) int {
	for i := from; i < len(buf); i++ {
		if buf[i] == b {
			return i
		}
	}
	return -1
}

// Subscribe registers a listener and returns a token for Unsubscribe.
// Multiple listeners may be subscribed concurrently; each delivered payload
// reaches every listener in registration order.
func (t *Transport) Subscribe(fn Listener) int {
	t.subMu.Lock()
	defer t.subMu.Unlock()
	t.nextID++
	id := t.nextID
	t.subs = append(t.subs, subscriber{id: id, fn: fn})
	return id
}

// Unsubscribe removes a previously-registered listener. It is a no-op if
// the token is unknown (already unsubscribed).
func (t *Transport) Unsubscribe(id int) {
	t.subMu.Lock()
	defer t.subMu.Unlock()
	for i, s := range t.subs {
		if s.id == id {
			t.subs = append(t.subs[:i], t.subs[i+1:]...)
			return
		}
	}
}

func (t *Transport) snapshotListeners() []Listener {
	t.subMu.Lock()
	defer t.subMu.Unlock()
	fns := make([]Listener, len(t.subs))
	for i, s := range t.subs {
		fns[i] = s.fn
	}
	return fns
}

func (t *Transport) deliver(payload []byte) {
	for _, fn := range t.snapshotListeners() {
		fn(payload)
	}
}

// Send writes payload to the wire as a single encoded frame. Writes are
// serialized by a one-permit semaphore so no two encoded frames interleave.
// If onSent is non-nil, it runs synchronously after the semaphore is
// acquired but before the frame is written, so a caller can record
// correlation state (e.g. enqueue a request awaiting its reply) in exactly
// the order frames hit the wire — including a reply that lands
// synchronously within the write call itself, as happens in simulation mode.
func (t *Transport) Send(ctx context.Context, payload []byte, onSent func()) error {
	select {
	case <-ctx.Done():
		return &CanceledError{Cause: ctx.Err()}
	case t.wsem <- struct{}{}:
	}
	defer func() { <-t.wsem }()

	select {
	case <-ctx.Done():
		return &CanceledError{Cause: ctx.Err()}
	default:
	}

	t.connMu.Lock()
	conn := t.conn
	closed := t.closed
	t.connMu.Unlock()
	if closed || conn == nil {
		return ErrTransportClosed
	}

	if onSent != nil {
		onSent()
	}

	if _, err := conn.Write(Encode(payload)); err != nil {
		t.connMu.Lock()
		t.closed = true
		t.connMu.Unlock()
		t.log.Errorf("write failed: %v", err)
		return ErrTransportClosed
	}
	return nil
}
