package rx22

import (
	"context"
	"encoding/binary"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// inflightRequest is one outstanding command awaiting completion. It carries
// no Transport subscription of its own — the Engine routes IPPs/ICPs to it.
type inflightRequest struct {
	done sync.Once
	wake chan struct{}

	resultHandle Handle
	resultBody   []byte
}

func newInflightRequest() *inflightRequest {
	return &inflightRequest{wake: make(chan struct{})}
}

// complete finishes the request with the given handle and ICP tail (status
// byte plus command-specific trailing data). Only the first call wins: a
// superseded request whose real ICP arrives after the synthetic supersede
// completion (or vice versa) cannot be completed twice.
func (r *inflightRequest) complete(handle Handle, body []byte) {
	r.done.Do(func() {
		r.resultHandle = handle
		r.resultBody = append([]byte(nil), body...)
		close(r.wake)
	})
}

// Engine implements the three-phase request/response protocol: it builds
// Initial Request Packets, sends them over a Transport, correlates
// Intermediate Pending/Completion Packets by handle, and enforces
// supersedure of the long-lived Receive-Notification request.
//
// Correlation is a single engine-wide dispatcher rather than one Transport
// listener per request: requests awaiting an IPP-assigned handle sit in a
// FIFO queue (awaiting), and requests that have been assigned a handle move
// into a handle->request map (byHandle). Since Transport.Send serializes
// writes with a one-permit semaphore, a request is appended to awaiting in
// the exact order its Initial Request Packet hit the wire, so the reader
// can assign each IPP it sees to the oldest request still waiting for one.
type Engine struct {
	transport *Transport
	log       *log.Entry

	// DefaultTimeout bounds ordinary (non-notification) commands that are
	// issued with a context carrying no deadline of its own. Zero disables
	// the default, leaving cancellation entirely to the caller's context.
	DefaultTimeout time.Duration

	mu       sync.Mutex
	awaiting []*inflightRequest
	byHandle map[Handle]*inflightRequest

	notifMu      sync.Mutex
	pendingNotif *inflightRequest
}

// NewEngine creates a Protocol Engine bound to transport. The engine does
// not own the transport's lifecycle; closing it is the caller's
// responsibility.
func NewEngine(transport *Transport) *Engine {
	e := &Engine{
		transport:      transport,
		log:            log.WithField("component", "rx22.engine"),
		DefaultTimeout: 2 * time.Second,
		byHandle:       make(map[Handle]*inflightRequest),
	}
	e.transport.Subscribe(e.onFrame)
	return e
}

func (e *Engine) withDefaultTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok || e.DefaultTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, e.DefaultTimeout)
}

// onFrame is the Engine's single Transport listener. Length 2 means an
// Intermediate Pending Packet: the handle it carries is assigned to the
// oldest request still waiting for one. Length >= 3 means an Intermediate
// Completion Packet: a non-zero handle is routed to the request it was
// previously assigned to; handle 0 is the module's synchronous convention
// and completes the oldest request that never received an IPP at all (see
// the open question in the design notes about handle-0 routing).
func (e *Engine) onFrame(payload []byte) {
	switch {
	case len(payload) == 2:
		h := Handle(binary.BigEndian.Uint16(payload))
		e.mu.Lock()
		req := e.popAwaitingLocked()
		if req != nil {
			e.byHandle[h] = req
		}
		e.mu.Unlock()
		if req == nil {
			e.log.Warnf("IPP for handle %d with no request awaiting one", h)
		}
	case len(payload) >= 3:
		h := Handle(binary.BigEndian.Uint16(payload[0:2]))
		body := payload[2:]
		e.mu.Lock()
		req, ok := e.byHandle[h]
		if ok {
			delete(e.byHandle, h)
		} else if h == 0 {
			req = e.popAwaitingLocked()
		}
		e.mu.Unlock()
		if req != nil {
			req.complete(h, body)
		} else {
			e.log.Warnf("ICP for handle %d matches no in-flight request", h)
		}
	}
}

// popAwaitingLocked must be called with mu held. It removes and returns the
// oldest request awaiting a handle, or nil if none is waiting.
func (e *Engine) popAwaitingLocked() *inflightRequest {
	if len(e.awaiting) == 0 {
		return nil
	}
	req := e.awaiting[0]
	e.awaiting = e.awaiting[1:]
	return req
}

// enqueue registers req as awaiting a handle. It is called from Send's
// onSent hook, so it runs in the exact order frames are written to the wire.
func (e *Engine) enqueue(req *inflightRequest) {
	e.mu.Lock()
	e.awaiting = append(e.awaiting, req)
	e.mu.Unlock()
}

// forget removes req from whichever tracking structure still holds it. It
// is a no-op if req was never enqueued or has already been matched to a
// reply; callers use it to clean up after cancellation or a send failure so
// a stale request can't intercept a later IPP/ICP.
func (e *Engine) forget(req *inflightRequest) {
	e.mu.Lock()
	for i, p := range e.awaiting {
		if p == req {
			e.awaiting = append(e.awaiting[:i], e.awaiting[i+1:]...)
			break
		}
	}
	for h, p := range e.byHandle {
		if p == req {
			delete(e.byHandle, h)
			break
		}
	}
	e.mu.Unlock()
}

// runRequest sends cmd‖payload as an Initial Request Packet and waits for
// req to be completed, by a real ICP, a synthetic supersedure, or the
// caller's cancellation. req is removed from the engine's correlation
// state on every exit path other than a successful match, which already
// removes it as part of dispatching the reply.
func (e *Engine) runRequest(ctx context.Context, cmd CommandCode, payload []byte, req *inflightRequest) (Handle, []byte, error) {
	wire := make([]byte, 0, len(payload)+1)
	wire = append(wire, byte(cmd))
	wire = append(wire, payload...)

	if err := e.transport.Send(ctx, wire, func() { e.enqueue(req) }); err != nil {
		e.forget(req)
		return 0, nil, err
	}

	select {
	case <-req.wake:
		// A request superseded before its onSent hook ran is enqueued only
		// after its completion; drop it here so it can't take a later reply.
		e.forget(req)
		return req.resultHandle, req.resultBody, nil
	case <-ctx.Done():
		e.forget(req)
		return 0, nil, &CanceledError{Cause: ctx.Err()}
	}
}

// Execute runs any command other than Receive-Notification and returns the
// ICP's status byte plus its command-specific trailing data.
func (e *Engine) Execute(ctx context.Context, cmd CommandCode, payload []byte) (StatusCode, []byte, error) {
	ctx, cancel := e.withDefaultTimeout(ctx)
	defer cancel()

	req := newInflightRequest()
	_, icpBody, err := e.runRequest(ctx, cmd, payload, req)
	if err != nil {
		return 0, nil, err
	}
	if len(icpBody) < 1 {
		return 0, nil, ErrMalformedResponse
	}
	return StatusCode(icpBody[0]), icpBody[1:], nil
}

// ExecuteReceiveNotification issues a Receive-Notification request. If one
// is already outstanding, it is first completed locally with a synthetic
// ICP carrying Status = Superseded and removed from the engine's
// correlation state, then the new request is installed in its place — the
// engine never holds more than one pending notification request.
// Receive-Notification is long-lived by design, so no default timeout is
// applied; only the caller's context can end the wait.
func (e *Engine) ExecuteReceiveNotification(ctx context.Context) (Handle, StatusCode, []byte, error) {
	req := newInflightRequest()

	e.notifMu.Lock()
	prev := e.pendingNotif
	e.pendingNotif = req
	e.notifMu.Unlock()

	if prev != nil {
		prev.complete(0, []byte{byte(StatusSuperseded)})
		e.forget(prev)
	}

	handle, icpBody, err := e.runRequest(ctx, CmdReceiveNotification, nil, req)

	e.notifMu.Lock()
	if e.pendingNotif == req {
		e.pendingNotif = nil
	}
	e.notifMu.Unlock()

	if err != nil {
		return 0, 0, nil, err
	}
	if len(icpBody) < 1 {
		return 0, 0, nil, ErrMalformedResponse
	}
	return handle, StatusCode(icpBody[0]), icpBody[1:], nil
}
