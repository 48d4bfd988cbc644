package rx22

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"
)

// fakeConn is a synthetic EasyWave RX22 module: its Write hook decides how
// (and whether) to reply on the same Transport via Feed.
type fakeConn struct {
	onWrite func(written []byte)

	closeOnce sync.Once
	closed    chan struct{}
}

func newFakeConn(onWrite func([]byte)) *fakeConn {
	return &fakeConn{onWrite: onWrite, closed: make(chan struct{})}
}

func (f *fakeConn) Read(p []byte) (int, error) {
	<-f.closed
	return 0, io.EOF
}

func (f *fakeConn) Write(p []byte) (int, error) {
	if f.onWrite != nil {
		f.onWrite(p)
	}
	return len(p), nil
}

func (f *fakeConn) Close() error {
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}

func decodeWire(t *testing.T, written []byte) []byte {
	t.Helper()
	if len(written) < 2 {
		t.Fatalf("written frame too short: %x", written)
	}
	payload, err := Decode(written[1 : len(written)-1])
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	return payload
}

func newEngineWithModule(onWrite func([]byte)) (*Engine, *fakeConn, *Transport) {
	tr := NewTransport(DefaultTransportConfig(""))
	fc := newFakeConn(onWrite)
	tr.attach(fc)
	return NewEngine(tr), fc, tr
}

func TestEngineSynchronousSuccessForEveryIRP(t *testing.T) {
	var tr *Transport
	engine, fc, tr := newEngineWithModule(func(written []byte) {
		tr.Feed(Encode([]byte{0x00, 0x00, byte(StatusSuccess)}))
	})
	defer fc.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	status, _, err := engine.Execute(ctx, CmdClearFilter, nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if status != StatusSuccess {
		t.Fatalf("status = %v, want Success", status)
	}
}

func TestEngineCorrelatesAsyncPendingThenCompletion(t *testing.T) {
	var tr *Transport
	engine, fc, tr := newEngineWithModule(func(written []byte) {
		tr.Feed(Encode([]byte{0x12, 0x34}))
		tr.Feed(Encode([]byte{0x12, 0x34, byte(StatusSuccess)}))
	})
	defer fc.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	status, _, err := engine.Execute(ctx, CmdClearFilter, nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if status != StatusSuccess {
		t.Fatalf("status = %v, want Success", status)
	}
}

// TestEngineInterleavedHandlesAcrossConcurrentRequests proves correlation is
// by handle, not by issue or reply order: two requests are each assigned
// their own handle, their ICPs are delivered in the reverse order, and each
// carries a distinct trailing body — the request that receives the wrong
// one would fail the assertion below.
func TestEngineInterleavedHandlesAcrossConcurrentRequests(t *testing.T) {
	handle1Assigned := make(chan struct{})
	handle2Assigned := make(chan struct{})

	var tr *Transport
	onWrite := func(written []byte) {
		payload := decodeWire(t, written)
		switch CommandCode(payload[0]) {
		case CmdJoinDevice:
			tr.Feed(Encode([]byte{0x00, 0x01}))
			close(handle1Assigned)
		case CmdRemoveDevice:
			tr.Feed(Encode([]byte{0x00, 0x02}))
			close(handle2Assigned)
		}
	}
	engine, fc, tr := newEngineWithModule(onWrite)
	defer fc.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	type result struct {
		trailing []byte
		err      error
	}

	var gatewaySerial Serial
	result1 := make(chan result, 1)
	go func() {
		_, trailing, err := engine.Execute(ctx, CmdJoinDevice, gatewaySerial[:])
		result1 <- result{trailing, err}
	}()
	<-handle1Assigned

	result2 := make(chan result, 1)
	go func() {
		_, trailing, err := engine.Execute(ctx, CmdRemoveDevice, make([]byte, 2*SerialLen))
		result2 <- result{trailing, err}
	}()
	<-handle2Assigned

	// Deliver completions out of order relative to request issuance.
	tr.Feed(Encode([]byte{0x00, 0x02, byte(StatusSuccess), 0xBB}))
	tr.Feed(Encode([]byte{0x00, 0x01, byte(StatusSuccess), 0xAA}))

	r2 := <-result2
	if r2.err != nil {
		t.Fatalf("second request failed: %v", r2.err)
	}
	if len(r2.trailing) != 1 || r2.trailing[0] != 0xBB {
		t.Fatalf("second request trailing = %x, want its own [0xbb], not the first request's", r2.trailing)
	}

	r1 := <-result1
	if r1.err != nil {
		t.Fatalf("first request failed: %v", r1.err)
	}
	if len(r1.trailing) != 1 || r1.trailing[0] != 0xAA {
		t.Fatalf("first request trailing = %x, want its own [0xaa], not the second request's", r1.trailing)
	}
}

func TestEngineSupersedesOutstandingNotification(t *testing.T) {
	sent := make(chan struct{}, 2)
	engine, fc, tr := newEngineWithModule(func(written []byte) {
		sent <- struct{}{}
	})
	defer fc.Close()

	ctx := context.Background()

	firstResult := make(chan struct {
		status StatusCode
		err    error
	}, 1)
	go func() {
		_, status, _, err := engine.ExecuteReceiveNotification(ctx)
		firstResult <- struct {
			status StatusCode
			err    error
		}{status, err}
	}()

	<-sent // first ReceiveNotification's IRP has been sent, request is enqueued

	secondDone := make(chan struct{})
	var secondStatus StatusCode
	var secondErr error
	go func() {
		_, secondStatus, _, secondErr = engine.ExecuteReceiveNotification(ctx)
		close(secondDone)
	}()

	select {
	case r := <-firstResult:
		if r.err != nil {
			t.Fatalf("first ReceiveNotification failed: %v", r.err)
		}
		if r.status != StatusSuperseded {
			t.Fatalf("first ReceiveNotification status = %v, want Superseded", r.status)
		}
	case <-time.After(time.Second):
		t.Fatalf("first ReceiveNotification never resolved")
	}

	select {
	case <-secondDone:
		t.Fatalf("second ReceiveNotification resolved before a genuine notification arrived")
	case <-time.After(50 * time.Millisecond):
	}

	notifBody := append([]byte{0x00, 0x00, byte(StatusSuccess), byte(InfoStateChange)}, make([]byte, SerialLen+8)...)
	tr.Feed(Encode(notifBody))

	select {
	case <-secondDone:
	case <-time.After(time.Second):
		t.Fatalf("second ReceiveNotification never resolved")
	}
	if secondErr != nil {
		t.Fatalf("second ReceiveNotification failed: %v", secondErr)
	}
	if secondStatus != StatusSuccess {
		t.Fatalf("second ReceiveNotification status = %v, want Success", secondStatus)
	}
}

// TestEngineCancellationForgetsPendingRequest checks that a request whose
// context is canceled after its IRP was sent, but before any reply arrives,
// is removed from the engine's correlation state rather than lingering to
// misattribute a later IPP/ICP.
func TestEngineCancellationForgetsPendingRequest(t *testing.T) {
	sent := make(chan struct{})
	engine, fc, _ := newEngineWithModule(func(written []byte) {
		close(sent) // module never replies
	})
	defer fc.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, _, err := engine.Execute(ctx, CmdClearFilter, nil)
		done <- err
	}()

	<-sent
	cancel()

	err := <-done
	if _, ok := err.(*CanceledError); !ok {
		t.Fatalf("expected *CanceledError, got %v (%T)", err, err)
	}

	engine.mu.Lock()
	awaiting := len(engine.awaiting)
	byHandle := len(engine.byHandle)
	engine.mu.Unlock()
	if awaiting != 0 || byHandle != 0 {
		t.Fatalf("expected no tracked requests after cancellation, got awaiting=%d byHandle=%d", awaiting, byHandle)
	}
}
