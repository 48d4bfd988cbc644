package rx22

import (
	"bytes"
	"context"
	"testing"
	"time"
)

func TestCommandsGetFdSerialDecodesSixteenByteSerial(t *testing.T) {
	var tr *Transport
	engine, fc, tr := newEngineWithModule(func(written []byte) {
		payload := decodeWire(t, written)
		if CommandCode(payload[0]) != CmdGetFdSerial {
			t.Fatalf("unexpected command %v", CommandCode(payload[0]))
		}
		want := []byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08, 0x09, 0x0A, 0x0B, 0x0C, 0x0D, 0x0E, 0x0F, 0x10}
		icp := append([]byte{0x00, 0x00, byte(StatusSuccess)}, want...)
		tr.Feed(Encode(icp))
	})
	defer fc.Close()
	cmds := NewCommands(engine)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	serial, err := cmds.GetFdSerial(ctx, 0)
	if err != nil {
		t.Fatalf("GetFdSerial: %v", err)
	}
	want := Serial{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08, 0x09, 0x0A, 0x0B, 0x0C, 0x0D, 0x0E, 0x0F, 0x10}
	if serial != want {
		t.Fatalf("GetFdSerial = %v, want %v", serial, want)
	}
}

func TestCommandsListKnownFarDevicesStopsAtFirstFailureWithoutError(t *testing.T) {
	served := 0
	var tr *Transport
	engine, fc, tr := newEngineWithModule(func(written []byte) {
		payload := decodeWire(t, written)
		index := int(payload[1])<<8 | int(payload[2])
		served++
		if index < 2 {
			serial := make([]byte, SerialLen)
			serial[0] = byte(index + 1)
			icp := append([]byte{0x00, 0x00, byte(StatusSuccess)}, serial...)
			tr.Feed(Encode(icp))
			return
		}
		tr.Feed(Encode([]byte{0x00, 0x00, byte(StatusInvalidRequest)}))
	})
	defer fc.Close()
	cmds := NewCommands(engine)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	serials, err := cmds.ListKnownFarDevices(ctx, 10)
	if err != nil {
		t.Fatalf("ListKnownFarDevices: %v", err)
	}
	if len(serials) != 2 {
		t.Fatalf("got %d serials, want 2", len(serials))
	}
	if served != 3 {
		t.Fatalf("module served %d requests, want exactly 3 (2 success + 1 stop)", served)
	}
}

func TestCommandsAddFilterAcceptsSixteenByteSerial(t *testing.T) {
	var gotPayload []byte
	var tr *Transport
	engine, fc, tr := newEngineWithModule(func(written []byte) {
		payload := decodeWire(t, written)
		gotPayload = append([]byte(nil), payload[1:]...)
		tr.Feed(Encode([]byte{0x00, 0x00, byte(StatusSuccess)}))
	})
	defer fc.Close()
	cmds := NewCommands(engine)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	var serial Serial
	for i := range serial {
		serial[i] = byte(i)
	}
	if err := cmds.AddFilter(ctx, serial); err != nil {
		t.Fatalf("AddFilter: %v", err)
	}
	if !bytes.Equal(gotPayload, serial[:]) {
		t.Fatalf("AddFilter sent %x, want %x", gotPayload, serial[:])
	}
}

func TestCommandsAddFilterSurfacesProtocolStatusError(t *testing.T) {
	var tr *Transport
	engine, fc, tr := newEngineWithModule(func(written []byte) {
		tr.Feed(Encode([]byte{0x00, 0x00, byte(StatusFilterOutOfMemory)}))
	})
	defer fc.Close()
	cmds := NewCommands(engine)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	var serial Serial
	err := cmds.AddFilter(ctx, serial)
	pse, ok := err.(*ProtocolStatusError)
	if !ok {
		t.Fatalf("expected *ProtocolStatusError, got %v (%T)", err, err)
	}
	if pse.Status != StatusFilterOutOfMemory {
		t.Fatalf("status = %v, want FilterOutOfMemory", pse.Status)
	}
}

func TestCommandsSendBurstSpacesFramesAndHonoursCancellation(t *testing.T) {
	var sendTimes []time.Time
	var tr *Transport
	engine, fc, tr := newEngineWithModule(func(written []byte) {
		sendTimes = append(sendTimes, time.Now())
		tr.Feed(Encode([]byte{0x00, 0x00, byte(StatusSuccess)}))
	})
	defer fc.Close()
	cmds := NewCommands(engine)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var serial Serial
	go func() {
		time.Sleep(260 * time.Millisecond)
		cancel()
	}()

	err := cmds.SendBurst(ctx, serial, 0x00, 5, 120*time.Millisecond)
	if _, ok := err.(*CanceledError); !ok {
		t.Fatalf("expected *CanceledError from cancellation mid-burst, got %v", err)
	}
	if len(sendTimes) < 2 || len(sendTimes) >= 5 {
		t.Fatalf("expected cancellation to stop the burst partway through, sent %d frames", len(sendTimes))
	}
	for i := 1; i < len(sendTimes); i++ {
		gap := sendTimes[i].Sub(sendTimes[i-1])
		if gap < 120*time.Millisecond {
			t.Fatalf("frames %d and %d were only %v apart, want >= 120ms", i-1, i, gap)
		}
	}
}

func TestCommandsQueryStateRoundTrips(t *testing.T) {
	var tr *Transport
	engine, fc, tr := newEngineWithModule(func(written []byte) {
		icp := append([]byte{0x00, 0x00, byte(StatusSuccess)}, 0x07, 0xAA, 0xBB, 0xCC, 0xDD)
		tr.Feed(Encode(icp))
	})
	defer fc.Close()
	cmds := NewCommands(engine)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	var initial, joined Serial
	result, err := cmds.QueryState(ctx, initial, joined, 0x01)
	if err != nil {
		t.Fatalf("QueryState: %v", err)
	}
	if result.Mode != 0x07 {
		t.Fatalf("Mode = 0x%02x, want 0x07", result.Mode)
	}
	want := State{0xAA, 0xBB, 0xCC, 0xDD}
	if result.State != want {
		t.Fatalf("State = %v, want %v", result.State, want)
	}
}

func TestCommandsGetFdSerialRejectsShortTrailing(t *testing.T) {
	var tr *Transport
	engine, fc, tr := newEngineWithModule(func(written []byte) {
		tr.Feed(Encode([]byte{0x00, 0x00, byte(StatusSuccess), 0x01, 0x02}))
	})
	defer fc.Close()
	cmds := NewCommands(engine)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if _, err := cmds.GetFdSerial(ctx, 0); err != ErrMalformedResponse {
		t.Fatalf("GetFdSerial with short trailing: err = %v, want ErrMalformedResponse", err)
	}
}
