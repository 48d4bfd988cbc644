package rx22

import (
	"context"
	"encoding/binary"
	"time"
)

// Commands is the typed Command Surface: thin wrappers that marshal
// arguments, invoke the Protocol Engine, and decode results.
type Commands struct {
	engine *Engine
}

// NewCommands wraps an Engine with the typed command surface.
func NewCommands(engine *Engine) *Commands {
	return &Commands{engine: engine}
}

func put16(v uint16) []byte {
	b := make([]byte, 2)
	binary.BigEndian.PutUint16(b, v)
	return b
}

// GetFdSerial reads the far-device serial stored at index on the module.
// GetTxSerial (transmitter serial) is the same wire command; call this with
// whichever index space the caller means.
func (c *Commands) GetFdSerial(ctx context.Context, index uint16) (Serial, error) {
	status, trailing, err := c.engine.Execute(ctx, CmdGetFdSerial, put16(index))
	if err != nil {
		return Serial{}, err
	}
	if err := statusError(CmdGetFdSerial, status); err != nil {
		return Serial{}, err
	}
	if len(trailing) < SerialLen {
		return Serial{}, ErrMalformedResponse
	}
	return NewSerial(trailing[:SerialLen])
}

// GetTxSerial is an alias of GetFdSerial: both share wire command 0x21.
func (c *Commands) GetTxSerial(ctx context.Context, index uint16) (Serial, error) {
	return c.GetFdSerial(ctx, index)
}

// ListKnownFarDevices enumerates paired far-device serials by calling
// GetFdSerial for index 0..maxIndex-1, stopping at the first non-success
// status (the module signals "no device at this index" this way) and
// returning whatever was collected so far without error.
func (c *Commands) ListKnownFarDevices(ctx context.Context, maxIndex uint16) ([]Serial, error) {
	var out []Serial
	for i := uint16(0); i < maxIndex; i++ {
		s, err := c.GetFdSerial(ctx, i)
		if err != nil {
			if _, ok := err.(*ProtocolStatusError); ok {
				break
			}
			return out, err
		}
		out = append(out, s)
	}
	return out, nil
}

// AddFilter admits a device serial to the module's receive filter.
func (c *Commands) AddFilter(ctx context.Context, serial Serial) error {
	status, _, err := c.engine.Execute(ctx, CmdAddFilter, serial[:])
	if err != nil {
		return err
	}
	return statusError(CmdAddFilter, status)
}

// ClearFilter empties the module's receive filter.
func (c *Commands) ClearFilter(ctx context.Context) error {
	status, _, err := c.engine.Execute(ctx, CmdClearFilter, nil)
	if err != nil {
		return err
	}
	return statusError(CmdClearFilter, status)
}

// JoinResult is the decoded outcome of JoinDevice.
type JoinResult struct {
	Serial Serial
	Type   DeviceType
}

// JoinDevice pairs a new device, identified by the gateway's own serial, to
// the module's network.
func (c *Commands) JoinDevice(ctx context.Context, gatewaySerial Serial) (JoinResult, error) {
	status, trailing, err := c.engine.Execute(ctx, CmdJoinDevice, gatewaySerial[:])
	if err != nil {
		return JoinResult{}, err
	}
	if err := statusError(CmdJoinDevice, status); err != nil {
		return JoinResult{}, err
	}
	if len(trailing) < SerialLen+1 {
		return JoinResult{}, ErrMalformedResponse
	}
	serial, err := NewSerial(trailing[:SerialLen])
	if err != nil {
		return JoinResult{}, err
	}
	return JoinResult{Serial: serial, Type: DeviceType(trailing[SerialLen])}, nil
}

// RemoveDevice removes a previously-joined device from the network.
func (c *Commands) RemoveDevice(ctx context.Context, initial, joined Serial) error {
	payload := make([]byte, 0, 2*SerialLen)
	payload = append(payload, initial[:]...)
	payload = append(payload, joined[:]...)
	status, _, err := c.engine.Execute(ctx, CmdRemoveDevice, payload)
	if err != nil {
		return err
	}
	return statusError(CmdRemoveDevice, status)
}

// ChangeState sets a device's state vector under the given mode.
func (c *Commands) ChangeState(ctx context.Context, initial, joined Serial, mode byte, state State) error {
	payload := make([]byte, 0, 2*SerialLen+1+StateLen)
	payload = append(payload, initial[:]...)
	payload = append(payload, joined[:]...)
	payload = append(payload, mode)
	payload = append(payload, state[:]...)
	status, _, err := c.engine.Execute(ctx, CmdChangeState, payload)
	if err != nil {
		return err
	}
	return statusError(CmdChangeState, status)
}

// QueryStateResult is the decoded outcome of QueryState.
type QueryStateResult struct {
	Mode  byte
	State State
}

// QueryState reads a device's current mode and state vector.
func (c *Commands) QueryState(ctx context.Context, initial, joined Serial, mode byte) (QueryStateResult, error) {
	payload := make([]byte, 0, 2*SerialLen+1)
	payload = append(payload, initial[:]...)
	payload = append(payload, joined[:]...)
	payload = append(payload, mode)
	status, trailing, err := c.engine.Execute(ctx, CmdQueryState, payload)
	if err != nil {
		return QueryStateResult{}, err
	}
	if err := statusError(CmdQueryState, status); err != nil {
		return QueryStateResult{}, err
	}
	if len(trailing) < 1+StateLen {
		return QueryStateResult{}, ErrMalformedResponse
	}
	state, err := NewState(trailing[1 : 1+StateLen])
	if err != nil {
		return QueryStateResult{}, err
	}
	return QueryStateResult{Mode: trailing[0], State: state}, nil
}

// LearnControl drives the module's transmitter-learn workflow for a device.
func (c *Commands) LearnControl(ctx context.Context, initial, joined Serial, function, mode byte, state State) error {
	payload := make([]byte, 0, 2*SerialLen+2+StateLen)
	payload = append(payload, initial[:]...)
	payload = append(payload, joined[:]...)
	payload = append(payload, function, mode)
	payload = append(payload, state[:]...)
	status, _, err := c.engine.Execute(ctx, CmdLearnControl, payload)
	if err != nil {
		return err
	}
	return statusError(CmdLearnControl, status)
}

// SendCommand transmits a single button/function frame to a device.
func (c *Commands) SendCommand(ctx context.Context, serial Serial, functionByte byte) error {
	payload := make([]byte, 0, SerialLen+1)
	payload = append(payload, serial[:]...)
	payload = append(payload, functionByte)
	status, _, err := c.engine.Execute(ctx, CmdSendCommand, payload)
	if err != nil {
		return err
	}
	return statusError(CmdSendCommand, status)
}

// ReceiveNotification waits for the next asynchronous notification,
// superseding any Receive-Notification already outstanding on this engine.
// A canceled/superseded completion is returned as a minimal Notification
// (empty serial and additional fields) rather than as an error, so a
// notification loop can observe it and keep running.
func (c *Commands) ReceiveNotification(ctx context.Context) (Notification, error) {
	handle, status, trailing, err := c.engine.ExecuteReceiveNotification(ctx)
	if err != nil {
		return Notification{}, err
	}
	if len(trailing) == 0 {
		return Notification{Handle: handle, Status: status}, nil
	}
	if err := statusError(CmdReceiveNotification, status); err != nil {
		return Notification{}, err
	}
	if len(trailing) < 1+SerialLen+8 {
		return Notification{}, ErrMalformedResponse
	}
	serial, err := NewSerial(trailing[1 : 1+SerialLen])
	if err != nil {
		return Notification{}, err
	}
	n := Notification{Handle: handle, Status: status, InfoType: InfoType(trailing[0]), Serial: serial}
	copy(n.Additional[:], trailing[1+SerialLen:1+SerialLen+8])
	return n, nil
}

// SendBurst transmits count SendCommand frames for serial/function,
// separated by delay, honouring ctx cancellation between frames: a
// cancellation leaves the remaining sends unissued.
func (c *Commands) SendBurst(ctx context.Context, serial Serial, functionByte byte, count int, delay time.Duration) error {
	for i := 0; i < count; i++ {
		if err := c.SendCommand(ctx, serial, functionByte); err != nil {
			return err
		}
		if i == count-1 {
			break
		}
		select {
		case <-ctx.Done():
			return &CanceledError{Cause: ctx.Err()}
		case <-time.After(delay):
		}
	}
	return nil
}

// ContinuousEmit sends SendCommand frames for serial/function every
// interval until ctx is canceled, at which point it returns nil — an
// externally-driven cancellation is a clean stop, not an error.
func (c *Commands) ContinuousEmit(ctx context.Context, serial Serial, functionByte byte, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if err := c.SendCommand(ctx, serial, functionByte); err != nil {
			if _, ok := err.(*CanceledError); ok {
				return nil
			}
			return err
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// SendForDuration is ContinuousEmit bounded by duration, composed with the
// caller's cancellation via context.WithTimeout.
func (c *Commands) SendForDuration(ctx context.Context, serial Serial, functionByte byte, duration, interval time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, duration)
	defer cancel()
	return c.ContinuousEmit(ctx, serial, functionByte, interval)
}
