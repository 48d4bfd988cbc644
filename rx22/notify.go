package rx22

import (
	"context"

	log "github.com/sirupsen/logrus"
)

// EventKind classifies a dispatched Event.
type EventKind int

const (
	EventButtonPressed EventKind = iota
	EventButtonReleased
	EventLowBattery
	EventSensor
	EventStateChange
	EventLearn
	EventUnhandled
	EventSuperseded
)

// Event is a structured notification handed to a dispatcher's consumer.
type Event struct {
	Kind   EventKind
	Serial Serial

	Button   Button
	Function Function

	SensorData [8]byte

	Mode  byte
	State State

	LearnInfo InfoType

	RawInfoType InfoType
}

// Dispatcher consumes decoded notifications in a loop and emits structured
// Events on Events(). A decoding failure on one notification (non-success
// status, or a length mismatch) is reported on Errors() and the loop
// continues; canceling ctx stops the loop cleanly.
type Dispatcher struct {
	commands *Commands
	log      *log.Entry

	events chan Event
	errs   chan error
}

// NewDispatcher creates a Dispatcher driven by commands.ReceiveNotification.
func NewDispatcher(commands *Commands) *Dispatcher {
	return &Dispatcher{
		commands: commands,
		log:      log.WithField("component", "rx22.dispatcher"),
		events:   make(chan Event, 16),
		errs:     make(chan error, 1),
	}
}

// Events returns the channel structured notifications are emitted on.
func (d *Dispatcher) Events() <-chan Event { return d.events }

// Errors returns the channel decode failures are reported on.
func (d *Dispatcher) Errors() <-chan error { return d.errs }

// Run drives the dispatch loop until ctx is canceled. It is meant to run in
// its own goroutine; Events()/Errors() deliver its output.
func (d *Dispatcher) Run(ctx context.Context) {
	defer close(d.events)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		n, err := d.commands.ReceiveNotification(ctx)
		if err != nil {
			if _, ok := err.(*CanceledError); ok {
				return
			}
			d.reportErr(err)
			continue
		}

		if n.Status != StatusSuccess {
			// The minimal canceled/superseded record carries no InfoType
			// worth classifying — surface it as its own kind rather than
			// risk matching the zero-value InfoType (Release).
			select {
			case d.events <- Event{Kind: EventSuperseded, Serial: n.Serial}:
			case <-ctx.Done():
				return
			}
			continue
		}

		ev, ok := classify(n)
		if !ok {
			d.reportErr(ErrMalformedResponse)
			continue
		}

		select {
		case d.events <- ev:
		case <-ctx.Done():
			return
		}
	}
}

func (d *Dispatcher) reportErr(err error) {
	select {
	case d.errs <- err:
	default:
		d.log.Warnf("dropping notification error, consumer not draining Errors(): %v", err)
	}
}

// classify maps a decoded Notification to a structured Event per its
// InfoType. Run handles every Status != Success before classify is reached:
// a full-length notification with such a status arrives as an error and is
// reported on Errors(), and the minimal canceled/superseded record becomes
// an EventSuperseded. classify therefore only sees Success notifications.
func classify(n Notification) (Event, bool) {
	switch n.InfoType {
	case InfoPushAndHold:
		button, function := SplitFunctionByte(n.Additional[0])
		if function == FuncLowBattery {
			return Event{Kind: EventLowBattery, Serial: n.Serial, Button: button, Function: function}, true
		}
		return Event{Kind: EventButtonPressed, Serial: n.Serial, Button: button, Function: function}, true
	case InfoRelease:
		button := Button(n.Additional[0] & 0x03)
		return Event{Kind: EventButtonReleased, Serial: n.Serial, Button: button}, true
	case InfoSensor:
		return Event{Kind: EventSensor, Serial: n.Serial, SensorData: n.Additional}, true
	case InfoStateChange:
		var state State
		copy(state[:], n.Additional[1:1+StateLen])
		return Event{Kind: EventStateChange, Serial: n.Serial, Mode: n.Additional[0], State: state}, true
	case InfoLearnStart, InfoLearnComplete, InfoLearnFail:
		return Event{Kind: EventLearn, Serial: n.Serial, LearnInfo: n.InfoType}, true
	default:
		return Event{Kind: EventUnhandled, Serial: n.Serial, RawInfoType: n.InfoType}, true
	}
}
