package control

import (
	"sync"
)

// Message is a lifecycle instruction for the worker.
type Message int

const (
	Stop Message = iota + 1
	Pause
	Resume
)

func (m Message) String() string {
	switch m {
	case Stop:
		return "stop"
	case Pause:
		return "pause"
	case Resume:
		return "resume"
	default:
		return "unknown"
	}
}

// ParseMessage maps the management command names used by the web UI.
func ParseMessage(s string) (Message, bool) {
	switch s {
	case "Stop", "Shutdown", "stop", "shutdown":
		return Stop, true
	case "Pause", "pause":
		return Pause, true
	case "Resume", "resume":
		return Resume, true
	default:
		return 0, false
	}
}

type channel struct {
	msgs chan Message

	stopOnce sync.Once
	stopped  chan struct{}
}

// Sender is the producer side. It is shared by pointer; every method is safe
// for concurrent use and never blocks.
type Sender struct {
	ch *channel
}

// Receiver is the single consumer side, owned by the worker.
type Receiver struct {
	ch *channel
}

// New creates a control channel. buffer bounds the number of pending
// non-stop messages; Stop is never subject to it.
func New(buffer int) (*Sender, *Receiver) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := &channel{
		msgs:    make(chan Message, buffer),
		stopped: make(chan struct{}),
	}
	return &Sender{ch: ch}, &Receiver{ch: ch}
}

// Send delivers m without blocking. It reports whether m was accepted.
//
// Stop is latched: the first Stop closes the stop signal and later ones are
// accepted as no-ops. Other messages are dropped when the buffer is full or
// the receiver has already been told to stop.
func (s *Sender) Send(m Message) bool {
	if s == nil || s.ch == nil {
		return false
	}
	if m == Stop {
		s.ch.stopOnce.Do(func() { close(s.ch.stopped) })
		return true
	}
	select {
	case <-s.ch.stopped:
		return false
	default:
	}
	select {
	case s.ch.msgs <- m:
		return true
	default:
		return false
	}
}

// Stop is shorthand for Send(Stop).
func (s *Sender) Stop() {
	s.Send(Stop)
}

// Stopped is closed once Stop has been sent.
func (r *Receiver) Stopped() <-chan struct{} {
	return r.ch.stopped
}

func (r *Receiver) StopRequested() bool {
	select {
	case <-r.ch.stopped:
		return true
	default:
		return false
	}
}

// Messages carries every non-stop message in send order.
func (r *Receiver) Messages() <-chan Message {
	return r.ch.msgs
}
