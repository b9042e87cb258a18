package stream

import (
	"errors"
	"fmt"
	"time"

	"github.com/jpillora/backoff"
)

// Phase is the lifecycle position of a Manager.
type Phase int

const (
	Idle Phase = iota
	Connecting
	Open
	Backoff
	Closed
)

func (p Phase) String() string {
	switch p {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case Open:
		return "open"
	case Backoff:
		return "backoff"
	case Closed:
		return "closed"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// State is a Phase plus, in Backoff, the number of consecutive failures.
type State struct {
	Phase   Phase `json:"-"`
	Attempt int   `json:"attempt,omitempty"`
}

func (s State) String() string {
	if s.Phase == Backoff {
		return fmt.Sprintf("backoff(%d)", s.Attempt)
	}
	return s.Phase.String()
}

// MarshalText renders the state for health output.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

var (
	// ErrStreamEnded reports that the server closed an open stream.
	ErrStreamEnded = errors.New("stream: server closed the stream")
	// ErrIdleTimeout reports that no bytes arrived within the idle timeout.
	ErrIdleTimeout = errors.New("stream: idle timeout")
)

// StatusError is a non-2xx response to the stream request.
type StatusError struct {
	Code   int
	Status string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("stream: unexpected status %s", e.Status)
}

// Policy computes reconnect delays: base * 2^min(attempt, capExponent).
type Policy struct {
	b backoff.Backoff
}

func NewPolicy(base time.Duration, capExponent int) Policy {
	if base <= 0 {
		base = time.Second
	}
	capExponent = min(max(capExponent, 0), 30)
	return Policy{b: backoff.Backoff{
		Min:    base,
		Max:    base << uint(capExponent),
		Factor: 2,
		Jitter: false,
	}}
}

// Delay returns the wait before reconnecting after the attempt-th consecutive
// failure, counting from zero.
func (p Policy) Delay(attempt int) time.Duration {
	return p.b.ForAttempt(float64(attempt))
}
