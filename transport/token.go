package transport

import "context"

// Token guards a station's access to the single shared CAN channel. The
// hardware exposes one channel, so only one logical exchange (a request
// awaiting its response, or a heartbeat burst) may own the wire at a
// time. Everything that transmits from one station, session engine and
// keepalive timer alike, acquires that station's token first; the bench
// side arbitrates its responder and heartbeats through its own.
type Token struct {
	slot chan struct{}
}

func NewToken() *Token {
	t := &Token{slot: make(chan struct{}, 1)}
	t.slot <- struct{}{}
	return t
}

// Acquire blocks until the token is free or ctx is cancelled.
func (t *Token) Acquire(ctx context.Context) error {
	select {
	case <-t.slot:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TryAcquire takes the token only if it is immediately free. Periodic
// callers (keepalive, heartbeat) use this and reschedule instead of
// queueing behind a user exchange.
func (t *Token) TryAcquire() bool {
	select {
	case <-t.slot:
		return true
	default:
		return false
	}
}

// Release returns the token. Releasing a free token panics, which surfaces
// double-release bugs immediately instead of corrupting the channel state.
func (t *Token) Release() {
	select {
	case t.slot <- struct{}{}:
	default:
		panic("transport: token released while free")
	}
}
