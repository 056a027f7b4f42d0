package stream

import (
	"context"
	"sync"
	"time"

	"github.com/pulsewire/platform/pkg/common/logger"
	"github.com/pulsewire/platform/pkg/common/models"
	"github.com/pulsewire/platform/pkg/observability/metrics"
)

// State is the ingestor connection state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateStreaming
	StateReconnecting
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateStreaming:
		return "streaming"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// nextState is the pure transition function applied to events arriving
// while streaming.
func nextState(s State, kind EventKind) State {
	if s != StateStreaming {
		return s
	}
	switch kind {
	case EventError:
		return StateReconnecting
	case EventClosed:
		return StateClosed
	default:
		return StateStreaming
	}
}

// Forwarder places an accepted record on the transport.
type Forwarder interface {
	Forward(ctx context.Context, source string, payload models.StreamPayload) error
}

// DeadLetter is the best-effort fallback sink for records the transport
// refused.
type DeadLetter interface {
	Write(ctx context.Context, payload models.StreamPayload) error
}

// Ingestor maintains the persistent connection to the event source and
// forwards records downstream. Delivery is at-least-once; duplicates are
// absorbed by the idempotent upsert semantics downstream.
type Ingestor struct {
	dialer      Dialer
	forwarder   Forwarder
	deadLetter  DeadLetter
	backoffBase time.Duration
	backoffMax  time.Duration

	mu    sync.Mutex
	state State
}

func NewIngestor(dialer Dialer, forwarder Forwarder, deadLetter DeadLetter, backoffBase, backoffMax time.Duration) *Ingestor {
	if backoffBase <= 0 {
		backoffBase = time.Second
	}
	if backoffMax <= 0 {
		backoffMax = time.Minute
	}
	return &Ingestor{
		dialer:      dialer,
		forwarder:   forwarder,
		deadLetter:  deadLetter,
		backoffBase: backoffBase,
		backoffMax:  backoffMax,
		state:       StateDisconnected,
	}
}

// State reports the current connection state for observability.
func (i *Ingestor) State() State {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.state
}

func (i *Ingestor) setState(s State) {
	i.mu.Lock()
	prev := i.state
	i.state = s
	i.mu.Unlock()
	if prev != s {
		logger.Log.WithFields(map[string]interface{}{
			"from": prev.String(),
			"to":   s.String(),
		}).Info("Stream state transition")
	}
}

// Run drives the connection until the context is canceled or the server
// closes the stream. Connection errors reconnect with capped exponential
// backoff; a shutdown request drains the in-flight record first.
func (i *Ingestor) Run(ctx context.Context) error {
	backoff := i.backoffBase

	for {
		if ctx.Err() != nil {
			i.setState(StateClosed)
			return nil
		}

		i.setState(StateConnecting)
		conn, err := i.dialer.Dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				i.setState(StateClosed)
				return nil
			}
			logger.Log.WithError(err).WithField("retry_in", backoff.String()).Warn("Stream connect failed")
			i.setState(StateReconnecting)
			metrics.AddStreamReconnects(1)
			if !sleep(ctx, backoff) {
				i.setState(StateClosed)
				return nil
			}
			backoff = i.nextBackoff(backoff)
			continue
		}

		backoff = i.backoffBase
		i.setState(StateStreaming)

		state := i.streamLoop(ctx, conn)
		_ = conn.Close()

		switch state {
		case StateClosed:
			i.setState(StateClosed)
			return nil
		case StateReconnecting:
			i.setState(StateReconnecting)
			metrics.AddStreamReconnects(1)
			if !sleep(ctx, backoff) {
				i.setState(StateClosed)
				return nil
			}
			backoff = i.nextBackoff(backoff)
		}
	}
}

// streamLoop consumes events from one connection until it errs, closes or
// shutdown is requested. Returns the state the ingestor should move to.
func (i *Ingestor) streamLoop(ctx context.Context, conn Connection) State {
	// Unblock Next when shutdown is requested.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()

	state := StateStreaming
	for state == StateStreaming {
		ev := conn.Next()

		if ctx.Err() != nil {
			// Shutdown was requested. A record already accepted is still
			// forwarded before the loop exits.
			if ev.Kind == EventData {
				i.forward(context.WithoutCancel(ctx), ev.Payload)
			}
			return StateClosed
		}

		switch ev.Kind {
		case EventData:
			metrics.AddStreamRecords(1)
			i.forward(ctx, ev.Payload)
		case EventKeepAlive:
			metrics.AddStreamKeepAlives(1)
		case EventError:
			logger.Log.WithError(ev.Err).Warn("Stream connection error")
		case EventClosed:
			logger.Log.Info("Stream closed by server")
		}
		state = nextState(state, ev.Kind)
	}
	return state
}

func (i *Ingestor) forward(ctx context.Context, payload models.StreamPayload) {
	if err := i.forwarder.Forward(ctx, models.SourceStream, payload); err == nil {
		return
	}

	metrics.AddStreamDeadLetters(1)
	if i.deadLetter == nil {
		logger.Log.WithField("record_id", payload.Record.ID).Error("Record dropped: transport unavailable and no dead-letter sink")
		return
	}
	if err := i.deadLetter.Write(ctx, payload); err != nil {
		// Dead-letter is best-effort; log and carry on.
		logger.Log.WithError(err).WithField("record_id", payload.Record.ID).Error("Dead-letter write failed")
	}
}

func (i *Ingestor) nextBackoff(current time.Duration) time.Duration {
	next := current * 2
	if next > i.backoffMax {
		next = i.backoffMax
	}
	return next
}

func sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}
