package session

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/mentora/coedit/internal/awareness"
	"github.com/mentora/coedit/internal/codec"
	"github.com/mentora/coedit/internal/doc"
	"github.com/mentora/coedit/internal/transport"
)

const (
	// DefaultBackoffInitial is the first reconnect delay.
	DefaultBackoffInitial = 500 * time.Millisecond
	// DefaultBackoffMax caps the reconnect delay.
	DefaultBackoffMax = 30 * time.Second
	// DefaultHandshakeTimeout promotes a session with no peers to Synced.
	DefaultHandshakeTimeout = 3 * time.Second
)

// Option configures a Session.
type Option func(*Session)

// WithLogger sets the structured logger. Defaults to slog.Default.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Session) { s.logger = logger }
}

// WithBackoff sets the initial and maximum reconnect delays.
func WithBackoff(initial, max time.Duration) Option {
	return func(s *Session) {
		s.backoffInitial = initial
		s.backoffMax = max
	}
}

// WithHandshakeTimeout sets how long a connected session waits for a peer's
// state vector before declaring itself synced. Zero disables the timeout.
func WithHandshakeTimeout(d time.Duration) Option {
	return func(s *Session) { s.handshakeTimeout = d }
}

// WithAwarenessStaleness sets how long silent peers stay in the presence
// set. Also drives the local rebroadcast cadence.
func WithAwarenessStaleness(d time.Duration) Option {
	return func(s *Session) { s.staleness = d }
}

// OnChange registers a callback for visible-text changes, local and remote.
// Called outside the session lock.
func OnChange(fn func(text string)) Option {
	return func(s *Session) { s.onChange = fn }
}

// OnStatus registers a callback for state transitions.
func OnStatus(fn func(state State)) Option {
	return func(s *Session) { s.onStatus = fn }
}

// OnAwareness registers a callback for presence-set changes. It receives the
// full current snapshot.
func OnAwareness(fn func(records []awareness.Record)) Option {
	return func(s *Session) { s.onAwareness = fn }
}

// Session connects one replica to a document over a dialer.
type Session struct {
	dialer transport.Dialer
	logger *slog.Logger

	backoffInitial   time.Duration
	backoffMax       time.Duration
	handshakeTimeout time.Duration
	staleness        time.Duration

	onChange    func(string)
	onStatus    func(State)
	onAwareness func([]awareness.Record)

	mu         sync.Mutex
	replica    *doc.Replica
	tracker    *awareness.Tracker
	ch         transport.Channel // nil while disconnected
	state      State
	closed     bool
	cancel     context.CancelFunc
	runCtx     context.Context
	localState json.RawMessage // last published presence, nil if none
	lastText   string
}

// New creates a session for the given participant. Run must be called to
// connect it.
func New(client doc.ClientID, dialer transport.Dialer, opts ...Option) *Session {
	s := &Session{
		dialer:           dialer,
		logger:           slog.Default(),
		backoffInitial:   DefaultBackoffInitial,
		backoffMax:       DefaultBackoffMax,
		handshakeTimeout: DefaultHandshakeTimeout,
		staleness:        awareness.DefaultStaleness,
		replica:          doc.NewReplica(client),
		state:            StateDisconnected,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.tracker = awareness.NewTracker(client, awareness.WithStaleness(s.staleness))
	s.logger = s.logger.With("client", string(client))
	return s
}

// Client returns the participant ID.
func (s *Session) Client() doc.ClientID {
	return s.replica.Client()
}

// Text returns the current visible document text.
func (s *Session) Text() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.replica.Text()
}

// Version returns the replica's state vector.
func (s *Session) Version() doc.StateVector {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.replica.Version()
}

// State returns the current connection phase.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Awareness returns the current presence snapshot.
func (s *Session) Awareness() []awareness.Record {
	return s.tracker.Snapshot()
}

// Run connects and streams until ctx ends or Close is called. Connection
// failures are retried with exponential backoff; Run itself only returns on
// shutdown.
func (s *Session) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.cancel = cancel
	s.runCtx = ctx
	s.mu.Unlock()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.backoffInitial
	bo.MaxInterval = s.backoffMax
	bo.MaxElapsedTime = 0 // retry forever

	for {
		if ctx.Err() != nil {
			s.setState(StateClosed)
			return nil
		}

		ch, err := s.dialer.Dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				s.setState(StateClosed)
				return nil
			}
			s.logger.Warn("dial failed", "error", err)
			s.setState(StateBackoff)
			if !s.wait(ctx, bo.NextBackOff()) {
				s.setState(StateClosed)
				return nil
			}
			continue
		}
		bo.Reset()

		err = s.stream(ctx, ch)
		s.detach(ch)
		if ctx.Err() != nil {
			s.setState(StateClosed)
			return nil
		}
		s.logger.Warn("connection lost", "error", err)
		s.setState(StateBackoff)
		if !s.wait(ctx, bo.NextBackOff()) {
			s.setState(StateClosed)
			return nil
		}
	}
}

// Close shuts the session down: announces the awareness leave best-effort,
// tears down the channel, and cancels any backoff wait in progress.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	ch := s.ch
	cancel := s.cancel
	s.mu.Unlock()

	if ch != nil {
		leave := s.tracker.Leave()
		if data, err := codec.EncodeAwareness(leave.Client, leave.Clock, nil); err == nil {
			sendCtx, sendCancel := context.WithTimeout(context.Background(), time.Second)
			ch.Send(sendCtx, data)
			sendCancel()
		}
		ch.Close()
	}
	if cancel != nil {
		cancel()
	}
	s.setState(StateClosed)
	return nil
}

// Insert applies a local insert at the given visible position and broadcasts
// it if a channel is up.
func (s *Session) Insert(pos int, text string) error {
	return s.edit(func(r *doc.Replica) ([]doc.Op, error) {
		return r.InsertAt(pos, text)
	})
}

// Delete applies a local delete of length characters at pos and broadcasts
// it if a channel is up.
func (s *Session) Delete(pos, length int) error {
	return s.edit(func(r *doc.Replica) ([]doc.Op, error) {
		return r.DeleteAt(pos, length)
	})
}

func (s *Session) edit(apply func(*doc.Replica) ([]doc.Op, error)) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	ops, err := apply(s.replica)
	if err != nil || len(ops) == 0 {
		s.mu.Unlock()
		return err
	}
	text := s.replica.Text()
	ch := s.ch
	synced := s.state == StateSynced
	ctx := s.runCtx
	s.mu.Unlock()

	s.notifyChange(text)

	// While handshaking or disconnected the reconnect diff carries the ops.
	if ch == nil || !synced {
		return nil
	}
	data, encErr := codec.EncodeDelta(ops)
	if encErr != nil {
		return encErr
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if sendErr := ch.Send(ctx, data); sendErr != nil {
		// The stream loop will notice the failure and reconnect; the ops are
		// already in the log and travel with the next handshake.
		s.logger.Warn("broadcast failed", "error", sendErr)
	}
	return nil
}

// PublishAwareness replaces the local presence state and broadcasts it.
// A nil state announces a leave.
func (s *Session) PublishAwareness(state json.RawMessage) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.localState = state
	ch := s.ch
	ctx := s.runCtx
	s.mu.Unlock()

	var rec awareness.Record
	if state == nil {
		rec = s.tracker.Leave()
	} else {
		rec = s.tracker.SetLocal(state)
	}
	s.notifyAwareness()

	if ch == nil {
		return nil
	}
	data, err := codec.EncodeAwareness(rec.Client, rec.Clock, rec.State)
	if err != nil {
		return err
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if sendErr := ch.Send(ctx, data); sendErr != nil {
		s.logger.Warn("awareness broadcast failed", "error", sendErr)
	}
	return nil
}

// stream runs one connection: handshake then frame pump. Returns when the
// channel fails or ctx ends.
func (s *Session) stream(ctx context.Context, ch transport.Channel) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		ch.Close()
		return ErrClosed
	}
	s.ch = ch
	version := s.replica.Version()
	local := s.localState
	s.mu.Unlock()

	s.setState(StateHandshaking)

	data, err := codec.EncodeStateVector(version, false)
	if err != nil {
		return err
	}
	if err := ch.Send(ctx, data); err != nil {
		return err
	}
	// Re-announce presence so peers that joined while we were away see us.
	if local != nil {
		rec := s.tracker.SetLocal(local)
		if data, err := codec.EncodeAwareness(rec.Client, rec.Clock, rec.State); err == nil {
			if err := ch.Send(ctx, data); err != nil {
				return err
			}
		}
	}

	type received struct {
		payload []byte
		err     error
	}
	frames := make(chan received)
	rctx, rcancel := context.WithCancel(ctx)
	defer rcancel()
	go func() {
		for {
			payload, err := ch.Receive(rctx)
			select {
			case frames <- received{payload, err}:
			case <-rctx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()

	var handshake <-chan time.Time
	if s.handshakeTimeout > 0 {
		timer := time.NewTimer(s.handshakeTimeout)
		defer timer.Stop()
		handshake = timer.C
	}
	refresh := time.NewTicker(s.refreshInterval())
	defer refresh.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-handshake:
			handshake = nil
			s.soloSynced()
		case <-refresh.C:
			s.refreshAwareness(ctx, ch)
		case r := <-frames:
			if r.err != nil {
				return r.err
			}
			if err := s.handleFrame(ctx, ch, r.payload); err != nil {
				return err
			}
		}
	}
}

func (s *Session) handleFrame(ctx context.Context, ch transport.Channel, payload []byte) error {
	frame, err := codec.Decode(payload)
	if err != nil {
		s.logger.Warn("dropping frame", "error", err)
		return nil
	}

	switch frame.Kind {
	case codec.KindStateVector:
		s.mu.Lock()
		ops := s.replica.Diff(frame.Vector)
		version := s.replica.Version()
		s.mu.Unlock()

		if !frame.Reply {
			data, err := codec.EncodeStateVector(version, true)
			if err != nil {
				return err
			}
			if err := ch.Send(ctx, data); err != nil {
				return err
			}
		}
		if len(ops) > 0 {
			data, err := codec.EncodeDelta(ops)
			if err != nil {
				return err
			}
			if err := ch.Send(ctx, data); err != nil {
				return err
			}
		}
		s.setState(StateSynced)

	case codec.KindDelta:
		s.mu.Lock()
		before := s.replica.Text()
		for _, op := range frame.Ops {
			if err := s.replica.Apply(op); err != nil {
				s.logger.Warn("dropping op", "op", op.Kind.String(), "error", err)
			}
		}
		after := s.replica.Text()
		s.mu.Unlock()
		if after != before {
			s.notifyChange(after)
		}

	case codec.KindAwareness:
		if s.tracker.Merge(frame.Client, frame.Clock, frame.State) {
			s.notifyAwareness()
		}
	}
	return nil
}

// soloSynced promotes a still-handshaking session to Synced. Fires when no
// peer answered the handshake, meaning we are alone in the document.
func (s *Session) soloSynced() {
	s.mu.Lock()
	promote := s.state == StateHandshaking
	s.mu.Unlock()
	if promote {
		s.logger.Debug("handshake timeout, assuming empty document")
		s.setState(StateSynced)
	}
}

// refreshAwareness rebroadcasts the local presence and sweeps stale peers.
func (s *Session) refreshAwareness(ctx context.Context, ch transport.Channel) {
	if gone := s.tracker.Expire(); len(gone) > 0 {
		s.notifyAwareness()
	}

	s.mu.Lock()
	local := s.localState
	s.mu.Unlock()
	if local == nil {
		return
	}
	rec := s.tracker.SetLocal(local)
	data, err := codec.EncodeAwareness(rec.Client, rec.Clock, rec.State)
	if err != nil {
		return
	}
	if err := ch.Send(ctx, data); err != nil {
		s.logger.Warn("awareness refresh failed", "error", err)
	}
}

func (s *Session) refreshInterval() time.Duration {
	d := s.staleness / 3
	if d < 100*time.Millisecond {
		d = 100 * time.Millisecond
	}
	return d
}

func (s *Session) detach(ch transport.Channel) {
	s.mu.Lock()
	if s.ch == ch {
		s.ch = nil
	}
	s.mu.Unlock()
	ch.Close()
}

// wait sleeps for d, returning false if ctx ended first.
func (s *Session) wait(ctx context.Context, d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}

func (s *Session) setState(next State) {
	s.mu.Lock()
	if s.state == next || s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	prev := s.state
	s.state = next
	fn := s.onStatus
	s.mu.Unlock()

	s.logger.Debug("state change", "from", prev.String(), "to", next.String())
	if fn != nil {
		fn(next)
	}
}

func (s *Session) notifyChange(text string) {
	s.mu.Lock()
	if text == s.lastText {
		s.mu.Unlock()
		return
	}
	s.lastText = text
	fn := s.onChange
	s.mu.Unlock()
	if fn != nil {
		fn(text)
	}
}

func (s *Session) notifyAwareness() {
	if s.onAwareness != nil {
		s.onAwareness(s.tracker.Snapshot())
	}
}
