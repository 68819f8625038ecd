package session

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mentora/coedit/internal/awareness"
	"github.com/mentora/coedit/internal/codec"
	"github.com/mentora/coedit/internal/doc"
	"github.com/mentora/coedit/internal/transport"
)

// peer is the test's end of the wire: it plays the role of the relay plus a
// remote participant.
type peer struct {
	t  *testing.T
	ch transport.Channel
}

func (p *peer) expect(kind codec.FrameKind) *codec.Frame {
	p.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		payload, err := p.ch.Receive(ctx)
		require.NoError(p.t, err, "waiting for %s frame", kind)
		frame, err := codec.Decode(payload)
		require.NoError(p.t, err)
		if frame.Kind == kind {
			return frame
		}
		// Skip unrelated traffic, like awareness refreshes.
	}
}

func (p *peer) send(payload []byte) {
	p.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(p.t, p.ch.Send(ctx, payload))
}

func (p *peer) sendVector(v doc.StateVector, reply bool) {
	p.t.Helper()
	data, err := codec.EncodeStateVector(v, reply)
	require.NoError(p.t, err)
	p.send(data)
}

func (p *peer) sendDelta(ops []doc.Op) {
	p.t.Helper()
	data, err := codec.EncodeDelta(ops)
	require.NoError(p.t, err)
	p.send(data)
}

// pairDialer hands out the session ends of pre-built channel pairs, one per
// dial, and exposes the peer ends to the test.
type pairDialer struct {
	mu    sync.Mutex
	ends  []transport.Channel
	peers chan transport.Channel
}

func newPairDialer(conns int) *pairDialer {
	d := &pairDialer{peers: make(chan transport.Channel, conns)}
	for i := 0; i < conns; i++ {
		a, b := transport.Pair(64)
		d.ends = append(d.ends, a)
		d.peers <- b
	}
	return d
}

func (d *pairDialer) Dial(ctx context.Context) (transport.Channel, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.ends) == 0 {
		return nil, errors.New("no more connections")
	}
	ch := d.ends[0]
	d.ends = d.ends[1:]
	return ch, nil
}

func (d *pairDialer) nextPeer(t *testing.T) *peer {
	t.Helper()
	select {
	case ch := <-d.peers:
		return &peer{t: t, ch: ch}
	case <-time.After(time.Second):
		t.Fatal("no peer channel available")
		return nil
	}
}

func runSession(t *testing.T, s *Session) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.Run(context.Background())
	}()
	t.Cleanup(func() {
		s.Close()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("Run did not return after Close")
		}
	})
}

func TestSession_HandshakeSendsStateVector(t *testing.T) {
	d := newPairDialer(1)
	s := New("alice", d, WithHandshakeTimeout(0))
	require.NoError(t, s.Insert(0, "Hi"))
	runSession(t, s)

	p := d.nextPeer(t)
	f := p.expect(codec.KindStateVector)
	assert.False(t, f.Reply)
	assert.Equal(t, doc.StateVector{"alice": 2}, f.Vector)
}

func TestSession_AnswersVectorWithDiffAndReply(t *testing.T) {
	d := newPairDialer(1)
	s := New("alice", d, WithHandshakeTimeout(0))
	require.NoError(t, s.Insert(0, "Hi"))
	runSession(t, s)

	p := d.nextPeer(t)
	p.expect(codec.KindStateVector)

	// A peer that knows nothing asks for everything.
	p.sendVector(doc.StateVector{}, false)

	reply := p.expect(codec.KindStateVector)
	assert.True(t, reply.Reply)
	assert.Equal(t, doc.StateVector{"alice": 2}, reply.Vector)

	delta := p.expect(codec.KindDelta)
	require.Len(t, delta.Ops, 2)

	mirror := doc.NewReplica("bob")
	require.NoError(t, mirror.ApplyAll(delta.Ops))
	assert.Equal(t, "Hi", mirror.Text())

	assert.Eventually(t, func() bool { return s.State() == StateSynced },
		time.Second, 5*time.Millisecond)
}

func TestSession_ReplyVectorDoesNotPingPong(t *testing.T) {
	d := newPairDialer(1)
	s := New("alice", d, WithHandshakeTimeout(0))
	runSession(t, s)

	p := d.nextPeer(t)
	p.expect(codec.KindStateVector)

	// A reply vector that is already covered needs no answer at all.
	p.sendVector(doc.StateVector{}, true)

	assert.Eventually(t, func() bool { return s.State() == StateSynced },
		time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	payload, err := p.ch.Receive(ctx)
	if err == nil {
		frame, decErr := codec.Decode(payload)
		require.NoError(t, decErr)
		assert.NotEqual(t, codec.KindStateVector, frame.Kind,
			"session answered a reply vector with another vector")
	}
}

func TestSession_AppliesRemoteDelta(t *testing.T) {
	var mu sync.Mutex
	var texts []string

	d := newPairDialer(1)
	s := New("alice", d,
		WithHandshakeTimeout(0),
		OnChange(func(text string) {
			mu.Lock()
			texts = append(texts, text)
			mu.Unlock()
		}),
	)
	runSession(t, s)

	p := d.nextPeer(t)
	p.expect(codec.KindStateVector)
	p.sendVector(doc.StateVector{}, false)
	p.expect(codec.KindStateVector)

	remote := doc.NewReplica("bob")
	ops, err := remote.InsertAt(0, "Hello")
	require.NoError(t, err)
	p.sendDelta(ops)

	assert.Eventually(t, func() bool { return s.Text() == "Hello" },
		time.Second, 5*time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, texts)
	assert.Equal(t, "Hello", texts[len(texts)-1])
}

func TestSession_BroadcastsLiveEdits(t *testing.T) {
	d := newPairDialer(1)
	s := New("alice", d, WithHandshakeTimeout(0))
	runSession(t, s)

	p := d.nextPeer(t)
	p.expect(codec.KindStateVector)
	p.sendVector(doc.StateVector{}, true)
	require.Eventually(t, func() bool { return s.State() == StateSynced },
		time.Second, 5*time.Millisecond)

	require.NoError(t, s.Insert(0, "ok"))

	delta := p.expect(codec.KindDelta)
	require.Len(t, delta.Ops, 2)
	assert.Equal(t, doc.OpInsert, delta.Ops[0].Kind)
	assert.Equal(t, "o", delta.Ops[0].Value)
}

func TestSession_HandshakeTimeoutPromotesSolo(t *testing.T) {
	d := newPairDialer(1)
	s := New("alice", d, WithHandshakeTimeout(50*time.Millisecond))
	runSession(t, s)

	p := d.nextPeer(t)
	p.expect(codec.KindStateVector)
	// Nobody answers: the session is alone in the document.

	assert.Eventually(t, func() bool { return s.State() == StateSynced },
		time.Second, 5*time.Millisecond)
}

func TestSession_ReconnectResendsExactlyMissingOps(t *testing.T) {
	d := newPairDialer(2)
	s := New("alice", d,
		WithHandshakeTimeout(0),
		WithBackoff(150*time.Millisecond, 500*time.Millisecond),
	)
	runSession(t, s)

	// First connection: sync, then one live edit the peer sees.
	p1 := d.nextPeer(t)
	p1.expect(codec.KindStateVector)
	p1.sendVector(doc.StateVector{}, true)
	require.Eventually(t, func() bool { return s.State() == StateSynced },
		time.Second, 5*time.Millisecond)
	require.NoError(t, s.Insert(0, "a"))
	p1.expect(codec.KindDelta)

	// Drop the connection and edit while offline.
	p1.ch.Close()
	require.Eventually(t, func() bool { return s.State() != StateSynced },
		time.Second, 5*time.Millisecond)
	require.NoError(t, s.Insert(1, "b"))
	require.NoError(t, s.Insert(2, "c"))

	// Second connection: the peer already holds seq 1; the handshake must
	// carry exactly the two offline ops.
	p2 := d.nextPeer(t)
	f := p2.expect(codec.KindStateVector)
	assert.Equal(t, doc.StateVector{"alice": 3}, f.Vector)

	p2.sendVector(doc.StateVector{"alice": 1}, false)
	p2.expect(codec.KindStateVector)
	delta := p2.expect(codec.KindDelta)
	require.Len(t, delta.Ops, 2)
	assert.Equal(t, uint64(2), delta.Ops[0].ID.Seq)
	assert.Equal(t, uint64(3), delta.Ops[1].ID.Seq)
}

func TestSession_CloseCancelsBackoff(t *testing.T) {
	d := transport.DialerFunc(func(ctx context.Context) (transport.Channel, error) {
		return nil, errors.New("relay down")
	})
	s := New("alice", d, WithBackoff(time.Hour, time.Hour))

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.Run(context.Background())
	}()

	require.Eventually(t, func() bool { return s.State() == StateBackoff },
		time.Second, 5*time.Millisecond)
	require.NoError(t, s.Close())

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Close did not cancel the backoff wait")
	}
	assert.Equal(t, StateClosed, s.State())
}

func TestSession_EditAfterCloseFails(t *testing.T) {
	d := newPairDialer(1)
	s := New("alice", d)
	require.NoError(t, s.Close())

	assert.ErrorIs(t, s.Insert(0, "x"), ErrClosed)
	assert.ErrorIs(t, s.Delete(0, 1), ErrClosed)
	assert.ErrorIs(t, s.PublishAwareness(nil), ErrClosed)
}

func TestSession_OfflineEditsApplyLocally(t *testing.T) {
	d := newPairDialer(1)
	s := New("alice", d)

	// Never ran: no channel at all. Edits still take effect immediately.
	require.NoError(t, s.Insert(0, "local"))
	require.NoError(t, s.Delete(4, 1))
	assert.Equal(t, "loca", s.Text())
	assert.Equal(t, doc.StateVector{"alice": 6}, s.Version())
}

func TestSession_AwarenessRoundTrip(t *testing.T) {
	var mu sync.Mutex
	var last []awareness.Record

	d := newPairDialer(1)
	s := New("alice", d,
		WithHandshakeTimeout(0),
		OnAwareness(func(records []awareness.Record) {
			mu.Lock()
			last = records
			mu.Unlock()
		}),
	)
	runSession(t, s)

	p := d.nextPeer(t)
	p.expect(codec.KindStateVector)
	p.sendVector(doc.StateVector{}, true)
	require.Eventually(t, func() bool { return s.State() == StateSynced },
		time.Second, 5*time.Millisecond)

	// Outbound: our cursor reaches the peer.
	require.NoError(t, s.PublishAwareness(json.RawMessage(`{"cursor":3}`)))
	f := p.expect(codec.KindAwareness)
	assert.Equal(t, doc.ClientID("alice"), f.Client)
	assert.JSONEq(t, `{"cursor":3}`, string(f.State))

	// Inbound: the peer's cursor reaches us.
	data, err := codec.EncodeAwareness("bob", 1, json.RawMessage(`{"cursor":9}`))
	require.NoError(t, err)
	p.send(data)

	assert.Eventually(t, func() bool {
		return len(s.Awareness()) == 2
	}, time.Second, 5*time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, last, 2)
	assert.Equal(t, doc.ClientID("alice"), last[0].Client)
	assert.Equal(t, doc.ClientID("bob"), last[1].Client)
}

func TestSession_TwoSessionsConverge(t *testing.T) {
	// Direct peer-to-peer wiring: each session dials one end of the same
	// pair. Both send their vectors, both answer, both converge.
	a, b := transport.Pair(64)
	alice := New("alice", transport.DialerFunc(
		func(ctx context.Context) (transport.Channel, error) { return a, nil }),
		WithHandshakeTimeout(0))
	bob := New("bob", transport.DialerFunc(
		func(ctx context.Context) (transport.Channel, error) { return b, nil }),
		WithHandshakeTimeout(0))

	require.NoError(t, alice.Insert(0, "Hi"))
	require.NoError(t, bob.Insert(0, "!"))

	runSession(t, alice)
	runSession(t, bob)

	require.Eventually(t, func() bool {
		return alice.Text() == bob.Text() && alice.Text() != ""
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, alice.Version(), bob.Version())

	// Live edits keep flowing after the handshake.
	require.Eventually(t, func() bool {
		return alice.State() == StateSynced && bob.State() == StateSynced
	}, time.Second, 5*time.Millisecond)
	require.NoError(t, alice.Insert(0, ">"))
	require.Eventually(t, func() bool {
		return bob.Text() == alice.Text()
	}, 5*time.Second, 10*time.Millisecond)
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "disconnected", StateDisconnected.String())
	assert.Equal(t, "handshaking", StateHandshaking.String())
	assert.Equal(t, "synced", StateSynced.String())
	assert.Equal(t, "backoff", StateBackoff.String())
	assert.Equal(t, "closed", StateClosed.String())
}
