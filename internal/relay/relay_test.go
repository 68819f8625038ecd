package relay

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mentora/coedit/internal/codec"
	"github.com/mentora/coedit/internal/doc"
	"github.com/mentora/coedit/internal/session"
	"github.com/mentora/coedit/internal/transport"
)

func newTestRelay(t *testing.T, opts ...Option) *httptest.Server {
	t.Helper()
	srv := NewServer(opts...)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		srv.Run(ctx)
	}()

	ts := httptest.NewServer(srv.Router())
	t.Cleanup(func() {
		ts.Close()
		cancel()
		<-done
	})
	return ts
}

func dialRelay(t *testing.T, ts *httptest.Server, room, docName, clientID string) transport.Channel {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/" + room + "/" + docName
	if clientID != "" {
		url += "?client_id=" + clientID
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ch, err := transport.NewWSDialer(url).Dial(ctx)
	require.NoError(t, err)
	t.Cleanup(func() { ch.Close() })
	return ch
}

func receiveFrame(t *testing.T, ch transport.Channel) *codec.Frame {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	payload, err := ch.Receive(ctx)
	require.NoError(t, err)
	frame, err := codec.Decode(payload)
	require.NoError(t, err)
	return frame
}

func assertSilent(t *testing.T, ch transport.Channel) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	payload, err := ch.Receive(ctx)
	require.Error(t, err, "unexpected payload: %s", payload)
}

func encodeDelta(t *testing.T, ops []doc.Op) []byte {
	t.Helper()
	data, err := codec.EncodeDelta(ops)
	require.NoError(t, err)
	return data
}

func TestServer_Health(t *testing.T) {
	ts := newTestRelay(t)

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.JSONEq(t, `{"status":"ok"}`, string(body))
}

func TestServer_RoutesDeltaToOthersOnly(t *testing.T) {
	ts := newTestRelay(t)

	alice := dialRelay(t, ts, "room1", "doc1", "alice")
	bob := dialRelay(t, ts, "room1", "doc1", "bob")
	other := dialRelay(t, ts, "room1", "doc2", "carol")
	time.Sleep(50 * time.Millisecond) // let registrations land

	r := doc.NewReplica("alice")
	ops, err := r.InsertAt(0, "x")
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, alice.Send(ctx, encodeDelta(t, ops)))

	frame := receiveFrame(t, bob)
	assert.Equal(t, codec.KindDelta, frame.Kind)
	require.Len(t, frame.Ops, 1)
	assert.Equal(t, "x", frame.Ops[0].Value)

	// The sender gets no echo; a different document gets nothing.
	assertSilent(t, alice)
	assertSilent(t, other)
}

func TestServer_RoutesVectorToOthersOnly(t *testing.T) {
	ts := newTestRelay(t)

	alice := dialRelay(t, ts, "room1", "doc1", "alice")
	bob := dialRelay(t, ts, "room1", "doc1", "bob")
	time.Sleep(50 * time.Millisecond)

	data, err := codec.EncodeStateVector(doc.StateVector{"alice": 3}, false)
	require.NoError(t, err)
	require.NoError(t, alice.Send(context.Background(), data))

	frame := receiveFrame(t, bob)
	assert.Equal(t, codec.KindStateVector, frame.Kind)
	assert.Equal(t, doc.StateVector{"alice": 3}, frame.Vector)
	assertSilent(t, alice)
}

func TestServer_AwarenessReachesEveryone(t *testing.T) {
	ts := newTestRelay(t)

	alice := dialRelay(t, ts, "room1", "doc1", "alice")
	bob := dialRelay(t, ts, "room1", "doc1", "bob")
	time.Sleep(50 * time.Millisecond)

	data, err := codec.EncodeAwareness("alice", 1, json.RawMessage(`{"cursor":2}`))
	require.NoError(t, err)
	require.NoError(t, alice.Send(context.Background(), data))

	for _, ch := range []transport.Channel{alice, bob} {
		frame := receiveFrame(t, ch)
		assert.Equal(t, codec.KindAwareness, frame.Kind)
		assert.Equal(t, doc.ClientID("alice"), frame.Client)
	}
}

func TestServer_DropsUnroutablePayload(t *testing.T) {
	ts := newTestRelay(t)

	alice := dialRelay(t, ts, "room1", "doc1", "alice")
	bob := dialRelay(t, ts, "room1", "doc1", "bob")
	time.Sleep(50 * time.Millisecond)

	ctx := context.Background()
	require.NoError(t, alice.Send(ctx, []byte(`{"type":"gossip"}`)))
	require.NoError(t, alice.Send(ctx, []byte(`not even json`)))

	// The connection survives and later valid payloads still route.
	r := doc.NewReplica("alice")
	ops, err := r.InsertAt(0, "y")
	require.NoError(t, err)
	require.NoError(t, alice.Send(ctx, encodeDelta(t, ops)))

	frame := receiveFrame(t, bob)
	assert.Equal(t, codec.KindDelta, frame.Kind)
}

func TestServer_EndToEndSessionsConverge(t *testing.T) {
	ts := newTestRelay(t)
	base := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/room1/doc1"

	newSess := func(client doc.ClientID) *session.Session {
		s := session.New(client,
			transport.NewWSDialer(base+"?client_id="+string(client)),
			session.WithHandshakeTimeout(500*time.Millisecond),
			session.WithBackoff(50*time.Millisecond, time.Second),
		)
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
				t.Error("session did not stop")
			}
		})
		return s
	}

	alice := newSess("alice")
	require.NoError(t, alice.Insert(0, "Hi"))
	require.Eventually(t, func() bool { return alice.State() == session.StateSynced },
		5*time.Second, 10*time.Millisecond)

	bob := newSess("bob")
	require.NoError(t, bob.Insert(0, "!"))

	require.Eventually(t, func() bool {
		return alice.Text() == bob.Text() && alice.Text() != ""
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, "Hi!", alice.Text())
	assert.Equal(t, alice.Version(), bob.Version())

	// Live editing keeps both sides in step after the handshake.
	require.NoError(t, bob.Delete(0, 1))
	require.Eventually(t, func() bool {
		return alice.Text() == "i!" && bob.Text() == "i!"
	}, 5*time.Second, 10*time.Millisecond)
}
