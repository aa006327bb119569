package communication

import (
	"io"
	"net/http"
	"net/http/httptest"
	"runtime"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/taurusgroup/multi-party-sig/pkg/protocol"
)

func TestReceiveFiltersByReceiver(t *testing.T) {
	rawIn := make(chan string, roomBuffer)
	room := NewRoom(1, "test", nil, nil, rawIn, nil)

	other := uint16(2)
	mine := uint16(1)

	room.Receive(mustEncode(t, &protocol.Message{From: "3", To: "2", Data: []byte("x")}))
	assert.Len(t, rawIn, 0, "a message for %d must not reach server 1", other)

	room.Receive(mustEncode(t, &protocol.Message{From: "3", To: "1", Data: []byte("x")}))
	assert.Len(t, rawIn, 1, "a message for %d must be forwarded", mine)

	room.Receive(mustEncode(t, &protocol.Message{From: "3", Data: []byte("x")}))
	assert.Len(t, rawIn, 2, "broadcast messages are always forwarded")
}

func TestReceiveDropsMalformedEnvelopes(t *testing.T) {
	rawIn := make(chan string, roomBuffer)
	room := NewRoom(1, "test", nil, nil, rawIn, nil)

	room.Receive("not an envelope")
	assert.Len(t, rawIn, 0)
}

func TestClosedRoomDropsInsteadOfBlocking(t *testing.T) {
	// unbuffered and never drained; only the done channel lets
	// Receive return.
	rawIn := make(chan string)
	room := NewRoom(1, "test", nil, nil, rawIn, nil)
	room.Close()

	raw := mustEncode(t, &protocol.Message{From: "2", Data: []byte("x")})
	finished := make(chan struct{})
	go func() {
		room.Receive(raw)
		close(finished)
	}()
	select {
	case <-finished:
	case <-time.After(2 * time.Second):
		t.Fatal("Receive blocked on a closed room")
	}
}

// A closed room must drop every late message, not just most of them:
// with buffer space available a racy select would still forward some.
func TestClosedRoomDropsEveryLateMessage(t *testing.T) {
	rawIn := make(chan string, roomBuffer)
	room := NewRoom(1, "test", nil, nil, rawIn, nil)
	room.Close()

	raw := mustEncode(t, &protocol.Message{From: "2", Data: []byte("late")})
	for i := 0; i < 200; i++ {
		room.Receive(raw)
	}
	assert.Len(t, rawIn, 0, "a torn-down room forwarded late messages")
}

func TestRelayPostsToEveryPeer(t *testing.T) {
	var hits int32
	peer := func() *httptest.Server {
		return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			require.True(t, strings.HasPrefix(r.URL.Path, "/receive_broadcast/test"))
			atomic.AddInt32(&hits, 1)
		}))
	}
	p1, p2 := peer(), peer()
	defer p1.Close()
	defer p2.Close()

	registry := NewRegistry(1, NewPeerClient(nil))
	_, out := registry.CreateRoom("test", []string{p1.URL, p2.URL})
	defer registry.DeleteRoom("test")

	out <- &protocol.Message{From: "1", Data: []byte("hello")}
	close(out)

	require.Eventually(t, func() bool { return atomic.LoadInt32(&hits) == 2 },
		2*time.Second, 10*time.Millisecond, "one post per peer")
}

func TestRelaySurvivesUnreachablePeer(t *testing.T) {
	var hits int32
	alive := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
	}))
	defer alive.Close()

	registry := NewRegistry(1, NewPeerClient(nil))
	_, out := registry.CreateRoom("test", []string{"http://127.0.0.1:1", alive.URL})
	defer registry.DeleteRoom("test")

	out <- &protocol.Message{From: "1", Data: []byte("hello")}
	close(out)

	require.Eventually(t, func() bool { return atomic.LoadInt32(&hits) == 1 },
		2*time.Second, 10*time.Millisecond, "the reachable peer still gets the message")
}

func TestCreateRoomReplacesStaleSession(t *testing.T) {
	registry := NewRegistry(1, NewPeerClient(nil))

	in1, _ := registry.CreateRoom("X", nil)
	stale, ok := registry.GetRoom("X")
	require.True(t, ok)

	in2, _ := registry.CreateRoom("X", nil)
	defer registry.DeleteRoom("X")

	select {
	case <-stale.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("stale room was not torn down")
	}

	// a late message for the old round is dropped, not misdelivered.
	stale.Receive(mustEncode(t, &protocol.Message{From: "2", Data: []byte("late")}))
	current, ok := registry.GetRoom("X")
	require.True(t, ok)
	current.Receive(mustEncode(t, &protocol.Message{From: "2", Data: []byte("fresh")}))

	select {
	case msg := <-in2:
		assert.Equal(t, []byte("fresh"), msg.Data)
	case <-time.After(2 * time.Second):
		t.Fatal("the replacement room dropped a live message")
	}
	select {
	case msg, open := <-in1:
		require.False(t, open, "got %v from the stale room", msg)
	case <-time.After(2 * time.Second):
		t.Fatal("the stale room's inbound stream never closed")
	}
}

// Ceremonies that fail between CreateRoom and their driver never close
// the out channel; DeleteRoom alone must still release the codec pumps
// instead of leaking them per failed request.
func TestDeleteRoomReleasesPumpsWithoutDriverClose(t *testing.T) {
	registry := NewRegistry(1, NewPeerClient(nil))
	before := runtime.NumGoroutine()

	for i := 0; i < 50; i++ {
		_, _ = registry.CreateRoom("doomed", nil)
		registry.DeleteRoom("doomed")
	}

	require.Eventually(t, func() bool {
		return runtime.NumGoroutine() <= before+5
	}, 2*time.Second, 10*time.Millisecond,
		"goroutines leaked: before=%d after=%d", before, runtime.NumGoroutine())
}

// The decode pump must not wedge on a full typed channel: tear-down has
// to release it even when nobody drains the inbound stream.
func TestDeleteRoomReleasesBlockedDecodePump(t *testing.T) {
	registry := NewRegistry(1, NewPeerClient(nil))
	in, _ := registry.CreateRoom("flooded", nil)
	room, ok := registry.GetRoom("flooded")
	require.True(t, ok)

	// more messages than the typed buffer holds, with no consumer: the
	// pump ends up blocked mid-send.
	raw := mustEncode(t, &protocol.Message{From: "2", Data: []byte("x")})
	for i := 0; i < roomBuffer+8; i++ {
		go room.Receive(raw)
	}

	registry.DeleteRoom("flooded")

	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, open := <-in:
			if !open {
				return
			}
		case <-deadline:
			t.Fatal("inbound stream never closed, decode pump still blocked")
		}
	}
}

func TestDeleteRoomClosesInboundStream(t *testing.T) {
	registry := NewRegistry(1, NewPeerClient(nil))
	in, _ := registry.CreateRoom("Y", nil)
	registry.DeleteRoom("Y")

	select {
	case _, open := <-in:
		assert.False(t, open)
	case <-time.After(2 * time.Second):
		t.Fatal("inbound stream still open after DeleteRoom")
	}

	_, ok := registry.GetRoom("Y")
	assert.False(t, ok)
}

func TestRoomsDeliverOverHTTP(t *testing.T) {
	a := NewRegistry(1, NewPeerClient(nil))
	b := NewRegistry(2, NewPeerClient(nil))

	srvB := httptest.NewServer(deliverTo(t, b))
	defer srvB.Close()

	_, outA := a.CreateRoom("round", []string{srvB.URL})
	defer a.DeleteRoom("round")
	inB, _ := b.CreateRoom("round", nil)
	defer b.DeleteRoom("round")

	outA <- &protocol.Message{From: "1", To: "2", Data: []byte("direct")}

	select {
	case msg := <-inB:
		assert.Equal(t, []byte("direct"), msg.Data)
	case <-time.After(2 * time.Second):
		t.Fatal("message never crossed the HTTP hop")
	}
}

// deliverTo routes posted envelopes into reg the way the broadcast
// endpoint does, dropping messages for unknown rooms.
func deliverTo(t *testing.T, reg *Registry) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		session := strings.TrimPrefix(r.URL.Path, "/receive_broadcast/")
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		if room, ok := reg.GetRoom(session); ok {
			room.Receive(string(body))
		}
	})
}

func mustEncode(t *testing.T, msg *protocol.Message) string {
	t.Helper()
	raw, err := EncodeMessage(msg)
	require.NoError(t, err)
	return raw
}
