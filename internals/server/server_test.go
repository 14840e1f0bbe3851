package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/adityaadpandey/plaza-relay/internals/config"
	"github.com/adityaadpandey/plaza-relay/internals/presence"
	"github.com/adityaadpandey/plaza-relay/internals/room"
	"github.com/adityaadpandey/plaza-relay/internals/signaling"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Redis.Enabled = false
	cfg.Limits.RateLimitPerSec = 1000
	cfg.Limits.RateLimitBurst = 1000
	return cfg
}

func startServer(t *testing.T, cfg *config.Config) (*Server, *httptest.Server) {
	t.Helper()
	s, err := New(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		s.Stop()
		ts.Close()
	})
	return s, ts
}

type client struct {
	*signaling.Client
	id string
}

func dial(t *testing.T, ts *httptest.Server) *client {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	c, err := signaling.Dial(context.Background(), url)
	require.NoError(t, err)
	t.Cleanup(c.Close)

	welcome := next(t, c)
	require.Equal(t, signaling.EventWelcome, welcome.Type)
	var p signaling.WelcomePayload
	require.NoError(t, json.Unmarshal(welcome.Data, &p))
	require.NotEmpty(t, p.ID)
	return &client{Client: c, id: p.ID}
}

func next(t *testing.T, c *signaling.Client) signaling.Message {
	t.Helper()
	select {
	case msg, ok := <-c.Incoming():
		require.True(t, ok, "connection closed")
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
		return signaling.Message{}
	}
}

func expect(t *testing.T, c *client, event signaling.EventType) signaling.Message {
	t.Helper()
	msg := next(t, c.Client)
	require.Equal(t, event, msg.Type, "unexpected %s: %s", msg.Type, string(msg.Data))
	return msg
}

// quiet asserts nothing arrives for a short while.
func quiet(t *testing.T, c *client) {
	t.Helper()
	select {
	case msg := <-c.Incoming():
		t.Fatalf("unexpected %s: %s", msg.Type, string(msg.Data))
	case <-time.After(150 * time.Millisecond):
	}
}

func emit(t *testing.T, c *client, event signaling.EventType, payload any) {
	t.Helper()
	require.NoError(t, c.Emit(event, payload))
}

func decode[T any](t *testing.T, msg signaling.Message) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(msg.Data, &out))
	return out
}

func TestPlazaEndToEnd(t *testing.T) {
	s, ts := startServer(t, testConfig(t))
	a := dial(t, ts)
	b := dial(t, ts)
	assert.NotEqual(t, a.id, b.id)

	emit(t, a, signaling.EventJoinRoom, signaling.JoinRoomPayload{RoomID: "plaza"})
	state := decode[presence.RoomStatePayload](t, expect(t, a, signaling.EventRoomState))
	assert.Empty(t, state.Participants)
	self := decode[room.Participant](t, expect(t, a, signaling.EventSelfAssigned))
	assert.Equal(t, a.id, self.ID)
	assert.InDelta(t, 400, self.X, 50)
	assert.InDelta(t, 300, self.Y, 50)

	emit(t, b, signaling.EventJoinRoom, signaling.JoinRoomPayload{RoomID: "plaza"})
	state = decode[presence.RoomStatePayload](t, expect(t, b, signaling.EventRoomState))
	require.Len(t, state.Participants, 1)
	assert.Equal(t, a.id, state.Participants[0].ID)
	expect(t, b, signaling.EventSelfAssigned)

	joined := decode[room.Participant](t, expect(t, a, signaling.EventParticipantJoined))
	assert.Equal(t, b.id, joined.ID)

	emit(t, b, signaling.EventMove, signaling.MovePayload{X: 10, Y: 20})
	moved := decode[signaling.MovedPayload](t, expect(t, a, signaling.EventParticipantMoved))
	assert.Equal(t, signaling.MovedPayload{ID: b.id, X: 10, Y: 20}, moved)
	quiet(t, b)

	// rejoin is silent for others
	emit(t, b, signaling.EventJoinRoom, signaling.JoinRoomPayload{RoomID: "plaza"})
	expect(t, b, signaling.EventRoomState)
	rejoined := decode[room.Participant](t, expect(t, b, signaling.EventSelfAssigned))
	assert.Equal(t, 10.0, rejoined.X)
	quiet(t, a)

	b.Close()
	left := decode[signaling.LeftPayload](t, expect(t, a, signaling.EventParticipantLeft))
	assert.Equal(t, b.id, left.ID)

	require.Eventually(t, func() bool { return s.conns.Count() == 1 }, 2*time.Second, 10*time.Millisecond)
	members, err := s.store.Members(context.Background(), "plaza")
	require.NoError(t, err)
	require.Len(t, members, 1)
	assert.Equal(t, a.id, members[0].ID)

	emit(t, a, signaling.EventLeaveRoom, nil)
	require.Eventually(t, func() bool { return s.store.Len() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestSignalRelayEndToEnd(t *testing.T) {
	_, ts := startServer(t, testConfig(t))
	a := dial(t, ts)
	b := dial(t, ts)

	emit(t, a, signaling.EventCallRequest, signaling.TargetPayload{Target: b.id})
	req := expect(t, b, signaling.EventCallRequest)
	assert.Equal(t, a.id, req.From)

	offer := json.RawMessage(`{"target":"` + b.id + `","description":{"type":"offer","sdp":"v=0"},"extra":42}`)
	require.NoError(t, a.Send(signaling.Message{Type: signaling.EventSessionOffer, Data: offer}))
	got := expect(t, b, signaling.EventSessionOffer)
	assert.JSONEq(t, string(offer), string(got.Data))
	assert.Equal(t, a.id, got.From)

	// unknown targets vanish without an error
	emit(t, a, signaling.EventNetworkCandidate, signaling.TargetPayload{Target: "nobody"})
	quiet(t, a)

	emit(t, a, signaling.EventCallAccept, map[string]string{})
	errMsg := decode[signaling.ErrorPayload](t, expect(t, a, signaling.EventError))
	assert.Equal(t, http.StatusBadRequest, errMsg.Code)

	// a's disconnect ends b's call
	a.Close()
	end := expect(t, b, signaling.EventCallEnd)
	assert.Equal(t, a.id, end.From)
	assert.Equal(t, b.id, decode[signaling.TargetPayload](t, end).Target)
}

func TestInvalidInput(t *testing.T) {
	_, ts := startServer(t, testConfig(t))
	a := dial(t, ts)

	emit(t, a, signaling.EventJoinRoom, signaling.JoinRoomPayload{RoomID: "bad room!"})
	assert.Equal(t, http.StatusBadRequest, decode[signaling.ErrorPayload](t, expect(t, a, signaling.EventError)).Code)

	emit(t, a, signaling.EventJoinRoom, signaling.JoinRoomPayload{RoomID: strings.Repeat("x", 200)})
	expect(t, a, signaling.EventError)

	require.NoError(t, a.Send(signaling.Message{Type: signaling.EventMove, Data: json.RawMessage(`{"x":"far"}`)}))
	expect(t, a, signaling.EventError)

	// moving before joining is a silent drop
	emit(t, a, signaling.EventMove, signaling.MovePayload{X: 1, Y: 1})
	quiet(t, a)
}

func TestRateLimit(t *testing.T) {
	cfg := testConfig(t)
	cfg.Limits.RateLimitPerSec = 0.001
	cfg.Limits.RateLimitBurst = 2
	_, ts := startServer(t, cfg)
	a := dial(t, ts)

	for i := 0; i < 3; i++ {
		emit(t, a, signaling.EventMove, signaling.MovePayload{X: 1, Y: 1})
	}
	errMsg := decode[signaling.ErrorPayload](t, expect(t, a, signaling.EventError))
	assert.Equal(t, http.StatusTooManyRequests, errMsg.Code)
}

// emitEventually retries while the client's outgoing queue is full.
func emitEventually(t *testing.T, c *client, event signaling.EventType, payload any) {
	t.Helper()
	require.Eventually(t, func() bool {
		return c.Emit(event, payload) == nil
	}, 2*time.Second, time.Millisecond)
}

func TestMovesDoNotStarveSignals(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Redis.Enabled = false
	_, ts := startServer(t, cfg)
	a := dial(t, ts)
	b := dial(t, ts)

	emit(t, a, signaling.EventJoinRoom, signaling.JoinRoomPayload{RoomID: "plaza"})
	expect(t, a, signaling.EventRoomState)
	expect(t, a, signaling.EventSelfAssigned)

	for i := 0; i < cfg.Limits.RateLimitBurst*3; i++ {
		emitEventually(t, a, signaling.EventMove, signaling.MovePayload{X: float64(i), Y: 1})
	}
	for {
		msg := expect(t, a, signaling.EventError)
		if decode[signaling.ErrorPayload](t, msg).Code == http.StatusTooManyRequests {
			break
		}
	}

	emit(t, a, signaling.EventCallEnd, signaling.TargetPayload{Target: b.id})
	end := expect(t, b, signaling.EventCallEnd)
	assert.Equal(t, a.id, end.From)
}

func TestSignalRateLimit(t *testing.T) {
	cfg := testConfig(t)
	cfg.Limits.SignalRateLimitPerSec = 0.001
	cfg.Limits.SignalRateLimitBurst = 2
	_, ts := startServer(t, cfg)
	a := dial(t, ts)
	b := dial(t, ts)

	for i := 0; i < 3; i++ {
		emit(t, a, signaling.EventCallRequest, signaling.TargetPayload{Target: b.id})
	}
	errMsg := decode[signaling.ErrorPayload](t, expect(t, a, signaling.EventError))
	assert.Equal(t, http.StatusTooManyRequests, errMsg.Code)

	expect(t, b, signaling.EventCallRequest)
	expect(t, b, signaling.EventCallRequest)
	quiet(t, b)

	// presence keeps its own budget
	emit(t, a, signaling.EventJoinRoom, signaling.JoinRoomPayload{RoomID: "plaza"})
	expect(t, a, signaling.EventRoomState)
}

func TestRoomsAPI(t *testing.T) {
	_, ts := startServer(t, testConfig(t))
	a := dial(t, ts)
	emit(t, a, signaling.EventJoinRoom, signaling.JoinRoomPayload{RoomID: "plaza"})
	expect(t, a, signaling.EventRoomState)
	expect(t, a, signaling.EventSelfAssigned)

	resp, err := http.Get(ts.URL + "/api/rooms")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
	var rooms []room.Info
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&rooms))
	assert.Equal(t, []room.Info{{ID: "plaza", Members: 1}}, rooms)

	resp2, err := http.Get(ts.URL + "/api/rooms/plaza")
	require.NoError(t, err)
	defer resp2.Body.Close()
	var detail struct {
		ID           string             `json:"id"`
		Participants []room.Participant `json:"participants"`
	}
	require.NoError(t, json.NewDecoder(resp2.Body).Decode(&detail))
	assert.Equal(t, "plaza", detail.ID)
	require.Len(t, detail.Participants, 1)
	assert.Equal(t, a.id, detail.Participants[0].ID)

	resp3, err := http.Get(ts.URL + "/api/rooms/nowhere")
	require.NoError(t, err)
	resp3.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp3.StatusCode)
}

func TestHealthAndMetrics(t *testing.T) {
	_, ts := startServer(t, testConfig(t))
	dial(t, ts)

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	var health map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	assert.Equal(t, "healthy", health["status"])
	assert.Equal(t, "disabled", health["redis"])
	assert.Equal(t, 1.0, health["connections"])

	resp2, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp2.Body.Close()
	body, err := io.ReadAll(resp2.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "plaza_active_connections 1")
	assert.Contains(t, string(body), "plaza_connections_total 1")
}

func TestStopDisconnectsClients(t *testing.T) {
	s, ts := startServer(t, testConfig(t))
	a := dial(t, ts)

	s.Stop()
	select {
	case _, ok := <-a.Incoming():
		for ok {
			_, ok = <-a.Incoming()
		}
	case <-time.After(2 * time.Second):
		t.Fatal("client was not disconnected")
	}
	assert.Equal(t, 0, s.conns.Count())
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Presence.Palette = nil
	_, err := New(context.Background(), cfg, zap.NewNop())
	assert.Error(t, err)
}
