package registry

import (
	"context"
	"sync"
	"testing"

	"github.com/adityaadpandey/plaza-relay/internals/metrics"
	"github.com/adityaadpandey/plaza-relay/internals/signaling"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type nopSender struct{}

func (nopSender) Send(signaling.Message) bool { return true }

func TestConnectLookup(t *testing.T) {
	r := New(zap.NewNop(), nil)

	reg, err := r.Connect("a", nopSender{})
	require.NoError(t, err)
	assert.Equal(t, "a", reg.ID())

	_, ok := r.Lookup("a")
	assert.True(t, ok)
	_, ok = r.Lookup("b")
	assert.False(t, ok)
	assert.Equal(t, 1, r.Count())

	_, err = r.Connect("a", nopSender{})
	assert.ErrorIs(t, err, ErrDuplicateConnection)

	_, err = r.Connect("", nopSender{})
	assert.Error(t, err)
}

func TestRoomAssociation(t *testing.T) {
	r := New(zap.NewNop(), nil)
	_, err := r.Connect("a", nopSender{})
	require.NoError(t, err)

	_, ok := r.RoomOf("a")
	assert.False(t, ok)

	assert.True(t, r.SetRoom("a", "plaza"))
	room, ok := r.RoomOf("a")
	assert.True(t, ok)
	assert.Equal(t, "plaza", room)

	r.ClearRoom("a", "other")
	room, _ = r.RoomOf("a")
	assert.Equal(t, "plaza", room)

	r.ClearRoom("a", "plaza")
	_, ok = r.RoomOf("a")
	assert.False(t, ok)

	assert.False(t, r.SetRoom("ghost", "plaza"))
}

func TestDisconnectIsIdempotent(t *testing.T) {
	r := New(zap.NewNop(), nil)

	var departures []Departure
	r.OnDisconnect(func(_ context.Context, d Departure) {
		departures = append(departures, d)
	})

	reg, err := r.Connect("a", nopSender{})
	require.NoError(t, err)
	r.SetRoom("a", "plaza")

	r.Disconnect("a")
	r.Disconnect("a")
	reg.Close()
	r.Disconnect("never-existed")

	require.Len(t, departures, 1)
	assert.Equal(t, Departure{ID: "a", RoomID: "plaza"}, departures[0])
	assert.Equal(t, 0, r.Count())
	assert.Error(t, reg.Context().Err())
}

func TestRegistrationCleanupOrder(t *testing.T) {
	r := New(zap.NewNop(), nil)
	reg, err := r.Connect("a", nopSender{})
	require.NoError(t, err)

	var order []string
	r.OnDisconnect(func(ctx context.Context, d Departure) {
		// listeners see a live context and an already removed entry
		assert.NoError(t, ctx.Err())
		_, ok := r.Lookup(d.ID)
		assert.False(t, ok)
		order = append(order, "listener")
	})
	reg.OnClose(func() { order = append(order, "first") })
	reg.OnClose(func() { order = append(order, "second") })

	reg.Close()
	assert.Equal(t, []string{"listener", "second", "first"}, order)

	ran := false
	reg.OnClose(func() { ran = true })
	assert.True(t, ran)
}

func TestConcurrentDisconnect(t *testing.T) {
	r := New(zap.NewNop(), nil)

	var mu sync.Mutex
	count := 0
	r.OnDisconnect(func(context.Context, Departure) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	_, err := r.Connect("a", nopSender{})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.Disconnect("a")
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, count)
}

func TestReconnectAfterDisconnect(t *testing.T) {
	r := New(zap.NewNop(), nil)
	reg, err := r.Connect("a", nopSender{})
	require.NoError(t, err)
	reg.Close()

	_, err = r.Connect("a", nopSender{})
	assert.NoError(t, err)
}

func TestConnectionMetrics(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	r := New(zap.NewNop(), m)

	a, _ := r.Connect("a", nopSender{})
	_, _ = r.Connect("b", nopSender{})
	assert.Equal(t, 2.0, testutil.ToFloat64(m.ActiveConnections))

	a.Close()
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ActiveConnections))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.ConnectionsTotal))
}
