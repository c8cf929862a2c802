package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePinger struct{ err error }

func (p fakePinger) Ping(context.Context) error { return p.err }

type fakeConn bool

func (c fakeConn) IsConnected() bool { return bool(c) }

func TestHealthChecker_Check(t *testing.T) {
	clock := clockwork.NewFakeClock()
	pub := &fakePublisher{}
	notify := make(chan *pq.Notification)
	l := testListener(pub, nil, clock, notify)

	h := NewHealthChecker(fakePinger{}, fakeConn(true), l, clock)
	status := h.Check(context.Background())
	assert.False(t, status.Healthy)
	assert.Contains(t, status.Errors, "listener not active")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Start(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	notify <- &pq.Notification{Extra: `{"room_id":"` + uuid.New().String() + `","kind":"room","tx_id":1}`}
	require.Eventually(t, func() bool {
		processed, _, running := l.Stats()
		return running && processed == 1
	}, time.Second, 5*time.Millisecond)

	status = h.Check(context.Background())
	assert.True(t, status.Healthy, status.Errors)
	assert.Equal(t, uint64(1), status.EventsPublished)
	assert.True(t, status.DatabaseConnected)
	assert.True(t, status.NATSConnected)

	h.StaleAfter = time.Minute
	clock.Advance(2 * time.Minute)
	status = h.Check(context.Background())
	assert.True(t, status.Healthy)
	assert.Len(t, status.Errors, 1)
}

func TestHealthChecker_ServeHTTPUnhealthy(t *testing.T) {
	h := NewHealthChecker(fakePinger{err: errors.New("refused")}, fakeConn(false), nil, clockwork.NewFakeClock())

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var status HealthStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.False(t, status.DatabaseConnected)
	assert.False(t, status.NATSConnected)
	assert.Len(t, status.Errors, 2)
}
