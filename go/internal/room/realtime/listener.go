package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/lib/pq"
	"github.com/rs/zerolog/log"
)

type ListenerConfig struct {
	DatabaseURL      string        // Postgres DSN for LISTEN/NOTIFY
	NotifyChannel    string        // Channel name to LISTEN on
	FallbackInterval time.Duration // How often to look for missed state changes
	MaxRetries       int
	RetryDelay       time.Duration
	PingInterval     time.Duration
}

func DefaultListenerConfig() ListenerConfig {
	return ListenerConfig{
		DatabaseURL:      "",
		NotifyChannel:    NotifyChannel,
		FallbackInterval: 30 * time.Second,
		MaxRetries:       5,
		RetryDelay:       200 * time.Millisecond,
		PingInterval:     90 * time.Second,
	}
}

// Publisher fans a room change out to subscribers.
type Publisher interface {
	Publish(ctx context.Context, payload RoomChangedPayload) error
}

// StateVersion is the stored anchor version of a room.
type StateVersion struct {
	RoomID    uuid.UUID
	Version   int64
	UpdatedAt time.Time
}

// VersionSource lists anchor versions written since a point in time. The
// fallback sweep uses it to catch state changes whose notification was lost.
type VersionSource interface {
	StateVersionsSince(ctx context.Context, since time.Time) ([]StateVersion, error)
}

type publishedVersion struct {
	version int64
	at      time.Time
}

// Listener republishes Postgres room change notifications.
type Listener struct {
	notify    <-chan *pq.Notification
	ping      func() error
	close     func() error
	publisher Publisher
	versions  VersionSource
	clock     clockwork.Clock
	cfg       ListenerConfig

	mu        sync.Mutex
	published map[uuid.UUID]publishedVersion
	lastSweep time.Time
	processed uint64
	lastEvent time.Time
	running   bool

	stopOnce sync.Once
	stopErr  error
}

// NewListener connects a pq listener to cfg.NotifyChannel. versions may be
// nil, which disables the fallback sweep.
func NewListener(publisher Publisher, versions VersionSource, clock clockwork.Clock, cfg ListenerConfig) (*Listener, error) {
	l := pq.NewListener(
		cfg.DatabaseURL,
		10*time.Second,
		time.Minute,
		func(ev pq.ListenerEventType, err error) {
			if err != nil {
				log.Error().Err(err).Msg("listener event")
			}
		},
	)
	if err := l.Listen(cfg.NotifyChannel); err != nil {
		_ = l.Close()
		return nil, fmt.Errorf("failed to listen to channel: %w", err)
	}

	log.Info().
		Str("channel", cfg.NotifyChannel).
		Msg("listening for notifications")

	return newListener(l.Notify, l.Ping, l.Close, publisher, versions, clock, cfg), nil
}

func newListener(
	notify <-chan *pq.Notification,
	ping, closeFn func() error,
	publisher Publisher,
	versions VersionSource,
	clock clockwork.Clock,
	cfg ListenerConfig,
) *Listener {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Listener{
		notify:    notify,
		ping:      ping,
		close:     closeFn,
		publisher: publisher,
		versions:  versions,
		clock:     clock,
		cfg:       cfg,
		published: make(map[uuid.UUID]publishedVersion),
		lastSweep: clock.Now(),
	}
}

func (l *Listener) Start(ctx context.Context) error {
	log.Info().
		Str("channel", l.cfg.NotifyChannel).
		Dur("ping_interval", l.cfg.PingInterval).
		Dur("fallback_interval", l.cfg.FallbackInterval).
		Msg("listener started")

	l.setRunning(true)
	defer l.setRunning(false)

	pingTicker := l.clock.NewTicker(l.cfg.PingInterval)
	fallbackTicker := l.clock.NewTicker(l.cfg.FallbackInterval)
	defer pingTicker.Stop()
	defer fallbackTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("listener shutting down")
			return l.Stop()
		case note := <-l.notify:
			if note == nil {
				// the connection was re-established: anything in between is lost
				if err := l.publishWithRetry(ctx, RoomChangedPayload{Kind: ChangeResync, ChangedAt: l.clock.Now()}); err != nil {
					log.Error().Err(err).Msg("failed to publish resync")
				}
				continue
			}
			if err := l.handleNotification(ctx, note.Extra); err != nil {
				log.Error().Err(err).Msg("failed to handle notification")
			}
		case <-fallbackTicker.Chan():
			if err := l.processMissed(ctx); err != nil {
				log.Error().Err(err).Msg("failed to process missed state changes")
			}
		case <-pingTicker.Chan():
			if err := l.ping(); err != nil {
				log.Error().Err(err).Msg("failed to ping listener")
			}
		}
	}
}

// Stop closes the pq listener. Calls after the first are no-ops.
func (l *Listener) Stop() error {
	l.stopOnce.Do(func() {
		if l.close != nil {
			l.stopErr = l.close()
		}
	})
	return l.stopErr
}

// handleNotification publishes the change described by a trigger payload.
func (l *Listener) handleNotification(ctx context.Context, extra string) error {
	var payload RoomChangedPayload
	if err := json.Unmarshal([]byte(extra), &payload); err != nil {
		return fmt.Errorf("invalid notification payload: %w", err)
	}
	if payload.RoomID == uuid.Nil {
		return fmt.Errorf("notification without room id: %q", extra)
	}
	payload.ChangedAt = l.clock.Now()

	if err := l.publishWithRetry(ctx, payload); err != nil {
		return fmt.Errorf("failed to publish change: %w", err)
	}
	log.Debug().
		Str("room_id", payload.RoomID.String()).
		Str("kind", string(payload.Kind)).
		Int64("version", payload.Version).
		Msg("published room change")
	return nil
}

// processMissed republishes state writes newer than the last version
// published for their room.
func (l *Listener) processMissed(ctx context.Context) error {
	if l.versions == nil {
		return nil
	}
	now := l.clock.Now()
	l.mu.Lock()
	since := l.lastSweep.Add(-l.cfg.FallbackInterval)
	l.mu.Unlock()

	changed, err := l.versions.StateVersionsSince(ctx, since)
	if err != nil {
		return fmt.Errorf("failed to fetch state versions: %w", err)
	}

	for _, sv := range changed {
		if sv.Version <= l.lastPublished(sv.RoomID) {
			continue
		}
		payload := RoomChangedPayload{RoomID: sv.RoomID, Kind: ChangeState, Version: sv.Version, ChangedAt: now}
		if err := l.publishWithRetry(ctx, payload); err != nil {
			log.Error().Err(err).Str("room_id", sv.RoomID.String()).Msg("failed to publish missed change")
			continue
		}
		log.Info().Str("room_id", sv.RoomID.String()).Int64("version", sv.Version).Msg("republished missed state change")
	}

	l.mu.Lock()
	l.lastSweep = now
	l.prunePublished(now.Add(-l.cfg.FallbackInterval))
	l.mu.Unlock()
	return nil
}

// prunePublished forgets rooms last published before cutoff. Their writes
// fall outside the next sweep's window, and any newer write has a higher
// version anyway. Callers hold l.mu.
func (l *Listener) prunePublished(cutoff time.Time) {
	for roomID, pv := range l.published {
		if pv.at.Before(cutoff) {
			delete(l.published, roomID)
		}
	}
}

// Stats returns how many changes were published and when the last one was.
func (l *Listener) Stats() (processed uint64, lastEvent time.Time, running bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.processed, l.lastEvent, l.running
}

func (l *Listener) setRunning(running bool) {
	l.mu.Lock()
	l.running = running
	l.mu.Unlock()
}

func (l *Listener) lastPublished(roomID uuid.UUID) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.published[roomID].version
}

func (l *Listener) markPublished(p RoomChangedPayload) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.clock.Now()
	l.processed++
	l.lastEvent = now
	if p.Kind == ChangeState && p.Version > l.published[p.RoomID].version {
		l.published[p.RoomID] = publishedVersion{version: p.Version, at: now}
	}
}

// publishWithRetry attempts to publish a change with a linear backoff.
func (l *Listener) publishWithRetry(ctx context.Context, payload RoomChangedPayload) error {
	var lastErr error

	for attempt := 0; attempt <= l.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			if delay := l.cfg.RetryDelay * time.Duration(attempt); delay > 0 {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-l.clock.After(delay):
				}
			}
		}

		if err := l.publisher.Publish(ctx, payload); err != nil {
			lastErr = err
			log.Error().
				Err(err).
				Int("attempt", attempt+1).
				Str("event_id", payload.EventID()).
				Msg("failed to publish, retrying")
			continue
		}

		l.markPublished(payload)
		if attempt > 0 {
			log.Info().
				Int("attempt", attempt+1).
				Str("event_id", payload.EventID()).
				Msg("publish succeeded after retry")
		}
		return nil
	}

	// All attempts exhausted
	return fmt.Errorf("publish failed after %d attempts: %w", l.cfg.MaxRetries+1, lastErr)
}
