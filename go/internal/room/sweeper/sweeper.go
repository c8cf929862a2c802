// Package sweeper periodically removes members whose heartbeats stopped, so
// a closed viewer drops out of the rotation.
package sweeper

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

// RoomLister finds rooms that still have members.
type RoomLister interface {
	ListOccupiedRoomIDs(ctx context.Context) ([]uuid.UUID, error)
}

// Cleaner removes a room's inactive members and compacts the rotation.
type Cleaner interface {
	CleanupInactiveMembers(ctx context.Context, roomID uuid.UUID, timeout time.Duration) (int, error)
}

type Config struct {
	Interval      time.Duration
	MemberTimeout time.Duration
	Workers       int
	Clock         clockwork.Clock
}

func DefaultConfig() Config {
	return Config{
		Interval:      30 * time.Second,
		MemberTimeout: 120 * time.Second,
		Workers:       4,
	}
}

type Sweeper struct {
	rooms   RoomLister
	cleaner Cleaner
	cfg     Config
	workCh  chan uuid.UUID

	inFlightMu sync.Mutex
	inFlight   map[uuid.UUID]struct{}

	removed atomic.Int64
}

func New(rooms RoomLister, cleaner Cleaner, cfg Config) *Sweeper {
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.MemberTimeout <= 0 {
		cfg.MemberTimeout = def.MemberTimeout
	}
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return &Sweeper{
		rooms:    rooms,
		cleaner:  cleaner,
		cfg:      cfg,
		workCh:   make(chan uuid.UUID, cfg.Workers*16),
		inFlight: make(map[uuid.UUID]struct{}),
	}
}

// Run sweeps immediately and then every interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context) error {
	log.Info().
		Int("workers", s.cfg.Workers).
		Dur("interval", s.cfg.Interval).
		Dur("member_timeout", s.cfg.MemberTimeout).
		Msg("member sweeper started")

	var wg sync.WaitGroup
	for i := 0; i < s.cfg.Workers; i++ {
		wg.Add(1)
		go s.worker(ctx, &wg, i)
	}
	defer func() {
		wg.Wait()
		log.Info().Msg("member sweeper stopped")
	}()

	t := s.cfg.Clock.NewTicker(s.cfg.Interval)
	defer t.Stop()

	for {
		if err := s.sweep(ctx); err != nil && ctx.Err() == nil {
			log.Error().Err(err).Msg("sweep failed")
		}
		select {
		case <-ctx.Done():
			return nil
		case <-t.Chan():
		}
	}
}

// Removed returns the number of members removed since start.
func (s *Sweeper) Removed() int64 {
	return s.removed.Load()
}

func (s *Sweeper) sweep(ctx context.Context) error {
	ids, err := s.rooms.ListOccupiedRoomIDs(ctx)
	if err != nil {
		return fmt.Errorf("list occupied rooms: %w", err)
	}

	queued := 0
	for _, id := range ids {
		if !s.claim(id) {
			continue
		}
		select {
		case s.workCh <- id:
			queued++
		case <-ctx.Done():
			s.release(id)
			return nil
		default:
			// queue full; the next sweep picks the room up
			s.release(id)
		}
	}
	log.Debug().Int("rooms", len(ids)).Int("queued", queued).Msg("sweep scheduled")
	return nil
}

// claim marks roomID in flight and reports false if it already was.
func (s *Sweeper) claim(roomID uuid.UUID) bool {
	s.inFlightMu.Lock()
	defer s.inFlightMu.Unlock()
	if _, ok := s.inFlight[roomID]; ok {
		return false
	}
	s.inFlight[roomID] = struct{}{}
	return true
}

func (s *Sweeper) release(roomID uuid.UUID) {
	s.inFlightMu.Lock()
	delete(s.inFlight, roomID)
	s.inFlightMu.Unlock()
}

func (s *Sweeper) worker(ctx context.Context, wg *sync.WaitGroup, workerID int) {
	defer wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case roomID := <-s.workCh:
			s.cleanup(ctx, roomID, workerID)
		}
	}
}

func (s *Sweeper) cleanup(ctx context.Context, roomID uuid.UUID, workerID int) {
	defer s.release(roomID)

	n, err := s.cleaner.CleanupInactiveMembers(ctx, roomID, s.cfg.MemberTimeout)
	if err != nil {
		if ctx.Err() == nil {
			log.Error().Err(err).Str("room_id", roomID.String()).Int("worker_id", workerID).Msg("member cleanup failed")
		}
		return
	}
	if n > 0 {
		s.removed.Add(int64(n))
		log.Info().Str("room_id", roomID.String()).Int("removed", n).Msg("removed inactive members")
	}
}
