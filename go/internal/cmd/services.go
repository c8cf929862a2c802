package main

import (
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"
	"github.com/pandagg110/yanyun-baiyezhan/go/internal/config"
	"github.com/pandagg110/yanyun-baiyezhan/go/internal/gateway"
	"github.com/pandagg110/yanyun-baiyezhan/go/internal/room"
	"github.com/pandagg110/yanyun-baiyezhan/go/internal/room/realtime"
	"github.com/pandagg110/yanyun-baiyezhan/go/internal/room/sweeper"
)

type Services struct {
	Rooms     *room.App
	Gateway   *gateway.Service
	Publisher *realtime.JetStreamPublisher
	Listener  *realtime.Listener
	Sweeper   *sweeper.Sweeper
	Health    *realtime.HealthChecker
}

func setupServices(cfg *config.Config, db *pgxpool.Pool, dsn string) (*Services, error) {
	// Database layer → Repository layer → App layer → Gateway
	clock := clockwork.NewRealClock()

	roomRepo := room.NewRepository(db)
	roomApp := room.NewApp(roomRepo, clock, roomDefaults(cfg))

	// The publisher creates the stream the gateway consumer reads from
	publisher, err := realtime.NewJetStreamPublisher(jetStreamConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("failed to create publisher: %w", err)
	}

	listener, err := realtime.NewListener(publisher, roomRepo, clock, listenerConfig(cfg, dsn))
	if err != nil {
		publisher.Close()
		return nil, fmt.Errorf("failed to create listener: %w", err)
	}

	gc := gatewayConfig(cfg)
	gc.Clock = clock
	gatewayService, err := gateway.NewService(gc, roomApp)
	if err != nil {
		listener.Stop()
		publisher.Close()
		return nil, fmt.Errorf("failed to create gateway: %w", err)
	}

	sc := sweeperConfig(cfg)
	sc.Clock = clock

	return &Services{
		Rooms:     roomApp,
		Gateway:   gatewayService,
		Publisher: publisher,
		Listener:  listener,
		Sweeper:   sweeper.New(roomRepo, roomApp, sc),
		Health:    realtime.NewHealthChecker(db, publisher, listener, clock),
	}, nil
}

func (s *Services) Close() {
	s.Listener.Stop()
	s.Publisher.Close()
}
