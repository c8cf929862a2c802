// Package gateway is the browser-facing side of the service: the JSON room
// API and the WebSocket fan-out of room changes.
package gateway

import (
	"context"
	"fmt"
	"net/http"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

// Service wires the room API, WebSocket connections and the event consumer
type Service struct {
	connectionManager *ConnectionManager
	wsHandler         *WebSocketHandler
	roomHandler       *RoomHandler
	eventConsumer     *EventConsumer
}

// Config holds configuration for the gateway service
type Config struct {
	ConnectionConfig ConnectionConfig
	JetStreamConfig  JetStreamConsumerConfig
	Clock            clockwork.Clock
}

func DefaultConfig() Config {
	return Config{
		ConnectionConfig: DefaultConnectionConfig(),
		JetStreamConfig:  DefaultJetStreamConsumerConfig(),
	}
}

// NewService creates the gateway and connects its JetStream consumer
func NewService(config Config, app RoomApp) (*Service, error) {
	if config.Clock == nil {
		config.Clock = clockwork.NewRealClock()
	}
	config.ConnectionConfig.Clock = config.Clock

	connectionManager := NewConnectionManager(config.ConnectionConfig)

	eventConsumer, err := NewEventConsumer(connectionManager, config.Clock, config.JetStreamConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create event consumer: %w", err)
	}

	return &Service{
		connectionManager: connectionManager,
		wsHandler:         NewWebSocketHandler(connectionManager),
		roomHandler:       NewRoomHandler(app, config.Clock),
		eventConsumer:     eventConsumer,
	}, nil
}

// Start runs the connection manager and event consumer until ctx is done
func (s *Service) Start(ctx context.Context) error {
	log.Info().Msg("starting room gateway service")

	go s.connectionManager.Start(ctx)

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.eventConsumer.Start(ctx)
	}()

	var err error
	select {
	case <-ctx.Done():
	case err = <-errCh:
		if err != nil {
			log.Error().Err(err).Msg("event consumer failed")
		}
	}

	log.Info().Msg("room gateway service shutting down")
	if stopErr := s.Stop(); err == nil {
		err = stopErr
	}
	return err
}

func (s *Service) Stop() error {
	if err := s.eventConsumer.Stop(); err != nil {
		return fmt.Errorf("stop event consumer: %w", err)
	}
	log.Info().Msg("room gateway service stopped")
	return nil
}

// RegisterRoutes registers the room API and WebSocket routes
func (s *Service) RegisterRoutes(mux *http.ServeMux) {
	s.wsHandler.RegisterRoutes(mux)
	s.roomHandler.RegisterRoutes(mux)
	log.Info().Msg("room gateway routes registered")
}

func (s *Service) GetStats() ConnectionStats {
	return s.connectionManager.GetConnectionStats()
}
