package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"
	"github.com/pandagg110/yanyun-baiyezhan/go/internal/broadcast/ticker"
	"github.com/pandagg110/yanyun-baiyezhan/go/internal/broadcast/turn"
	"github.com/pandagg110/yanyun-baiyezhan/go/internal/config"
	"github.com/pandagg110/yanyun-baiyezhan/go/internal/dbconfig"
	"github.com/pandagg110/yanyun-baiyezhan/go/internal/room"
	"github.com/pandagg110/yanyun-baiyezhan/go/internal/room/realtime"
	"github.com/pandagg110/yanyun-baiyezhan/go/internal/room/session"
	"github.com/rs/zerolog/log"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Warn().Err(err).Msg("could not load .env file")
	}

	cfg, err := config.Load("")
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	cfg.ConfigureLogging()

	userID, err := uuid.Parse(os.Getenv("USER_ID"))
	if err != nil {
		log.Fatal().Err(err).Msg("USER_ID must be a UUID")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	poolCfg, err := dbconfig.NewConfigFromEnv().PoolConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("invalid database config")
	}
	db, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer db.Close()

	clock := clockwork.NewRealClock()
	app := room.NewApp(room.NewRepository(db), clock, room.Defaults{
		RoundDurationSec:     cfg.Rooms.RoundDurationSec,
		BroadcastIntervalSec: cfg.Rooms.BroadcastIntervalSec,
	})

	roomID, err := resolveRoom(ctx, app, userID)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to resolve room")
	}

	var subscriber session.Subscriber
	jsCfg := realtime.DefaultJetStreamConfig()
	jsCfg.URL = cfg.NATS.URL
	jsCfg.StreamName = cfg.NATS.Stream
	jsCfg.SubjectPrefix = cfg.NATS.SubjectPrefix
	if sub, err := realtime.NewJetStreamSubscriber(jsCfg); err != nil {
		log.Warn().Err(err).Msg("NATS unavailable, polling only")
	} else {
		defer sub.Close()
		subscriber = sub
	}

	pool := ticker.NewPool(clock, cfg.Broadcast.MaxTickerWorkers)
	ctrl := session.NewController(session.Config{
		RoomID:            roomID,
		UserID:            userID,
		Clock:             clock,
		PollInterval:      cfg.Session.PollInterval,
		HeartbeatInterval: cfg.Session.HeartbeatInterval,
		FailureThreshold:  cfg.Session.FailureThreshold,
		OnFetchFailure: func(failures int, err error) {
			fmt.Fprintf(os.Stderr, "!! lost contact with the room (%d failed fetches): %v\n", failures, err)
		},
		Pool:         pool,
		TickInterval: cfg.Broadcast.TickInterval,
	}, app, subscriber, bell{})

	states, unsubscribe := ctrl.Subscribe()
	defer unsubscribe()
	go printStates(ctrl, states)
	go readCommands(ctx, ctrl, stop)

	fmt.Println("commands: n = next turn, s = start, r = reset, q = quit")
	if err := ctrl.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatal().Err(err).Msg("session failed")
	}
	log.Info().Msg("session stopped")
}

// resolveRoom uses ROOM_ID when set, otherwise joins ROOM_CODE.
func resolveRoom(ctx context.Context, app *room.App, userID uuid.UUID) (uuid.UUID, error) {
	if id := os.Getenv("ROOM_ID"); id != "" {
		return uuid.Parse(id)
	}
	code := os.Getenv("ROOM_CODE")
	if code == "" {
		return uuid.Nil, fmt.Errorf("ROOM_ID or ROOM_CODE is required")
	}
	r, err := app.JoinRoom(ctx, userID, os.Getenv("CHARACTER_NAME"), code, os.Getenv("ROOM_PASSWORD"))
	if err != nil {
		return uuid.Nil, err
	}
	log.Info().Str("room_id", r.ID.String()).Str("name", r.Name).Msg("joined room")
	return r.ID, nil
}

func printStates(ctrl *session.Controller, states <-chan turn.TurnState) {
	var last string
	for st := range states {
		line := describe(ctrl, st)
		if line == last {
			continue
		}
		last = line
		fmt.Println(line)
	}
}

func describe(ctrl *session.Controller, st turn.TurnState) string {
	if st.Status == turn.StatusWaiting {
		return "waiting for the owner to start the round"
	}
	who := "cooldown"
	if m, ok := ctrl.Assignee(); ok {
		who = m.CharacterName
		if who == "" {
			who = m.UserID.String()
		}
	}
	mine := ""
	if st.IsMyTurn {
		mine = "  << YOUR TURN"
	}
	return fmt.Sprintf("tick %d  %-20s  next in %2.0fs%s", st.CurrentTick, who, st.SecondsToNextTick, mine)
}

func readCommands(ctx context.Context, ctrl *session.Controller, quit func()) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		var err error
		switch strings.TrimSpace(scanner.Text()) {
		case "n":
			err = ctrl.Advance(ctx)
		case "s":
			err = ctrl.Start(ctx)
		case "r":
			err = ctrl.Reset(ctx)
		case "q":
			quit()
			return
		default:
			continue
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "!! %v\n", err)
		}
	}
}

// bell rings the terminal bell when the viewer's turn starts.
type bell struct{}

func (bell) Play(turn.TurnState) { fmt.Print("\a") }

func (bell) Stop() {}
