package main

import (
	"github.com/pandagg110/yanyun-baiyezhan/go/internal/config"
	"github.com/pandagg110/yanyun-baiyezhan/go/internal/gateway"
	"github.com/pandagg110/yanyun-baiyezhan/go/internal/room"
	"github.com/pandagg110/yanyun-baiyezhan/go/internal/room/realtime"
	"github.com/pandagg110/yanyun-baiyezhan/go/internal/room/sweeper"
)

func roomDefaults(cfg *config.Config) room.Defaults {
	return room.Defaults{
		RoundDurationSec:     cfg.Rooms.RoundDurationSec,
		BroadcastIntervalSec: cfg.Rooms.BroadcastIntervalSec,
	}
}

func jetStreamConfig(cfg *config.Config) realtime.JetStreamConfig {
	js := realtime.DefaultJetStreamConfig()
	js.URL = cfg.NATS.URL
	js.StreamName = cfg.NATS.Stream
	js.SubjectPrefix = cfg.NATS.SubjectPrefix
	return js
}

func listenerConfig(cfg *config.Config, dsn string) realtime.ListenerConfig {
	lc := realtime.DefaultListenerConfig()
	lc.DatabaseURL = dsn
	lc.FallbackInterval = cfg.Listener.FallbackInterval
	lc.PingInterval = cfg.Listener.PingInterval
	return lc
}

func gatewayConfig(cfg *config.Config) gateway.Config {
	gc := gateway.DefaultConfig()
	gc.JetStreamConfig.JetStreamConfig = jetStreamConfig(cfg)
	return gc
}

func sweeperConfig(cfg *config.Config) sweeper.Config {
	return sweeper.Config{
		Interval:      cfg.Rooms.SweepInterval,
		MemberTimeout: cfg.Rooms.MemberTimeout,
		Workers:       cfg.Rooms.SweepWorkers,
	}
}
