package app

import (
	"context"
	"fmt"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/emberchat/ember/internal/config"
	"github.com/emberchat/ember/internal/relay"
)

var log = logging.Logger("app")

type Options struct {
	Cfg config.Config

	// RelayOnly runs just the signaling relay, no chat client.
	RelayOnly bool
}

// Run starts either the relay server or the interactive chat client and
// blocks until ctx is cancelled.
func Run(ctx context.Context, opt Options) error {
	if opt.RelayOnly {
		return runRelay(ctx, opt.Cfg)
	}
	return runClient(ctx, opt.Cfg)
}

func runRelay(ctx context.Context, cfg config.Config) error {
	opts := relay.Options{
		Addr:          fmt.Sprintf("%s:%d", cfg.Relay.Bind, cfg.Relay.Port),
		ExternalURL:   cfg.Relay.ExternalURL,
		AdminPassword: cfg.Relay.AdminPassword,
		TurnSecret:    cfg.Relay.TurnSecret,
		TurnURIs:      cfg.Relay.TurnURIs,
		TurnTTL:       time.Duration(cfg.Relay.TurnTTLSec) * time.Second,
	}
	if cfg.Relay.RoomIdleSec > 0 {
		opts.RoomIdleTTL = time.Duration(cfg.Relay.RoomIdleSec) * time.Second
	}

	srv := relay.New(opts)
	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("start relay: %w", err)
	}
	log.Infof("relay listening at %s", srv.URL())

	<-ctx.Done()
	return nil
}
