package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"

	"github.com/danmuck/xmppctl/internal/admin"
	"github.com/danmuck/xmppctl/internal/client"
	"github.com/danmuck/xmppctl/internal/config"
	"github.com/danmuck/xmppctl/internal/logging"
	"github.com/danmuck/xmppctl/internal/observability"
)

func main() {
	configPath := flag.String("config", "cmd/xmppctl/config.toml", "path to the client config")
	initConfig := flag.Bool("init", false, "write a config template to -config and exit")
	validate := flag.Bool("validate", false, "validate -config and exit")
	force := flag.Bool("force", false, "overwrite an existing config with -init")
	flag.Parse()

	logging.ConfigureRuntime()
	observability.InitLogger("xmppctl")

	if *initConfig {
		if err := config.WriteTemplate(*configPath, "client", *force); err != nil {
			log.Fatal().Err(err).Msg("failed to write config template")
		}
		log.Info().Str("path", *configPath).Msg("wrote config template")
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if *validate {
		log.Info().Str("path", *configPath).Str("account", cfg.Account).Msg("config valid")
		return
	}
	log.Info().Str("path", *configPath).Msg("loaded config")

	if err := run(cfg); err != nil {
		log.Error().Err(err).Msg("xmppctl stopped")
		os.Exit(1)
	}
}

func run(cfg config.ClientConfig) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts := cfg.ClientOptions()
	opts.Handler = logStanza
	mgr, err := client.New(opts)
	if err != nil {
		return err
	}
	defer func() {
		if err := mgr.Close(); err != nil {
			log.Warn().Err(err).Msg("close failed")
		}
	}()
	watch(mgr)

	if cfg.Admin.Enabled {
		srv := admin.New("xmppctl", mgr, cfg.AdminConfig())
		go func() {
			if err := srv.Serve(ctx); err != nil {
				log.Error().Err(err).Msg("admin server stopped")
				stop()
			}
		}()
	}

	if cfg.ConnectOnStart {
		connectCtx, cancel := context.WithTimeout(ctx, cfg.Session.NegotiationTimeout)
		err := mgr.Connect(connectCtx)
		cancel()
		switch {
		case err == nil:
		case client.IsFatal(err):
			return err
		case errors.Is(err, context.Canceled):
			return nil
		default:
			// the reconnect policy keeps trying in the background
			log.Warn().Err(err).Msg("initial connect failed")
		}
	}

	<-ctx.Done()
	log.Info().Msg("shutting down")
	return nil
}
