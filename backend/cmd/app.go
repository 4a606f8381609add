package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	httpServer "github.com/adwski/webrtc-vidmeet/backend/server/http"
	websocketServer "github.com/adwski/webrtc-vidmeet/backend/server/websocket"
	"github.com/adwski/webrtc-vidmeet/backend/service"
	"github.com/adwski/webrtc-vidmeet/backend/storage/memory"
	sw "github.com/adwski/webrtc-vidmeet/backend/switch"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
)

func main() {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	fs := pflag.NewFlagSet("main", pflag.ContinueOnError)

	var (
		listenAddr = fs.StringP("listen-addr", "a", ":"+envOr("PORT", "8000"),
			"api listen address")
		wsListenAddr = fs.StringP("ws-listen-addr", "w", "",
			"separate websocket signaling listen address, signaling is served on api address if empty")
		logLevel       = fs.StringP("log-level", "l", "debug", "log level")
		clientOrigin   = fs.String("client-origin", envOr("CLIENT_ORIGIN", "*"), "allowed client origin")
		maxMessageSize = fs.Int64("max-message-size", 64*1024, "max inbound signaling message size in bytes")
		fwdTimeout     = fs.Duration("forward-timeout", time.Second, "how long to wait for a slow endpoint")
	)
	if err := fs.Parse(os.Args[1:]); err != nil {
		logger.Fatal().Err(err).Msg("failed to parse command line arguments")
	}

	lvl, err := zerolog.ParseLevel(*logLevel)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to parse loglevel")
	}
	logger = logger.Level(lvl)

	svc := service.NewService(service.Config{
		Registry: memory.NewRegistry(),
		Switch: sw.NewSwitch(sw.Config{
			Logger:     &logger,
			FwdTimeout: *fwdTimeout,
		}),
		Logger: &logger,
	})
	wsSrv := websocketServer.NewServer(websocketServer.Config{
		Logger:           &logger,
		SignalingService: svc,
		ListenAddr:       *wsListenAddr,
		AllowedOrigin:    *clientOrigin,
		MaxMessageSize:   *maxMessageSize,
	})
	apiCfg := httpServer.Config{
		Logger:        &logger,
		RoomService:   svc,
		ListenAddr:    *listenAddr,
		AllowedOrigin: *clientOrigin,
	}
	if *wsListenAddr == "" {
		apiCfg.Signal = wsSrv.Handler
	}
	httpSrv := httpServer.NewServer(apiCfg)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var (
		wg   = &sync.WaitGroup{}
		errc = make(chan error, 2)
	)
	wg.Add(1)
	go httpSrv.Run(ctx, wg, errc)
	if *wsListenAddr != "" {
		wg.Add(1)
		go wsSrv.Run(ctx, wg, errc)
	}

	select {
	case err = <-errc:
		logger.Error().Err(err).Msg("unexpected server error, shutting down")
	case <-ctx.Done():
		logger.Warn().Msg("interrupted")
	}
	cancel()
	wg.Wait()
}

func envOr(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}
