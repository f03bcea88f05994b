package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/mkoster/spacebot/internal/bot"
	"github.com/mkoster/spacebot/internal/config"
	"github.com/mkoster/spacebot/internal/httpapi"
	"github.com/mkoster/spacebot/internal/media"
	"github.com/mkoster/spacebot/internal/peers"
	"github.com/mkoster/spacebot/internal/session"
	"github.com/mkoster/spacebot/internal/transport"
)

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("loading configuration", zap.Error(err))
	}
	roomURL, err := cfg.RoomURL()
	if err != nil {
		logger.Fatal("building room URL", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	b := bot.New(media.NewClient(logger.Named("media")), cfg.UploaderURL, logger.Named("bot"))

	sess := session.New(session.Options{
		Viewport:    cfg.Viewport(),
		PeerFactory: peers.NewWebRTCFactory(cfg.ICEServers, logger.Named("webrtc")),
		Handlers:    b.Handlers(),
		Logger:      logger.Named("session"),
	})
	b.Bind(sess)

	conn, err := transport.Dial(ctx, roomURL, transport.Callbacks{
		Opened: sess.HandleOpened,
		Frame:  sess.HandleFrame,
		Closed: sess.HandleClosed,
	}, logger.Named("transport"), transport.Options{})
	if err != nil {
		logger.Fatal("connecting to server", zap.Error(err))
	}
	sess.Start(ctx, conn)

	go func() {
		logger.Info("ops endpoint listening", zap.String("addr", cfg.ListenAddr))
		if err := http.ListenAndServe(cfg.ListenAddr, httpapi.SetupRoutes(sess)); err != nil {
			logger.Warn("ops endpoint stopped", zap.Error(err))
		}
	}()

	<-sess.Done()
	conn.Close()
}
