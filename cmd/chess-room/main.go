package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	appcfg "github.com/park285/cheese-chessroom/internal/config"
	"github.com/park285/cheese-chessroom/internal/gamemode"
	"github.com/park285/cheese-chessroom/internal/gateway"
	"github.com/park285/cheese-chessroom/internal/obslog"
	"github.com/park285/cheese-chessroom/internal/profile"
	"github.com/park285/cheese-chessroom/internal/record"
	"github.com/park285/cheese-chessroom/internal/room"
	"github.com/park285/cheese-chessroom/internal/roomdir"
	"github.com/park285/cheese-chessroom/internal/tgapi"
)

func main() {
	if err := obslog.InitFromEnv(); err != nil {
		log.Fatalf("logger init error: %v", err)
	}
	defer obslog.Sync()
	logger := obslog.L()

	cfg, err := appcfg.Load()
	if err != nil {
		logger.Fatal("config_error", zap.Error(err))
	}

	// Game storage
	repo, err := openRepository(cfg, logger)
	if err != nil {
		logger.Fatal("repository_init_error", zap.Error(err))
	}
	defer func() { _ = repo.Close() }()

	modes, err := gamemode.New(cfg.GameModesFile)
	if err != nil {
		logger.Fatal("game_modes_error", zap.Error(err))
	}

	var avatars profile.AvatarSource
	if cfg.FetchAvatars {
		avatars = tgapi.NewClient(cfg.TelegramAPIURL, cfg.BotToken, tgapi.WithTimeout(5*time.Second))
	}

	opts := room.ManagerOptions{
		Room: room.Options{
			InactivityTimeout: cfg.InactivityTimeout,
			DisconnectTimeout: cfg.DisconnectTimeout,
			Recorder:          repo,
			Logger:            logger,
		},
		Resolver: profile.NewResolver(avatars, repo, logger),
		Logger:   logger,
	}
	if cfg.FakeRoomCreate {
		opts.FakeRoomID = cfg.FakeRoomID
	}

	// Room directory (optional)
	var lobby gateway.LobbyLister
	if cfg.RedisURL != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		dir, err := roomdir.Open(ctx, cfg.RedisURL)
		cancel()
		if err != nil {
			logger.Fatal("room_directory_init_error", zap.Error(err))
		}
		defer func() { _ = dir.Close() }()
		opts.Directory = dir
		lobby = dir
	}

	manager := room.NewManager(opts)
	defer manager.Close()

	if cfg.FakeRoomCreate {
		createFakeRoom(cfg, manager, modes, logger)
	}

	gin.SetMode(gin.ReleaseMode)
	gw := gateway.New(gateway.Options{
		BotToken:         cfg.BotToken,
		ValidateInitData: cfg.ValidateInitData,
		AllowedOrigins:   cfg.WSAllowedOrigins,
		MsgRate:          cfg.WSMsgRate,
		MsgBurst:         cfg.WSMsgBurst,
		Manager:          manager,
		Modes:            modes,
		Lobby:            lobby,
		Stats:            repo,
		Logger:           logger,
	})
	sessions, stopSessions := context.WithCancel(context.Background())
	defer stopSessions()
	srv := gw.HTTPServer(sessions, cfg.ListenAddr)

	go func() {
		logger.Info("server_listen", zap.String("addr", cfg.ListenAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server_error", zap.Error(err))
		}
	}()

	// Wait for termination signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("server_shutdown")
	// hijacked WebSocket sessions are not tracked by Shutdown
	stopSessions()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Warn("server_shutdown_error", zap.Error(err))
	}
}

func openRepository(cfg *appcfg.AppConfig, logger *zap.Logger) (record.Repository, error) {
	if cfg.DatabaseURL == "" {
		logger.Warn("database_disabled", zap.String("reason", "DATABASE_URL empty; games kept in memory"))
		return record.NewMemory(), nil
	}
	if cfg.DBMigrate {
		if err := record.Migrate(cfg.DatabaseURL, logger); err != nil {
			return nil, err
		}
	}
	return record.NewPostgres(cfg.DatabaseURL)
}

func createFakeRoom(cfg *appcfg.AppConfig, manager *room.Manager, modes *gamemode.Catalog, logger *zap.Logger) {
	rules, err := modes.Rules(cfg.FakeRoomMode)
	if err != nil {
		logger.Warn("fake_room_mode_error", zap.String("mode", cfg.FakeRoomMode), zap.Error(err))
		return
	}
	host := room.User{ID: cfg.FakeRoomHostID, FullName: cfg.FakeRoomHostName}
	if _, err := manager.CreateRoom(host, rules, cfg.FakeRoomID); err != nil {
		logger.Warn("fake_room_create_error", zap.Error(err))
		return
	}
	logger.Info("fake_room_created", zap.String("room", cfg.FakeRoomID), zap.String("mode", cfg.FakeRoomMode))
}
