package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"
)

type AppConfig struct {
	ListenAddr string

	BotToken         string
	ValidateInitData bool

	InactivityTimeout time.Duration
	DisconnectTimeout time.Duration

	RedisURL    string
	DatabaseURL string
	DBMigrate   bool

	TelegramAPIURL string
	FetchAvatars   bool

	GameModesFile string

	FakeRoomCreate   bool
	FakeRoomID       string
	FakeRoomHostID   string
	FakeRoomHostName string
	FakeRoomMode     string

	WSAllowedOrigins []string
	WSMsgRate        float64
	WSMsgBurst       int
}

func Load() (*AppConfig, error) {
	cfg := &AppConfig{
		ListenAddr:        ":8080",
		ValidateInitData:  true,
		InactivityTimeout: 180 * time.Second,
		DisconnectTimeout: 60 * time.Second,
		DBMigrate:         true,
		TelegramAPIURL:    "https://api.telegram.org",
		FetchAvatars:      true,
		FakeRoomID:        "fake-room",
		FakeRoomHostID:    "0",
		FakeRoomHostName:  "Demo Host",
		FakeRoomMode:      "blitz",
		WSMsgRate:         5,
		WSMsgBurst:        10,
	}

	if v := strings.TrimSpace(os.Getenv("LISTEN_ADDR")); v != "" {
		cfg.ListenAddr = v
	}
	cfg.BotToken = strings.TrimSpace(os.Getenv("BOT_TOKEN"))
	cfg.ValidateInitData = boolEnv("VALIDATE_INIT_DATA", cfg.ValidateInitData)

	if n := intEnv("INACTIVITY_TIMEOUT_SEC"); n > 0 {
		cfg.InactivityTimeout = time.Duration(n) * time.Second
	}
	if n := intEnv("DISCONNECT_TIMEOUT_SEC"); n > 0 {
		cfg.DisconnectTimeout = time.Duration(n) * time.Second
	}

	cfg.RedisURL = strings.TrimSpace(os.Getenv("REDIS_URL"))
	cfg.DatabaseURL = strings.TrimSpace(os.Getenv("DATABASE_URL"))
	cfg.DBMigrate = boolEnv("DB_MIGRATE", cfg.DBMigrate)

	if v := strings.TrimSpace(os.Getenv("TELEGRAM_API_URL")); v != "" {
		cfg.TelegramAPIURL = strings.TrimRight(v, "/")
	}
	cfg.FetchAvatars = boolEnv("FETCH_AVATARS", cfg.FetchAvatars)
	cfg.GameModesFile = strings.TrimSpace(os.Getenv("GAME_MODES_FILE"))

	// Demo room
	cfg.FakeRoomCreate = boolEnv("FAKE_ROOM_CREATE", false)
	if v := strings.TrimSpace(os.Getenv("FAKE_ROOM_ID")); v != "" {
		cfg.FakeRoomID = v
	}
	if v := strings.TrimSpace(os.Getenv("FAKE_ROOM_HOST_ID")); v != "" {
		cfg.FakeRoomHostID = v
	}
	if v := strings.TrimSpace(os.Getenv("FAKE_ROOM_HOST_NAME")); v != "" {
		cfg.FakeRoomHostName = v
	}
	if v := strings.TrimSpace(os.Getenv("FAKE_ROOM_MODE")); v != "" {
		cfg.FakeRoomMode = v
	}

	if v := strings.TrimSpace(os.Getenv("WS_ALLOWED_ORIGINS")); v != "" {
		for _, p := range strings.Split(v, ",") {
			if s := strings.TrimSpace(p); s != "" {
				cfg.WSAllowedOrigins = append(cfg.WSAllowedOrigins, s)
			}
		}
	}
	if v := strings.TrimSpace(os.Getenv("WS_MSG_RATE")); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
			cfg.WSMsgRate = f
		}
	}
	if n := intEnv("WS_MSG_BURST"); n > 0 {
		cfg.WSMsgBurst = n
	}

	if cfg.ValidateInitData && cfg.BotToken == "" {
		return nil, errors.New("BOT_TOKEN is required when VALIDATE_INIT_DATA is enabled")
	}
	if cfg.FetchAvatars && cfg.BotToken == "" {
		cfg.FetchAvatars = false
	}
	return cfg, nil
}

func boolEnv(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func intEnv(key string) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}
	return n
}
