package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"
	"github.com/redis/go-redis/v9"
	"gopkg.in/yaml.v3"

	"visionflow/internal/advisor"
	"visionflow/internal/coordinator"
	"visionflow/internal/identity"
	"visionflow/internal/notify"
	"visionflow/internal/player"
	"visionflow/internal/store"
	"visionflow/internal/web"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

// adminContext names the dashboard's sync context.
const adminContext = "admin"

type Config struct {
	Store struct {
		Driver string `yaml:"driver"` // "bolt" or "sqlite"
		Path   string `yaml:"path"`
	} `yaml:"store"`
	Web struct {
		Listen         string   `yaml:"listen"`
		APIKey         string   `yaml:"api_key"`
		AllowedOrigins []string `yaml:"allowed_origins"`
	} `yaml:"web"`
	Pairing struct {
		TTL   string `yaml:"ttl"`
		Redis struct {
			Enabled  bool   `yaml:"enabled"`
			Addr     string `yaml:"addr"`
			Username string `yaml:"username"`
			Password string `yaml:"password"`
			DB       int    `yaml:"db"`
		} `yaml:"redis"`
	} `yaml:"pairing"`
	Notify struct {
		Driver string `yaml:"driver"` // "local" or "redis"; redis uses pairing.redis
	} `yaml:"notify"`
	Advisor struct {
		Provider      string `yaml:"provider"` // "none", "gemini" or "lua"
		APIKey        string `yaml:"api_key"`
		Model         string `yaml:"model"`
		RatePerMinute int    `yaml:"rate_per_minute"`
		Script        string `yaml:"script"`
	} `yaml:"advisor"`
	MQTT struct {
		Enabled     bool   `yaml:"enabled"`
		Broker      string `yaml:"broker"`
		Username    string `yaml:"username"`
		Password    string `yaml:"password"`
		TopicPrefix string `yaml:"topic_prefix"`
		ClientID    string `yaml:"client_id"`
	} `yaml:"mqtt"`
	Player struct {
		Terminals   []string `yaml:"terminals"`
		Heartbeat   string   `yaml:"heartbeat"`
		IdleTimeout string   `yaml:"idle_timeout"`
	} `yaml:"player"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
	Fixtures bool `yaml:"fixtures"`

	pairingTTL  time.Duration
	heartbeat   time.Duration
	idleTimeout time.Duration
}

func (c *Config) validate() error {
	switch c.Store.Driver {
	case "bolt", "sqlite":
	default:
		return fmt.Errorf("store.driver must be bolt or sqlite, got %q", c.Store.Driver)
	}
	if c.Store.Path == "" {
		return fmt.Errorf("store.path is required")
	}
	switch c.Notify.Driver {
	case "local":
	case "redis":
		if c.Store.Driver != "sqlite" {
			return fmt.Errorf("notify.driver redis needs store.driver sqlite; bolt files are single-process")
		}
	default:
		return fmt.Errorf("notify.driver must be local or redis, got %q", c.Notify.Driver)
	}
	switch c.Advisor.Provider {
	case "none":
	case "gemini":
		if c.Advisor.APIKey == "" {
			return fmt.Errorf("advisor.api_key is required for gemini (or set VISIONFLOW_ADVISOR_API_KEY)")
		}
	case "lua":
		if c.Advisor.Script == "" {
			return fmt.Errorf("advisor.script is required for lua")
		}
	default:
		return fmt.Errorf("advisor.provider must be none, gemini or lua, got %q", c.Advisor.Provider)
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		return fmt.Errorf("mqtt.broker is required when mqtt is enabled")
	}
	if (c.Pairing.Redis.Enabled || c.Notify.Driver == "redis") && c.Pairing.Redis.Addr == "" {
		return fmt.Errorf("pairing.redis.addr is required when redis is enabled")
	}
	for i, code := range c.Player.Terminals {
		code = strings.ToUpper(strings.TrimSpace(code))
		if !identity.ValidCode(code) {
			return fmt.Errorf("player.terminals[%d]: invalid pairing code %q", i, c.Player.Terminals[i])
		}
		c.Player.Terminals[i] = code
	}

	var err error
	if c.pairingTTL, err = time.ParseDuration(c.Pairing.TTL); err != nil || c.pairingTTL <= 0 {
		return fmt.Errorf("pairing.ttl must be a positive duration, got %q", c.Pairing.TTL)
	}
	if c.heartbeat, err = time.ParseDuration(c.Player.Heartbeat); err != nil || c.heartbeat < 0 {
		return fmt.Errorf("player.heartbeat must be a duration, got %q", c.Player.Heartbeat)
	}
	if c.idleTimeout, err = time.ParseDuration(c.Player.IdleTimeout); err != nil || c.idleTimeout < 0 {
		return fmt.Errorf("player.idle_timeout must be a duration, got %q", c.Player.IdleTimeout)
	}
	return nil
}

func main() {
	// Temporary logger for config loading errors.
	bootLogger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	cfgPath := "config.yaml"
	if len(os.Args) > 1 {
		cfgPath = os.Args[1]
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		bootLogger.Warn("load .env", "err", err)
	}

	cfg, err := loadConfig(cfgPath)
	if err != nil {
		bootLogger.Error("load config", "err", err)
		os.Exit(1)
	}
	applyEnv(cfg)

	if err := cfg.validate(); err != nil {
		bootLogger.Error("invalid config", "err", err)
		os.Exit(1)
	}

	// Create configured logger.
	logger := newLogger(cfg)
	slog.SetDefault(logger)
	logger.Info("visionflow starting", "version", version, "store", cfg.Store.Driver)

	db := openStore(cfg)
	defer db.Close()

	startCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	join, closeBus, err := newNotifier(startCtx, cfg, logger)
	if err != nil {
		logger.Error("notifier", "err", err)
		cancel()
		os.Exit(1)
	}
	defer closeBus()

	pairing, closePairing, err := newPairing(startCtx, cfg, logger)
	if err != nil {
		logger.Error("pairing registry", "err", err)
		cancel()
		os.Exit(1)
	}
	defer closePairing()

	adv, err := newAdvisor(cfg, logger)
	if err != nil {
		logger.Error("advisor", "err", err)
		cancel()
		os.Exit(1)
	}

	// Each context gets its own endpoint and event bus; only the store is
	// shared.
	newContext := func(ctx context.Context, id string, a advisor.Advisor) (*coordinator.Coordinator, func(), error) {
		ep := join(id)
		coord := coordinator.New(db, ep, coordinator.NewEventBus(logger), coordinator.Config{
			ContextID: id,
			Fixtures:  cfg.Fixtures,
			Advisor:   a,
			Pairing:   pairing,
		}, logger)
		if err := coord.Start(ctx); err != nil {
			ep.Close()
			return nil, nil, err
		}
		return coord, func() { ep.Close() }, nil
	}

	coord, closeAdmin, err := newContext(startCtx, adminContext, adv)
	if err != nil {
		logger.Error("start coordinator", "err", err)
		cancel()
		db.Close()
		os.Exit(1)
	}
	cancel()

	media := player.NewBlobServer("/media/", logger)
	fleet := player.NewFleet(func(ctx context.Context, id string) (*coordinator.Coordinator, func(), error) {
		return newContext(ctx, id, nil)
	}, media, pairing, player.FleetConfig{Heartbeat: cfg.heartbeat, IdleTimeout: cfg.idleTimeout}, logger)

	// Start web server
	webOpts := []web.ServerOption{
		web.WithFleet(fleet),
		web.WithMedia(media),
		web.WithPairing(pairing),
		web.WithVersion(version),
	}
	if cfg.Web.APIKey != "" {
		webOpts = append(webOpts, web.WithAPIKey(cfg.Web.APIKey))
	}
	if len(cfg.Web.AllowedOrigins) > 0 {
		webOpts = append(webOpts, web.WithAllowedOrigins(cfg.Web.AllowedOrigins))
	}

	webServer, err := web.NewServer(coord, logger, webOpts...)
	if err != nil {
		logger.Error("create web server", "err", err)
		os.Exit(1)
	}

	// Start MQTT bridge (no-op when built with no_mqtt tag).
	mqtt := initMQTT(coord, cfg, logger)

	fleet.OnFrame(func(f player.Frame) {
		webServer.BroadcastFrame(f)
		mqtt.PublishFrame(f)
	})

	for _, code := range cfg.Player.Terminals {
		fleet.Pin(code)
		if _, err := fleet.Open(context.Background(), code); err != nil {
			logger.Error("open terminal", "code", code, "err", err)
		}
	}

	httpServer := &http.Server{
		Addr:         cfg.Web.Listen,
		Handler:      webServer,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info("web server starting", "addr", cfg.Web.Listen)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", "err", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	signal.Stop(sigCh)
	logger.Info("shutting down", "signal", sig)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	mqtt.Stop()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown", "err", err)
	}
	fleet.CloseAll()
	webServer.Stop()
	coord.Stop()
	closeAdmin()

	logger.Info("goodbye")
}

func openStore(cfg *Config) store.Store {
	switch cfg.Store.Driver {
	case "sqlite":
		return store.NewSQLStore(cfg.Store.Path)
	default:
		return store.NewBoltStore(cfg.Store.Path)
	}
}

// newNotifier returns a function that joins a context to the notice
// channel, and the channel's closer.
func newNotifier(ctx context.Context, cfg *Config, logger *slog.Logger) (func(string) notify.Notifier, func(), error) {
	if cfg.Notify.Driver != "redis" {
		bus := notify.NewLocalBus(notify.ChannelName, logger)
		return func(id string) notify.Notifier { return bus.Join(id) }, func() {}, nil
	}
	r := cfg.Pairing.Redis
	bus, err := notify.NewRedisBus(ctx, &redis.Options{
		Addr:     r.Addr,
		Username: r.Username,
		Password: r.Password,
		DB:       r.DB,
	}, notify.ChannelName, logger)
	if err != nil {
		return nil, nil, err
	}
	logger.Info("notices carried over redis", "addr", r.Addr)
	return func(id string) notify.Notifier { return bus.Join(id) }, func() {
		if err := bus.Close(); err != nil {
			logger.Warn("close redis notifier", "err", err)
		}
	}, nil
}

// newPairing returns the pending-terminal registry and its closer.
func newPairing(ctx context.Context, cfg *Config, logger *slog.Logger) (identity.Registry, func(), error) {
	if !cfg.Pairing.Redis.Enabled {
		return identity.NewMemoryRegistry(cfg.pairingTTL), func() {}, nil
	}
	r := cfg.Pairing.Redis
	reg, err := identity.NewRedisRegistry(ctx, identity.RedisConfig{
		Addr:     r.Addr,
		Username: r.Username,
		Password: r.Password,
		DB:       r.DB,
	}, cfg.pairingTTL)
	if err != nil {
		return nil, nil, err
	}
	logger.Info("pending terminals kept in redis", "addr", r.Addr)
	return reg, func() {
		if err := reg.Close(); err != nil {
			logger.Warn("close redis", "err", err)
		}
	}, nil
}

func newAdvisor(cfg *Config, logger *slog.Logger) (advisor.Advisor, error) {
	switch cfg.Advisor.Provider {
	case "gemini":
		logger.Info("advisor: gemini", "model", cfg.Advisor.Model, "rate_per_minute", cfg.Advisor.RatePerMinute)
		return advisor.NewGemini(advisor.GeminiConfig{
			APIKey:        cfg.Advisor.APIKey,
			Model:         cfg.Advisor.Model,
			RatePerMinute: cfg.Advisor.RatePerMinute,
		})
	case "lua":
		return newScriptAdvisor(cfg, logger)
	default:
		return advisor.Nop{}, nil
	}
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	// Demo fixtures are on unless the file says otherwise.
	cfg := Config{Fixtures: true}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if cfg.Store.Driver == "" {
		cfg.Store.Driver = "bolt"
	}
	if cfg.Store.Path == "" {
		cfg.Store.Path = "visionflow.db"
	}
	if cfg.Web.Listen == "" {
		cfg.Web.Listen = "127.0.0.1:8080"
	}
	if cfg.Pairing.TTL == "" {
		cfg.Pairing.TTL = identity.DefaultPendingTTL.String()
	}
	if cfg.Notify.Driver == "" {
		cfg.Notify.Driver = "local"
	}
	if cfg.Pairing.Redis.Addr == "" {
		cfg.Pairing.Redis.Addr = "localhost:6379"
	}
	if cfg.Advisor.Provider == "" {
		cfg.Advisor.Provider = "none"
	}
	if cfg.Advisor.Model == "" {
		cfg.Advisor.Model = advisor.DefaultGeminiModel
	}
	if cfg.Advisor.RatePerMinute == 0 {
		cfg.Advisor.RatePerMinute = 10
	}
	if cfg.Advisor.Script == "" {
		cfg.Advisor.Script = "advisor.lua"
	}
	if cfg.MQTT.TopicPrefix == "" {
		cfg.MQTT.TopicPrefix = "visionflow"
	}
	if cfg.Player.Heartbeat == "" {
		cfg.Player.Heartbeat = "30s"
	}
	if cfg.Player.IdleTimeout == "" {
		cfg.Player.IdleTimeout = "5m"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
	return &cfg, nil
}

// applyEnv lets secrets come from the environment instead of the file.
func applyEnv(cfg *Config) {
	if v := os.Getenv("VISIONFLOW_ADVISOR_API_KEY"); v != "" {
		cfg.Advisor.APIKey = v
	}
	if v := os.Getenv("VISIONFLOW_REDIS_PASSWORD"); v != "" {
		cfg.Pairing.Redis.Password = v
	}
	if v := os.Getenv("VISIONFLOW_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Password = v
	}
}

func newLogger(cfg *Config) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch strings.ToLower(cfg.Log.Format) {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, opts)
	case "tint":
		handler = tint.NewHandler(os.Stdout, &tint.Options{Level: level, TimeFormat: time.Kitchen})
	default:
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}
