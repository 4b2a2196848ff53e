package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v2"

	"pixelwar/pkg/game"
)

// fileConfig is the optional YAML config. Durations use time.ParseDuration
// syntax ("168h", "10m").
type fileConfig struct {
	Width            uint32 `yaml:"width"`
	Height           uint32 `yaml:"height"`
	StartPrice       uint64 `yaml:"start_price"`
	PriceMultiplier  uint64 `yaml:"price_multiplier"`
	Duration         string `yaml:"duration"`
	DB               string `yaml:"db"`
	Addr             string `yaml:"addr"`
	PaymentWebhook   string `yaml:"payment_webhook"`
	SnapshotInterval string `yaml:"snapshot_interval"`
}

func initConfig() {
	if err := loadConfig(os.Getenv); err != nil {
		ErrorLog.Fatalf("config: %v", err)
	}
}

// loadConfig fills Config from defaults, then the YAML file named by
// PIXELWAR_CONFIG, then PIXELWAR_* variables.
func loadConfig(getenv func(string) string) error {
	Config.Game = game.Config{
		Width:           DefaultWidth,
		Height:          DefaultHeight,
		StartPrice:      game.DefaultStartPrice,
		PriceMultiplier: game.DefaultPriceMultiplier,
		Duration:        DefaultRoundDuration,
	}
	Config.DBPath = DefaultDBPath
	Config.Addr = DefaultAddr
	Config.PaymentWebhook = ""
	Config.SnapshotInterval = DefaultSnapshotInterval

	fc := fileConfig{}
	if path := getenv("PIXELWAR_CONFIG"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		if err := yaml.Unmarshal(data, &fc); err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
	}

	set := func(key, fromFile string) string {
		if v := getenv("PIXELWAR_" + key); v != "" {
			return v
		}
		return fromFile
	}
	num := func(v uint64) string {
		if v == 0 {
			return ""
		}
		return strconv.FormatUint(v, 10)
	}

	var err error
	if v := set("WIDTH", num(uint64(fc.Width))); v != "" {
		if Config.Game.Width, err = parseUint32(v); err != nil {
			return fmt.Errorf("width: %w", err)
		}
	}
	if v := set("HEIGHT", num(uint64(fc.Height))); v != "" {
		if Config.Game.Height, err = parseUint32(v); err != nil {
			return fmt.Errorf("height: %w", err)
		}
	}
	if v := set("START_PRICE", num(fc.StartPrice)); v != "" {
		if Config.Game.StartPrice, err = strconv.ParseUint(v, 10, 64); err != nil {
			return fmt.Errorf("start price: %w", err)
		}
	}
	if v := set("PRICE_MULTIPLIER", num(fc.PriceMultiplier)); v != "" {
		if Config.Game.PriceMultiplier, err = strconv.ParseUint(v, 10, 64); err != nil {
			return fmt.Errorf("price multiplier: %w", err)
		}
	}
	if v := set("DURATION", fc.Duration); v != "" {
		if Config.Game.Duration, err = time.ParseDuration(v); err != nil {
			return fmt.Errorf("duration: %w", err)
		}
	}
	if v := set("SNAPSHOT_INTERVAL", fc.SnapshotInterval); v != "" {
		if Config.SnapshotInterval, err = time.ParseDuration(v); err != nil {
			return fmt.Errorf("snapshot interval: %w", err)
		}
		if Config.SnapshotInterval <= 0 {
			return fmt.Errorf("snapshot interval must be positive")
		}
	}
	if v := set("DB", fc.DB); v != "" {
		Config.DBPath = v
	}
	if v := set("ADDR", fc.Addr); v != "" {
		Config.Addr = v
	}
	Config.PaymentWebhook = set("PAYMENT_WEBHOOK", fc.PaymentWebhook)

	return Config.Game.Validate()
}

func parseUint32(v string) (uint32, error) {
	n, err := strconv.ParseUint(v, 10, 32)
	return uint32(n), err
}

// initGame restores the round from the database and wires the game to its
// journal and payout dispatcher.
func initGame() {
	cfg, start, roundID, err := loadRound(Config.Game, Clock())
	if err != nil {
		ErrorLog.Fatalf("round: %v", err)
	}
	RoundID = roundID

	if journal, err = newSQLiteJournal(db, RoundID); err != nil {
		ErrorLog.Fatalf("journal: %v", err)
	}

	payouts = NewPayoutDispatcher(db, Config.PaymentWebhook, RoundID, PrivateKey)
	n, err := payouts.Requeue()
	if err != nil {
		ErrorLog.Fatalf("payout requeue: %v", err)
	}
	if n > 0 {
		InfoLog.WithField("count", n).Info("re-queued pending payouts")
	}

	st, err := loadState(start)
	if err != nil {
		ErrorLog.Fatalf("load state: %v", err)
	}
	Game, err = game.Restore(cfg, st, game.WithClock(Clock), game.WithJournal(journal), game.WithDispatcher(payouts))
	if err != nil {
		ErrorLog.Fatalf("restore: %v", err)
	}

	feed = NewFeedHub()

	n, err = verifySnapshotChain()
	if err != nil {
		ErrorLog.WithError(err).WithField("verified", n).Error("field snapshot chain is broken")
	} else {
		InfoLog.WithField("snapshots", n).Info("field snapshot chain verified")
	}
}

func main() {
	setupLogging()
	initConfig()
	initDB()
	initGame()

	round := Game.Round()
	InfoLog.Info("PIXELWAR BOOT SEQUENCE")
	InfoLog.WithFields(logrus.Fields{
		"node":    NodeID,
		"round":   RoundID,
		"grid":    fmt.Sprintf("%dx%d", Game.Config().Width, Game.Config().Height),
		"ends":    round.End.Format(time.RFC3339),
		"pool":    round.Pool,
		"webhook": Config.PaymentWebhook != "",
	}).Info("round loaded")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Start Background Services
	go payouts.Run(ctx)
	go runSnapshotLoop(ctx, Config.SnapshotInterval)

	// Wrap Middleware
	handler := middlewareSecurity(routes())
	handler = middlewareCORS(handler)

	server := &http.Server{
		Addr:         Config.Addr,
		Handler:      handler,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdown)
	}()

	InfoLog.Infof("Node %s Listening on %s", NodeID, Config.Addr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		ErrorLog.Fatal(err)
	}
	db.Close()
}
