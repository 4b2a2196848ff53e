package main

import (
	"crypto/ed25519"
	"database/sql"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"pixelwar/pkg/game"
)

// --- Configuration ---
const (
	DefaultDBPath           = "./data/pixelwar.db"
	DefaultAddr             = ":8080"
	DefaultWidth            = 100
	DefaultHeight           = 100
	DefaultRoundDuration    = 7 * 24 * time.Hour
	DefaultSnapshotInterval = 10 * time.Minute

	AccountHeader   = "X-Account-ID"
	SignatureHeader = "X-Pixelwar-Signature"
	MaxAccountLen   = 64
)

var (
	// Infrastructure
	db       *sql.DB
	InfoLog  *logrus.Logger
	ErrorLog *logrus.Logger

	// Clock is the wall clock for everything that stamps time.
	Clock = time.Now

	// Identity
	NodeID     string
	RoundID    string
	PrivateKey ed25519.PrivateKey
	PublicKey  ed25519.PublicKey

	Config struct {
		Game             game.Config
		DBPath           string
		Addr             string
		PaymentWebhook   string
		SnapshotInterval time.Duration
	}

	// Game State
	Game     *game.GameState
	journal  *sqliteJournal
	payouts  *PayoutDispatcher
	feed     *FeedHub
	snapLock sync.Mutex

	// Serializes treasury reads with the claim that follows them.
	stateLock sync.Mutex

	// Rate Limiting
	ipLimiters = make(map[string]*rate.Limiter)
	ipLock     sync.Mutex
)
