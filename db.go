package main

import (
	"crypto/ed25519"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"

	"pixelwar/pkg/core"
	"pixelwar/pkg/game"
	"pixelwar/pkg/types"
)

// Prices and balances can exceed int64, so they are stored as decimal TEXT.
const schema = `
CREATE TABLE IF NOT EXISTS system_meta (key TEXT PRIMARY KEY, value TEXT);

CREATE TABLE IF NOT EXISTS pixels (
	x INTEGER NOT NULL,
	y INTEGER NOT NULL,
	owner TEXT NOT NULL,
	price TEXT NOT NULL,
	color INTEGER NOT NULL DEFAULT 0,
	updated_at INTEGER,
	PRIMARY KEY (x, y)
);

CREATE TABLE IF NOT EXISTS accounts (
	account TEXT PRIMARY KEY,
	cells INTEGER NOT NULL DEFAULT 0 CHECK (cells >= 0)
);

CREATE TABLE IF NOT EXISTS withdrawals (
	account TEXT PRIMARY KEY,
	share INTEGER NOT NULL,
	amount TEXT NOT NULL,
	withdrawn_at INTEGER
);

CREATE TABLE IF NOT EXISTS payouts (
	id TEXT PRIMARY KEY,
	account TEXT UNIQUE NOT NULL,
	amount TEXT NOT NULL,
	status TEXT NOT NULL,
	attempts INTEGER NOT NULL DEFAULT 0,
	last_error TEXT,
	created_at INTEGER,
	sent_at INTEGER
);

CREATE TABLE IF NOT EXISTS transaction_log (
	id INTEGER PRIMARY KEY AUTOINCREMENT, ts INTEGER, action_type TEXT, payload_blob BLOB
);

CREATE TABLE IF NOT EXISTS field_snapshots (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	taken_at INTEGER,
	is_final BOOLEAN DEFAULT 0,
	size INTEGER,
	state_blob BLOB,
	prev_hash TEXT,
	final_hash TEXT
);
`

func initDB() {
	os.MkdirAll(filepath.Dir(Config.DBPath), 0755)

	var err error
	db, err = sql.Open("sqlite3", Config.DBPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		ErrorLog.Fatalf("open %s: %v", Config.DBPath, err)
	}
	if err := createSchema(db); err != nil {
		ErrorLog.Fatalf("schema: %v", err)
	}

	initIdentity()
}

func createSchema(db *sql.DB) error {
	_, err := db.Exec(schema)
	return err
}

type execer interface {
	Exec(query string, args ...interface{}) (sql.Result, error)
}

type queryer interface {
	QueryRow(query string, args ...interface{}) *sql.Row
}

func getMeta(q queryer, key string) (string, bool, error) {
	var v string
	err := q.QueryRow("SELECT value FROM system_meta WHERE key=?", key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("meta %s: %w", key, err)
	}
	return v, true, nil
}

func setMeta(e execer, key, value string) error {
	if _, err := e.Exec("INSERT OR REPLACE INTO system_meta (key, value) VALUES (?, ?)", key, value); err != nil {
		return fmt.Errorf("meta %s: %w", key, err)
	}
	return nil
}

func getMetaUint(q queryer, key string) (uint64, error) {
	v, ok, err := getMeta(q, key)
	if err != nil || !ok {
		return 0, err
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("meta %s: %w", key, err)
	}
	return n, nil
}

func initIdentity() {
	id, found, err := getMeta(db, "node_id")
	if err != nil {
		ErrorLog.Fatal(err)
	}

	if !found {
		InfoLog.Info("first boot: generating node identity")

		pub, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			ErrorLog.Fatal(err)
		}
		rnd := make([]byte, 8)
		rand.Read(rnd)
		id = core.Hash([]byte(fmt.Sprintf("GENESIS-%d-%x", time.Now().UnixNano(), rnd)))

		tx, err := db.Begin()
		if err != nil {
			ErrorLog.Fatal(err)
		}
		for k, v := range map[string]string{
			"node_id":  id,
			"priv_key": hex.EncodeToString(priv),
			"pub_key":  hex.EncodeToString(pub),
		} {
			if err := setMeta(tx, k, v); err != nil {
				tx.Rollback()
				ErrorLog.Fatal(err)
			}
		}
		if err := tx.Commit(); err != nil {
			ErrorLog.Fatal(err)
		}
		PrivateKey, PublicKey = priv, pub
	} else {
		PrivateKey, PublicKey, err = loadKeys(db)
		if err != nil {
			ErrorLog.Fatalf("stored identity is unusable: %v", err)
		}
	}
	NodeID = id
}

// loadKeys reads the node key pair and checks that the halves belong together.
func loadKeys(q queryer) (ed25519.PrivateKey, ed25519.PublicKey, error) {
	privHex, found, err := getMeta(q, "priv_key")
	if err != nil {
		return nil, nil, err
	}
	if !found {
		return nil, nil, errors.New("priv_key missing")
	}
	pubHex, found, err := getMeta(q, "pub_key")
	if err != nil {
		return nil, nil, err
	}
	if !found {
		return nil, nil, errors.New("pub_key missing")
	}

	privBytes, err := hex.DecodeString(privHex)
	if err != nil || len(privBytes) != ed25519.PrivateKeySize {
		return nil, nil, errors.New("priv_key malformed")
	}
	pubBytes, err := hex.DecodeString(pubHex)
	if err != nil || len(pubBytes) != ed25519.PublicKeySize {
		return nil, nil, errors.New("pub_key malformed")
	}

	priv, pub := ed25519.PrivateKey(privBytes), ed25519.PublicKey(pubBytes)
	if !pub.Equal(priv.Public()) {
		return nil, nil, errors.New("pub_key does not match priv_key")
	}
	return priv, pub, nil
}

// roundRecord is the frozen deployment: constants plus the round start.
type roundRecord struct {
	Width           uint32 `json:"width"`
	Height          uint32 `json:"height"`
	StartPrice      uint64 `json:"start_price"`
	PriceMultiplier uint64 `json:"price_multiplier"`
	DurationNanos   int64  `json:"duration_ns"`
	StartNanos      int64  `json:"start_ns"`
}

func (r roundRecord) config() game.Config {
	return game.Config{
		Width:           r.Width,
		Height:          r.Height,
		StartPrice:      r.StartPrice,
		PriceMultiplier: r.PriceMultiplier,
		Duration:        time.Duration(r.DurationNanos),
	}
}

// loadRound returns the stored deployment, or freezes cfg with a round
// starting at now on first boot. The round id is the hash of the record.
func loadRound(cfg game.Config, now time.Time) (game.Config, time.Time, string, error) {
	raw, found, err := getMeta(db, "round")
	if err != nil {
		return cfg, now, "", err
	}

	if !found {
		rec := roundRecord{
			Width: cfg.Width, Height: cfg.Height,
			StartPrice: cfg.StartPrice, PriceMultiplier: cfg.PriceMultiplier,
			DurationNanos: int64(cfg.Duration), StartNanos: now.UnixNano(),
		}
		data, _ := json.Marshal(rec)
		if err := setMeta(db, "round", string(data)); err != nil {
			return cfg, now, "", err
		}
		InfoLog.WithField("round", string(data)).Info("round created")
		return cfg, now, core.Hash(data), nil
	}

	var rec roundRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return cfg, now, "", fmt.Errorf("stored round: %w", err)
	}
	stored := rec.config()
	if stored != cfg {
		ErrorLog.WithFields(logrus.Fields{
			"stored": fmt.Sprintf("%+v", stored), "configured": fmt.Sprintf("%+v", cfg),
		}).Error("deployment constants changed; keeping the stored ones")
	}
	return stored, time.Unix(0, rec.StartNanos), core.Hash([]byte(raw)), nil
}

// loadState reads everything game.Restore needs.
func loadState(start time.Time) (game.State, error) {
	st := game.State{Start: start, Counts: map[types.Account]uint64{}}

	rows, err := db.Query("SELECT x, y, owner, price, color FROM pixels")
	if err != nil {
		return st, fmt.Errorf("pixels: %w", err)
	}
	for rows.Next() {
		var c types.CellView
		var owner, price string
		if err := rows.Scan(&c.X, &c.Y, &owner, &price, &c.Color); err != nil {
			rows.Close()
			return st, fmt.Errorf("pixels: %w", err)
		}
		if c.Price, err = strconv.ParseUint(price, 10, 64); err != nil {
			rows.Close()
			return st, fmt.Errorf("pixel (%d, %d) price: %w", c.X, c.Y, err)
		}
		o := types.Account(owner)
		c.Owner = &o
		st.Cells = append(st.Cells, c)
	}
	rows.Close()

	rows, err = db.Query("SELECT account, cells FROM accounts WHERE cells > 0")
	if err != nil {
		return st, fmt.Errorf("accounts: %w", err)
	}
	for rows.Next() {
		var a string
		var n uint64
		if err := rows.Scan(&a, &n); err != nil {
			rows.Close()
			return st, fmt.Errorf("accounts: %w", err)
		}
		st.Counts[types.Account(a)] = n
	}
	rows.Close()

	rows, err = db.Query("SELECT account FROM withdrawals")
	if err != nil {
		return st, fmt.Errorf("withdrawals: %w", err)
	}
	for rows.Next() {
		var a string
		if err := rows.Scan(&a); err != nil {
			rows.Close()
			return st, fmt.Errorf("withdrawals: %w", err)
		}
		st.Withdrawn = append(st.Withdrawn, types.Account(a))
	}
	rows.Close()

	st.Pool, err = getMetaUint(db, "reward_pool")
	return st, err
}

// --- Journal ---

// sqliteJournal writes every game delta in a single transaction before the
// game applies it, and keeps the treasury balance those deltas move.
type sqliteJournal struct {
	db       *sql.DB
	roundID  string
	treasury uint64
	now      func() time.Time
}

func newSQLiteJournal(db *sql.DB, roundID string) (*sqliteJournal, error) {
	t, err := getMetaUint(db, "treasury")
	if err != nil {
		return nil, err
	}
	return &sqliteJournal{db: db, roundID: roundID, treasury: t, now: Clock}, nil
}

// Treasury is the balance currently held. Read it under stateLock.
func (j *sqliteJournal) Treasury() uint64 {
	return j.treasury
}

func (j *sqliteJournal) RecordClaim(rec types.ClaimRecord) (err error) {
	tx, err := j.db.Begin()
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	ts := j.now().Unix()
	c := rec.Cell
	_, err = tx.Exec(`INSERT INTO pixels (x, y, owner, price, color, updated_at) VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(x, y) DO UPDATE SET owner=excluded.owner, price=excluded.price, color=excluded.color, updated_at=excluded.updated_at`,
		c.X, c.Y, string(rec.Payer), strconv.FormatUint(c.Price, 10), c.Color, ts)
	if err != nil {
		return fmt.Errorf("pixel: %w", err)
	}

	if rec.PreviousOwner == nil || *rec.PreviousOwner != rec.Payer {
		if rec.PreviousOwner != nil {
			res, err := tx.Exec("UPDATE accounts SET cells=cells-1 WHERE account=? AND cells > 0", string(*rec.PreviousOwner))
			if err != nil {
				return fmt.Errorf("debit %s: %w", *rec.PreviousOwner, err)
			}
			if n, _ := res.RowsAffected(); n != 1 {
				return fmt.Errorf("debit %s: no cells on record", *rec.PreviousOwner)
			}
		}
		_, err = tx.Exec(`INSERT INTO accounts (account, cells) VALUES (?, 1)
			ON CONFLICT(account) DO UPDATE SET cells=cells+1`, string(rec.Payer))
		if err != nil {
			return fmt.Errorf("credit %s: %w", rec.Payer, err)
		}
	}

	pool := strconv.FormatUint(rec.Pool, 10)
	if err = setMeta(tx, "treasury", pool); err != nil {
		return err
	}
	if err = setMeta(tx, "reward_pool", pool); err != nil {
		return err
	}
	if err = logTransaction(tx, ts, "CLAIM", rec); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return err
	}
	j.treasury = rec.Pool
	return nil
}

func (j *sqliteJournal) RecordWithdrawal(p types.Payout) (err error) {
	if p.Amount > j.treasury {
		return fmt.Errorf("payout %d exceeds treasury %d", p.Amount, j.treasury)
	}

	tx, err := j.db.Begin()
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	ts := j.now().Unix()
	amount := strconv.FormatUint(p.Amount, 10)
	if _, err = tx.Exec("INSERT INTO withdrawals (account, share, amount, withdrawn_at) VALUES (?, ?, ?, ?)",
		string(p.Account), p.Share, amount, ts); err != nil {
		return fmt.Errorf("withdrawal: %w", err)
	}

	status := PayoutPending
	if p.Amount == 0 {
		status = PayoutZero
	}
	if _, err = tx.Exec("INSERT INTO payouts (id, account, amount, status, created_at) VALUES (?, ?, ?, ?, ?)",
		payoutID(j.roundID, p.Account), string(p.Account), amount, status, ts); err != nil {
		return fmt.Errorf("payout: %w", err)
	}

	if err = setMeta(tx, "treasury", strconv.FormatUint(j.treasury-p.Amount, 10)); err != nil {
		return err
	}
	if err = logTransaction(tx, ts, "WITHDRAW", p); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return err
	}
	j.treasury -= p.Amount
	return nil
}

func logTransaction(e execer, ts int64, action string, payload interface{}) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	blob, err := core.Compress(raw)
	if err != nil {
		return err
	}
	if _, err := e.Exec("INSERT INTO transaction_log (ts, action_type, payload_blob) VALUES (?, ?, ?)", ts, action, blob); err != nil {
		return fmt.Errorf("transaction log: %w", err)
	}
	return nil
}
