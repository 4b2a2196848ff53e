package main

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gammazero/deque"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"pixelwar/pkg/core"
	"pixelwar/pkg/types"
)

const (
	PayoutPending = "PENDING"
	PayoutSent    = "SENT"
	PayoutFailed  = "FAILED"
	PayoutZero    = "ZERO" // nothing to transfer

	maxPayoutAttempts = 10
	maxPayoutBackoff  = 5 * time.Minute
)

// payoutID is stable per round and account, so the payment service can use it
// to drop duplicate deliveries.
func payoutID(roundID string, account types.Account) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(roundID+"/"+string(account))).String()
}

type payoutJob struct {
	ID       string
	Account  types.Account
	Amount   uint64
	Attempts int
	NextTry  time.Time
}

// PaymentInstruction is the body posted to the payment webhook.
type PaymentInstruction struct {
	ID      string `json:"id"`
	Round   string `json:"round"`
	Account string `json:"account"`
	Amount  string `json:"amount"`
	Node    string `json:"node"`
}

// PayoutDispatcher implements game.Dispatcher. Dispatch only queues; Run
// delivers queued payouts to the payment webhook and retries with backoff.
type PayoutDispatcher struct {
	mu    sync.Mutex
	queue deque.Deque[payoutJob]
	wake  chan struct{}

	db      *sql.DB
	client  *http.Client
	webhook string
	roundID string
	key     ed25519.PrivateKey
	now     func() time.Time
}

func NewPayoutDispatcher(db *sql.DB, webhook, roundID string, key ed25519.PrivateKey) *PayoutDispatcher {
	return &PayoutDispatcher{
		wake:    make(chan struct{}, 1),
		db:      db,
		client:  &http.Client{Timeout: 5 * time.Second},
		webhook: webhook,
		roundID: roundID,
		key:     key,
		now:     Clock,
	}
}

func (d *PayoutDispatcher) Dispatch(p types.Payout) {
	if p.Amount == 0 {
		InfoLog.WithField("account", p.Account).Info("withdrawal with zero share; nothing to pay")
		return
	}
	d.push(payoutJob{ID: payoutID(d.roundID, p.Account), Account: p.Account, Amount: p.Amount})
}

func (d *PayoutDispatcher) push(j payoutJob) {
	d.mu.Lock()
	d.queue.PushBack(j)
	d.mu.Unlock()
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *PayoutDispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.queue.Len()
}

// Requeue loads payouts that were recorded but never confirmed, e.g. after a
// crash between the withdrawal commit and delivery.
func (d *PayoutDispatcher) Requeue() (int, error) {
	rows, err := d.db.Query("SELECT id, account, amount, attempts FROM payouts WHERE status=?", PayoutPending)
	if err != nil {
		return 0, err
	}
	defer rows.Close()

	n := 0
	for rows.Next() {
		var j payoutJob
		var account, amount string
		if err := rows.Scan(&j.ID, &account, &amount, &j.Attempts); err != nil {
			return n, err
		}
		if j.Amount, err = strconv.ParseUint(amount, 10, 64); err != nil {
			return n, fmt.Errorf("payout %s amount: %w", j.ID, err)
		}
		j.Account = types.Account(account)
		d.push(j)
		n++
	}
	return n, rows.Err()
}

func (d *PayoutDispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-d.wake:
		case <-ticker.C:
		}
		d.drain(d.now())
	}
}

// drain attempts every job that is due and puts the rest back.
func (d *PayoutDispatcher) drain(now time.Time) {
	d.mu.Lock()
	var due []payoutJob
	for n := d.queue.Len(); n > 0; n-- {
		j := d.queue.PopFront()
		if j.NextTry.After(now) {
			d.queue.PushBack(j)
			continue
		}
		due = append(due, j)
	}
	d.mu.Unlock()

	for _, j := range due {
		d.process(j, now)
	}
}

func (d *PayoutDispatcher) process(j payoutJob, now time.Time) {
	log := InfoLog.WithFields(logrus.Fields{"payout": j.ID, "account": j.Account, "amount": j.Amount})

	err := d.send(j)
	if err == nil {
		if _, dbErr := d.db.Exec("UPDATE payouts SET status=?, attempts=?, sent_at=?, last_error=NULL WHERE id=?",
			PayoutSent, j.Attempts+1, now.Unix(), j.ID); dbErr != nil {
			ErrorLog.WithError(dbErr).WithField("payout", j.ID).Error("payout sent but status not saved")
		}
		log.Info("payout sent")
		return
	}

	j.Attempts++
	status := PayoutPending
	if j.Attempts >= maxPayoutAttempts {
		status = PayoutFailed
	}
	if _, dbErr := d.db.Exec("UPDATE payouts SET status=?, attempts=?, last_error=? WHERE id=?",
		status, j.Attempts, err.Error(), j.ID); dbErr != nil {
		ErrorLog.WithError(dbErr).WithField("payout", j.ID).Error("payout status not saved")
	}

	if status == PayoutFailed {
		ErrorLog.WithError(err).WithField("payout", j.ID).Error("payout abandoned; needs manual settlement")
		return
	}
	j.NextTry = now.Add(backoff(j.Attempts))
	ErrorLog.WithError(err).WithFields(logrus.Fields{"payout": j.ID, "attempt": j.Attempts}).Warn("payout failed, will retry")
	d.push(j)
}

func backoff(attempt int) time.Duration {
	if attempt > 9 {
		return maxPayoutBackoff
	}
	d := time.Duration(1<<uint(attempt)) * time.Second
	if d > maxPayoutBackoff {
		return maxPayoutBackoff
	}
	return d
}

func (d *PayoutDispatcher) send(j payoutJob) error {
	body, err := json.Marshal(PaymentInstruction{
		ID: j.ID, Round: d.roundID, Account: string(j.Account),
		Amount: strconv.FormatUint(j.Amount, 10), Node: NodeID,
	})
	if err != nil {
		return err
	}
	if d.webhook == "" {
		InfoLog.WithField("instruction", string(body)).Info("no payment webhook configured; dry run")
		return nil
	}

	req, err := http.NewRequest(http.MethodPost, d.webhook, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", j.ID)
	if d.key != nil {
		req.Header.Set(SignatureHeader, hex.EncodeToString(core.Sign(d.key, body)))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("payment webhook: %s", resp.Status)
	}
	return nil
}
