package main

import (
	"encoding/json"
	"math"
	"net/http"
	"strconv"

	"github.com/matryer/way"
	"github.com/sirupsen/logrus"

	"pixelwar/pkg/game"
	"pixelwar/pkg/types"
)

func routes() *way.Router {
	router := way.NewRouter()

	// Client API Endpoints
	router.HandleFunc("POST", "/api/pixel", handleSetPixel)
	router.HandleFunc("GET", "/api/pixel/:x/:y", handleGetPixel)
	router.HandleFunc("GET", "/api/row/:y", handleGetRow)
	router.HandleFunc("POST", "/api/withdraw", handleWithdraw)
	router.HandleFunc("GET", "/api/round", handleRound)
	router.HandleFunc("GET", "/api/account/:id", handleAccount)
	router.HandleFunc("GET", "/api/snapshot", handleSnapshot)
	router.HandleFunc("GET", "/api/status", handleStatus)

	// Live Feed
	router.HandleFunc("GET", "/ws/feed", func(w http.ResponseWriter, r *http.Request) {
		feed.HandleFeed(w, r)
	})
	return router
}

func paramUint32(r *http.Request, name string) (uint32, bool) {
	v, err := strconv.ParseUint(way.Param(r.Context(), name), 10, 32)
	if err != nil {
		return 0, false
	}
	return uint32(v), true
}

// --- Mutations ---

func handleSetPixel(w http.ResponseWriter, r *http.Request) {
	account, ok := accountFrom(r)
	if !ok {
		http.Error(w, "Missing "+AccountHeader, http.StatusUnauthorized)
		return
	}
	var req PixelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Bad JSON", http.StatusBadRequest)
		return
	}

	stateLock.Lock()
	treasury := journal.Treasury()
	if req.Deposit > math.MaxUint64-treasury {
		stateLock.Unlock()
		http.Error(w, "Deposit Too Large", http.StatusUnprocessableEntity)
		return
	}
	rec, err := Game.ClaimOrRecolor(game.Claim{
		X: req.X, Y: req.Y, Color: req.Color,
		Payer:    account,
		Attached: req.Deposit,
		Balance:  treasury + req.Deposit,
	})
	if err == nil {
		// Publish never blocks; holding the lock keeps events in commit order.
		feed.Publish(PixelEvent{Type: "pixel", Cell: rec.Cell, PreviousOwner: rec.PreviousOwner, Pool: rec.Pool})
	}
	stateLock.Unlock()

	log := InfoLog.WithFields(logrus.Fields{"account": account, "x": req.X, "y": req.Y, "deposit": req.Deposit})
	if err != nil {
		log.WithError(err).Info("claim rejected")
		writeError(w, err)
		return
	}
	log.WithField("price", rec.Cell.Price).Info("pixel claimed")
	writeJSON(w, http.StatusOK, rec)
}

func handleWithdraw(w http.ResponseWriter, r *http.Request) {
	account, ok := accountFrom(r)
	if !ok {
		http.Error(w, "Missing "+AccountHeader, http.StatusUnauthorized)
		return
	}

	stateLock.Lock()
	p, err := Game.Withdraw(account)
	stateLock.Unlock()

	log := InfoLog.WithField("account", account)
	if err != nil {
		log.WithError(err).Info("withdrawal rejected")
		writeError(w, err)
		return
	}
	log.WithFields(logrus.Fields{"share": p.Share, "amount": p.Amount}).Info("withdrawal recorded")

	writeJSON(w, http.StatusOK, WithdrawResponse{
		Account: p.Account, Share: p.Share, Amount: p.Amount,
		PayoutID: payoutID(RoundID, p.Account),
	})
}

// --- Reads ---

func handleGetPixel(w http.ResponseWriter, r *http.Request) {
	x, okX := paramUint32(r, "x")
	y, okY := paramUint32(r, "y")
	if !okX || !okY {
		http.Error(w, "Bad Coordinates", http.StatusBadRequest)
		return
	}
	c, err := Game.Cell(x, y)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func handleGetRow(w http.ResponseWriter, r *http.Request) {
	y, ok := paramUint32(r, "y")
	if !ok {
		http.Error(w, "Bad Row", http.StatusBadRequest)
		return
	}
	// Rows outside the field are simply empty.
	writeJSON(w, http.StatusOK, RowResponse{Y: y, Cells: Game.Row(y)})
}

func handleRound(w http.ResponseWriter, r *http.Request) {
	cfg := Game.Config()
	writeJSON(w, http.StatusOK, RoundResponse{
		RoundInfo:       Game.Round(),
		RoundID:         RoundID,
		Width:           cfg.Width,
		Height:          cfg.Height,
		StartPrice:      cfg.StartPrice,
		PriceMultiplier: cfg.PriceMultiplier,
	})
}

func handleAccount(w http.ResponseWriter, r *http.Request) {
	id := way.Param(r.Context(), "id")
	if id == "" || len(id) > MaxAccountLen {
		http.Error(w, "Bad Account", http.StatusBadRequest)
		return
	}
	a := types.Account(id)
	writeJSON(w, http.StatusOK, AccountResponse{Account: a, Cells: Game.CountOf(a), Withdrawn: Game.HasWithdrawn(a)})
}

func handleSnapshot(w http.ResponseWriter, r *http.Request) {
	info, found, err := latestSnapshot()
	if err != nil {
		writeError(w, err)
		return
	}
	if !found {
		http.Error(w, "No Snapshot Yet", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, StatusResponse{
		Node:        NodeID,
		Round:       RoundID,
		Finished:    Game.IsRoundFinished(),
		Subscribers: feed.Subscribers(),
		PendingPays: payouts.Pending(),
	})
}
