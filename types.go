package main

import (
	"time"

	"pixelwar/pkg/types"
)

// --- Client API Models ---

type PixelRequest struct {
	X       uint32 `json:"x"`
	Y       uint32 `json:"y"`
	Color   uint32 `json:"color"`
	Deposit uint64 `json:"deposit"`
}

type WithdrawResponse struct {
	Account  types.Account `json:"account"`
	Share    uint64        `json:"share"`
	Amount   uint64        `json:"amount"`
	PayoutID string        `json:"payout_id"`
}

type AccountResponse struct {
	Account   types.Account `json:"account"`
	Cells     uint64        `json:"cells"`
	Withdrawn bool          `json:"withdrawn"`
}

type RoundResponse struct {
	types.RoundInfo
	RoundID         string `json:"round_id"`
	Width           uint32 `json:"width"`
	Height          uint32 `json:"height"`
	StartPrice      uint64 `json:"start_price"`
	PriceMultiplier uint64 `json:"price_multiplier"`
}

type RowResponse struct {
	Y     uint32           `json:"y"`
	Cells []types.CellView `json:"cells"`
}

type SnapshotInfo struct {
	ID       int64     `json:"id"`
	TakenAt  time.Time `json:"taken_at"`
	Final    bool      `json:"final"`
	Size     int       `json:"size"`
	PrevHash string    `json:"prev_hash"`
	Hash     string    `json:"hash"`
}

type StatusResponse struct {
	Node        string `json:"node"`
	Round       string `json:"round"`
	Finished    bool   `json:"finished"`
	Subscribers int    `json:"subscribers"`
	PendingPays int    `json:"pending_payouts"`
}
