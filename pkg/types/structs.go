package types

import "time"

// Account is an opaque, comparable participant identity supplied by the host.
type Account string

// --- Field ---

type CellView struct {
	X     uint32   `json:"x"`
	Y     uint32   `json:"y"`
	Owner *Account `json:"owner,omitempty"` // nil until first claim
	Price uint64   `json:"price"`
	Color uint32   `json:"color"`
}

// --- Round ---

type RoundInfo struct {
	Start    time.Time     `json:"start"`
	Duration time.Duration `json:"duration"`
	End      time.Time     `json:"end"`
	Finished bool          `json:"finished"`
	Pool     uint64        `json:"reward_pool"`
}

// --- Deltas handed to the host ---

// ClaimRecord is everything a successful claim changes.
type ClaimRecord struct {
	Cell          CellView `json:"cell"`
	PreviousOwner *Account `json:"previous_owner,omitempty"`
	Payer         Account  `json:"payer"`
	Attached      uint64   `json:"attached"`
	Pool          uint64   `json:"pool"`
}

type Payout struct {
	Account Account `json:"account"`
	Share   uint64  `json:"share"`
	Amount  uint64  `json:"amount"`
}

// --- Snapshots ---

// FieldSnapshot is the frozen picture of the field stored in the snapshot chain.
type FieldSnapshot struct {
	Width    uint32     `json:"width"`
	Height   uint32     `json:"height"`
	Pool     uint64     `json:"pool"`
	RoundEnd int64      `json:"round_end"` // unix seconds
	Cells    []CellView `json:"cells"`
}
