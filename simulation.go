package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"pixelwar/pkg/core"
	"pixelwar/pkg/types"
)

// --- Field Snapshots ---

// snapshotField packs the current field and appends it to the hash chain.
// The first link is chained to the round id.
func snapshotField(final bool) (SnapshotInfo, error) {
	snapLock.Lock()
	defer snapLock.Unlock()

	cfg := Game.Config()
	st := Game.State()
	blob, err := core.PackField(types.FieldSnapshot{
		Width:    cfg.Width,
		Height:   cfg.Height,
		Pool:     st.Pool,
		RoundEnd: Game.RoundFinishTimestamp().Unix(),
		Cells:    st.Cells,
	})
	if err != nil {
		return SnapshotInfo{}, err
	}

	var prevHash string
	err = db.QueryRow("SELECT final_hash FROM field_snapshots ORDER BY id DESC LIMIT 1").Scan(&prevHash)
	if errors.Is(err, sql.ErrNoRows) {
		prevHash = RoundID
	} else if err != nil {
		return SnapshotInfo{}, err
	}

	info := SnapshotInfo{
		TakenAt:  Clock().UTC(),
		Final:    final,
		Size:     len(blob),
		PrevHash: prevHash,
		Hash:     core.ChainHash(prevHash, blob),
	}
	res, err := db.Exec("INSERT INTO field_snapshots (taken_at, is_final, size, state_blob, prev_hash, final_hash) VALUES (?, ?, ?, ?, ?, ?)",
		info.TakenAt.Unix(), final, info.Size, blob, info.PrevHash, info.Hash)
	if err != nil {
		return SnapshotInfo{}, err
	}
	info.ID, _ = res.LastInsertId()

	InfoLog.WithFields(logrus.Fields{
		"id": info.ID, "final": final, "size": info.Size, "hash": info.Hash,
	}).Info("field snapshot")
	return info, nil
}

func latestSnapshot() (SnapshotInfo, bool, error) {
	var info SnapshotInfo
	var takenAt int64
	err := db.QueryRow("SELECT id, taken_at, is_final, size, prev_hash, final_hash FROM field_snapshots ORDER BY id DESC LIMIT 1").
		Scan(&info.ID, &takenAt, &info.Final, &info.Size, &info.PrevHash, &info.Hash)
	if errors.Is(err, sql.ErrNoRows) {
		return info, false, nil
	}
	if err != nil {
		return info, false, err
	}
	info.TakenAt = time.Unix(takenAt, 0).UTC()
	return info, true, nil
}

// verifySnapshotChain walks the chain from the round id and checks every link.
func verifySnapshotChain() (int, error) {
	rows, err := db.Query("SELECT id, state_blob, prev_hash, final_hash FROM field_snapshots ORDER BY id ASC")
	if err != nil {
		return 0, err
	}
	defer rows.Close()

	prev, n := RoundID, 0
	for rows.Next() {
		var id int64
		var blob []byte
		var prevHash, hash string
		if err := rows.Scan(&id, &blob, &prevHash, &hash); err != nil {
			return n, err
		}
		if prevHash != prev || core.ChainHash(prevHash, blob) != hash {
			return n, fmt.Errorf("snapshot chain broken at id %d", id)
		}
		if _, err := core.UnpackField(blob); err != nil {
			return n, err
		}
		prev = hash
		n++
	}
	return n, rows.Err()
}

// --- Background Loop ---

// runSnapshotLoop snapshots the field every interval while the round runs and
// takes one final snapshot once it has ended.
func runSnapshotLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if Game.IsRoundFinished() {
			takeFinalSnapshot()
			return
		}

		wait := time.Until(Game.RoundFinishTimestamp())
		if wait < 0 {
			wait = 0
		}
		end := time.NewTimer(wait)

		select {
		case <-ctx.Done():
			end.Stop()
			return
		case <-ticker.C:
			end.Stop()
			if _, err := snapshotField(false); err != nil {
				ErrorLog.WithError(err).Error("field snapshot failed")
			}
		case <-end.C:
		}
	}
}

func takeFinalSnapshot() {
	_, done, err := getMeta(db, "final_snapshot")
	if err != nil {
		ErrorLog.WithError(err).Error("final snapshot lookup failed")
		return
	}
	if done {
		return
	}
	info, err := snapshotField(true)
	if err != nil {
		ErrorLog.WithError(err).Error("final snapshot failed")
		return
	}
	if err := setMeta(db, "final_snapshot", info.Hash); err != nil {
		ErrorLog.WithError(err).Error("final snapshot marker not stored")
		return
	}
	InfoLog.WithFields(logrus.Fields{"round": RoundID, "pool": Game.RewardPool()}).Info("round finished; withdrawals open")
}
