package syncer

import (
	"go.uber.org/zap"

	"github.com/0gfoundation/mealvoucher/internal/api"
)

// State is the coordinator's lifecycle: Idle → Syncing → Success|Error.
// Success and Error report the last outcome and accept a new sync like Idle.
type State int32

const (
	StateIdle State = iota
	StateSyncing
	StateSuccess
	StateError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSyncing:
		return "syncing"
	case StateSuccess:
		return "success"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// logItems reports per-item outcomes. Conflicts were already filed as
// fraud reports server-side; the station only surfaces them.
func logItems(items []api.BatchItemResult, log *zap.Logger) {
	for _, it := range items {
		switch it.Status {
		case api.ItemAccepted:
			log.Debug("transaction accepted", zap.String("hash", it.TransactionHash))
		case api.ItemDuplicate:
			log.Info("transaction already on server", zap.String("hash", it.TransactionHash))
		case api.ItemConflict:
			log.Warn("transaction conflicts with another redemption", zap.String("hash", it.TransactionHash))
		default:
			log.Error("transaction rejected",
				zap.String("hash", it.TransactionHash),
				zap.String("status", it.Status),
			)
		}
	}
}
