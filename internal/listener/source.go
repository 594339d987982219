package listener

import (
	"context"

	"github.com/ethereum/go-ethereum/core/types"
)

// Source is the chain the listener reads logs from. rpc.Client implements it.
type Source interface {
	BlockNumber(ctx context.Context) (uint64, error)
	// Logs returns the logs emitted by addresses within [from, to].
	Logs(ctx context.Context, addresses []string, from, to uint64) ([]types.Log, error)
}

// Notifier is told which rounds a poll cycle changed.
type Notifier interface {
	RoundsChanged(chainID int64, block uint64, roundIDs []string)
}
