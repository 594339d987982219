package listener

import (
	"errors"
	"fmt"

	"github.com/zilstream/grants-indexer/internal/prices"
)

// FetchError reports a failed read from the chain. The cycle is abandoned
// and the next scheduled poll retries from the same cursors.
type FetchError struct {
	From, To uint64
	Err      error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch blocks %d-%d: %v", e.From, e.To, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// ProcessError carries the position of an event that could not be applied.
// It halts the chain's listener.
type ProcessError struct {
	ChainID  int64
	Contract string
	Event    string
	Block    uint64
	TxHash   string
	Err      error
}

func (e *ProcessError) Error() string {
	return fmt.Sprintf("chain %d: %s.%s at block %d (tx %s): %v",
		e.ChainID, e.Contract, e.Event, e.Block, e.TxHash, e.Err)
}

func (e *ProcessError) Unwrap() error { return e.Err }

// skipReason classifies errors that drop a single event instead of halting.
func skipReason(err error) (string, bool) {
	var unknown *prices.UnknownTokenError
	switch {
	case errors.As(err, &unknown):
		return "unknown_token", true
	case errors.Is(err, prices.ErrPriceNotFound):
		return "price_not_found", true
	}
	return "", false
}
