package prices

import (
	"errors"
	"fmt"
)

// ErrPriceNotFound is returned when the price source has no sample for the
// requested window.
var ErrPriceNotFound = errors.New("price not found")

// UnknownTokenError is returned for tokens absent from the chain's catalog.
type UnknownTokenError struct {
	ChainID int64
	Token   string
}

func (e *UnknownTokenError) Error() string {
	return fmt.Sprintf("unknown token %s on chain %d", e.Token, e.ChainID)
}
