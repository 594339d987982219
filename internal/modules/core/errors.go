package core

import "fmt"

// InvariantError reports a broken reference between entities, such as a
// donation to a round the store has never seen. It halts the chain.
type InvariantError struct {
	Entity string
	Key    string
	Reason string
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("invariant violated: %s %s: %s", e.Entity, e.Key, e.Reason)
}

// Invariant builds an InvariantError.
func Invariant(entity, key, format string, args ...any) error {
	return &InvariantError{Entity: entity, Key: key, Reason: fmt.Sprintf(format, args...)}
}

// DecodeError is returned when a log matches a known topic but its payload
// does not unpack against the registered ABI.
type DecodeError struct {
	Contract string
	Event    string
	Err      error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("failed to decode %s.%s: %v", e.Contract, e.Event, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }
