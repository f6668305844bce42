package orchestrator

import (
	"errors"
	"fmt"
)

// ErrInvariant marks a state the machine cannot continue from. It is fatal
// for the symbol only.
var ErrInvariant = errors.New("invariant violation")

type InvariantError struct {
	Symbol string
	Msg    string
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("%s: %s: %s", e.Symbol, ErrInvariant, e.Msg)
}

func (e *InvariantError) Unwrap() error { return ErrInvariant }
