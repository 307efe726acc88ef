package ledger

import "errors"

var (
	ErrInvalidInput      = errors.New("invalid ride request")
	ErrDuplicateRequest  = errors.New("duplicate ride request")
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrAlreadyClaimed    = errors.New("ride already claimed")
	ErrNotFound          = errors.New("ride not found")

	// ErrDuplicateID is returned by stores when an id is inserted twice.
	ErrDuplicateID = errors.New("ride id already exists")
)
