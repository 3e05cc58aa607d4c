package db

import "errors"

var (
	ErrNotFound        = errors.New("db: not found")
	ErrDuplicateTicket = errors.New("db: client already has an open ticket")
)

// DefaultMessageLimit bounds history reads when the caller passes no limit.
const DefaultMessageLimit = 50
