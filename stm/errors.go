package stm

import "github.com/cockroachdb/errors"

var (
	// ErrTerminated is the panic value of RecordRead, RecordWrite,
	// RegisterAbort and RegisterCommit when the transaction is no longer
	// Open. Commit on such a transaction returns false and Abort does
	// nothing.
	ErrTerminated = errors.New("stm: transaction already terminated")
)
