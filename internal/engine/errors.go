package engine

import (
	"errors"
	"fmt"

	"dealline/internal/domain"
	"dealline/internal/projection"
)

var (
	ErrUnknownStage   = errors.New("unknown stage")
	ErrNoPendingStage = projection.ErrNoPending
	ErrDealNotLoaded  = projection.ErrNotLoaded
)

// LedgerAppendError means the history record could not be written. The deal
// was not touched and the pending session is still open, so the commit can be
// retried as is.
type LedgerAppendError struct {
	DealID string
	Stage  domain.Stage
	Err    error
}

func (e *LedgerAppendError) Error() string {
	return fmt.Sprintf("append %s history for deal %s: %v", e.Stage, e.DealID, e.Err)
}

func (e *LedgerAppendError) Unwrap() error { return e.Err }

// DealPersistError means the history record exists but the deal document
// could not be updated. The projection has advanced and is flagged unsynced
// until Resync or Reload.
type DealPersistError struct {
	DealID   string
	RecordID string
	Err      error
}

func (e *DealPersistError) Error() string {
	return fmt.Sprintf("update deal %s (history record %s written): %v", e.DealID, e.RecordID, e.Err)
}

func (e *DealPersistError) Unwrap() error { return e.Err }
