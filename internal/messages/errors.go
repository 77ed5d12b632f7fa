package messages

import (
	"errors"
	"fmt"
)

var (
	errMissingStore = errors.New("store is required")
	// ErrPersistence marks a failed write-through; the in-memory ledger stays authoritative.
	ErrPersistence = errors.New("messages: persistence failed")
)

// ServiceError carries a stable "<operation>.<reason>" code alongside the cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opLedgerNew    = "messages.ledger.new"
	opLedgerLoad   = "messages.ledger.load"
	opLedgerAppend = "messages.ledger.append"
	opLedgerClear  = "messages.ledger.clear"

	reasonMissingStore  = "missing_store"
	reasonInvalidRecord = "invalid_record"
	reasonDuplicate     = "duplicate"
	reasonEncodeFailed  = "encode_failed"
	reasonPersistFailed = "persist_failed"
	reasonDecodeFailed  = "decode_failed"
	reasonReadFailed    = "read_failed"
	reasonRemoveFailed  = "remove_failed"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}
