package transaction

import (
	"fmt"

	"github.com/pingcap-incubator/epochkv/kv/transaction/mvcc"
	"github.com/pingcap/errors"
)

// Status is the outcome of a transactional operation. Success is reported as a nil error; every other outcome is
// a Status (possibly wrapped in an AbortError) so callers can switch on it with StatusOf.
//
// Warnings leave the transaction running. Errors abort it before they are returned.
type Status int

const (
	OK Status = iota

	WarnAlreadyBegin
	WarnAlreadyDelete
	WarnAlreadyExists
	WarnConcurrentDelete
	WarnConcurrentInsert
	WarnConcurrentUpdate
	WarnIllegalOperation
	WarnInvalidArgs
	WarnInvalidHandle
	WarnMaxSessions
	WarnNotBegin
	WarnNotFound
	WarnPremature
	WarnReadFromOwnOperation
	WarnScanLimit
	WarnStorageNotFound
	WarnWaitingForOtherTx

	ErrCC
	ErrConflictOnWritePreserve
	ErrFailWP
	ErrReadAreaViolation
	ErrWriteWithoutWP
	ErrFatal
)

var statusNames = map[Status]string{
	OK:                         "OK",
	WarnAlreadyBegin:           "WARN_ALREADY_BEGIN",
	WarnAlreadyDelete:          "WARN_ALREADY_DELETE",
	WarnAlreadyExists:          "WARN_ALREADY_EXISTS",
	WarnConcurrentDelete:       "WARN_CONCURRENT_DELETE",
	WarnConcurrentInsert:       "WARN_CONCURRENT_INSERT",
	WarnConcurrentUpdate:       "WARN_CONCURRENT_UPDATE",
	WarnIllegalOperation:       "WARN_ILLEGAL_OPERATION",
	WarnInvalidArgs:            "WARN_INVALID_ARGS",
	WarnInvalidHandle:          "WARN_INVALID_HANDLE",
	WarnMaxSessions:            "WARN_MAX_SESSIONS",
	WarnNotBegin:               "WARN_NOT_BEGIN",
	WarnNotFound:               "WARN_NOT_FOUND",
	WarnPremature:              "WARN_PREMATURE",
	WarnReadFromOwnOperation:   "WARN_READ_FROM_OWN_OPERATION",
	WarnScanLimit:              "WARN_SCAN_LIMIT",
	WarnStorageNotFound:        "WARN_STORAGE_NOT_FOUND",
	WarnWaitingForOtherTx:      "WARN_WAITING_FOR_OTHER_TX",
	ErrCC:                      "ERR_CC",
	ErrConflictOnWritePreserve: "ERR_CONFLICT_ON_WRITE_PRESERVE",
	ErrFailWP:                  "ERR_FAIL_WP",
	ErrReadAreaViolation:       "ERR_READ_AREA_VIOLATION",
	ErrWriteWithoutWP:          "ERR_WRITE_WITHOUT_WP",
	ErrFatal:                   "ERR_FATAL",
}

func (s Status) Error() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("Status(%d)", int(s))
}

func (s Status) String() string {
	return s.Error()
}

// IsWarning reports whether the transaction is still running after s was returned.
func (s Status) IsWarning() bool {
	return s > OK && s < ErrCC
}

// IsAbort reports whether s means the transaction was aborted.
func (s Status) IsAbort() bool {
	return s >= ErrCC && s < ErrFatal
}

// StatusOf extracts the status from an error returned by this package. Errors of unknown origin map to ErrFatal.
func StatusOf(err error) Status {
	if err == nil {
		return OK
	}
	if s, ok := errors.Cause(err).(Status); ok {
		return s
	}
	return ErrFatal
}

// AbortReason says which check aborted a transaction.
type AbortReason int

const (
	ReasonUnknown AbortReason = iota
	ReasonUserAbort
	ReasonReadVerify
	ReasonPhantom
	ReasonWPVerify
	ReasonWPConflict
	ReasonRecordGone
	ReasonConcurrentDelete
	ReasonConcurrentInsert
	ReasonOrderOverflow
	ReasonLongVersionInEpoch
	ReasonLongReadValidation
	ReasonLongPhantom
	ReasonReadByAfter
	ReasonReadArea
	ReasonWriteWithoutWP
	ReasonFailWP
)

var reasonNames = map[AbortReason]string{
	ReasonUnknown:            "unknown",
	ReasonUserAbort:          "user abort",
	ReasonReadVerify:         "read set verification",
	ReasonPhantom:            "node verification",
	ReasonWPVerify:           "write preserve verification",
	ReasonWPConflict:         "storage is write preserved",
	ReasonRecordGone:         "record was removed",
	ReasonConcurrentDelete:   "record was deleted concurrently",
	ReasonConcurrentInsert:   "record was inserted concurrently",
	ReasonOrderOverflow:      "intra epoch order exhausted",
	ReasonLongVersionInEpoch: "long transaction wrote the record in the commit epoch",
	ReasonLongReadValidation: "read version was overwritten by an earlier transaction",
	ReasonLongPhantom:        "range read gained or lost records",
	ReasonReadByAfter:        "a later transaction read the written key",
	ReasonReadArea:           "read outside the declared read area",
	ReasonWriteWithoutWP:     "write to a storage without write preserve",
	ReasonFailWP:             "write preserve failed",
}

func (r AbortReason) String() string {
	if name, ok := reasonNames[r]; ok {
		return name
	}
	return fmt.Sprintf("AbortReason(%d)", int(r))
}

// AbortError is returned when a transaction aborts. Cause yields the Status.
type AbortError struct {
	Status  Status
	Reason  AbortReason
	Storage mvcc.Storage
	Key     []byte
}

func (e *AbortError) Error() string {
	if e.Key == nil {
		return fmt.Sprintf("%s: %s", e.Status, e.Reason)
	}
	return fmt.Sprintf("%s: %s, storage %d key %q", e.Status, e.Reason, e.Storage, e.Key)
}

func (e *AbortError) Cause() error {
	return e.Status
}

func abortErr(s Status, reason AbortReason, st mvcc.Storage, key []byte) *AbortError {
	return &AbortError{Status: s, Reason: reason, Storage: st, Key: key}
}

// ReasonOf returns the abort reason carried by err, if any.
func ReasonOf(err error) AbortReason {
	if ae, ok := err.(*AbortError); ok {
		return ae.Reason
	}
	return ReasonUnknown
}
