package wal

import (
	"errors"
	"fmt"
)

var (
	// ErrCorruptedWAL indicates a record in the middle of the log could not be parsed.
	ErrCorruptedWAL = errors.New("wal: file is corrupted")
	// ErrChecksumMismatch indicates a record's checksum does not match its contents.
	ErrChecksumMismatch = errors.New("wal: checksum mismatch")
	// ErrWALClosed indicates the log has been closed.
	ErrWALClosed = errors.New("wal: already closed")
)

// ChecksumError reports which record failed verification.
type ChecksumError struct {
	Seq      uint64
	Expected uint32
	Actual   uint32
}

func (e *ChecksumError) Error() string {
	return fmt.Sprintf("wal: checksum mismatch at seq=%d (expected=%#08x, got=%#08x)", e.Seq, e.Expected, e.Actual)
}

func (e *ChecksumError) Unwrap() error { return ErrChecksumMismatch }

// CorruptionError reports an unparsable record and where it was found.
type CorruptionError struct {
	Offset int64
	Cause  error
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("wal: corrupted record at offset %d: %v", e.Offset, e.Cause)
}

func (e *CorruptionError) Unwrap() []error { return []error{ErrCorruptedWAL, e.Cause} }
