package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrSourceUnavailable marks a catalog fetch that failed or returned an
	// incomplete record set. Fatal for the run.
	ErrSourceUnavailable = errors.New("source unavailable")

	// ErrAuthenticationFailure marks credentials rejected by the hosting
	// platform, or a platform that could not be reached to authenticate.
	ErrAuthenticationFailure = errors.New("authentication failure")
)

// DropReason classifies a sample excluded during normalization.
type DropReason string

const (
	DropUnknownStation  DropReason = "unknown_station"
	DropMalformedRecord DropReason = "malformed_record"
	DropDuplicate       DropReason = "duplicate"
)

// DropError is returned by Normalize for samples that must not be published.
type DropError struct {
	Reason         DropReason
	SourceRecordID string
	Detail         string
}

func (e *DropError) Error() string {
	return fmt.Sprintf("drop record %q: %s: %s", e.SourceRecordID, e.Reason, e.Detail)
}

func drop(reason DropReason, s RawSample, format string, args ...any) *DropError {
	return &DropError{
		Reason:         reason,
		SourceRecordID: s.SourceRecordID,
		Detail:         fmt.Sprintf(format, args...),
	}
}

// DropCounts tallies dropped samples by reason.
type DropCounts map[DropReason]int

// Add records one drop and returns the receiver.
func (d DropCounts) Add(reason DropReason) DropCounts {
	d[reason]++
	return d
}

// Total returns the number of drops across all reasons.
func (d DropCounts) Total() int {
	n := 0
	for _, c := range d {
		n += c
	}
	return n
}
