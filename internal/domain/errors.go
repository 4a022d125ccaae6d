package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrCalibration marks an item whose parameters are outside their valid ranges.
	ErrCalibration = errors.New("item calibration out of range")
	// ErrNoEligibleItems is returned when the candidate pool has been exhausted.
	ErrNoEligibleItems = errors.New("no eligible items")
	// ErrSessionComplete is returned when a session finished instead of producing the next item.
	ErrSessionComplete = errors.New("session complete")
	// ErrInvalidResponseOrder is returned when a response does not match the pending item.
	ErrInvalidResponseOrder = errors.New("invalid response order")
	// ErrSessionNotFinished is returned when results are requested for an active session.
	ErrSessionNotFinished = errors.New("session not finished")
	// ErrInvalidSessionState is returned for any operation attempted on a terminal session.
	ErrInvalidSessionState = errors.New("invalid session state")
	// ErrInvalidConfig is returned when a test configuration is inconsistent.
	ErrInvalidConfig = errors.New("invalid test configuration")
	// ErrEmptyHistory is returned when ability estimation is asked to run without responses.
	ErrEmptyHistory = errors.New("empty response history")
	// ErrUnknownItem is returned when an item id is not present in the item bank.
	ErrUnknownItem = errors.New("unknown item")
	// ErrNotFound is returned by repositories when a record does not exist.
	ErrNotFound = errors.New("not found")
)

// CalibrationError describes the offending parameter of a malformed item.
type CalibrationError struct {
	ItemID string
	Field  string
	Value  float64
	Reason string
}

func (e *CalibrationError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("item %q: %s: %s", e.ItemID, e.Field, e.Reason)
	}
	return fmt.Sprintf("item %q: %s %v out of range", e.ItemID, e.Field, e.Value)
}

func (e *CalibrationError) Unwrap() error { return ErrCalibration }

// ResponseOrderError reports the item that was expected versus the one received.
type ResponseOrderError struct {
	Expected string
	Got      string
}

func (e *ResponseOrderError) Error() string {
	if e.Expected == "" {
		return fmt.Sprintf("response for %q but no item is pending", e.Got)
	}
	return fmt.Sprintf("response for %q but pending item is %q", e.Got, e.Expected)
}

func (e *ResponseOrderError) Unwrap() error { return ErrInvalidResponseOrder }

// StateError reports an operation rejected because of the session's status.
type StateError struct {
	SessionID string
	Status    Status
	Op        string
}

func (e *StateError) Error() string {
	return fmt.Sprintf("session %s is %s: cannot %s", e.SessionID, e.Status, e.Op)
}

func (e *StateError) Unwrap() error { return ErrInvalidSessionState }
