package reminder

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrValidation          = errors.New("validation failed")
	ErrNotFound            = errors.New("not found")
	ErrForbidden           = errors.New("forbidden")
	ErrDelivery            = errors.New("delivery failed")
	ErrScheduleConsistency = errors.New("schedule consistency violated")
	ErrStorage             = errors.New("storage unavailable")
	ErrInvalidSchedule     = errors.New("fire time in the past")
)

// ValidationError rejects a malformed reminder definition.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

type NotFoundError struct {
	What string
	ID   int64
}

func (e *NotFoundError) Error() string {
	if e.What == "" {
		return fmt.Sprintf("reminder %d not found", e.ID)
	}
	return fmt.Sprintf("%s %d not found", e.What, e.ID)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

type ForbiddenError struct {
	ReminderID  int64
	RequesterID int64
}

func (e *ForbiddenError) Error() string {
	return fmt.Sprintf("user %d may not modify reminder %d", e.RequesterID, e.ReminderID)
}

func (e *ForbiddenError) Is(target error) bool { return target == ErrForbidden }

// DeliveryError is a transport failure. RetryAfter carries a server hint (HTTP 429).
type DeliveryError struct {
	Op         string
	Err        error
	RetryAfter time.Duration
}

func (e *DeliveryError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("%s: %v (retry after %s)", e.Op, e.Err, e.RetryAfter)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *DeliveryError) Unwrap() error        { return e.Err }
func (e *DeliveryError) Is(target error) bool { return target == ErrDelivery }

// ScheduleConsistencyError signals an invariant violation for one reminder.
type ScheduleConsistencyError struct {
	ReminderID int64
	Detail     string
}

func (e *ScheduleConsistencyError) Error() string {
	return fmt.Sprintf("reminder %d: %s", e.ReminderID, e.Detail)
}

func (e *ScheduleConsistencyError) Is(target error) bool { return target == ErrScheduleConsistency }

type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string { return fmt.Sprintf("storage %s: %v", e.Op, e.Err) }

func (e *StorageError) Unwrap() error        { return e.Err }
func (e *StorageError) Is(target error) bool { return target == ErrStorage }

// InvalidScheduleError flags a trigger stored with a fire time older than the
// tolerance window. The entry is persisted; callers doing catch-up may ignore it.
type InvalidScheduleError struct {
	Key    string
	FireAt time.Time
	Late   time.Duration
}

func (e *InvalidScheduleError) Error() string {
	return fmt.Sprintf("trigger %s fires %s in the past", e.Key, e.Late.Round(time.Second))
}

func (e *InvalidScheduleError) Is(target error) bool { return target == ErrInvalidSchedule }

// Storage wraps err as a StorageError unless it already is a domain error.
func Storage(op string, err error) error {
	if err == nil {
		return nil
	}
	var (
		se *StorageError
		nf *NotFoundError
		sc *ScheduleConsistencyError
		is *InvalidScheduleError
	)
	if errors.As(err, &se) || errors.As(err, &nf) || errors.As(err, &sc) || errors.As(err, &is) {
		return err
	}
	return &StorageError{Op: op, Err: err}
}
