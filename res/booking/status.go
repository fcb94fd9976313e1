package booking

import (
	"fmt"
	"strings"
)

// Status is the lifecycle stage of a booking. The set is closed: values that
// are not one of the constants below are rejected by ParseStatus.
type Status string

const (
	StatusPending         Status = "pending"
	StatusConfirmed       Status = "confirmed"
	StatusProviderOnWay   Status = "provider-on-way"
	StatusProviderStarted Status = "provider-started"
	StatusWorkStarted     Status = "work-started"
	StatusInProgress      Status = "in-progress"
	StatusCompleted       Status = "completed"
	StatusCancelled       Status = "cancelled"
)

// AllStatuses lists every status in typical progress order.
func AllStatuses() []Status {
	return []Status{
		StatusPending,
		StatusConfirmed,
		StatusProviderOnWay,
		StatusProviderStarted,
		StatusWorkStarted,
		StatusInProgress,
		StatusCompleted,
		StatusCancelled,
	}
}

func ParseStatus(s string) (Status, error) {
	status := Status(strings.TrimSpace(strings.ToLower(s)))
	if !status.Valid() {
		return "", fmt.Errorf("%w: unknown status %q", ErrValidation, s)
	}
	return status, nil
}

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusConfirmed, StatusProviderOnWay, StatusProviderStarted,
		StatusWorkStarted, StatusInProgress, StatusCompleted, StatusCancelled:
		return true
	}
	return false
}

func (s Status) String() string {
	return string(s)
}

// Terminal reports whether no further transition may leave s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// Trackable reports whether live provider location may be broadcast while a
// booking is in s.
func (s Status) Trackable() bool {
	switch s {
	case StatusProviderOnWay, StatusProviderStarted, StatusWorkStarted, StatusInProgress:
		return true
	}
	return false
}

// Next returns the forward adjacency of s. Cancellation is not part of the
// forward graph; see CanTransition.
func Next(s Status) []Status {
	switch s {
	case StatusPending:
		return []Status{StatusConfirmed, StatusProviderOnWay}
	case StatusConfirmed:
		return []Status{StatusProviderOnWay, StatusProviderStarted}
	case StatusProviderOnWay:
		return []Status{StatusProviderStarted, StatusWorkStarted}
	case StatusProviderStarted:
		return []Status{StatusWorkStarted, StatusInProgress}
	case StatusWorkStarted:
		return []Status{StatusInProgress, StatusCompleted}
	case StatusInProgress:
		return []Status{StatusCompleted}
	case StatusCompleted, StatusCancelled:
		return []Status{}
	}
	return nil
}

// AvailableActions is the set of forward moves a UI may offer for a booking
// in s. It is exactly Next(s).
func AvailableActions(s Status) []Status {
	return Next(s)
}

// CanTransition reports whether to is reachable from from in one step.
func CanTransition(from, to Status) bool {
	if to == StatusCancelled {
		return from.Valid() && !from.Terminal()
	}
	for _, next := range Next(from) {
		if next == to {
			return true
		}
	}
	return false
}
