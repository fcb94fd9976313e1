package store

import "errors"

var (
	ErrUniqueViolation = errors.New("store: duplicate key value violates unique constraint")
	ErrInvalidInput    = errors.New("store: invalid input")
	ErrNotFound        = errors.New("store: record not found")

	ErrStaleStatus   = errors.New("store: booking status changed concurrently")
	ErrNotTrackable  = errors.New("store: booking is not in a trackable status")
	ErrStaleLocation = errors.New("store: location sample is older than the stored one")
)
