package booking

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// StatusCommand is the body of a transition request sent to the backend.
type StatusCommand struct {
	Status         Status `json:"status"`
	ProviderNotes  string `json:"providerNotes,omitempty"`
	ProviderID     string `json:"providerId,omitempty"`
	ProviderName   string `json:"providerName,omitempty"`
	Signature      string `json:"signature,omitempty"`
	ExpectedStatus Status `json:"expectedStatus,omitempty"`
}

// Commander sends transition commands to the authority.
type Commander interface {
	UpdateStatus(ctx context.Context, bookingID string, cmd StatusCommand) (*Booking, error)
}

// Ledger is the local booking cache the machine reads and updates.
type Ledger interface {
	Get(bookingID string) (Booking, bool)
	Upsert(b Booking)
	StopTracking(bookingID string)
}

// Tracker starts and stops location publishing for a booking.
type Tracker interface {
	Start(ctx context.Context, bookingID string) error
	Stop(bookingID string)
}

// SignatureCapturer opens the customer signature flow for a booking. The flow
// later calls Machine.SubmitSignature.
type SignatureCapturer interface {
	Begin(ctx context.Context, b Booking) error
}

// Signature is an e-signature payload, typically a PNG data URL.
type Signature struct {
	Data       string
	SignedBy   string
	CapturedAt time.Time
}

// Actor is the session issuing transitions. Only a provider actor names
// itself on the command; the backend assigns it to unassigned bookings.
type Actor struct {
	ID       string
	Name     string
	Provider bool
}

type MachineConfig struct {
	Commander Commander
	Ledger    Ledger
	Tracker   Tracker
	Capturer  SignatureCapturer
	Actor     Actor
	Logger    logrus.FieldLogger

	// OnStale is called after the backend rejects a transition as stale, so
	// the caller can re-fetch the booking.
	OnStale func(ctx context.Context, bookingID string)
}

// Machine issues status transitions for the bookings held in a Ledger and
// triggers the tracking side effects of each accepted transition.
type Machine struct {
	cfg MachineConfig

	mu         sync.Mutex
	signatures map[string]Signature
	parked     map[string]string
}

func NewMachine(cfg MachineConfig) *Machine {
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	return &Machine{
		cfg:        cfg,
		signatures: make(map[string]Signature),
		parked:     make(map[string]string),
	}
}

// AvailableActions returns the forward moves for a cached booking.
func (m *Machine) AvailableActions(bookingID string) []Status {
	b, ok := m.cfg.Ledger.Get(bookingID)
	if !ok {
		return nil
	}
	return AvailableActions(b.Status)
}

// AwaitingSignature reports whether a completion is parked for bookingID.
func (m *Machine) AwaitingSignature(bookingID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.parked[bookingID]
	return ok
}

// RequestTransition moves a booking to target. The move is checked against the
// cached status first and never sent when illegal. A completion without a
// captured signature is parked, the capture flow is opened, and
// ErrSignatureRequired is returned.
//
// When the backend accepts the move but tracking cannot be started, the
// updated booking is returned together with the tracking error.
func (m *Machine) RequestTransition(ctx context.Context, bookingID string, target Status, notes string) (Booking, error) {
	current, ok := m.cfg.Ledger.Get(bookingID)
	if !ok {
		return Booking{}, fmt.Errorf("%w (id: %s)", ErrUnknownBooking, bookingID)
	}
	if !target.Valid() {
		return current, fmt.Errorf("%w: unknown status %q", ErrValidation, target)
	}
	if !CanTransition(current.Status, target) {
		return current, fmt.Errorf("%w (%s -> %s)", ErrIllegalTransition, current.Status, target)
	}
	notes = strings.TrimSpace(notes)
	if target == StatusCancelled && notes == "" {
		return current, fmt.Errorf("%w to cancel a booking", ErrNotesRequired)
	}

	var signature string
	if target == StatusCompleted {
		m.mu.Lock()
		sig, signed := m.signatures[bookingID]
		if !signed {
			m.parked[bookingID] = notes
		}
		m.mu.Unlock()

		if !signed {
			if m.cfg.Capturer != nil {
				if err := m.cfg.Capturer.Begin(ctx, current); err != nil {
					m.cfg.Logger.WithError(err).WithField("booking_id", bookingID).Error("Failed to open signature capture")
				}
			}
			return current, ErrSignatureRequired
		}
		signature = sig.Data
	}

	return m.send(ctx, current, target, notes, signature)
}

// SubmitSignature records the customer's signature and resumes a parked
// completion, if any.
func (m *Machine) SubmitSignature(ctx context.Context, bookingID string, sig Signature) (Booking, error) {
	if strings.TrimSpace(sig.Data) == "" {
		return Booking{}, fmt.Errorf("%w: empty signature", ErrValidation)
	}
	if sig.CapturedAt.IsZero() {
		sig.CapturedAt = time.Now().UTC()
	}

	m.mu.Lock()
	m.signatures[bookingID] = sig
	notes, parked := m.parked[bookingID]
	delete(m.parked, bookingID)
	m.mu.Unlock()

	current, ok := m.cfg.Ledger.Get(bookingID)
	if !ok {
		return Booking{}, fmt.Errorf("%w (id: %s)", ErrUnknownBooking, bookingID)
	}
	if !parked {
		return current, nil
	}
	return m.RequestTransition(ctx, bookingID, StatusCompleted, notes)
}

func (m *Machine) send(ctx context.Context, current Booking, target Status, notes, signature string) (Booking, error) {
	logger := m.cfg.Logger.WithFields(logrus.Fields{
		"booking_id": current.ID,
		"from":       current.Status,
		"to":         target,
	})

	cmd := StatusCommand{
		Status:         target,
		ProviderNotes:  notes,
		Signature:      signature,
		ExpectedStatus: current.Status,
	}
	if m.cfg.Actor.Provider {
		cmd.ProviderID = m.cfg.Actor.ID
		cmd.ProviderName = m.cfg.Actor.Name
	}

	updated, err := m.cfg.Commander.UpdateStatus(ctx, current.ID, cmd)
	if err != nil {
		logger.WithError(err).Warn("Status transition rejected")
		if errors.Is(err, ErrStaleTransition) && m.cfg.OnStale != nil {
			m.cfg.OnStale(ctx, current.ID)
		}
		return current, err
	}

	result := current.WithStatus(target)
	if updated != nil {
		result = updated.WithStatus(updated.Status)
	}
	if notes != "" && result.ProviderNotes == "" {
		result.ProviderNotes = notes
	}
	m.cfg.Ledger.Upsert(result)
	logger.Info("Status transition accepted")

	if result.Status.Terminal() {
		m.mu.Lock()
		delete(m.signatures, current.ID)
		delete(m.parked, current.ID)
		m.mu.Unlock()
	}

	if m.cfg.Tracker == nil {
		return result, nil
	}
	if result.Status.Trackable() {
		if err := m.cfg.Tracker.Start(ctx, current.ID); err != nil {
			logger.WithError(err).Error("Failed to start location tracking")
			return result, fmt.Errorf("status updated but tracking did not start: %w", err)
		}
		return result, nil
	}

	m.cfg.Tracker.Stop(current.ID)
	m.cfg.Ledger.StopTracking(current.ID)
	if b, ok := m.cfg.Ledger.Get(current.ID); ok {
		result = b
	}
	return result, nil
}
