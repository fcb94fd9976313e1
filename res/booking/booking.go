package booking

import "time"

// CustomerInfo is carried through unchanged by the lifecycle code.
type CustomerInfo struct {
	Name  string `json:"name,omitempty"`
	Phone string `json:"phone,omitempty"`
	Email string `json:"email,omitempty"`
}

// LocationState is the provider position embedded in a booking. It has no
// lifecycle of its own.
type LocationState struct {
	Latitude    float64   `json:"latitude"`
	Longitude   float64   `json:"longitude"`
	IsTracking  bool      `json:"isTracking"`
	LastUpdated time.Time `json:"lastUpdated"`
}

// Booking is the client-side view of a single engagement. Values are treated
// as immutable; the With* methods return updated copies.
type Booking struct {
	ID            string `json:"id"`
	BookingNumber string `json:"bookingNumber"`
	Status        Status `json:"status"`
	CustomerID    string `json:"customerId,omitempty"`
	ProviderID    string `json:"providerId,omitempty"`
	ProviderName  string `json:"providerName,omitempty"`
	ServiceID     string `json:"serviceId,omitempty"`

	ProviderLocation *LocationState `json:"providerLocation,omitempty"`

	ScheduledDate string       `json:"scheduledDate,omitempty"`
	ScheduledTime string       `json:"scheduledTime,omitempty"`
	Address       string       `json:"address,omitempty"`
	CustomerInfo  CustomerInfo `json:"customerInfo"`
	TotalAmount   float64      `json:"totalAmount"`

	ProviderNotes string `json:"providerNotes,omitempty"`
	SignatureURL  string `json:"signatureUrl,omitempty"`

	CreatedAt time.Time `json:"createdAt,omitempty"`
	UpdatedAt time.Time `json:"updatedAt,omitempty"`
}

// LogEntry is one append-only history record written by the backend on every
// accepted transition.
type LogEntry struct {
	ID            string    `json:"id"`
	BookingID     string    `json:"bookingId"`
	OldStatus     Status    `json:"oldStatus"`
	NewStatus     Status    `json:"newStatus"`
	ChangedBy     string    `json:"changedBy"`
	Notes         string    `json:"notes,omitempty"`
	ProviderNotes string    `json:"providerNotes,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// Clone returns a copy that shares no pointers with b.
func (b Booking) Clone() Booking {
	if b.ProviderLocation != nil {
		loc := *b.ProviderLocation
		b.ProviderLocation = &loc
	}
	return b
}

func (b Booking) IsTracking() bool {
	return b.ProviderLocation != nil && b.ProviderLocation.IsTracking
}

// WithStatus sets the status and re-derives the tracking flag: leaving the
// trackable set always clears it, the last coordinate is kept.
func (b Booking) WithStatus(s Status) Booking {
	out := b.Clone()
	out.Status = s
	if out.ProviderLocation != nil && !s.Trackable() {
		out.ProviderLocation.IsTracking = false
	}
	return out
}

// WithLocation merges a coordinate sample. Samples not strictly newer than
// the cached one are discarded and reported as not accepted. A fresh sample
// marks tracking as live, except while the status forbids tracking.
func (b Booking) WithLocation(lat, lng float64, at time.Time) (Booking, bool) {
	if b.ProviderLocation != nil && !at.After(b.ProviderLocation.LastUpdated) {
		return b, false
	}

	out := b.Clone()
	out.ProviderLocation = &LocationState{
		Latitude:    lat,
		Longitude:   lng,
		IsTracking:  out.Status.Trackable(),
		LastUpdated: at,
	}
	return out, true
}

// WithoutTracking clears the tracking flag locally, pending server
// confirmation.
func (b Booking) WithoutTracking() Booking {
	if b.ProviderLocation == nil || !b.ProviderLocation.IsTracking {
		return b
	}
	out := b.Clone()
	out.ProviderLocation.IsTracking = false
	return out
}

// DisplayPolicy decides whether a provider position is rendered on a map.
type DisplayPolicy int

const (
	// HideWhenIdle shows the position only while tracking is live.
	HideWhenIdle DisplayPolicy = iota
	// ShowLastKnown also shows the final position once tracking has ended.
	ShowLastKnown
)

func (p DisplayPolicy) ShowLocation(b Booking) bool {
	if b.ProviderLocation == nil {
		return false
	}
	if b.ProviderLocation.IsTracking {
		return true
	}
	return p == ShowLastKnown
}
