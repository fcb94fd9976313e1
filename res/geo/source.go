package geo

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	ErrPermissionDenied = errors.New("geo: location permission denied")
	ErrTimeout          = errors.New("geo: location request timed out")
)

// Reading is a single WGS84 coordinate sample.
type Reading struct {
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	Timestamp time.Time `json:"timestamp"`
}

// Source wraps the device positioning capability. Implementations must honour
// ctx cancellation; callers bound the request with a deadline.
type Source interface {
	Current(ctx context.Context) (Reading, error)
}

type SourceFunc func(ctx context.Context) (Reading, error)

func (f SourceFunc) Current(ctx context.Context) (Reading, error) {
	return f(ctx)
}

// Sample reads from src with an upper bound of timeout. A deadline hit is
// reported as ErrTimeout regardless of how the source phrased it.
func Sample(ctx context.Context, src Source, timeout time.Duration) (Reading, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	reading, err := src.Current(ctx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return Reading{}, ErrTimeout
		}
		return Reading{}, err
	}
	if reading.Timestamp.IsZero() {
		reading.Timestamp = time.Now().UTC()
	}
	return reading, nil
}

// Static always reports the same coordinate.
type Static struct {
	Latitude  float64
	Longitude float64
}

func (s Static) Current(ctx context.Context) (Reading, error) {
	if err := ctx.Err(); err != nil {
		return Reading{}, err
	}
	return Reading{Latitude: s.Latitude, Longitude: s.Longitude, Timestamp: time.Now().UTC()}, nil
}

// Route simulates a provider travelling in a straight line from Start to End,
// advancing one step per reading and holding at End afterwards.
type Route struct {
	StartLat, StartLng float64
	EndLat, EndLng     float64
	Steps              int

	mu   sync.Mutex
	step int
}

func NewRoute(startLat, startLng, endLat, endLng float64, steps int) *Route {
	if steps <= 0 {
		steps = 1
	}
	return &Route{
		StartLat: startLat,
		StartLng: startLng,
		EndLat:   endLat,
		EndLng:   endLng,
		Steps:    steps,
	}
}

func (r *Route) Current(ctx context.Context) (Reading, error) {
	if err := ctx.Err(); err != nil {
		return Reading{}, err
	}

	r.mu.Lock()
	ratio := float64(r.step) / float64(r.Steps)
	if r.step < r.Steps {
		r.step++
	}
	r.mu.Unlock()

	return Reading{
		Latitude:  r.StartLat + (r.EndLat-r.StartLat)*ratio,
		Longitude: r.StartLng + (r.EndLng-r.StartLng)*ratio,
		Timestamp: time.Now().UTC(),
	}, nil
}

// Denied is a Source with no positioning permission.
type Denied struct{}

func (Denied) Current(context.Context) (Reading, error) {
	return Reading{}, ErrPermissionDenied
}
