package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"homecare-api/res/booking"
	"homecare-api/res/geo"

	"github.com/sirupsen/logrus"
)

const DefaultTimeout = 15 * time.Second

type Config struct {
	BaseURL string
	Token   string
	// Role picks the listing endpoint: "provider" lists assigned bookings,
	// anything else lists the actor's own.
	Role       string
	HTTPClient *http.Client
	Logger     logrus.FieldLogger
}

// Client talks to the booking REST API and maps failures onto the booking
// error kinds.
type Client struct {
	baseURL    string
	token      string
	role       string
	httpClient *http.Client
	logger     logrus.FieldLogger
}

func New(cfg Config) *Client {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: DefaultTimeout}
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		token:      cfg.Token,
		role:       cfg.Role,
		httpClient: cfg.HTTPClient,
		logger:     cfg.Logger,
	}
}

type CreateBookingRequest struct {
	ServiceID     string               `json:"serviceId"`
	ProviderID    string               `json:"providerId,omitempty"`
	ScheduledDate string               `json:"scheduledDate"`
	ScheduledTime string               `json:"scheduledTime"`
	Address       string               `json:"address"`
	CustomerInfo  booking.CustomerInfo `json:"customerInfo"`
	TotalAmount   float64              `json:"totalAmount"`
}

type LocationRequest struct {
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	Timestamp time.Time `json:"timestamp"`
}

type bookingEnvelope struct {
	Booking booking.Booking `json:"booking"`
}

type bookingsEnvelope struct {
	Bookings []booking.Booking `json:"bookings"`
}

type logsEnvelope struct {
	Logs []booking.LogEntry `json:"logs"`
}

type slotsEnvelope struct {
	Slots []booking.Slot `json:"slots"`
}

func (c *Client) CreateBooking(ctx context.Context, req CreateBookingRequest) (booking.Booking, error) {
	var out bookingEnvelope
	if err := c.do(ctx, http.MethodPost, "/bookings", req, &out); err != nil {
		return booking.Booking{}, err
	}
	return out.Booking, nil
}

// ListBookings returns the actor's bookings, newest first.
func (c *Client) ListBookings(ctx context.Context) ([]booking.Booking, error) {
	path := "/bookings/user"
	if c.role == "provider" {
		path = "/bookings/provider"
	}
	var out bookingsEnvelope
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Bookings, nil
}

func (c *Client) UpdateStatus(ctx context.Context, bookingID string, cmd booking.StatusCommand) (*booking.Booking, error) {
	var out bookingEnvelope
	path := "/bookings/" + url.PathEscape(bookingID) + "/status"
	if err := c.do(ctx, http.MethodPut, path, cmd, &out); err != nil {
		return nil, err
	}
	return &out.Booking, nil
}

func (c *Client) Logs(ctx context.Context, bookingID string) ([]booking.LogEntry, error) {
	var out logsEnvelope
	if err := c.do(ctx, http.MethodGet, "/bookings/"+url.PathEscape(bookingID)+"/logs", nil, &out); err != nil {
		return nil, err
	}
	return out.Logs, nil
}

func (c *Client) PushLocation(ctx context.Context, bookingID string, reading geo.Reading) error {
	body := LocationRequest{Latitude: reading.Latitude, Longitude: reading.Longitude, Timestamp: reading.Timestamp}
	return c.do(ctx, http.MethodPost, "/bookings/"+url.PathEscape(bookingID)+"/location", body, nil)
}

func (c *Client) AvailableSlots(ctx context.Context, date, serviceID string) ([]booking.Slot, error) {
	q := url.Values{}
	q.Set("date", date)
	if serviceID != "" {
		q.Set("serviceId", serviceID)
	}
	var out slotsEnvelope
	if err := c.do(ctx, http.MethodGet, "/bookings/available-slots?"+q.Encode(), nil, &out); err != nil {
		return nil, err
	}
	return out.Slots, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%w: failed to encode request: %v", booking.ErrValidation, err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return transportError(ctx, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return transportError(ctx, err)
	}

	if resp.StatusCode >= 300 {
		apiErr := decodeError(resp.StatusCode, data)
		c.logger.WithFields(logrus.Fields{
			"method": method,
			"path":   path,
			"status": resp.StatusCode,
			"code":   apiErr.Code,
		}).Debug("Backend request rejected")
		return apiErr
	}

	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode %s %s response: %w", method, path, err)
	}
	return nil
}

func transportError(ctx context.Context, err error) error {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) ||
		(errors.As(err, &netErr) && netErr.Timeout()) {
		return fmt.Errorf("%w: %v", booking.ErrTimeout, err)
	}
	return fmt.Errorf("%w: %v", booking.ErrNetwork, err)
}
