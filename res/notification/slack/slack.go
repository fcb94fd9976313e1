// Package slack posts booking activity to an operations channel through an
// incoming webhook.
package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"homecare-api/res/notification"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
)

type notifier struct {
	webhookURL string
	client     *http.Client
	logger     logrus.FieldLogger
}

// webhookPayload carries a plain-text fallback plus mrkdwn section blocks.
type webhookPayload struct {
	Text   string  `json:"text"`
	Blocks []block `json:"blocks,omitempty"`
}

type block struct {
	Type   string       `json:"type"`
	Text   *textObject  `json:"text,omitempty"`
	Fields []textObject `json:"fields,omitempty"`
}

type textObject struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

func mrkdwn(format string, args ...interface{}) textObject {
	return textObject{Type: "mrkdwn", Text: fmt.Sprintf(format, args...)}
}

// New returns a notifier that is a no-op when webhookURL is empty.
func New(webhookURL string, timeout time.Duration, logger logrus.FieldLogger) notification.NotificationService {
	return &notifier{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: timeout},
		logger:     logger.WithField("notifier", "slack"),
	}
}

func (s *notifier) NotifyNewBooking(ctx context.Context, change notification.BookingChange) error {
	b := change.Booking
	headline := fmt.Sprintf(":calendar: New booking %s for %s %s", b.BookingNumber, b.ScheduledDate, b.ScheduledTime)
	return s.post(ctx, webhookPayload{
		Text: headline,
		Blocks: []block{
			{Type: "section", Text: &textObject{Type: "mrkdwn", Text: headline}},
			{Type: "section", Fields: []textObject{
				mrkdwn("*Customer:*\n%s", b.CustomerInfo.Name),
				mrkdwn("*Address:*\n%s", b.Address),
				mrkdwn("*Amount:*\n%s", humanize.Commaf(b.TotalAmount)),
				mrkdwn("*Service:*\n%s", b.ServiceID),
			}},
		},
	})
}

func (s *notifier) NotifyStatusChange(ctx context.Context, change notification.BookingChange) error {
	b := change.Booking
	var sb strings.Builder
	fmt.Fprintf(&sb, ":arrows_counterclockwise: Booking %s moved from *%s* to *%s* by %s",
		b.BookingNumber, change.From, b.Status, change.ChangedBy)
	if !b.CreatedAt.IsZero() {
		fmt.Fprintf(&sb, " (booked %s)", humanize.Time(b.CreatedAt))
	}
	if b.ProviderNotes != "" {
		fmt.Fprintf(&sb, "\n*Notes:* %s", b.ProviderNotes)
	}
	return s.post(ctx, webhookPayload{Text: sb.String()})
}

func (s *notifier) post(ctx context.Context, payload webhookPayload) error {
	if s.webhookURL == "" {
		s.logger.Debug("Webhook URL not configured, skipping")
		return nil
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("slack: encode payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("slack: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("slack: post: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("slack: webhook returned %d: %s", resp.StatusCode, strings.TrimSpace(string(detail)))
	}
	return nil
}
