package fcm

import (
	"context"
	"errors"
	"fmt"

	"homecare-api/res/notification"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/messaging"
	"github.com/sirupsen/logrus"
	"google.golang.org/api/option"
)

type sender interface {
	Send(ctx context.Context, message *messaging.Message) (string, error)
}

// notificationService pushes booking changes to the devices of the users
// involved.
type notificationService struct {
	client sender
	link   string
	logger logrus.FieldLogger
}

// New initialises a Firebase app from a service account file. link is the
// frontend URL opened when a web push is clicked.
func New(ctx context.Context, credentialsPath, link string, logger logrus.FieldLogger) (notification.NotificationService, error) {
	app, err := firebase.NewApp(ctx, nil, option.WithCredentialsFile(credentialsPath))
	if err != nil {
		return nil, fmt.Errorf("error initializing firebase app: %w", err)
	}

	client, err := app.Messaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("error getting messaging client: %w", err)
	}

	return newWithSender(client, link, logger), nil
}

func newWithSender(client sender, link string, logger logrus.FieldLogger) *notificationService {
	return &notificationService{client: client, link: link, logger: logger.WithField("notifier", "fcm")}
}

func (s *notificationService) NotifyNewBooking(ctx context.Context, change notification.BookingChange) error {
	body := fmt.Sprintf("%s on %s at %s", change.Booking.BookingNumber, change.Booking.ScheduledDate, change.Booking.ScheduledTime)
	return s.sendAll(ctx, change, "New booking", body)
}

func (s *notificationService) NotifyStatusChange(ctx context.Context, change notification.BookingChange) error {
	body := fmt.Sprintf("Booking %s", change.Booking.BookingNumber)
	if change.Booking.ProviderName != "" {
		body += " with " + change.Booking.ProviderName
	}
	return s.sendAll(ctx, change, notification.Headline(change.Booking.Status), body)
}

// sendAll sends one message per device token. A failing token does not stop
// the others.
func (s *notificationService) sendAll(ctx context.Context, change notification.BookingChange, title, body string) error {
	data := map[string]string{
		"bookingId":     change.Booking.ID,
		"bookingNumber": change.Booking.BookingNumber,
		"status":        string(change.Booking.Status),
	}

	var errs []error
	for _, token := range change.DeviceTokens {
		if token == "" {
			continue
		}
		id, err := s.client.Send(ctx, s.message(token, title, body, data))
		if err != nil {
			s.logger.WithError(err).WithField("booking_id", change.Booking.ID).Warn("Push notification failed")
			errs = append(errs, err)
			continue
		}
		s.logger.WithFields(logrus.Fields{"booking_id": change.Booking.ID, "message_id": id}).Debug("Push notification sent")
	}
	return errors.Join(errs...)
}

func (s *notificationService) message(token, title, body string, data map[string]string) *messaging.Message {
	msg := &messaging.Message{
		Token: token,
		Notification: &messaging.Notification{
			Title: title,
			Body:  body,
		},
		Data: data,
		Android: &messaging.AndroidConfig{
			Priority: "high",
		},
		APNS: &messaging.APNSConfig{
			Payload: &messaging.APNSPayload{
				Aps: &messaging.Aps{Sound: "default"},
			},
		},
	}
	if s.link != "" {
		msg.Webpush = &messaging.WebpushConfig{
			FCMOptions: &messaging.WebpushFCMOptions{Link: s.link},
		}
	}
	return msg
}
