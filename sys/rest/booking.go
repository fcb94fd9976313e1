package rest

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"time"

	"homecare-api/res/booking"
	"homecare-api/res/notification"
	"homecare-api/res/store"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/xid"
	"github.com/sirupsen/logrus"
	"gorm.io/datatypes"
)

type createBookingRequest struct {
	ServiceID     string               `json:"serviceId" binding:"required"`
	ProviderID    string               `json:"providerId"`
	ScheduledDate string               `json:"scheduledDate" binding:"required"`
	ScheduledTime string               `json:"scheduledTime" binding:"required"`
	Address       string               `json:"address" binding:"required"`
	CustomerInfo  booking.CustomerInfo `json:"customerInfo"`
	TotalAmount   float64              `json:"totalAmount" binding:"gte=0"`
}

func (s *Server) createBooking(c *gin.Context) {
	currentUser := s.requireUser(c)
	if currentUser == nil {
		return
	}
	if currentUser.IsProvider() {
		s.fail(c, http.StatusForbidden, booking.CodeUnauthorized, "providers cannot create bookings")
		return
	}

	var req createBookingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.fail(c, http.StatusBadRequest, booking.CodeValidation, "invalid booking: "+err.Error())
		return
	}
	if _, err := time.Parse("2006-01-02", req.ScheduledDate); err != nil {
		s.fail(c, http.StatusBadRequest, booking.CodeValidation, "scheduledDate must be YYYY-MM-DD")
		return
	}
	if _, err := time.Parse("15:04", req.ScheduledTime); err != nil {
		s.fail(c, http.StatusBadRequest, booking.CodeValidation, "scheduledTime must be HH:MM")
		return
	}

	ctx := c.Request.Context()
	booked, err := s.Store.Bookings().BookedTimes(ctx, req.ScheduledDate, req.ServiceID)
	if err != nil {
		s.storeError(c, "Error checking booked slots", err)
		return
	}
	if slices.Contains(booked, req.ScheduledTime) {
		s.fail(c, http.StatusUnprocessableEntity, booking.CodeValidation, "slot is already booked")
		return
	}

	row := &store.Booking{
		ID:            "bkg_" + xid.New().String(),
		BookingNumber: newBookingNumber(),
		CustomerID:    currentUser.ID,
		ServiceID:     req.ServiceID,
		Status:        booking.StatusPending,
		ScheduledDate: req.ScheduledDate,
		ScheduledTime: req.ScheduledTime,
		Address:       req.Address,
		CustomerInfo:  datatypes.NewJSONType(customerInfo(req.CustomerInfo, currentUser)),
		TotalAmount:   req.TotalAmount,
	}

	var provider *store.User
	if req.ProviderID != "" {
		provider, err = s.Store.Users().Get(ctx, req.ProviderID)
		if err != nil || !provider.IsProvider() {
			s.fail(c, http.StatusUnprocessableEntity, booking.CodeValidation, "unknown provider")
			return
		}
		row.ProviderID = &provider.ID
		row.ProviderName = provider.DisplayName
	}

	if err := s.Store.Bookings().Create(ctx, row); err != nil {
		s.storeError(c, "Error creating booking", err)
		return
	}

	created := row.ToDomain()
	s.Logger.WithFields(logrus.Fields{"booking_id": created.ID, "actor": currentUser.ID}).Info("Booking created")

	s.emitNewBooking(created)
	if s.NotificationService != nil {
		change := notification.BookingChange{Booking: created, ChangedBy: currentUser.ID}
		if provider != nil {
			change.DeviceTokens = []string{provider.PushToken}
		}
		if err := s.NotificationService.NotifyNewBooking(ctx, change); err != nil {
			s.Logger.WithError(err).WithField("booking_id", created.ID).Warn("Failed to send new booking notification")
		}
	}

	c.JSON(http.StatusCreated, gin.H{"booking": created})
}

func customerInfo(info booking.CustomerInfo, u *store.User) booking.CustomerInfo {
	if info.Name == "" {
		info.Name = u.DisplayName
	}
	if info.Phone == "" {
		info.Phone = u.Phone
	}
	if info.Email == "" {
		info.Email = u.Email
	}
	return info
}

// newBookingNumber is the short human facing reference, e.g. HC-3F2A91C0.
func newBookingNumber() string {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	return "HC-" + strings.ToUpper(id[:8])
}

// listUserBookings lists the customer's own bookings. Admins see all of them.
func (s *Server) listUserBookings(c *gin.Context) {
	currentUser := s.requireUser(c)
	if currentUser == nil {
		return
	}

	var rows []*store.Booking
	var err error
	if currentUser.IsAdmin() {
		rows, err = s.Store.Bookings().ListAll(c.Request.Context(), listLimit(c))
	} else {
		rows, err = s.Store.Bookings().ListByCustomer(c.Request.Context(), currentUser.ID, listLimit(c))
	}
	if err != nil {
		s.storeError(c, "Error retrieving bookings", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"bookings": toDomain(rows)})
}

func (s *Server) listProviderBookings(c *gin.Context) {
	currentUser := s.requireUser(c)
	if currentUser == nil {
		return
	}

	var rows []*store.Booking
	var err error
	switch {
	case currentUser.IsAdmin():
		rows, err = s.Store.Bookings().ListAll(c.Request.Context(), listLimit(c))
	case currentUser.IsProvider():
		rows, err = s.Store.Bookings().ListByProvider(c.Request.Context(), currentUser.ID, listLimit(c))
	default:
		s.fail(c, http.StatusForbidden, booking.CodeUnauthorized, "only providers have assigned bookings")
		return
	}
	if err != nil {
		s.storeError(c, "Error retrieving bookings", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"bookings": toDomain(rows)})
}

func (s *Server) availableSlots(c *gin.Context) {
	if s.requireUser(c) == nil {
		return
	}

	date := c.Query("date")
	if _, err := time.Parse("2006-01-02", date); err != nil {
		s.fail(c, http.StatusBadRequest, booking.CodeValidation, "date must be YYYY-MM-DD")
		return
	}

	booked, err := s.Store.Bookings().BookedTimes(c.Request.Context(), date, c.Query("serviceId"))
	if err != nil {
		s.storeError(c, "Error retrieving booked slots", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"slots": booking.HourlySlots(s.OpenHour, s.CloseHour, booked)})
}

func (s *Server) bookingLogs(c *gin.Context) {
	currentUser := s.requireUser(c)
	if currentUser == nil {
		return
	}
	b := s.loadBooking(c, currentUser)
	if b == nil {
		return
	}

	rows, err := s.Store.BookingLogs().ListByBooking(c.Request.Context(), b.ID)
	if err != nil {
		s.storeError(c, "Error retrieving booking logs", err)
		return
	}
	logs := make([]booking.LogEntry, 0, len(rows))
	for _, l := range rows {
		logs = append(logs, l.ToDomain())
	}
	c.JSON(http.StatusOK, gin.H{"logs": logs})
}

// updateStatus applies a transition command. The stored status is the only
// source of truth: the command's expectedStatus, when given, must match it,
// and the write itself is a compare-and-set against the status read here.
func (s *Server) updateStatus(c *gin.Context) {
	currentUser := s.requireUser(c)
	if currentUser == nil {
		return
	}

	var cmd booking.StatusCommand
	if err := c.ShouldBindJSON(&cmd); err != nil {
		s.fail(c, http.StatusBadRequest, booking.CodeValidation, "invalid status command")
		return
	}
	target, err := booking.ParseStatus(string(cmd.Status))
	if err != nil {
		s.fail(c, http.StatusUnprocessableEntity, booking.CodeValidation, err.Error())
		return
	}

	b := s.loadBooking(c, currentUser)
	if b == nil {
		return
	}
	logger := s.Logger.WithFields(logrus.Fields{"booking_id": b.ID, "actor": currentUser.ID, "from": b.Status, "to": target})

	if code, msg := authorizeTransition(currentUser, b, target); code != "" {
		logger.Warn("Status transition refused")
		s.fail(c, http.StatusForbidden, code, msg)
		return
	}
	if cmd.ExpectedStatus != "" && cmd.ExpectedStatus != b.Status {
		s.fail(c, http.StatusConflict, booking.CodeStaleTransition, "booking status changed, refresh and try again")
		return
	}
	if !booking.CanTransition(b.Status, target) {
		s.fail(c, http.StatusUnprocessableEntity, booking.CodeIllegalTransition,
			fmt.Sprintf("cannot move a %s booking to %s", b.Status, target))
		return
	}
	notes := strings.TrimSpace(cmd.ProviderNotes)
	if target == booking.StatusCancelled && notes == "" {
		s.fail(c, http.StatusUnprocessableEntity, booking.CodeNotesRequired, "a reason is required to cancel a booking")
		return
	}
	if target == booking.StatusCompleted && strings.TrimSpace(cmd.Signature) == "" {
		s.fail(c, http.StatusUnprocessableEntity, booking.CodeSignatureRequired, "customer signature required to complete a booking")
		return
	}

	ctx := c.Request.Context()
	providerID, providerName, ok := s.resolveAssignee(c, currentUser, cmd)
	if !ok {
		return
	}
	signatureURL, err := s.storeSignature(ctx, b.ID, cmd.Signature)
	if err != nil {
		s.fail(c, http.StatusUnprocessableEntity, booking.CodeValidation, err.Error())
		return
	}

	in := store.TransitionInput{
		BookingID:    b.ID,
		From:         b.Status,
		To:           target,
		ChangedBy:    currentUser.ID,
		Notes:        notes,
		SignatureURL: signatureURL,
		ProviderID:   providerID,
		ProviderName: providerName,
	}
	if currentUser.IsProvider() || currentUser.IsAdmin() {
		in.ProviderNotes = notes
	}

	updated, _, err := s.Store.Bookings().TransitionStatus(ctx, in)
	if err != nil {
		if signatureURL != "" {
			if delErr := s.Signatures.DeleteFile(context.WithoutCancel(ctx), signatureURL); delErr != nil {
				logger.WithError(delErr).Warn("Failed to remove orphaned signature")
			}
		}
		s.storeError(c, "Error updating booking status", err)
		return
	}

	result := updated.ToDomain()
	logger.Info("Status transition accepted")

	if !target.Trackable() {
		if err := s.Locations.Delete(ctx, b.ID); err != nil {
			logger.WithError(err).Warn("Failed to clear cached location")
		}
	}
	s.emitStatusUpdated(result, in.ProviderNotes)
	s.notifyStatusChange(ctx, result, b.Status, currentUser)

	c.JSON(http.StatusOK, gin.H{"booking": result})
}

// resolveAssignee returns the provider an accepted transition assigns to an
// unassigned booking. Providers claim bookings for themselves; admins may name
// another user only if that user is a provider. Anyone else assigns nobody.
func (s *Server) resolveAssignee(c *gin.Context, currentUser *store.User, cmd booking.StatusCommand) (string, string, bool) {
	switch {
	case currentUser.IsProvider():
		name := currentUser.DisplayName
		if cmd.ProviderName != "" {
			name = cmd.ProviderName
		}
		return currentUser.ID, name, true
	case currentUser.IsAdmin() && cmd.ProviderID != "":
		provider, err := s.Store.Users().Get(c.Request.Context(), cmd.ProviderID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			s.storeError(c, "Error retrieving provider", err)
			return "", "", false
		}
		if provider == nil || !provider.IsProvider() {
			s.fail(c, http.StatusUnprocessableEntity, booking.CodeValidation, "providerId does not name a provider")
			return "", "", false
		}
		name := provider.DisplayName
		if cmd.ProviderName != "" {
			name = cmd.ProviderName
		}
		return provider.ID, name, true
	}
	return "", "", true
}

// authorizeTransition returns a non-empty code when u may not move b to
// target. Admins may do anything, providers act on bookings assigned to them
// or still unassigned, customers may only cancel their own bookings.
func authorizeTransition(u *store.User, b *store.Booking, target booking.Status) (string, string) {
	switch {
	case u.IsAdmin():
		return "", ""
	case u.IsProvider():
		if b.ProviderID != nil && *b.ProviderID != u.ID {
			return booking.CodeUnauthorized, "booking is assigned to another provider"
		}
		return "", ""
	case b.CustomerID == u.ID && target == booking.StatusCancelled:
		return "", ""
	}
	return booking.CodeUnauthorized, "not allowed to change this booking"
}

func (s *Server) storeSignature(ctx context.Context, bookingID, signature string) (string, error) {
	if strings.TrimSpace(signature) == "" {
		return "", nil
	}
	if s.Signatures == nil {
		s.Logger.WithField("booking_id", bookingID).Warn("Signature storage not configured, signature not kept")
		return "", nil
	}
	return s.Signatures.UploadSignature(ctx, bookingID, signature)
}

func (s *Server) notifyStatusChange(ctx context.Context, b booking.Booking, from booking.Status, actor *store.User) {
	if s.NotificationService == nil {
		return
	}

	var recipients []string
	for _, id := range []string{b.CustomerID, b.ProviderID} {
		if id != "" && id != actor.ID {
			recipients = append(recipients, id)
		}
	}
	tokens, err := s.Store.Users().PushTokens(ctx, recipients...)
	if err != nil {
		s.Logger.WithError(err).WithField("booking_id", b.ID).Warn("Could not load push tokens")
	}

	change := notification.BookingChange{Booking: b, From: from, ChangedBy: actor.ID, DeviceTokens: tokens}
	if err := s.NotificationService.NotifyStatusChange(ctx, change); err != nil {
		s.Logger.WithError(err).WithField("booking_id", b.ID).Warn("Failed to send status notification")
	}
}
