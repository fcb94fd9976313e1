package main

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"homecare-api/res/backend"
	"homecare-api/res/booking"
	"homecare-api/res/realtime"
	"homecare-api/res/session"

	"github.com/dustin/go-humanize"
)

// blankSignature is a 1x1 transparent PNG used when the customer signs in
// the terminal.
const blankSignature = "data:image/png;base64,iVBORw0KGgoAAAANSUhEUgAAAAEAAAABCAQAAAC1HAwCAAAAC0lEQVR42mNkYAAAAAYAAjCB0C8AAAAASUVORK5CYII="

const helpText = `commands:
  list                          show cached bookings
  actions <id>                  show the statuses you may move a booking to
  go <id> <status> [notes...]   request a status change
  cancel <id> <reason...>       cancel a booking
  sign <id> <signer name...>    submit the customer signature for a pending completion
  logs <id>                     show the status history
  slots <date>                  show free hours on YYYY-MM-DD
  book <date> <time> <address>  create a booking (customers)
  refresh                       reload bookings from the API
  quit
`

type agent struct {
	session  *session.Session
	api      *backend.Client
	out      *printer
	identity realtime.Identity
}

// run executes one input line and reports whether the agent should exit.
func (a *agent) run(ctx context.Context, line string) bool {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false
	}
	ctx, cancel := timeout(ctx)
	defer cancel()

	var err error
	switch cmd, args := fields[0], fields[1:]; cmd {
	case "help":
		a.out.printf("%s", helpText)
	case "quit", "exit":
		return true
	case "list":
		a.out.bookings(a.session.Bookings())
	case "refresh":
		err = a.session.Refresh(ctx)
	case "actions":
		if len(args) != 1 {
			return a.usage("actions <id>")
		}
		a.out.actions(args[0], a.session.AvailableActions(args[0]))
	case "go":
		if len(args) < 2 {
			return a.usage("go <id> <status> [notes...]")
		}
		err = a.transition(ctx, args[0], args[1], strings.Join(args[2:], " "))
	case "cancel":
		if len(args) < 1 {
			return a.usage("cancel <id> <reason...>")
		}
		err = a.transition(ctx, args[0], string(booking.StatusCancelled), strings.Join(args[1:], " "))
	case "sign":
		if len(args) < 2 {
			return a.usage("sign <id> <signer name...>")
		}
		err = a.sign(ctx, args[0], strings.Join(args[1:], " "))
	case "logs":
		if len(args) != 1 {
			return a.usage("logs <id>")
		}
		err = a.logs(ctx, args[0])
	case "slots":
		if len(args) != 1 {
			return a.usage("slots <date>")
		}
		err = a.slots(ctx, args[0])
	case "book":
		if len(args) < 3 {
			return a.usage("book <date> <time> <address...>")
		}
		err = a.book(ctx, args[0], args[1], strings.Join(args[2:], " "))
	default:
		a.out.printf("unknown command %q, type 'help'\n", cmd)
	}

	if err != nil {
		logger.WithError(err).WithField("command", fields[0]).Debug("Command failed")
		a.out.printf("! %s\n", booking.UserMessage(err))
	}
	return false
}

func (a *agent) usage(text string) bool {
	a.out.printf("usage: %s\n", text)
	return false
}

func (a *agent) transition(ctx context.Context, bookingID, rawStatus, notes string) error {
	target, err := booking.ParseStatus(rawStatus)
	if err != nil {
		return fmt.Errorf("%w: %s", booking.ErrValidation, err)
	}
	b, err := a.session.Transition(ctx, bookingID, target, notes)
	if err != nil {
		return err
	}
	if a.session.AwaitingSignature(bookingID) {
		return nil
	}
	a.out.printf("%s is now %s\n", b.BookingNumber, b.Status)
	return nil
}

func (a *agent) sign(ctx context.Context, bookingID, signer string) error {
	b, err := a.session.SubmitSignature(ctx, bookingID, booking.Signature{
		Data:       blankSignature,
		SignedBy:   signer,
		CapturedAt: time.Now(),
	})
	if err != nil {
		return err
	}
	a.out.printf("%s signed by %s and %s\n", b.BookingNumber, signer, b.Status)
	return nil
}

func (a *agent) logs(ctx context.Context, bookingID string) error {
	entries, err := a.api.Logs(ctx, bookingID)
	if err != nil {
		return err
	}
	for _, e := range entries {
		line := fmt.Sprintf("  %-12s %-16s -> %-16s by %s", humanize.Time(e.Timestamp), e.OldStatus, e.NewStatus, e.ChangedBy)
		if e.Notes != "" {
			line += " (" + e.Notes + ")"
		}
		a.out.printf("%s\n", line)
	}
	if len(entries) == 0 {
		a.out.printf("  no history\n")
	}
	return nil
}

func (a *agent) slots(ctx context.Context, date string) error {
	slots, err := a.api.AvailableSlots(ctx, date, "")
	if err != nil {
		return err
	}
	var free []string
	for _, s := range slots {
		if s.Available {
			free = append(free, s.Time)
		}
	}
	a.out.printf("%d of %d slots free on %s: %s\n", len(free), len(slots), date, strings.Join(free, " "))
	return nil
}

func (a *agent) book(ctx context.Context, date, at, address string) error {
	b, err := a.api.CreateBooking(ctx, backend.CreateBookingRequest{
		ServiceID:     readOptionalEnvVar("AGENT_SERVICE_ID", "home-nursing"),
		ScheduledDate: date,
		ScheduledTime: at,
		Address:       address,
	})
	if err != nil {
		return err
	}
	a.out.printf("booked %s for %s %s\n", b.BookingNumber, b.ScheduledDate, b.ScheduledTime)
	return a.session.Refresh(ctx)
}

// printer renders booking state to the terminal. It is also the signature
// capturer: completion requests prompt the operator to run sign.
type printer struct {
	mu     sync.Mutex
	w      io.Writer
	policy booking.DisplayPolicy
	last   map[string]booking.Status
}

func (p *printer) printf(format string, args ...interface{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.w, format, args...)
}

func (p *printer) Begin(_ context.Context, b booking.Booking) error {
	p.printf("%s needs the customer's signature: sign %s <name>\n", b.BookingNumber, b.ID)
	return nil
}

func (p *printer) actions(bookingID string, next []booking.Status) {
	if len(next) == 0 {
		p.printf("no actions available for %s\n", bookingID)
		return
	}
	names := make([]string, len(next))
	for i, s := range next {
		names[i] = string(s)
	}
	p.printf("%s -> %s\n", bookingID, strings.Join(names, ", "))
}

// bookings prints the list on first call and afterwards only the bookings
// whose status changed.
func (p *printer) bookings(list []booking.Booking) {
	p.mu.Lock()
	defer p.mu.Unlock()

	initial := p.last == nil
	if initial {
		p.last = make(map[string]booking.Status, len(list))
	}
	sort.SliceStable(list, func(i, j int) bool { return list[i].ScheduledDate+list[i].ScheduledTime < list[j].ScheduledDate+list[j].ScheduledTime })

	for _, b := range list {
		prev, seen := p.last[b.ID]
		p.last[b.ID] = b.Status
		if !initial && seen && prev == b.Status {
			continue
		}
		fmt.Fprintf(p.w, "%s  %-10s %s %s  %-16s ₹%s  %s\n",
			b.ID, b.BookingNumber, b.ScheduledDate, b.ScheduledTime, b.Status,
			humanize.Commaf(b.TotalAmount), p.location(b))
	}
	if initial && len(list) == 0 {
		fmt.Fprintln(p.w, "no bookings")
	}
}

func (p *printer) location(b booking.Booking) string {
	if !p.policy.ShowLocation(b) {
		return ""
	}
	loc := b.ProviderLocation
	state := "last seen"
	if loc.IsTracking {
		state = "live"
	}
	return fmt.Sprintf("[%s %.5f,%.5f %s]", state, loc.Latitude, loc.Longitude, humanize.Time(loc.LastUpdated))
}
