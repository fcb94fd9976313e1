// Command agent is a terminal client for the booking API. As a provider it
// drives bookings through their lifecycle and shares a simulated position;
// as a customer or admin it follows booking changes live.
package main

import (
	"bufio"
	"context"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"homecare-api/res/backend"
	"homecare-api/res/booking"
	"homecare-api/res/geo"
	"homecare-api/res/logging"
	"homecare-api/res/realtime"
	"homecare-api/res/session"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cast"
)

var logger = logrus.StandardLogger()

// Environment variables (all read here):
// - BACKEND_URL: REST base URL (required)
// - AGENT_TOKEN: bearer token, see cmd/token (required)
// - AGENT_ID: user id the token belongs to (required)
// - AGENT_ROLE: provider, user or admin (default: user)
// - AGENT_NAME: provider display name sent with transitions
// - REALTIME_URL: websocket URL (default: BACKEND_URL/ws with a ws scheme)
// - TRACKING_INTERVAL: location push interval (default: 30s)
// - AGENT_ROUTE: simulated drive "fromLat,fromLng,toLat,toLng" (default: across Bengaluru)
// - SHOW_FINAL_PROVIDER_LOCATION: keep showing the last position after tracking ends (default: false)
// - LOG_LEVEL / LOG_FILE: logging
func main() {
	_ = godotenv.Load()

	var closer io.Closer
	logger, closer = logging.New(logging.Config{
		Level: readOptionalEnvVar("LOG_LEVEL", "warn"),
		File:  readOptionalEnvVar("LOG_FILE", ""),
	})
	defer closer.Close()

	backendURL := strings.TrimRight(readRequiredEnvVar("BACKEND_URL"), "/")
	token := readRequiredEnvVar("AGENT_TOKEN")
	identity := realtime.Identity{
		ID:   readRequiredEnvVar("AGENT_ID"),
		Role: realtime.Role(readOptionalEnvVar("AGENT_ROLE", string(realtime.RoleUser))),
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	api := backend.New(backend.Config{
		BaseURL: backendURL,
		Token:   token,
		Role:    string(identity.Role),
		Logger:  logger,
	})
	channel := realtime.NewClient(realtime.ClientConfig{
		URL:    readOptionalEnvVar("REALTIME_URL", wsURL(backendURL)),
		Header: http.Header{"Authorization": []string{"Bearer " + token}},
		Logger: logger,
	})

	policy := booking.HideWhenIdle
	if cast.ToBool(readOptionalEnvVar("SHOW_FINAL_PROVIDER_LOCATION", "false")) {
		policy = booking.ShowLastKnown
	}

	out := &printer{w: os.Stdout, policy: policy}
	cfg := session.Config{
		API:      api,
		Channel:  channel,
		Identity: identity,
		Name:     readOptionalEnvVar("AGENT_NAME", ""),
		Policy:   policy,
		Logger:   logger,
		Capturer: out,
		OnTrackingError: func(bookingID string, err error) {
			out.printf("! location update for %s failed: %s\n", bookingID, booking.UserMessage(err))
		},
	}
	if identity.Role == realtime.RoleProvider {
		cfg.Source = parseRoute(readOptionalEnvVar("AGENT_ROUTE", "12.9716,77.5946,12.9352,77.6245"))
		cfg.Interval = cast.ToDuration(readOptionalEnvVar("TRACKING_INTERVAL", "30s"))
	}

	s, err := session.Open(ctx, cfg)
	if err != nil {
		logger.WithError(err).Fatal("Could not open session")
	}
	defer s.Close()

	unsubscribe := s.Subscribe(out.bookings)
	defer unsubscribe()
	out.bookings(s.Bookings())

	a := &agent{session: s, api: api, out: out, identity: identity}
	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	out.printf("type 'help' for commands\n")
	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			if quit := a.run(ctx, line); quit {
				return
			}
		}
	}
}

func readRequiredEnvVar(name string) string {
	val, ok := os.LookupEnv(name)
	if !ok {
		logger.Fatalf("Env variable not set: %s", name)
	}
	return val
}

func readOptionalEnvVar(name, defaultValue string) string {
	val, ok := os.LookupEnv(name)
	if !ok {
		return defaultValue
	}
	return val
}

func wsURL(backendURL string) string {
	switch {
	case strings.HasPrefix(backendURL, "https://"):
		return "wss://" + strings.TrimPrefix(backendURL, "https://") + "/ws"
	case strings.HasPrefix(backendURL, "http://"):
		return "ws://" + strings.TrimPrefix(backendURL, "http://") + "/ws"
	}
	return backendURL + "/ws"
}

func parseRoute(raw string) geo.Source {
	parts := strings.Split(raw, ",")
	if len(parts) != 4 {
		logger.Fatalf("AGENT_ROUTE must be fromLat,fromLng,toLat,toLng, got %q", raw)
	}
	coords := make([]float64, 4)
	for i, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			logger.Fatalf("AGENT_ROUTE: %q is not a coordinate", p)
		}
		coords[i] = v
	}
	return geo.NewRoute(coords[0], coords[1], coords[2], coords[3], 20)
}

// timeout bounds a single interactive command.
func timeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, 20*time.Second)
}
