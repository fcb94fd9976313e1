package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"homecare-api/res/auth"
	"homecare-api/res/booking"
	"homecare-api/res/notification"
	"homecare-api/res/realtime"
	"homecare-api/res/store"
	"homecare-api/res/store/postgresql"
	"homecare-api/sys/http/middleware"
	"homecare-api/sys/hub"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
)

type recordingNotifier struct {
	mu      sync.Mutex
	created []notification.BookingChange
	changes []notification.BookingChange
}

func (r *recordingNotifier) NotifyNewBooking(_ context.Context, change notification.BookingChange) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.created = append(r.created, change)
	return nil
}

func (r *recordingNotifier) NotifyStatusChange(_ context.Context, change notification.BookingChange) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changes = append(r.changes, change)
	return nil
}

type testEnv struct {
	router   *gin.Engine
	hub      *hub.Hub
	notifier *recordingNotifier
	tokens   map[string]string
	now      time.Time
}

func newTestEnv(t *testing.T) *testEnv {
	gin.SetMode(gin.TestMode)
	logger, _ := test.NewNullLogger()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	st, err := postgresql.Open(sqlite.Open(dsn), postgresql.PoolConfig{MaxOpenConns: 1})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	require.NoError(t, st.AutoMigrate())

	ctx := context.Background()
	users := []struct {
		id, name, email string
		role            store.UserRole
	}{
		{"cust_1", "Ravi", "ravi@example.com", store.UserRoleCustomer},
		{"cust_2", "Meera", "meera@example.com", store.UserRoleCustomer},
		{"prov_1", "Asha", "asha@example.com", store.UserRoleProvider},
		{"prov_2", "Vik", "vik@example.com", store.UserRoleProvider},
		{"adm_1", "Ops", "ops@example.com", store.UserRoleAdmin},
	}
	a := auth.New("secret")
	env := &testEnv{
		notifier: &recordingNotifier{},
		tokens:   make(map[string]string),
		now:      time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC),
	}
	for _, u := range users {
		_, err := st.Users().Create(ctx, u.id, u.name, u.email, "", u.role)
		require.NoError(t, err)
		env.tokens[u.id], err = a.GenerateAccessToken(u.id, string(u.role))
		require.NoError(t, err)
	}

	env.hub = hub.New(hub.Config{Logger: logger, CheckOrigin: func(*http.Request) bool { return true }})
	t.Cleanup(env.hub.Close)

	srv := New(&Config{
		Logger:              logger,
		Store:               st,
		Hub:                 env.hub,
		NotificationService: env.notifier,
		Now:                 func() time.Time { return env.now },
	})

	env.router = gin.New()
	srv.RegisterRoutes(env.router.Group("/", middleware.AuthMiddleware(logger, st, a)), nil)
	return env
}

func (e *testEnv) do(t *testing.T, method, path, actor string, body interface{}) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if actor != "" {
		req.Header.Set("Authorization", "Bearer "+e.tokens[actor])
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	var out T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

type bookingBody struct {
	Booking booking.Booking `json:"booking"`
}

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func (e *testEnv) createBooking(t *testing.T, customer, provider, at string) booking.Booking {
	w := e.do(t, http.MethodPost, "/bookings", customer, map[string]interface{}{
		"serviceId":     "svc_nursing",
		"providerId":    provider,
		"scheduledDate": "2026-03-02",
		"scheduledTime": at,
		"address":       "12 Lake Rd",
		"totalAmount":   1200,
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	return decode[bookingBody](t, w).Booking
}

func (e *testEnv) transition(t *testing.T, actor, id string, cmd booking.StatusCommand) *httptest.ResponseRecorder {
	return e.do(t, http.MethodPut, "/bookings/"+id+"/status", actor, cmd)
}

func TestCreateAndListBookings(t *testing.T) {
	env := newTestEnv(t)
	created := env.createBooking(t, "cust_1", "prov_1", "10:00")

	assert.Equal(t, booking.StatusPending, created.Status)
	assert.True(t, strings.HasPrefix(created.ID, "bkg_"))
	assert.True(t, strings.HasPrefix(created.BookingNumber, "HC-"))
	assert.Equal(t, "prov_1", created.ProviderID)
	assert.Equal(t, "Ravi", created.CustomerInfo.Name, "customer info defaults to the account")
	require.Len(t, env.notifier.created, 1)

	type listBody struct {
		Bookings []booking.Booking `json:"bookings"`
	}
	w := env.do(t, http.MethodGet, "/bookings/user", "cust_1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[listBody](t, w).Bookings, 1)

	w = env.do(t, http.MethodGet, "/bookings/user", "cust_2", nil)
	assert.Empty(t, decode[listBody](t, w).Bookings)

	w = env.do(t, http.MethodGet, "/bookings/provider", "prov_1", nil)
	assert.Len(t, decode[listBody](t, w).Bookings, 1)

	w = env.do(t, http.MethodGet, "/bookings/user", "adm_1", nil)
	assert.Len(t, decode[listBody](t, w).Bookings, 1)

	w = env.do(t, http.MethodGet, "/bookings/provider", "cust_1", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = env.do(t, http.MethodGet, "/bookings/user", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestCreateBooking_Validation(t *testing.T) {
	env := newTestEnv(t)
	env.createBooking(t, "cust_1", "", "10:00")

	w := env.do(t, http.MethodPost, "/bookings", "cust_2", map[string]interface{}{
		"serviceId": "svc_nursing", "scheduledDate": "2026-03-02", "scheduledTime": "10:00", "address": "1 Hill St",
	})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code, "slot taken")

	w = env.do(t, http.MethodPost, "/bookings", "cust_2", map[string]interface{}{
		"serviceId": "svc_nursing", "scheduledDate": "02/03/2026", "scheduledTime": "11:00", "address": "1 Hill St",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(t, http.MethodPost, "/bookings", "cust_2", map[string]interface{}{
		"serviceId": "svc_nursing", "providerId": "cust_1", "scheduledDate": "2026-03-02", "scheduledTime": "11:00", "address": "1 Hill St",
	})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code, "provider must be a provider")

	w = env.do(t, http.MethodPost, "/bookings", "prov_1", map[string]interface{}{})
	assert.Equal(t, http.StatusForbidden, w.Code)

	type slotsBody struct {
		Slots []booking.Slot `json:"slots"`
	}
	w = env.do(t, http.MethodGet, "/bookings/available-slots?date=2026-03-02&serviceId=svc_nursing", "cust_2", nil)
	require.Equal(t, http.StatusOK, w.Code)
	slots := decode[slotsBody](t, w).Slots
	require.Len(t, slots, defaultCloseHour-defaultOpenHour)
	assert.Equal(t, booking.Slot{Time: "09:00", Available: true}, slots[0])
	assert.Equal(t, booking.Slot{Time: "10:00", Available: false}, slots[1])
}

func TestUpdateStatus_ServerIsTheAuthority(t *testing.T) {
	env := newTestEnv(t)
	b := env.createBooking(t, "cust_1", "", "10:00")

	w := env.transition(t, "prov_1", b.ID, booking.StatusCommand{Status: booking.StatusConfirmed, ExpectedStatus: booking.StatusPending})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	confirmed := decode[bookingBody](t, w).Booking
	assert.Equal(t, booking.StatusConfirmed, confirmed.Status)
	assert.Equal(t, "prov_1", confirmed.ProviderID, "accepting assigns the provider")
	assert.Equal(t, "Asha", confirmed.ProviderName)

	tests := []struct {
		name   string
		actor  string
		cmd    booking.StatusCommand
		status int
		code   string
	}{
		{"stale expected status", "prov_1", booking.StatusCommand{Status: booking.StatusProviderOnWay, ExpectedStatus: booking.StatusPending}, http.StatusConflict, booking.CodeStaleTransition},
		{"skipping states", "prov_1", booking.StatusCommand{Status: booking.StatusInProgress}, http.StatusUnprocessableEntity, booking.CodeIllegalTransition},
		{"unknown status", "prov_1", booking.StatusCommand{Status: "teleported"}, http.StatusUnprocessableEntity, booking.CodeValidation},
		{"other provider", "prov_2", booking.StatusCommand{Status: booking.StatusProviderOnWay}, http.StatusForbidden, booking.CodeUnauthorized},
		{"customer advancing", "cust_1", booking.StatusCommand{Status: booking.StatusProviderOnWay}, http.StatusForbidden, booking.CodeUnauthorized},
		{"stranger", "cust_2", booking.StatusCommand{Status: booking.StatusCancelled, ProviderNotes: "x"}, http.StatusForbidden, booking.CodeUnauthorized},
		{"cancel without notes", "prov_1", booking.StatusCommand{Status: booking.StatusCancelled}, http.StatusUnprocessableEntity, booking.CodeNotesRequired},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.transition(t, tt.actor, b.ID, tt.cmd)
			assert.Equal(t, tt.status, w.Code, w.Body.String())
			assert.Equal(t, tt.code, decode[errorBody](t, w).Code)
		})
	}

	for _, next := range []booking.Status{booking.StatusProviderOnWay, booking.StatusProviderStarted, booking.StatusWorkStarted, booking.StatusInProgress} {
		w := env.transition(t, "prov_1", b.ID, booking.StatusCommand{Status: next})
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	}

	w = env.transition(t, "prov_1", b.ID, booking.StatusCommand{Status: booking.StatusCompleted})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Equal(t, booking.CodeSignatureRequired, decode[errorBody](t, w).Code)

	w = env.transition(t, "prov_1", b.ID, booking.StatusCommand{Status: booking.StatusCompleted, Signature: "data:image/png;base64,iVBORw0KGgo=", ProviderNotes: "all done"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, booking.StatusCompleted, decode[bookingBody](t, w).Booking.Status)

	w = env.transition(t, "adm_1", b.ID, booking.StatusCommand{Status: booking.StatusCancelled, ProviderNotes: "too late"})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code, "terminal states have no exits")

	type logsBody struct {
		Logs []booking.LogEntry `json:"logs"`
	}
	w = env.do(t, http.MethodGet, "/bookings/"+b.ID+"/logs", "cust_1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	logs := decode[logsBody](t, w).Logs
	require.Len(t, logs, 6, "one entry per accepted transition")
	assert.Equal(t, booking.StatusPending, logs[0].OldStatus)
	assert.Equal(t, booking.StatusCompleted, logs[5].NewStatus)
	assert.Equal(t, "all done", logs[5].ProviderNotes)

	w = env.do(t, http.MethodGet, "/bookings/"+b.ID+"/logs", "cust_2", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestUpdateStatus_ProvidersClaimUnassignedBookings(t *testing.T) {
	env := newTestEnv(t)
	b := env.createBooking(t, "cust_1", "", "10:00")

	type listBody struct {
		Bookings []booking.Booking `json:"bookings"`
	}
	for _, provider := range []string{"prov_1", "prov_2"} {
		w := env.do(t, http.MethodGet, "/bookings/provider", provider, nil)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Len(t, decode[listBody](t, w).Bookings, 1, "unclaimed bookings are offered to %s", provider)
	}
	w := env.do(t, http.MethodGet, "/bookings/"+b.ID+"/logs", "prov_2", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = env.transition(t, "prov_1", b.ID, booking.StatusCommand{Status: booking.StatusConfirmed})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "prov_1", decode[bookingBody](t, w).Booking.ProviderID)

	w = env.transition(t, "prov_2", b.ID, booking.StatusCommand{Status: booking.StatusProviderOnWay})
	assert.Equal(t, http.StatusForbidden, w.Code)
	w = env.do(t, http.MethodGet, "/bookings/provider", "prov_2", nil)
	assert.Empty(t, decode[listBody](t, w).Bookings)
}

func TestUpdateStatus_AdminAssignsOnlyProviders(t *testing.T) {
	env := newTestEnv(t)
	b := env.createBooking(t, "cust_1", "", "10:00")

	w := env.transition(t, "adm_1", b.ID, booking.StatusCommand{Status: booking.StatusConfirmed, ProviderID: "adm_1", ProviderName: "Ops"})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Equal(t, booking.CodeValidation, decode[errorBody](t, w).Code)

	w = env.transition(t, "adm_1", b.ID, booking.StatusCommand{Status: booking.StatusConfirmed})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Empty(t, decode[bookingBody](t, w).Booking.ProviderID, "an admin acting alone assigns nobody")

	w = env.transition(t, "prov_1", b.ID, booking.StatusCommand{Status: booking.StatusProviderOnWay})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "prov_1", decode[bookingBody](t, w).Booking.ProviderID)

	other := env.createBooking(t, "cust_2", "", "11:00")
	w = env.transition(t, "adm_1", other.ID, booking.StatusCommand{Status: booking.StatusConfirmed, ProviderID: "prov_2"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assigned := decode[bookingBody](t, w).Booking
	assert.Equal(t, "prov_2", assigned.ProviderID)
	assert.Equal(t, "Vik", assigned.ProviderName)
}

func TestUpdateStatus_CustomerMayCancelWithReason(t *testing.T) {
	env := newTestEnv(t)
	b := env.createBooking(t, "cust_1", "prov_1", "10:00")

	w := env.do(t, http.MethodPut, "/users/me/push-token", "prov_1", map[string]string{"token": "prov-device"})
	require.Equal(t, http.StatusNoContent, w.Code)

	w = env.transition(t, "cust_1", b.ID, booking.StatusCommand{Status: booking.StatusCancelled, ProviderNotes: "plans changed"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	require.Len(t, env.notifier.changes, 1)
	change := env.notifier.changes[0]
	assert.Equal(t, booking.StatusPending, change.From)
	assert.Equal(t, booking.StatusCancelled, change.Booking.Status)
	assert.Equal(t, []string{"prov-device"}, change.DeviceTokens, "the acting customer is not notified")
}

func TestLocationFeed(t *testing.T) {
	env := newTestEnv(t)
	b := env.createBooking(t, "cust_1", "prov_1", "10:00")
	loc := func(lat float64, at time.Time) map[string]interface{} {
		return map[string]interface{}{"latitude": lat, "longitude": 77.6, "timestamp": at}
	}
	t0 := env.now.Add(-time.Minute)

	w := env.do(t, http.MethodPost, "/bookings/"+b.ID+"/location", "prov_1", loc(12.9, t0))
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Equal(t, booking.CodeNotTrackable, decode[errorBody](t, w).Code)

	w = env.do(t, http.MethodGet, "/bookings/"+b.ID+"/location", "cust_1", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	require.Equal(t, http.StatusOK, env.transition(t, "prov_1", b.ID, booking.StatusCommand{Status: booking.StatusConfirmed}).Code)
	require.Equal(t, http.StatusOK, env.transition(t, "prov_1", b.ID, booking.StatusCommand{Status: booking.StatusProviderOnWay}).Code)

	w = env.do(t, http.MethodPost, "/bookings/"+b.ID+"/location", "prov_1", loc(12.9, t0))
	require.Equal(t, http.StatusNoContent, w.Code, w.Body.String())

	w = env.do(t, http.MethodPost, "/bookings/"+b.ID+"/location", "prov_1", loc(13.5, t0.Add(-time.Second)))
	assert.Equal(t, http.StatusNoContent, w.Code, "out of order samples are dropped quietly")

	w = env.do(t, http.MethodPost, "/bookings/"+b.ID+"/location", "cust_1", loc(1, t0.Add(time.Second)))
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = env.do(t, http.MethodPost, "/bookings/"+b.ID+"/location", "prov_1", map[string]interface{}{"longitude": 1})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	type locationBody struct {
		Location locationResponse `json:"location"`
	}
	w = env.do(t, http.MethodGet, "/bookings/"+b.ID+"/location", "cust_1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	got := decode[locationBody](t, w).Location
	assert.Equal(t, 12.9, got.Latitude)
	assert.True(t, got.IsTracking)
	assert.True(t, t0.Equal(got.LastUpdated))

	require.Equal(t, http.StatusOK, env.transition(t, "prov_1", b.ID, booking.StatusCommand{Status: booking.StatusCancelled, ProviderNotes: "flat tyre"}).Code)

	w = env.do(t, http.MethodGet, "/bookings/"+b.ID+"/location", "cust_1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	got = decode[locationBody](t, w).Location
	assert.False(t, got.IsTracking, "leaving the trackable set ends tracking")
	assert.Equal(t, 12.9, got.Latitude, "last known position is kept")
}

func TestRealtimeFanOut(t *testing.T) {
	env := newTestEnv(t)
	server := httptest.NewServer(env.router)
	defer server.Close()
	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws?token="

	dialAndJoin := func(actor string, join realtime.Message, room string) *websocket.Conn {
		ws, _, err := websocket.DefaultDialer.Dial(wsURL+env.tokens[actor], nil)
		require.NoError(t, err)
		t.Cleanup(func() { ws.Close() })
		require.NoError(t, ws.WriteJSON(join))
		require.Eventually(t, func() bool { return env.hub.ConnectionCount(room) == 1 }, time.Second, 10*time.Millisecond)
		return ws
	}
	read := func(ws *websocket.Conn) realtime.Message {
		ws.SetReadDeadline(time.Now().Add(2 * time.Second))
		var msg realtime.Message
		require.NoError(t, ws.ReadJSON(&msg))
		return msg
	}

	joinProvider, _ := realtime.NewMessage(realtime.EventJoinProvider, "prov_1")
	joinUser, _ := realtime.NewMessage(realtime.EventJoinUser, "cust_1")
	provider := dialAndJoin("prov_1", joinProvider, hub.ProviderRoom("prov_1"))
	customer := dialAndJoin("cust_1", joinUser, hub.UserRoom("cust_1"))

	b := env.createBooking(t, "cust_1", "prov_1", "10:00")
	msg := read(provider)
	assert.Equal(t, realtime.EventNewBooking, msg.Event)
	created, err := realtime.DecodeBooking(msg)
	require.NoError(t, err)
	assert.Equal(t, b.ID, created.ID)

	require.Equal(t, http.StatusOK, env.transition(t, "prov_1", b.ID, booking.StatusCommand{Status: booking.StatusConfirmed}).Code)
	update, err := realtime.DecodeStatusUpdated(read(customer))
	require.NoError(t, err)
	assert.Equal(t, booking.StatusConfirmed, update.NewStatus)
	assert.Equal(t, realtime.EventBookingStatusUpdated, read(provider).Event)

	require.Equal(t, http.StatusOK, env.transition(t, "prov_1", b.ID, booking.StatusCommand{Status: booking.StatusProviderOnWay}).Code)
	read(customer)
	read(provider)

	w := env.do(t, http.MethodPost, "/bookings/"+b.ID+"/location", "prov_1", map[string]interface{}{"latitude": 12.9, "longitude": 77.6})
	require.Equal(t, http.StatusNoContent, w.Code)

	located, err := realtime.DecodeLocationUpdated(read(customer), time.Now())
	require.NoError(t, err)
	assert.Equal(t, 12.9, located.Location.Latitude)
	assert.True(t, env.now.Equal(located.Location.LastUpdated), "missing timestamps are stamped by the server")
}
