package session_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"

	"github.com/fieldside/dispatch/internal/channel"
	"github.com/fieldside/dispatch/internal/db"
	"github.com/fieldside/dispatch/internal/geo"
	"github.com/fieldside/dispatch/internal/lifecycle"
	"github.com/fieldside/dispatch/internal/models"
	"github.com/fieldside/dispatch/internal/offer"
	"github.com/fieldside/dispatch/internal/presence"
	"github.com/fieldside/dispatch/internal/repository/sqlite"
	"github.com/fieldside/dispatch/internal/session"
)

// dispatchServer is a minimal server peer: it acks location updates, lets
// tests push offers, and records the decisions that come back.
type dispatchServer struct {
	srv *httptest.Server

	mu        sync.Mutex
	conn      *websocket.Conn
	decisions []channel.Envelope
}

func newDispatchServer(t *testing.T) *dispatchServer {
	t.Helper()
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	ds := &dispatchServer{}
	ds.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		ds.mu.Lock()
		ds.conn = conn
		ds.mu.Unlock()

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var env channel.Envelope
			if json.Unmarshal(data, &env) != nil {
				continue
			}
			switch env.Event {
			case channel.EventLocationUpdate:
				payload, _ := json.Marshal(channel.Ack{Success: true})
				out, _ := json.Marshal(channel.Envelope{Event: channel.EventAck, ID: env.ID, Payload: payload})
				ds.mu.Lock()
				conn.WriteMessage(websocket.TextMessage, out)
				ds.mu.Unlock()
			case channel.EventOfferAccept, channel.EventOfferReject:
				ds.mu.Lock()
				ds.decisions = append(ds.decisions, env)
				ds.mu.Unlock()
			}
		}
	}))
	t.Cleanup(ds.srv.Close)
	return ds
}

func (ds *dispatchServer) url() string {
	return "ws" + strings.TrimPrefix(ds.srv.URL, "http")
}

func (ds *dispatchServer) push(t *testing.T, event string, payload any) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		ds.mu.Lock()
		conn := ds.conn
		ds.mu.Unlock()
		if conn != nil {
			raw, _ := json.Marshal(payload)
			data, _ := json.Marshal(channel.Envelope{Event: event, Payload: raw})
			ds.mu.Lock()
			err := conn.WriteMessage(websocket.TextMessage, data)
			ds.mu.Unlock()
			if err != nil {
				t.Fatalf("push %s: %v", event, err)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("no agent connection to push %s to", event)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func (ds *dispatchServer) lastDecision() (channel.Envelope, bool) {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	if len(ds.decisions) == 0 {
		return channel.Envelope{}, false
	}
	return ds.decisions[len(ds.decisions)-1], true
}

// grantedSource always has permission and a fix.
type grantedSource struct{}

func (grantedSource) PermissionState(context.Context) (geo.Permission, error) {
	return geo.PermissionGranted, nil
}
func (grantedSource) RequestPermission(context.Context) (geo.Permission, error) {
	return geo.PermissionGranted, nil
}
func (grantedSource) CapabilityEnabled(context.Context) (bool, error) { return true, nil }
func (grantedSource) CurrentFix(context.Context) (*models.PositionFix, error) {
	return &models.PositionFix{Latitude: -23.5, Longitude: -46.6, Captured: time.Now()}, nil
}

type harness struct {
	svc    *session.Service
	store  *sqlite.Store
	server *dispatchServer
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx := context.Background()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	conn, err := db.New(ctx, dsn)
	if err != nil {
		t.Fatalf("db.New: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	st, err := sqlite.New(ctx, conn, nil)
	if err != nil {
		t.Fatalf("sqlite.New: %v", err)
	}

	ds := newDispatchServer(t)
	pres := presence.New(grantedSource{}, presence.Options{
		ServerURL:    ds.url(),
		Interval:     20 * time.Millisecond,
		DialAttempts: 2,
		RetryDelay:   10 * time.Millisecond,
		AckTimeout:   time.Second,
	})
	offers := offer.NewSession(pres, offer.Options{Tick: time.Hour})
	jobs := lifecycle.New(st, nil)
	svc := session.New(st, st, pres, offers, jobs, nil)

	t.Cleanup(func() { svc.Logout(context.Background()) })
	return &harness{svc: svc, store: st, server: ds}
}

func signToken(t *testing.T, workerID, name, role, category string) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":      workerID,
		"name":     name,
		"role":     role,
		"category": category,
	})
	signed, err := tok.SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition never met")
}

func TestLoginPersistsAndScopesPresence(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.svc.SetFocused(true)
	sess, err := h.svc.Login(ctx, signToken(t, "w-1", "Ana", "transport", "towing"))
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if sess.WorkerID != "w-1" || sess.Role != models.RoleTransport {
		t.Fatalf("bad session: %+v", sess)
	}

	stored, err := h.store.Load(ctx)
	if err != nil || stored == nil || stored.WorkerID != "w-1" {
		t.Fatalf("session not persisted: %+v err=%v", stored, err)
	}

	waitFor(t, func() bool {
		return h.svc.Presence().State().Status == presence.StatusConnected
	})

	if err := h.svc.Logout(ctx); err != nil {
		t.Fatalf("logout: %v", err)
	}
	if h.svc.Current() != nil {
		t.Fatalf("current survived logout")
	}
	if stored, _ := h.store.Load(ctx); stored != nil {
		t.Fatalf("persisted session survived logout")
	}
	if st := h.svc.Presence().State(); st.Status != presence.StatusDisconnected {
		t.Fatalf("presence still %s after logout", st.Status)
	}
}

func TestLoginRejectsBadTokens(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if _, err := h.svc.Login(ctx, "not-a-token"); !errors.Is(err, session.ErrBadCredential) {
		t.Fatalf("garbage token: expected ErrBadCredential, got %v", err)
	}
	if _, err := h.svc.Login(ctx, signToken(t, "w-1", "Ana", "dispatcher", "")); !errors.Is(err, session.ErrBadCredential) {
		t.Fatalf("unknown role: expected ErrBadCredential, got %v", err)
	}
	if _, err := h.svc.Login(ctx, signToken(t, "", "Ana", "transport", "")); !errors.Is(err, session.ErrBadCredential) {
		t.Fatalf("missing subject: expected ErrBadCredential, got %v", err)
	}
}

func TestResumeRestoresPersistedSession(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if sess, err := h.svc.Resume(ctx); err != nil || sess != nil {
		t.Fatalf("resume with empty store: %+v err=%v", sess, err)
	}

	saved := &models.Session{WorkerID: "w-2", Name: "Bruno", Token: signToken(t, "w-2", "Bruno", "inspection", ""), Role: models.RoleInspection}
	if err := h.store.SaveSession(ctx, saved); err != nil {
		t.Fatalf("seed session: %v", err)
	}

	sess, err := h.svc.Resume(ctx)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if sess == nil || sess.WorkerID != "w-2" {
		t.Fatalf("wrong session resumed: %+v", sess)
	}
	if cur := h.svc.Current(); cur == nil || cur.WorkerID != "w-2" {
		t.Fatalf("current not set: %+v", cur)
	}
}

func TestOfferAcceptCreatesJob(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.svc.SetFocused(true)
	if _, err := h.svc.Login(ctx, signToken(t, "w-1", "Ana", "transport", "towing")); err != nil {
		t.Fatalf("login: %v", err)
	}
	waitFor(t, func() bool {
		return h.svc.Presence().State().Status == presence.StatusConnected
	})

	h.server.push(t, channel.EventOfferNew, channel.OfferNew{
		OfferID:         "of-1",
		Address:         "Av. Paulista 1000",
		ServiceCategory: "towing",
		TimeoutSeconds:  30,
	})
	waitFor(t, func() bool { return h.svc.Offers().Pending() != nil })

	pending := h.svc.Offers().Pending()
	if pending.ID != "of-1" || pending.DeadlineTicks != 30 {
		t.Fatalf("bad pending offer: %+v", pending)
	}

	if err := h.svc.Offers().Accept("of-1"); err != nil {
		t.Fatalf("accept: %v", err)
	}

	waitFor(t, func() bool {
		j, _ := h.svc.Jobs().Active(ctx)
		return j != nil
	})
	j, _ := h.svc.Jobs().Active(ctx)
	if j.ID != "of-1" || j.Category != models.RoleTransport {
		t.Fatalf("wrong job from offer: %+v", j)
	}
	if j.Transport == nil || j.Transport.PickupAddress != "Av. Paulista 1000" {
		t.Fatalf("offer address not carried: %+v", j.Transport)
	}

	waitFor(t, func() bool {
		env, ok := h.server.lastDecision()
		return ok && env.Event == channel.EventOfferAccept
	})
}

func TestOfferDroppedWhileJobActive(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.svc.SetFocused(true)
	if _, err := h.svc.Login(ctx, signToken(t, "w-1", "Ana", "transport", "towing")); err != nil {
		t.Fatalf("login: %v", err)
	}
	if err := h.svc.Jobs().Create(ctx, models.NewTransportJob("busy-1", models.TransportDetails{})); err != nil {
		t.Fatalf("seed active job: %v", err)
	}
	waitFor(t, func() bool {
		return h.svc.Presence().State().Status == presence.StatusConnected
	})

	h.server.push(t, channel.EventOfferNew, channel.OfferNew{OfferID: "of-2", Address: "Rua X 1", ServiceCategory: "towing"})

	time.Sleep(100 * time.Millisecond)
	if p := h.svc.Offers().Pending(); p != nil {
		t.Fatalf("offer presented despite active job: %+v", p)
	}
}

func TestInspectionReceivingToggleGatesOffers(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if err := h.svc.SetReceivingOffers(ctx, true); !errors.Is(err, session.ErrNotAuthenticated) {
		t.Fatalf("toggle without login: expected ErrNotAuthenticated, got %v", err)
	}

	h.svc.SetFocused(true)
	if _, err := h.svc.Login(ctx, signToken(t, "w-2", "Bruno", "inspection", "vehicle-survey")); err != nil {
		t.Fatalf("login: %v", err)
	}
	waitFor(t, func() bool {
		return h.svc.Presence().State().Status == presence.StatusConnected
	})

	// toggle defaults to off: offers do not reach the worker
	h.server.push(t, channel.EventOfferNew, channel.OfferNew{OfferID: "of-3", Address: "Rua Y 2", ServiceCategory: "survey"})
	time.Sleep(100 * time.Millisecond)
	if p := h.svc.Offers().Pending(); p != nil {
		t.Fatalf("offer presented while not receiving: %+v", p)
	}

	if err := h.svc.SetReceivingOffers(ctx, true); err != nil {
		t.Fatalf("set receiving: %v", err)
	}
	h.server.push(t, channel.EventOfferNew, channel.OfferNew{OfferID: "of-4", Address: "Rua Y 2", ServiceCategory: "survey"})
	waitFor(t, func() bool { return h.svc.Offers().Pending() != nil })

	if p := h.svc.Offers().Pending(); p.ID != "of-4" {
		t.Fatalf("wrong offer presented: %+v", p)
	}
}

func TestMalformedOfferDroppedBySchema(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.svc.SetFocused(true)
	if _, err := h.svc.Login(ctx, signToken(t, "w-1", "Ana", "transport", "towing")); err != nil {
		t.Fatalf("login: %v", err)
	}
	waitFor(t, func() bool {
		return h.svc.Presence().State().Status == presence.StatusConnected
	})

	// no offerId, schema validation must drop it before the session sees it
	h.server.push(t, channel.EventOfferNew, map[string]string{"address": "Rua Z 3"})
	time.Sleep(100 * time.Millisecond)
	if p := h.svc.Offers().Pending(); p != nil {
		t.Fatalf("malformed offer got through: %+v", p)
	}
}
