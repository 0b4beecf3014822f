package channel_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/fieldside/dispatch/internal/channel"
)

var upgrader = websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

// wsServer is a scriptable websocket peer: every inbound envelope goes
// through handle, and the test can push frames back over the same conn.
type wsServer struct {
	srv   *httptest.Server
	conns chan *serverConn
}

type serverConn struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (sc *serverConn) writeEnvelope(t *testing.T, env channel.Envelope) {
	t.Helper()
	data, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	sc.writeMu.Lock()
	defer sc.writeMu.Unlock()
	if err := sc.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Errorf("server write: %v", err)
	}
}

func (sc *serverConn) ack(t *testing.T, id string, ack channel.Ack) {
	t.Helper()
	payload, _ := json.Marshal(ack)
	sc.writeEnvelope(t, channel.Envelope{Event: channel.EventAck, ID: id, Payload: payload})
}

func newWSServer(t *testing.T, handle func(sc *serverConn, env channel.Envelope)) *wsServer {
	t.Helper()
	ws := &wsServer{conns: make(chan *serverConn, 4)}
	ws.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		sc := &serverConn{conn: conn}
		ws.conns <- sc
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var env channel.Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				continue
			}
			if handle != nil {
				handle(sc, env)
			}
		}
	}))
	t.Cleanup(ws.srv.Close)
	return ws
}

func (ws *wsServer) url() string {
	return "ws" + strings.TrimPrefix(ws.srv.URL, "http")
}

func (ws *wsServer) accepted(t *testing.T) *serverConn {
	t.Helper()
	select {
	case sc := <-ws.conns:
		return sc
	case <-time.After(2 * time.Second):
		t.Fatalf("no connection accepted")
		return nil
	}
}

func TestEmitWithAck(t *testing.T) {
	ws := newWSServer(t, func(sc *serverConn, env channel.Envelope) {
		if env.Event == channel.EventLocationUpdate {
			sc.ack(t, env.ID, channel.Ack{Success: true})
		}
	})

	c := channel.New(channel.Options{URL: ws.url(), AckTimeout: 2 * time.Second})
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer c.Close()

	ack, err := c.EmitWithAck(context.Background(), channel.EventLocationUpdate, channel.LocationUpdate{
		Token:     "tok",
		Latitude:  -23.55,
		Longitude: -46.63,
	})
	if err != nil {
		t.Fatalf("emit with ack: %v", err)
	}
	if !ack.Success {
		t.Fatalf("expected success ack, got %+v", ack)
	}
}

func TestEmitWithAckServerError(t *testing.T) {
	ws := newWSServer(t, func(sc *serverConn, env channel.Envelope) {
		sc.ack(t, env.ID, channel.Ack{Success: false, Error: "bad token"})
	})

	c := channel.New(channel.Options{URL: ws.url(), AckTimeout: 2 * time.Second})
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer c.Close()

	ack, err := c.EmitWithAck(context.Background(), channel.EventLocationUpdate, channel.LocationUpdate{Token: "x"})
	if err != nil {
		t.Fatalf("emit with ack: %v", err)
	}
	if ack.Success || ack.Error != "bad token" {
		t.Fatalf("expected failure ack with error, got %+v", ack)
	}
}

func TestEmitWithAckTimeout(t *testing.T) {
	ws := newWSServer(t, nil) // never acks

	c := channel.New(channel.Options{URL: ws.url(), AckTimeout: 50 * time.Millisecond})
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer c.Close()

	_, err := c.EmitWithAck(context.Background(), channel.EventLocationUpdate, channel.LocationUpdate{Token: "x"})
	if !errors.Is(err, channel.ErrAckTimeout) {
		t.Fatalf("expected ErrAckTimeout, got %v", err)
	}
}

func TestHandleDispatch(t *testing.T) {
	ws := newWSServer(t, nil)

	c := channel.New(channel.Options{URL: ws.url()})
	got := make(chan channel.OfferNew, 1)
	c.Handle(channel.EventOfferNew, func(payload json.RawMessage) {
		var o channel.OfferNew
		if err := json.Unmarshal(payload, &o); err != nil {
			t.Errorf("decode offer: %v", err)
			return
		}
		got <- o
	})
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer c.Close()

	sc := ws.accepted(t)
	payload, _ := json.Marshal(channel.OfferNew{OfferID: "of-1", Address: "Av. Paulista 1000", ServiceCategory: "towing"})
	sc.writeEnvelope(t, channel.Envelope{Event: channel.EventOfferNew, Payload: payload})

	select {
	case o := <-got:
		if o.OfferID != "of-1" {
			t.Fatalf("wrong offer: %+v", o)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("handler never fired")
	}
}

func TestHandleSchemaDropsInvalid(t *testing.T) {
	ws := newWSServer(t, nil)

	c := channel.New(channel.Options{URL: ws.url()})
	got := make(chan channel.OfferNew, 2)
	err := c.HandleSchema(channel.EventOfferNew, channel.OfferNewSchema, func(payload json.RawMessage) {
		var o channel.OfferNew
		json.Unmarshal(payload, &o)
		got <- o
	})
	if err != nil {
		t.Fatalf("handle schema: %v", err)
	}
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer c.Close()

	sc := ws.accepted(t)
	// missing offerId and address, must be dropped by validation
	sc.writeEnvelope(t, channel.Envelope{Event: channel.EventOfferNew, Payload: json.RawMessage(`{"serviceCategory":"towing"}`)})
	payload, _ := json.Marshal(channel.OfferNew{OfferID: "of-2", Address: "Rua B 42", ServiceCategory: "towing"})
	sc.writeEnvelope(t, channel.Envelope{Event: channel.EventOfferNew, Payload: payload})

	select {
	case o := <-got:
		if o.OfferID != "of-2" {
			t.Fatalf("invalid payload reached handler: %+v", o)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("valid payload never dispatched")
	}
	select {
	case o := <-got:
		t.Fatalf("unexpected second dispatch: %+v", o)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestDialBudgetExhausted(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	srv.Close() // nothing listens anymore

	var states []channel.State
	var mu sync.Mutex
	c := channel.New(channel.Options{
		URL:          url,
		DialAttempts: 2,
		RetryDelay:   time.Millisecond,
		OnState: func(s channel.State, _ error) {
			mu.Lock()
			states = append(states, s)
			mu.Unlock()
		},
	})
	err := c.Connect(context.Background())
	if !errors.Is(err, channel.ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(states) == 0 || states[len(states)-1] != channel.StateFailed {
		t.Fatalf("expected terminal StateFailed, got %v", states)
	}
}

func TestCloseIdempotent(t *testing.T) {
	c := channel.New(channel.Options{URL: "ws://127.0.0.1:1/ws"})
	c.Close()
	c.Close()

	_, err := c.EmitWithAck(context.Background(), channel.EventOfferAccept, channel.OfferDecision{OfferID: "x"})
	if !errors.Is(err, channel.ErrClosed) {
		t.Fatalf("expected ErrClosed after close, got %v", err)
	}
}
