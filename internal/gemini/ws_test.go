package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"

	"github.com/antoniostano/aiwave/internal/voice"
)

type fakeLive struct {
	t        *testing.T
	setup    chan clientMessage
	received chan clientMessage
	script   func(conn *websocket.Conn)
}

func newFakeLive(t *testing.T, script func(conn *websocket.Conn)) (*fakeLive, *httptest.Server) {
	t.Helper()
	f := &fakeLive{
		t:        t,
		setup:    make(chan clientMessage, 1),
		received: make(chan clientMessage, 16),
		script:   script,
	}
	srv := httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(srv.Close)
	return f, srv
}

func (f *fakeLive) serve(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != bidiPath || r.URL.Query().Get("key") != "test-key" {
		http.Error(w, "bad endpoint", http.StatusNotFound)
		return
	}
	upgrader := websocket.Upgrader{}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	var first clientMessage
	if err := conn.ReadJSON(&first); err != nil {
		return
	}
	f.setup <- first
	f.script(conn)
	for {
		var msg clientMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		f.received <- msg
	}
}

func testDialer(srv *httptest.Server) *WSDialer {
	return NewWSDialer(WSConfig{
		APIKey:  "test-key",
		BaseURL: "ws" + strings.TrimPrefix(srv.URL, "http"),
		Model:   "gemini-live-test",
		Logger:  log.New(io.Discard),
	})
}

func writeRaw(conn *websocket.Conn, raw string) {
	_ = conn.WriteMessage(websocket.TextMessage, []byte(raw))
}

func recvInbound(t *testing.T, ch voice.Channel) voice.Inbound {
	t.Helper()
	select {
	case msg, ok := <-ch.Subscribe():
		if !ok {
			t.Fatalf("inbound stream closed, err = %v", ch.Err())
		}
		return msg
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for inbound message")
	}
	return voice.Inbound{}
}

func TestWSDialerRoundTrip(t *testing.T) {
	f, srv := newFakeLive(t, func(conn *websocket.Conn) {
		writeRaw(conn, `{"setupComplete":{}}`)
		writeRaw(conn, `not json`)
		writeRaw(conn, `{"serverContent":{"outputTranscription":{"text":"Hi there"}}}`)
		writeRaw(conn, `{"toolCall":{"functionCalls":[{"id":"t1","name":"transferToManager","args":{"reason":"refund"}}]}}`)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	ch, err := testDialer(srv).Dial(ctx, sampleConfig())
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer ch.Close()

	setup := <-f.setup
	if setup.Setup == nil || setup.Setup.Model != "models/gemini-live-test" {
		t.Fatalf("setup = %+v", setup.Setup)
	}

	if msg := recvInbound(t, ch); msg.Kind != voice.InboundOutputTranscription || msg.Text != "Hi there" {
		t.Fatalf("first inbound = %+v", msg)
	}
	msg := recvInbound(t, ch)
	if msg.Kind != voice.InboundToolCall || msg.Calls[0].ID != "t1" {
		t.Fatalf("second inbound = %+v", msg)
	}

	result := voice.Outbound{Kind: voice.OutboundToolResult, Result: voice.ToolResult{ID: "t1", Name: "transferToManager", Status: voice.ToolStatusOK}}
	if err := ch.Send(ctx, result); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	select {
	case got := <-f.received:
		if got.ToolResponse == nil || got.ToolResponse.FunctionResponses[0].ID != "t1" {
			raw, _ := json.Marshal(got)
			t.Fatalf("server received %s", raw)
		}
		if status := got.ToolResponse.FunctionResponses[0].Response["status"]; status != "ok" {
			t.Fatalf("status = %v, want ok", status)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("server never received tool response")
	}

	if err := ch.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := ch.Send(ctx, result); !errors.Is(err, voice.ErrChannelClosed) {
		t.Fatalf("Send() after Close error = %v, want ErrChannelClosed", err)
	}
	if err := ch.Err(); err != nil {
		t.Fatalf("Err() after Close = %v, want nil", err)
	}
}

func TestWSDialerSetupRejected(t *testing.T) {
	_, srv := newFakeLive(t, func(conn *websocket.Conn) {
		_ = conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "invalid model"),
			time.Now().Add(time.Second),
		)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := testDialer(srv).Dial(ctx, sampleConfig())
	if !errors.Is(err, ErrSetupRejected) {
		t.Fatalf("Dial() error = %v, want ErrSetupRejected", err)
	}
	if !strings.Contains(err.Error(), "invalid model") {
		t.Fatalf("Dial() error = %v, want close reason", err)
	}
}

func TestWSDialerHandshakeTimeout(t *testing.T) {
	_, srv := newFakeLive(t, func(conn *websocket.Conn) {
		time.Sleep(500 * time.Millisecond)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err := testDialer(srv).Dial(ctx, sampleConfig())
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Dial() error = %v, want deadline exceeded", err)
	}
}

func TestWSChannelAbnormalCloseSetsErr(t *testing.T) {
	_, srv := newFakeLive(t, func(conn *websocket.Conn) {
		writeRaw(conn, `{"setupComplete":{}}`)
		time.Sleep(50 * time.Millisecond)
		conn.UnderlyingConn().Close()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	ch, err := testDialer(srv).Dial(ctx, sampleConfig())
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer ch.Close()

	select {
	case _, ok := <-ch.Subscribe():
		if ok {
			t.Fatalf("unexpected inbound message")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("inbound stream never closed")
	}
	if ch.Err() == nil {
		t.Fatalf("Err() = nil after abnormal close")
	}
}

func TestWSDialerEndpoint(t *testing.T) {
	d := NewWSDialer(WSConfig{APIKey: "k&1"})
	got, err := d.endpoint()
	if err != nil {
		t.Fatalf("endpoint() error = %v", err)
	}
	want := DefaultWSBaseURL + bidiPath + "?key=k%261"
	if got != want {
		t.Fatalf("endpoint() = %q, want %q", got, want)
	}
}
