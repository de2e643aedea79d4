// Copyright 2026 The Testfloor Authors
// SPDX-License-Identifier: Apache-2.0

package eventstream

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/testfloor/station/lib/testutil"
)

// newPushServer starts a websocket server running serve for each
// connection and returns its ws:// URL.
func newPushServer(t *testing.T, serve func(ctx context.Context, ws *websocket.Conn)) string {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := websocket.Accept(w, r, nil)
		if err != nil {
			t.Errorf("accepting websocket: %v", err)
			return
		}
		serve(r.Context(), ws)
	}))
	t.Cleanup(server.Close)
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func TestMessagesArriveInOrder(t *testing.T) {
	pushes := []string{
		`{"type":"identity","token":"tok-1"}`,
		`{"type":"status","path":"smt.probe","state":{"status":"ACTIVE"}}`,
		`{"type":"status","path":"smt.probe","state":{"status":"PASSED"}}`,
	}
	url := newPushServer(t, func(ctx context.Context, ws *websocket.Conn) {
		for _, p := range pushes {
			if err := ws.Write(ctx, websocket.MessageText, []byte(p)); err != nil {
				return
			}
		}
		// Hold the connection open until the client goes away.
		ws.Read(ctx)
	})

	conn, err := Dial(context.Background(), url, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	if conn.State() != StateOpen {
		t.Fatalf("State = %v, want open", conn.State())
	}
	for i, want := range pushes {
		raw := testutil.RequireReceive(t, conn.Messages(), 5*time.Second, "push %d", i)
		if string(raw) != want {
			t.Fatalf("push %d = %s, want %s", i, raw, want)
		}
	}
}

func TestSendReachesServer(t *testing.T) {
	received := make(chan KeepAlive, 1)
	url := newPushServer(t, func(ctx context.Context, ws *websocket.Conn) {
		var ka KeepAlive
		if err := wsjson.Read(ctx, ws, &ka); err != nil {
			return
		}
		received <- ka
	})

	conn, err := Dial(context.Background(), url, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	if err := conn.Send(context.Background(), NewKeepAlive("tok-1")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	ka := testutil.RequireReceive(t, received, 5*time.Second, "keepalive at server")
	if ka.Type != KindKeepAlive || ka.Token != "tok-1" {
		t.Fatalf("server received %+v", ka)
	}
}

func TestDoneOnRemoteClose(t *testing.T) {
	url := newPushServer(t, func(ctx context.Context, ws *websocket.Conn) {
		ws.Close(websocket.StatusGoingAway, "backend restarting")
	})

	conn, err := Dial(context.Background(), url, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	testutil.RequireClosed(t, conn.Done(), 5*time.Second, "Done after remote close")
	if conn.State() != StateClosed {
		t.Fatalf("State = %v, want closed", conn.State())
	}
	if conn.Err() == nil {
		t.Fatal("Err is nil after remote close")
	}
	if err := conn.Send(context.Background(), NewKeepAlive("tok-1")); err == nil {
		t.Fatal("Send succeeded on a closed connection")
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	url := newPushServer(t, func(ctx context.Context, ws *websocket.Conn) {
		ws.Read(ctx)
	})

	conn, err := Dial(context.Background(), url, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}

	if err := conn.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := conn.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	testutil.RequireClosed(t, conn.Done(), 5*time.Second, "Done after local close")
	if conn.Err() != nil {
		t.Fatalf("Err = %v after clean local close, want nil", conn.Err())
	}
}

func TestDialFailure(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := Dial(ctx, "ws://127.0.0.1:1/events", nil); err == nil {
		t.Fatal("Dial succeeded against a dead address")
	}
}

// Raw payloads stay intact end to end, including fields this package
// does not model.
func TestRawPayloadPreserved(t *testing.T) {
	push := `{"type":"vendorExtension","payload":{"nested":[1,2,3]}}`
	url := newPushServer(t, func(ctx context.Context, ws *websocket.Conn) {
		ws.Write(ctx, websocket.MessageText, []byte(push))
		ws.Read(ctx)
	})

	conn, err := Dial(context.Background(), url, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	raw := testutil.RequireReceive(t, conn.Messages(), 5*time.Second, "vendor push")
	var decoded map[string]json.RawMessage
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("unmarshal raw push: %v", err)
	}
	if string(decoded["payload"]) != `{"nested":[1,2,3]}` {
		t.Fatalf("payload = %s", decoded["payload"])
	}
}
