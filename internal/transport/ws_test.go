package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/coder/websocket"
	"github.com/fxamacker/cbor/v2"
	"go.uber.org/zap"

	"github.com/sayan83/signal-dispatch/internal/wire"
)

// wsTestServer accepts one socket and answers every request frame through
// handle.
func wsTestServer(t *testing.T, handle func(req *wsRequest) *wsResponse) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer ws.CloseNow()

		ctx := r.Context()
		for {
			_, data, err := ws.Read(ctx)
			if err != nil {
				return
			}
			var req wsRequest
			if err := cbor.Unmarshal(data, &req); err != nil {
				t.Errorf("bad frame: %v", err)
				return
			}
			resp := handle(&req)
			resp.ID = req.ID
			out, err := cbor.Marshal(resp)
			if err != nil {
				t.Errorf("marshal response: %v", err)
				return
			}
			if err := ws.Write(ctx, websocket.MessageBinary, out); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dialTest(t *testing.T, url string) *WSConn {
	t.Helper()
	conn, err := DialWS(context.Background(), url, BasicAuth{Username: "me.1", Password: "pw"}, nil, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestWSRequestResponse(t *testing.T) {
	url := wsTestServer(t, func(req *wsRequest) *wsResponse {
		if req.Verb != http.MethodGet || req.Path != "/ping" {
			t.Errorf("unexpected frame %+v", req)
		}
		return &wsResponse{Status: http.StatusOK, Body: []byte("pong")}
	})

	conn := dialTest(t, url)
	body, status, err := conn.Request(context.Background(), http.MethodGet, "/ping", nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if status != http.StatusOK || string(body) != "pong" {
		t.Errorf("got %d %q", status, body)
	}
}

func TestWSConcurrentRequestsCorrelate(t *testing.T) {
	url := wsTestServer(t, func(req *wsRequest) *wsResponse {
		// Echo the path so each caller can verify it got its own answer.
		return &wsResponse{Status: http.StatusOK, Body: []byte(req.Path)}
	})

	conn := dialTest(t, url)
	done := make(chan error, 10)
	for i := range 10 {
		path := "/req/" + string(rune('a'+i))
		go func() {
			body, _, err := conn.Request(context.Background(), http.MethodGet, path, nil, nil)
			if err == nil && string(body) != path {
				err = fmt.Errorf("response %q for request %q", body, path)
			}
			done <- err
		}()
	}
	for range 10 {
		if err := <-done; err != nil {
			t.Fatal(err)
		}
	}
}

func TestWSServiceSharesStatusTaxonomy(t *testing.T) {
	url := wsTestServer(t, func(req *wsRequest) *wsResponse {
		return &wsResponse{Status: http.StatusGone, Body: []byte(`{"staleDevices":[2]}`)}
	})

	svc := NewWSService(dialTest(t, url))
	err := svc.SendMessages(context.Background(), "alice", sampleList())

	var stale *wire.StaleDevicesError
	if !errors.As(err, &stale) || stale.StaleDevices[0] != 2 {
		t.Fatalf("got %v, want StaleDevicesError", err)
	}
}
