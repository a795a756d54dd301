package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/coder/websocket"
	"github.com/fxamacker/cbor/v2"
	"go.uber.org/zap"
)

// wsRequest and wsResponse are the CBOR frames exchanged on the relay's
// request/response socket. Requests carry a correlation ID that the server
// echoes back in the matching response.
type wsRequest struct {
	ID      uint64            `cbor:"1,keyasint"`
	Verb    string            `cbor:"2,keyasint"`
	Path    string            `cbor:"3,keyasint"`
	Headers map[string]string `cbor:"4,keyasint,omitempty"`
	Body    []byte            `cbor:"5,keyasint,omitempty"`
}

type wsResponse struct {
	ID     uint64 `cbor:"1,keyasint"`
	Status int    `cbor:"2,keyasint"`
	Body   []byte `cbor:"3,keyasint,omitempty"`
}

// WSConn is a persistent request/response channel to the relay. It multiplexes
// concurrent requests over one socket and matches responses by correlation ID.
type WSConn struct {
	ws     *websocket.Conn
	log    *zap.Logger
	nextID atomic.Uint64

	mu      sync.Mutex
	pending map[uint64]chan *wsResponse
	readErr error
	closed  bool
}

// DialWS opens the relay socket. Credentials go into the upgrade request; a
// nil tlsConf uses the default TLS stack. The read loop runs until the
// connection fails or Close is called.
func DialWS(ctx context.Context, url string, auth BasicAuth, tlsConf *tls.Config, log *zap.Logger) (*WSConn, error) {
	opts := &websocket.DialOptions{}
	if tlsConf != nil {
		opts.HTTPClient = &http.Client{
			Transport: &http.Transport{
				TLSClientConfig: tlsConf,
			},
		}
	}
	hdr := http.Header{}
	req := &http.Request{Header: hdr}
	req.SetBasicAuth(auth.Username, auth.Password)
	opts.HTTPHeader = hdr

	ws, _, err := websocket.Dial(ctx, url, opts)
	if err != nil {
		return nil, fmt.Errorf("transport: dial ws: %w", err)
	}

	c := &WSConn{
		ws:      ws,
		log:     log,
		pending: make(map[uint64]chan *wsResponse),
	}
	go c.readLoop()
	return c, nil
}

// Request sends one frame and blocks for its response.
func (c *WSConn) Request(ctx context.Context, verb, path string, headers map[string]string, body []byte) ([]byte, int, error) {
	id := c.nextID.Add(1)
	data, err := cbor.Marshal(&wsRequest{
		ID:      id,
		Verb:    verb,
		Path:    path,
		Headers: headers,
		Body:    body,
	})
	if err != nil {
		return nil, 0, fmt.Errorf("transport: marshal ws request: %w", err)
	}

	ch := make(chan *wsResponse, 1)
	c.mu.Lock()
	if c.readErr != nil {
		err := c.readErr
		c.mu.Unlock()
		return nil, 0, err
	}
	c.pending[id] = ch
	c.mu.Unlock()

	if err := c.ws.Write(ctx, websocket.MessageBinary, data); err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, 0, fmt.Errorf("transport: ws write: %w", err)
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			c.mu.Lock()
			err := c.readErr
			c.mu.Unlock()
			return nil, 0, err
		}
		c.log.Debug("ws request",
			zap.String("verb", verb),
			zap.String("path", path),
			zap.Int("status", resp.Status))
		return resp.Body, resp.Status, nil
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, 0, ctx.Err()
	}
}

// readLoop dispatches incoming responses to their waiters. On read failure it
// fails every pending request and records the error for future callers.
func (c *WSConn) readLoop() {
	for {
		_, data, err := c.ws.Read(context.Background())
		if err != nil {
			c.mu.Lock()
			if c.readErr == nil {
				c.readErr = fmt.Errorf("transport: ws read: %w", err)
			}
			for id, ch := range c.pending {
				close(ch)
				delete(c.pending, id)
			}
			c.mu.Unlock()
			return
		}

		var resp wsResponse
		if err := cbor.Unmarshal(data, &resp); err != nil {
			c.log.Warn("ws frame decode failed", zap.Error(err))
			continue
		}

		c.mu.Lock()
		ch, ok := c.pending[resp.ID]
		if ok {
			delete(c.pending, resp.ID)
		}
		c.mu.Unlock()
		if !ok {
			c.log.Debug("ws response with no waiter", zap.Uint64("id", resp.ID))
			continue
		}
		ch <- &resp
	}
}

// Close sends a normal closure frame and tears down the connection.
func (c *WSConn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	if c.readErr == nil {
		c.readErr = fmt.Errorf("transport: ws closed")
	}
	c.mu.Unlock()
	return c.ws.Close(websocket.StatusNormalClosure, "")
}
