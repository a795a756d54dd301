package transport

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/sayan83/signal-dispatch/internal/wire"
)

// WSService exposes the message endpoints over the persistent socket. It
// shares the status decoding with the HTTP Service, so both paths surface the
// same typed errors.
type WSService struct {
	conn *WSConn
}

// NewWSService wraps an open socket.
func NewWSService(conn *WSConn) *WSService {
	return &WSService{conn: conn}
}

func (s *WSService) SendMessages(ctx context.Context, destination string, msgs *wire.OutgoingMessageList) error {
	body, err := json.Marshal(msgs)
	if err != nil {
		return fmt.Errorf("transport: marshal messages: %w", err)
	}
	respBody, status, err := s.conn.Request(ctx, http.MethodPut, "/v1/messages/"+destination, nil, body)
	if err != nil {
		return &wire.NetworkError{Err: err}
	}
	return decodeSendStatus(destination, status, respBody)
}

func (s *WSService) SendMessagesUnauth(ctx context.Context, destination string, msgs *wire.OutgoingMessageList, accessKey []byte) error {
	body, err := json.Marshal(msgs)
	if err != nil {
		return fmt.Errorf("transport: marshal messages: %w", err)
	}
	headers := map[string]string{
		"Unidentified-Access-Key": base64.StdEncoding.EncodeToString(accessKey),
	}
	respBody, status, err := s.conn.Request(ctx, http.MethodPut, "/v1/messages/"+destination, headers, body)
	if err != nil {
		return &wire.NetworkError{Err: err}
	}
	return decodeSendStatus(destination, status, respBody)
}

func (s *WSService) GetPreKeys(ctx context.Context, destination, deviceID string) (*PreKeyResponse, error) {
	path := fmt.Sprintf("/v2/keys/%s/%s", destination, deviceID)
	body, status, err := s.conn.Request(ctx, http.MethodGet, path, nil, nil)
	if err != nil {
		return nil, &wire.NetworkError{Err: err}
	}
	switch status {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, &wire.UnregisteredError{ServiceID: destination}
	default:
		return nil, &wire.NetworkError{Status: status, Err: fmt.Errorf("get pre-keys: status %d: %s", status, body)}
	}

	var result PreKeyResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("transport: unmarshal pre-keys: %w", err)
	}
	return &result, nil
}
