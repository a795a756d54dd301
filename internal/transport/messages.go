package transport

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/sayan83/signal-dispatch/internal/wire"
)

// Service exposes the relay's message and key endpoints over an HTTP
// transport with fixed caller credentials.
type Service struct {
	transport *Transport
	auth      BasicAuth
}

// NewService wraps a transport with caller credentials.
func NewService(t *Transport, auth BasicAuth) *Service {
	return &Service{transport: t, auth: auth}
}

// SendMessages transmits a per-device envelope batch on the standard
// authenticated path. Structured server responses become typed wire errors.
func (s *Service) SendMessages(ctx context.Context, destination string, msgs *wire.OutgoingMessageList) error {
	body, err := json.Marshal(msgs)
	if err != nil {
		return fmt.Errorf("transport: marshal messages: %w", err)
	}
	respBody, status, err := s.transport.Put(ctx, "/v1/messages/"+destination, body, &s.auth)
	if err != nil {
		return &wire.NetworkError{Err: err}
	}
	return decodeSendStatus(destination, status, respBody)
}

// SendMessagesUnauth transmits a batch on the unauthenticated sealed-sender
// path, authorized by the recipient's access key.
func (s *Service) SendMessagesUnauth(ctx context.Context, destination string, msgs *wire.OutgoingMessageList, accessKey []byte) error {
	body, err := json.Marshal(msgs)
	if err != nil {
		return fmt.Errorf("transport: marshal messages: %w", err)
	}
	respBody, status, err := s.transport.PutWithHeader(ctx, "/v1/messages/"+destination, body,
		"Unidentified-Access-Key", base64.StdEncoding.EncodeToString(accessKey))
	if err != nil {
		return &wire.NetworkError{Err: err}
	}
	return decodeSendStatus(destination, status, respBody)
}

// decodeSendStatus maps the relay's status taxonomy onto the closed error
// set. 401/403 are sealed-sender authorization failures; everything else
// unexpected is a plain network error.
func decodeSendStatus(destination string, status int, body []byte) error {
	switch status {
	case http.StatusOK, http.StatusCreated, http.StatusAccepted, http.StatusNoContent:
		return nil

	case http.StatusUnauthorized, http.StatusForbidden:
		return &wire.SealedSenderAuthError{Status: status}

	case http.StatusNotFound:
		return &wire.UnregisteredError{ServiceID: destination}

	case http.StatusConflict: // 409
		var mismatch wire.MismatchedDevicesError
		if err := json.Unmarshal(body, &mismatch); err != nil {
			return &wire.NetworkError{Status: status, Err: fmt.Errorf("unmarshal 409: %w", err)}
		}
		return &mismatch

	case http.StatusGone: // 410
		var stale wire.StaleDevicesError
		if err := json.Unmarshal(body, &stale); err != nil {
			return &wire.NetworkError{Status: status, Err: fmt.Errorf("unmarshal 410: %w", err)}
		}
		return &stale

	case http.StatusPreconditionRequired: // 428
		var parsed struct {
			Token      string   `json:"token"`
			Options    []string `json:"options"`
			RetryAfter int      `json:"retryAfter"` // seconds
		}
		if err := json.Unmarshal(body, &parsed); err != nil {
			return &wire.NetworkError{Status: status, Err: fmt.Errorf("unmarshal 428: %w", err)}
		}
		return &wire.ChallengeRequiredError{
			Token:      parsed.Token,
			Options:    parsed.Options,
			RetryAfter: time.Duration(parsed.RetryAfter) * time.Second,
		}

	default:
		return &wire.NetworkError{Status: status, Err: fmt.Errorf("send: status %d: %s", status, body)}
	}
}

// PreKeyResponse is the JSON response from GET /v2/keys/{destination}/{deviceId}.
type PreKeyResponse struct {
	IdentityKey string             `json:"identityKey"` // base64 no-pad
	Devices     []PreKeyDeviceInfo `json:"devices"`
}

// PreKeyDeviceInfo contains pre-key material for a single device.
type PreKeyDeviceInfo struct {
	DeviceID       int    `json:"deviceId"`
	RegistrationID int    `json:"registrationId"`
	PublicKey      string `json:"publicKey"` // base64 no-pad
}

// GetPreKeys fetches pre-key bundles for a recipient. deviceID "*" fetches
// all devices; a numeric ID fetches one.
func (s *Service) GetPreKeys(ctx context.Context, destination, deviceID string) (*PreKeyResponse, error) {
	path := fmt.Sprintf("/v2/keys/%s/%s", destination, deviceID)
	body, status, err := s.transport.Get(ctx, path, &s.auth)
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

// SubmitChallenge answers a 428 rate-limit challenge so a gated send can be
// resubmitted.
func (s *Service) SubmitChallenge(ctx context.Context, token, captcha string) error {
	body, err := json.Marshal(map[string]string{"token": token, "captcha": captcha})
	if err != nil {
		return fmt.Errorf("transport: marshal challenge: %w", err)
	}
	respBody, status, err := s.transport.Put(ctx, "/v1/challenge", body, &s.auth)
	if err != nil {
		return &wire.NetworkError{Err: err}
	}
	if status != http.StatusOK && status != http.StatusNoContent {
		return &wire.NetworkError{Status: status, Err: fmt.Errorf("challenge: status %d: %s", status, respBody)}
	}
	return nil
}
