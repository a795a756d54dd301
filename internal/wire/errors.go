package wire

import (
	"errors"
	"fmt"
	"time"
)

// ErrorKind is the closed set of send-error categories. Every error surfaced
// by the dispatch pipeline maps to exactly one kind, so callers can switch
// exhaustively instead of comparing strings.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	KindNetwork
	KindUnregistered
	KindChallengeRequired
	KindIdentityChanged
	KindStaleDevices
	KindMismatchedDevices
	KindSealedSenderAuth
	KindNoSession
	KindEmptyDeviceList
	KindInvalidMessage
	KindAttachmentUpload
)

func (k ErrorKind) String() string {
	switch k {
	case KindNetwork:
		return "network"
	case KindUnregistered:
		return "unregistered"
	case KindChallengeRequired:
		return "challenge-required"
	case KindIdentityChanged:
		return "identity-changed"
	case KindStaleDevices:
		return "stale-devices"
	case KindMismatchedDevices:
		return "mismatched-devices"
	case KindSealedSenderAuth:
		return "sealed-sender-auth"
	case KindNoSession:
		return "no-session"
	case KindEmptyDeviceList:
		return "empty-device-list"
	case KindInvalidMessage:
		return "invalid-message"
	case KindAttachmentUpload:
		return "attachment-upload"
	default:
		return "unknown"
	}
}

// NetworkError is any transport failure that is not one of the structured
// server responses. Retryable by the caller, never auto-retried.
type NetworkError struct {
	Status int // 0 when the request never got a response
	Err    error
}

func (e *NetworkError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("network error (status %d): %v", e.Status, e.Err)
	}
	return fmt.Sprintf("network error: status %d", e.Status)
}

func (e *NetworkError) Unwrap() error   { return e.Err }
func (e *NetworkError) Kind() ErrorKind { return KindNetwork }

// UnregisteredError is the server's 404: the recipient no longer exists.
// Terminal; the caller should stop targeting this recipient.
type UnregisteredError struct {
	ServiceID string
}

func (e *UnregisteredError) Error() string {
	return fmt.Sprintf("recipient %s is not registered", e.ServiceID)
}

func (e *UnregisteredError) Kind() ErrorKind { return KindUnregistered }

// ChallengeRequiredError is the server's 428: the send is gated behind a
// rate-limit challenge. The caller solves the challenge and resubmits.
type ChallengeRequiredError struct {
	Token      string
	Options    []string
	RetryAfter time.Duration
}

func (e *ChallengeRequiredError) Error() string {
	return fmt.Sprintf("send gated by challenge (token %s, retry after %s)", e.Token, e.RetryAfter)
}

func (e *ChallengeRequiredError) Kind() ErrorKind { return KindChallengeRequired }

// IdentityChangedError reports that the recipient's identity key no longer
// matches what we have on record. Sessions are archived before this is
// surfaced; the caller re-verifies trust with the new key.
type IdentityChangedError struct {
	ServiceID      string
	NewIdentityKey []byte
}

func (e *IdentityChangedError) Error() string {
	return fmt.Sprintf("identity key changed for %s", e.ServiceID)
}

func (e *IdentityChangedError) Kind() ErrorKind { return KindIdentityChanged }

// StaleDevicesError is the server's 410: sessions for the listed devices are
// stale and must be re-established from fresh pre-key bundles.
type StaleDevicesError struct {
	StaleDevices []int `json:"staleDevices"`
}

func (e *StaleDevicesError) Error() string {
	return fmt.Sprintf("stale devices %v", e.StaleDevices)
}

func (e *StaleDevicesError) Kind() ErrorKind { return KindStaleDevices }

// MismatchedDevicesError is the server's 409: our device list for the
// recipient disagrees with the server's.
type MismatchedDevicesError struct {
	MissingDevices []int `json:"missingDevices"`
	ExtraDevices   []int `json:"extraDevices"`
}

func (e *MismatchedDevicesError) Error() string {
	return fmt.Sprintf("mismatched devices: missing %v, extra %v", e.MissingDevices, e.ExtraDevices)
}

func (e *MismatchedDevicesError) Kind() ErrorKind { return KindMismatchedDevices }

// SealedSenderAuthError is a 401/403 on the unauthenticated path: the access
// key was rejected. Not terminal: the dispatcher falls back to the standard
// authenticated path once.
type SealedSenderAuthError struct {
	Status int
}

func (e *SealedSenderAuthError) Error() string {
	return fmt.Sprintf("sealed sender access key rejected (status %d)", e.Status)
}

func (e *SealedSenderAuthError) Kind() ErrorKind { return KindSealedSenderAuth }

// NoSessionError means no active session exists for a device and none could
// be established. Fatal for that device only.
type NoSessionError struct {
	ServiceID string
	DeviceID  int
}

func (e *NoSessionError) Error() string {
	return fmt.Sprintf("no active session for %s.%d", e.ServiceID, e.DeviceID)
}

func (e *NoSessionError) Kind() ErrorKind { return KindNoSession }

// EmptyDeviceListError means the recipient has no devices even after key
// discovery. Terminal for the recipient.
type EmptyDeviceListError struct {
	ServiceID string
}

func (e *EmptyDeviceListError) Error() string {
	return fmt.Sprintf("empty device list for %s", e.ServiceID)
}

func (e *EmptyDeviceListError) Kind() ErrorKind { return KindEmptyDeviceList }

// InvalidMessageError is a structural validation failure. Raised before any
// network activity; the send is never partially dispatched.
type InvalidMessageError struct {
	Reason string
}

func (e *InvalidMessageError) Error() string {
	return "invalid message structure: " + e.Reason
}

func (e *InvalidMessageError) Kind() ErrorKind { return KindInvalidMessage }

// AttachmentUploadError wraps a transport failure during attachment upload.
// The whole send aborts; the caller decides whether to retry it.
type AttachmentUploadError struct {
	Err error
}

func (e *AttachmentUploadError) Error() string {
	return fmt.Sprintf("attachment upload failed: %v", e.Err)
}

func (e *AttachmentUploadError) Unwrap() error   { return e.Err }
func (e *AttachmentUploadError) Kind() ErrorKind { return KindAttachmentUpload }

// kinder is implemented by every error in this package.
type kinder interface {
	Kind() ErrorKind
}

// Kind extracts the ErrorKind from err, walking the wrap chain.
// Returns KindUnknown for errors from outside the taxonomy.
func Kind(err error) ErrorKind {
	var k kinder
	if errors.As(err, &k) {
		return k.Kind()
	}
	return KindUnknown
}
