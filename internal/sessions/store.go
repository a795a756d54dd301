// Package sessions provides the session-store boundary used by the dispatch
// pipeline: device lists, per-device session state, the encrypt capability,
// and the per-key job serializer that protects ratchet state from concurrent
// use. The ratchet internals themselves are behind the Store interface.
package sessions

import (
	"github.com/sayan83/signal-dispatch/internal/wire"
)

// PreKeyBundle is the key material needed to establish a fresh session with
// one device, as returned by the server's key discovery endpoint.
type PreKeyBundle struct {
	DeviceID       int
	RegistrationID int
	IdentityKey    []byte
	PublicKey      []byte
}

// Store is the session/crypto collaborator. Implementations must tolerate
// concurrent calls for distinct (serviceID, deviceID) pairs; callers are
// responsible for serializing access to the same pair (see JobSerializer).
type Store interface {
	// GetDeviceIDs returns the known device list for a recipient.
	// An empty list is not an error; it means key discovery is needed.
	GetDeviceIDs(serviceID string) ([]int, error)

	// SetDeviceIDs replaces the known device list for a recipient.
	SetDeviceIDs(serviceID string, deviceIDs []int) error

	// HasActiveSession reports whether an established session exists.
	HasActiveSession(serviceID string, deviceID int) (bool, error)

	// RegistrationID returns the remote registration ID recorded when the
	// session was established.
	RegistrationID(serviceID string, deviceID int) (int, error)

	// ProcessPreKeyBundle establishes (or re-establishes) a session from
	// fresh key material. Returns *wire.IdentityChangedError when the
	// bundle's identity key conflicts with the recorded identity.
	ProcessPreKeyBundle(serviceID string, bundle *PreKeyBundle) error

	// Encrypt advances the session and returns the ciphertext plus its type
	// (prekey for the first message of a fresh session, whisper afterwards).
	Encrypt(serviceID string, deviceID int, plaintext []byte) (wire.CiphertextType, []byte, error)

	// EncryptSealed produces a sealed-sender ciphertext: the standard
	// ciphertext wrapped in an anonymous envelope authenticated by the
	// sender certificate.
	EncryptSealed(serviceID string, deviceID int, plaintext, senderCert []byte) ([]byte, error)

	// ArchiveSession retires the session for one device. The next send to
	// that device requires a fresh pre-key bundle.
	ArchiveSession(serviceID string, deviceID int) error

	// ArchiveAllSessions retires every session for a recipient, typically
	// after an identity change.
	ArchiveAllSessions(serviceID string) error
}
