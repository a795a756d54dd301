// Package wire defines the canonical content structures, envelope type tags,
// and error taxonomy shared by the transport and dispatch layers.
package wire

// EnvelopeType tags an outgoing per-device envelope for the server.
type EnvelopeType int

const (
	EnvelopeCiphertext       EnvelopeType = 1 // ongoing ratchet message
	EnvelopePreKeyBundle     EnvelopeType = 3 // session-establishing message
	EnvelopeUnidentified     EnvelopeType = 6 // sealed sender wrapper
	EnvelopePlaintextContent EnvelopeType = 8 // unencrypted control message
)

// CiphertextType is what the session cipher reports for a ciphertext. The
// numbering scheme differs from the envelope tags, so the two must never be
// conflated.
type CiphertextType int

const (
	CiphertextWhisper   CiphertextType = 2
	CiphertextPreKey    CiphertextType = 3
	CiphertextPlaintext CiphertextType = 8
)

// EnvelopeTypeFor maps a session-cipher ciphertext type to the wire envelope
// tag:
//
//	Whisper (2)   → CIPHERTEXT (1)
//	PreKey  (3)   → PREKEY_BUNDLE (3)
//	Plaintext (8) → PLAINTEXT_CONTENT (8)
func EnvelopeTypeFor(ct CiphertextType) EnvelopeType {
	switch ct {
	case CiphertextWhisper:
		return EnvelopeCiphertext
	case CiphertextPreKey:
		return EnvelopePreKeyBundle
	case CiphertextPlaintext:
		return EnvelopePlaintextContent
	default:
		return EnvelopeType(ct)
	}
}

// OutgoingMessage is one per-device envelope in a batch send.
type OutgoingMessage struct {
	Type                      EnvelopeType `json:"type"`
	DestinationDeviceID       int          `json:"destinationDeviceId"`
	DestinationRegistrationID int          `json:"destinationRegistrationId"`
	Content                   string       `json:"content"` // base64
}

// OutgoingMessageList is the batch of per-device envelopes for one recipient,
// transmitted in a single request.
type OutgoingMessageList struct {
	Destination string            `json:"destination"`
	Timestamp   uint64            `json:"timestamp"`
	Messages    []OutgoingMessage `json:"messages"`
	Online      bool              `json:"online"`
	Urgent      bool              `json:"urgent"`
}
