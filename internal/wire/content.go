package wire

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// Protocol versions declared in RequiredProtocolVersion. A recipient running
// an older version than the declared minimum shows an "update required"
// placeholder instead of garbage.
const (
	ProtocolVersionInitial  = 0
	ProtocolVersionMentions = 4
	ProtocolVersionReaction = 5
)

// DataMessage flags.
const (
	FlagEndSession            = 1
	FlagExpirationTimerUpdate = 2
)

// AttachmentPointer is a remote reference to an uploaded attachment. The
// binary payload never travels inside the content envelope; only the pointer
// does, carrying the decryption key and integrity digest.
type AttachmentPointer struct {
	CDNKey      string `cbor:"1,keyasint"`
	CDNNumber   int    `cbor:"2,keyasint,omitempty"`
	ContentType string `cbor:"3,keyasint"`
	Key         []byte `cbor:"4,keyasint"` // 64 bytes: AES + HMAC halves
	Digest      []byte `cbor:"5,keyasint"`
	Size        uint32 `cbor:"6,keyasint"` // plaintext size before padding
	FileName    string `cbor:"7,keyasint,omitempty"`
	Flags       uint32 `cbor:"8,keyasint,omitempty"`
	Width       uint32 `cbor:"9,keyasint,omitempty"`
	Height      uint32 `cbor:"10,keyasint,omitempty"`
	Caption     string `cbor:"11,keyasint,omitempty"`
	BlurHash    string `cbor:"12,keyasint,omitempty"`
}

// Mention marks a user referenced inside a message body.
type Mention struct {
	Start     uint32 `cbor:"1,keyasint"`
	Length    uint32 `cbor:"2,keyasint"`
	ServiceID string `cbor:"3,keyasint"`
}

// Quote references an earlier message being replied to.
type Quote struct {
	ID       uint64    `cbor:"1,keyasint"` // timestamp of the quoted message
	Author   string    `cbor:"2,keyasint"`
	Text     string    `cbor:"3,keyasint,omitempty"`
	Mentions []Mention `cbor:"4,keyasint,omitempty"`
}

// Reaction is an emoji response to an earlier message.
type Reaction struct {
	Emoji           string `cbor:"1,keyasint"`
	Remove          bool   `cbor:"2,keyasint,omitempty"`
	TargetAuthor    string `cbor:"3,keyasint"`
	TargetTimestamp uint64 `cbor:"4,keyasint"`
}

// GroupContextV1 identifies a legacy group conversation.
type GroupContextV1 struct {
	ID []byte `cbor:"1,keyasint"`
}

// GroupContextV2 identifies a group conversation by master key and revision.
type GroupContextV2 struct {
	MasterKey []byte `cbor:"1,keyasint"`
	Revision  uint32 `cbor:"2,keyasint"`
}

// DataMessage is the user-visible payload of an outgoing message.
type DataMessage struct {
	Body                    string              `cbor:"1,keyasint,omitempty"`
	Attachments             []AttachmentPointer `cbor:"2,keyasint,omitempty"`
	GroupV1                 *GroupContextV1     `cbor:"3,keyasint,omitempty"`
	GroupV2                 *GroupContextV2     `cbor:"4,keyasint,omitempty"`
	Flags                   uint32              `cbor:"5,keyasint,omitempty"`
	ExpireTimer             uint32              `cbor:"6,keyasint,omitempty"`
	ExpireTimerVersion      uint32              `cbor:"7,keyasint,omitempty"`
	ProfileKey              []byte              `cbor:"8,keyasint,omitempty"`
	Timestamp               uint64              `cbor:"9,keyasint"`
	Quote                   *Quote              `cbor:"10,keyasint,omitempty"`
	Reaction                *Reaction           `cbor:"11,keyasint,omitempty"`
	BodyMentions            []Mention           `cbor:"12,keyasint,omitempty"`
	RequiredProtocolVersion uint32              `cbor:"13,keyasint,omitempty"`
}

// UnidentifiedDeliveryStatus records, per original recipient, whether the
// message reached them via sealed sender.
type UnidentifiedDeliveryStatus struct {
	Destination  string `cbor:"1,keyasint"`
	Unidentified bool   `cbor:"2,keyasint"`
}

// SentMessage mirrors an outgoing message to the sender's other devices.
type SentMessage struct {
	Destination              string                       `cbor:"1,keyasint,omitempty"`
	Timestamp                uint64                       `cbor:"2,keyasint"`
	Message                  *DataMessage                 `cbor:"3,keyasint"`
	ExpirationStartTimestamp uint64                       `cbor:"4,keyasint,omitempty"`
	UnidentifiedStatus       []UnidentifiedDeliveryStatus `cbor:"5,keyasint,omitempty"`
	IsUpdate                 bool                         `cbor:"6,keyasint,omitempty"`
}

// SyncMessage carries device-to-device state for a single account.
type SyncMessage struct {
	Sent *SentMessage `cbor:"1,keyasint,omitempty"`
}

// Content is the canonical not-yet-encrypted message payload. Exactly one of
// the fields is set.
type Content struct {
	DataMessage *DataMessage `cbor:"1,keyasint,omitempty"`
	SyncMessage *SyncMessage `cbor:"2,keyasint,omitempty"`
	NullMessage []byte       `cbor:"3,keyasint,omitempty"` // random padding, session keep-alive
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	// Core deterministic encoding so identical content always produces
	// identical bytes regardless of build.
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic(err)
	}
}

// Encode serializes the content envelope to its canonical binary form.
func (c *Content) Encode() ([]byte, error) {
	data, err := encMode.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("wire: encode content: %w", err)
	}
	return data, nil
}

// DecodeContent parses a canonical content envelope.
func DecodeContent(data []byte) (*Content, error) {
	var c Content
	if err := decMode.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("wire: decode content: %w", err)
	}
	return &c, nil
}

// BuildOptions are the logical message fields supplied by the caller.
// Attachment payloads must already be uploaded; only pointers appear here.
type BuildOptions struct {
	Body        string
	Attachments []AttachmentPointer
	Quote       *Quote
	Reaction    *Reaction
	Mentions    []Mention
	ExpireTimer int // seconds; <0 is invalid
	ProfileKey  []byte
	Timestamp   uint64
	GroupV1     *GroupContextV1
	GroupV2     *GroupContextV2
	EndSession  bool

	// Recipients is consulted only for structural validation; the content
	// envelope itself carries no recipient list.
	Recipients []string
}

// Build assembles and validates a canonical content envelope. It performs no
// network activity and is safe to call repeatedly; validation failures are
// *InvalidMessageError and happen before any dispatch work begins.
func Build(opts BuildOptions) (*Content, error) {
	if opts.GroupV1 != nil && opts.GroupV2 != nil {
		return nil, &InvalidMessageError{Reason: "both groupV1 and groupV2 contexts set"}
	}
	if opts.GroupV1 == nil && opts.GroupV2 == nil && len(opts.Recipients) != 1 {
		return nil, &InvalidMessageError{Reason: fmt.Sprintf("non-group send requires exactly one recipient, got %d", len(opts.Recipients))}
	}
	if opts.ExpireTimer < 0 {
		return nil, &InvalidMessageError{Reason: "negative expire timer"}
	}
	if opts.EndSession {
		switch {
		case opts.Body != "":
			return nil, &InvalidMessageError{Reason: "end-session message must have empty body"}
		case len(opts.Attachments) > 0:
			return nil, &InvalidMessageError{Reason: "end-session message must have no attachments"}
		case opts.GroupV1 != nil || opts.GroupV2 != nil:
			return nil, &InvalidMessageError{Reason: "end-session message must have no group context"}
		}
	}

	dm := &DataMessage{
		Body:               opts.Body,
		Attachments:        opts.Attachments,
		GroupV1:            opts.GroupV1,
		GroupV2:            opts.GroupV2,
		ExpireTimer:        uint32(opts.ExpireTimer),
		ExpireTimerVersion: 1,
		ProfileKey:         opts.ProfileKey,
		Timestamp:          opts.Timestamp,
		Quote:              opts.Quote,
		Reaction:           opts.Reaction,
		BodyMentions:       opts.Mentions,
	}
	if opts.EndSession {
		dm.Flags |= FlagEndSession
	}

	// Features beyond the legacy protocol raise the declared minimum version.
	if len(opts.Mentions) > 0 || (opts.Quote != nil && len(opts.Quote.Mentions) > 0) {
		dm.RequiredProtocolVersion = max(dm.RequiredProtocolVersion, ProtocolVersionMentions)
	}
	if opts.Reaction != nil {
		dm.RequiredProtocolVersion = max(dm.RequiredProtocolVersion, ProtocolVersionReaction)
	}

	return &Content{DataMessage: dm}, nil
}
