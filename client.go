// Package signaldispatch provides the outgoing message dispatch pipeline:
// envelope construction, attachment upload, per-device encrypted fan-out with
// sealed-sender support, stale-device recovery, delivery aggregation, and
// sync mirroring to the sender's other devices.
package signaldispatch

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/sayan83/signal-dispatch/internal/attachments"
	"github.com/sayan83/signal-dispatch/internal/dispatch"
	"github.com/sayan83/signal-dispatch/internal/sessions"
	"github.com/sayan83/signal-dispatch/internal/transport"
	"github.com/sayan83/signal-dispatch/internal/wire"
)

const defaultAPIURL = "https://chat.signal.org"

// Completion is the aggregate result of one logical send.
type Completion = dispatch.Completion

// SendMetadata is the per-recipient sealed-sender material.
type SendMetadata = dispatch.SendMetadata

// Attachment is a local payload to upload alongside a message.
type Attachment = attachments.Attachment

// Client is the entry point for sending. It owns the session store, the
// outbox, and the dispatch pipeline built on top of them.
type Client struct {
	apiURL     string
	tlsConfig  *tls.Config
	dbPath     string
	outboxPath string
	log        *zap.Logger

	serviceID string
	deviceID  int
	password  string

	store        *sessions.SQLiteStore
	serializer   *sessions.JobSerializer
	svc          *transport.Service
	uploader     *attachments.Uploader
	sender       *dispatch.Sender
	orchestrator *dispatch.Orchestrator
	outbox       *dispatch.Outbox
}

// Option configures a Client.
type Option func(*Client)

// WithAPIURL overrides the relay base URL.
func WithAPIURL(url string) Option {
	return func(c *Client) { c.apiURL = url }
}

// WithTLSConfig sets a custom TLS configuration.
func WithTLSConfig(tc *tls.Config) Option {
	return func(c *Client) { c.tlsConfig = tc }
}

// WithDBPath sets the session database path.
func WithDBPath(path string) Option {
	return func(c *Client) { c.dbPath = path }
}

// WithOutboxPath sets the outbox directory.
func WithOutboxPath(path string) Option {
	return func(c *Client) { c.outboxPath = path }
}

// WithLogger sets the logger. Defaults to a no-op logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Client) { c.log = l }
}

// New opens a client for an already-provisioned device. serviceID and
// deviceID identify the sending device; the password authenticates it.
func New(serviceID string, deviceID int, password string, opts ...Option) (*Client, error) {
	c := &Client{
		apiURL:     defaultAPIURL,
		dbPath:     "signal-dispatch.db",
		outboxPath: "signal-dispatch-outbox",
		log:        zap.NewNop(),
		serviceID:  serviceID,
		deviceID:   deviceID,
		password:   password,
	}
	for _, opt := range opts {
		opt(c)
	}

	store, err := sessions.Open(c.dbPath)
	if err != nil {
		return nil, err
	}
	outbox, err := dispatch.OpenOutbox(c.outboxPath, c.log)
	if err != nil {
		store.Close()
		return nil, err
	}

	c.store = store
	c.outbox = outbox
	c.serializer = sessions.NewJobSerializer()

	auth := transport.BasicAuth{
		Username: fmt.Sprintf("%s.%d", serviceID, deviceID),
		Password: password,
	}
	c.svc = transport.NewService(transport.New(c.apiURL, c.tlsConfig, c.log), auth)
	c.uploader = attachments.NewUploader(c.svc, c.log)

	dispatcher := dispatch.NewDispatcher(store, c.svc, c.serializer, c.log, serviceID, deviceID)
	c.sender = dispatch.NewSender(dispatcher, c.serializer, c.log)
	mirror := dispatch.NewMirror(c.sender, store, c.log, serviceID, deviceID)
	c.orchestrator = dispatch.NewOrchestrator(c.sender, mirror, outbox, c.log, serviceID)

	return c, nil
}

// Close releases the session store and outbox.
func (c *Client) Close() error {
	var firstErr error
	if err := c.outbox.Close(); err != nil {
		firstErr = err
	}
	if err := c.store.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// SendOptions describe one logical send.
type SendOptions struct {
	// ConversationID keys send ordering; defaults to the sole recipient.
	ConversationID string

	Recipients  []string
	Body        string
	Attachments []*Attachment
	Quote       *wire.Quote
	Reaction    *wire.Reaction
	Mentions    []wire.Mention
	ExpireTimer int // seconds
	ProfileKey  []byte
	GroupV2     *wire.GroupContextV2
	EndSession  bool

	// Metadata supplies sealed-sender material per recipient.
	Metadata map[string]*SendMetadata
}

// Send delivers a text message to a single recipient. Returns the send
// record ID usable with Resend.
func (c *Client) Send(ctx context.Context, recipient, body string) (string, *Completion, error) {
	return c.SendTo(ctx, &SendOptions{Recipients: []string{recipient}, Body: body})
}

// SendTo delivers a message to a set of recipients. Attachments are uploaded
// first; an upload failure aborts the send before any envelope leaves the
// device.
func (c *Client) SendTo(ctx context.Context, opts *SendOptions) (string, *Completion, error) {
	timestamp := uint64(time.Now().UnixMilli())

	var pointers []wire.AttachmentPointer
	if len(opts.Attachments) > 0 {
		ptrs, err := c.uploader.UploadAll(ctx, opts.Attachments)
		if err != nil {
			return "", nil, err
		}
		pointers = make([]wire.AttachmentPointer, 0, len(ptrs))
		for _, p := range ptrs {
			pointers = append(pointers, *p)
		}
	}

	content, err := wire.Build(wire.BuildOptions{
		Body:        opts.Body,
		Attachments: pointers,
		Quote:       opts.Quote,
		Reaction:    opts.Reaction,
		Mentions:    opts.Mentions,
		ExpireTimer: opts.ExpireTimer,
		ProfileKey:  opts.ProfileKey,
		Timestamp:   timestamp,
		GroupV2:     opts.GroupV2,
		EndSession:  opts.EndSession,
		Recipients:  opts.Recipients,
	})
	if err != nil {
		return "", nil, err
	}

	return c.orchestrator.Send(ctx, &dispatch.Request{
		ConversationID: opts.ConversationID,
		Recipients:     opts.Recipients,
		Content:        content,
		Timestamp:      timestamp,
		Metadata:       opts.Metadata,
	})
}

// Resend retries every failed recipient of a recorded send. membership, when
// non-nil, narrows the retry to the conversation's current members.
func (c *Client) Resend(ctx context.Context, recordID string, membership []string, metadata map[string]*SendMetadata) (*Completion, error) {
	return c.orchestrator.ResendMessage(ctx, recordID, membership, metadata)
}

// ResendTo retries exactly one failed recipient of a recorded send.
func (c *Client) ResendTo(ctx context.Context, recordID, recipient string, meta *SendMetadata) (*Completion, error) {
	return c.orchestrator.ResendToRecipient(ctx, recordID, recipient, meta)
}

// SubmitChallenge answers a rate-limit challenge from a previous send so the
// gated message can be resent.
func (c *Client) SubmitChallenge(ctx context.Context, token, captcha string) error {
	return c.svc.SubmitChallenge(ctx, token, captcha)
}

// FlushPendingSyncs retries sync mirrors that did not go through.
func (c *Client) FlushPendingSyncs(ctx context.Context) error {
	return c.orchestrator.FlushPendingSyncs(ctx)
}

// SaveContact records a contact, including the profile key sealed sender
// derives its access key from.
func (c *Client) SaveContact(serviceID, number, name string, profileKey []byte) error {
	return c.store.SaveContact(&sessions.Contact{
		ServiceID:  serviceID,
		Number:     number,
		Name:       name,
		ProfileKey: profileKey,
	})
}

// MetadataFor derives sealed-sender metadata for a recipient from their
// stored profile key. Returns nil (standard path) when the contact or key is
// unknown.
func (c *Client) MetadataFor(serviceID string, senderCert []byte) (*SendMetadata, error) {
	contact, err := c.store.GetContact(serviceID)
	if err != nil {
		return nil, err
	}
	if contact == nil || len(contact.ProfileKey) == 0 || len(senderCert) == 0 {
		return nil, nil
	}
	accessKey, err := sessions.DeriveAccessKey(contact.ProfileKey)
	if err != nil {
		return nil, err
	}
	return &SendMetadata{AccessKey: accessKey, SenderCertificate: senderCert}, nil
}
