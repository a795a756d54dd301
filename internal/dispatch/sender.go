package dispatch

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sayan83/signal-dispatch/internal/sessions"
	"github.com/sayan83/signal-dispatch/internal/wire"
)

// Request is one logical send to a set of recipients.
type Request struct {
	// ConversationID keys whole-send ordering. Sends to the same
	// conversation run one at a time, in submission order; defaults to the
	// sole recipient when empty.
	ConversationID string

	Recipients []string
	Content    *wire.Content
	Timestamp  uint64

	// Metadata supplies sealed-sender material per recipient. Recipients
	// without an entry use the standard authenticated path.
	Metadata map[string]*SendMetadata
}

// Sender fans one request out across recipients and joins the outcomes into
// a single Completion.
type Sender struct {
	dispatcher *Dispatcher
	serializer *sessions.JobSerializer
	log        *zap.Logger
}

// NewSender wires a sender. The serializer is shared with the dispatcher so
// conversation-level and session-level ordering come from one arena.
func NewSender(d *Dispatcher, ser *sessions.JobSerializer, log *zap.Logger) *Sender {
	return &Sender{dispatcher: d, serializer: ser, log: log}
}

// Send encodes and pads the content once, then dispatches to every recipient
// concurrently. The returned Completion is resolved exactly once with one
// terminal outcome per recipient; the error return covers only pre-dispatch
// failures (encoding, cancellation while queued).
func (s *Sender) Send(ctx context.Context, req *Request) (*Completion, error) {
	if len(req.Recipients) == 0 {
		return nil, fmt.Errorf("dispatch: no recipients")
	}

	encoded, err := req.Content.Encode()
	if err != nil {
		return nil, err
	}
	plaintext := wire.Pad(encoded)

	convKey := req.ConversationID
	if convKey == "" {
		convKey = req.Recipients[0]
	}

	var comp *Completion
	err = s.serializer.RunExclusive(ctx, "conv."+convKey, func() error {
		comp = s.fanOut(ctx, req, plaintext)
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("send complete",
		zap.Uint64("timestamp", req.Timestamp),
		zap.Int("recipients", len(req.Recipients)),
		zap.Int("successful", len(comp.Successful)),
		zap.Int("failed", len(comp.Errors)))
	return comp, nil
}

// fanOut runs one dispatcher per recipient and waits for all terminal
// outcomes. Recipient failures live inside their results, so the group
// itself never errors and every recipient runs to completion.
func (s *Sender) fanOut(ctx context.Context, req *Request, plaintext []byte) *Completion {
	agg := newAggregator(len(req.Recipients), req.Timestamp)

	var g errgroup.Group
	for _, recipient := range req.Recipients {
		g.Go(func() error {
			agg.Add(s.dispatcher.Dispatch(ctx, recipient, plaintext, req.Timestamp, req.Metadata[recipient]))
			return nil
		})
	}
	_ = g.Wait() // recipient failures are inside their results

	return agg.Wait()
}
