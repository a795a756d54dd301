package dispatch

import (
	"context"
	"slices"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sayan83/signal-dispatch/internal/wire"
)

// Orchestrator sits above the sender: it records send outcomes in the outbox
// and re-drives the dispatcher for the recipients that still need the
// message. Resends reuse the recorded content, attachment pointers included;
// bytes are never re-uploaded.
type Orchestrator struct {
	sender *Sender
	mirror *Mirror
	outbox *Outbox
	log    *zap.Logger

	localServiceID string
}

// NewOrchestrator wires an orchestrator.
func NewOrchestrator(sender *Sender, mirror *Mirror, outbox *Outbox, log *zap.Logger, localServiceID string) *Orchestrator {
	return &Orchestrator{
		sender:         sender,
		mirror:         mirror,
		outbox:         outbox,
		log:            log,
		localServiceID: localServiceID,
	}
}

// Send runs a full send: dispatch, durable record, sync mirror. The returned
// record ID is the handle for later resends.
func (o *Orchestrator) Send(ctx context.Context, req *Request) (string, *Completion, error) {
	comp, err := o.sender.Send(ctx, req)
	if err != nil {
		return "", nil, err
	}

	encoded, err := req.Content.Encode()
	if err != nil {
		return "", nil, err
	}
	rec := &SendRecord{
		ID:             uuid.NewString(),
		Timestamp:      req.Timestamp,
		ConversationID: req.ConversationID,
		Content:        encoded,
		Intended:       slices.Clone(req.Recipients),
		Successful:     slices.Clone(comp.Successful),
		Unidentified:   slices.Clone(comp.Unidentified),
		Errors:         errorKinds(comp.Errors),
		SyncPending:    comp.Sent(),
	}
	if err := o.outbox.Put(rec); err != nil {
		return "", nil, err
	}

	if comp.Sent() {
		o.syncAndSettle(ctx, rec, req.Content.DataMessage, comp, false)
	}
	return rec.ID, comp, nil
}

// ResendMessage retries every recipient of a recorded send that has not
// succeeded yet, narrowed to the conversation's current membership (nil
// membership means unchanged). When nobody but the sender's own account
// remains, the resend degenerates to sync-only.
func (o *Orchestrator) ResendMessage(ctx context.Context, id string, membership []string, metadata map[string]*SendMetadata) (*Completion, error) {
	rec, err := o.outbox.Get(id)
	if err != nil {
		return nil, err
	}

	remaining := remainingRecipients(rec, membership, o.localServiceID)

	content, err := wire.DecodeContent(rec.Content)
	if err != nil {
		return nil, err
	}

	if len(remaining) == 0 {
		o.log.Debug("resend degenerates to sync-only", zap.String("record", id))
		comp := &Completion{Timestamp: rec.Timestamp, Successful: rec.Successful, Unidentified: rec.Unidentified}
		o.syncAndSettle(ctx, rec, content.DataMessage, comp, true)
		return comp, nil
	}

	comp, err := o.sender.Send(ctx, &Request{
		ConversationID: rec.ConversationID,
		Recipients:     remaining,
		Content:        content,
		Timestamp:      rec.Timestamp,
		Metadata:       metadata,
	})
	if err != nil {
		return nil, err
	}

	o.mergeOutcome(rec, comp)
	if comp.Sent() {
		rec.SyncPending = true
		full := &Completion{Timestamp: rec.Timestamp, Successful: rec.Successful, Unidentified: rec.Unidentified}
		o.syncAndSettle(ctx, rec, content.DataMessage, full, true)
	}
	if err := o.outbox.Put(rec); err != nil {
		return nil, err
	}
	return comp, nil
}

// ResendToRecipient retries exactly one failed recipient of a recorded send,
// clearing its stored error first.
func (o *Orchestrator) ResendToRecipient(ctx context.Context, id, recipient string, meta *SendMetadata) (*Completion, error) {
	rec, err := o.outbox.Get(id)
	if err != nil {
		return nil, err
	}
	delete(rec.Errors, recipient)

	content, err := wire.DecodeContent(rec.Content)
	if err != nil {
		return nil, err
	}

	comp, err := o.sender.Send(ctx, &Request{
		ConversationID: rec.ConversationID,
		Recipients:     []string{recipient},
		Content:        content,
		Timestamp:      rec.Timestamp,
		Metadata:       map[string]*SendMetadata{recipient: meta},
	})
	if err != nil {
		return nil, err
	}

	o.mergeOutcome(rec, comp)
	if err := o.outbox.Put(rec); err != nil {
		return nil, err
	}
	return comp, nil
}

// FlushPendingSyncs retries the sync mirror for every recorded send whose
// mirror has not gone through. Mirrors are idempotent on the receiving side,
// so re-flushing an already-synced record is safe.
func (o *Orchestrator) FlushPendingSyncs(ctx context.Context) error {
	pending, err := o.outbox.PendingSync()
	if err != nil {
		return err
	}
	for _, rec := range pending {
		content, err := wire.DecodeContent(rec.Content)
		if err != nil {
			o.log.Warn("skipping record with undecodable content",
				zap.String("record", rec.ID), zap.Error(err))
			continue
		}
		comp := &Completion{Timestamp: rec.Timestamp, Successful: rec.Successful, Unidentified: rec.Unidentified}
		o.syncAndSettle(ctx, rec, content.DataMessage, comp, true)
		if err := o.outbox.Put(rec); err != nil {
			return err
		}
	}
	return nil
}

// syncAndSettle attempts the sync mirror and clears the pending flag on
// success. Failures only log; the original send stands and the flag keeps
// the record eligible for a lazy retry.
func (o *Orchestrator) syncAndSettle(ctx context.Context, rec *SendRecord, dm *wire.DataMessage, comp *Completion, isUpdate bool) {
	destination := ""
	if len(rec.Intended) == 1 && rec.Intended[0] != o.localServiceID {
		destination = rec.Intended[0]
	}
	if err := o.mirror.MirrorSent(ctx, dm, destination, comp, isUpdate); err != nil {
		o.log.Warn("sync mirror failed, will retry lazily",
			zap.String("record", rec.ID), zap.Error(err))
		rec.SyncPending = true
	} else {
		rec.SyncPending = false
	}
	if err := o.outbox.Put(rec); err != nil {
		o.log.Warn("persist send record failed", zap.String("record", rec.ID), zap.Error(err))
	}
}

// mergeOutcome folds a partial resend's completion into the durable record.
func (o *Orchestrator) mergeOutcome(rec *SendRecord, comp *Completion) {
	for _, id := range comp.Successful {
		if !slices.Contains(rec.Successful, id) {
			rec.Successful = append(rec.Successful, id)
		}
		delete(rec.Errors, id)
	}
	for _, id := range comp.Unidentified {
		if !slices.Contains(rec.Unidentified, id) {
			rec.Unidentified = append(rec.Unidentified, id)
		}
	}
	for id, err := range comp.Errors {
		if rec.Errors == nil {
			rec.Errors = make(map[string]string)
		}
		rec.Errors[id] = wire.Kind(err).String()
	}
	slices.Sort(rec.Successful)
	slices.Sort(rec.Unidentified)
}

// remainingRecipients computes intended ∩ membership − successful, dropping
// the sender's own account (covered by the sync mirror, not a peer send).
func remainingRecipients(rec *SendRecord, membership []string, localServiceID string) []string {
	var remaining []string
	for _, id := range rec.Intended {
		if id == localServiceID {
			continue
		}
		if membership != nil && !slices.Contains(membership, id) {
			continue
		}
		if slices.Contains(rec.Successful, id) {
			continue
		}
		remaining = append(remaining, id)
	}
	return remaining
}

// errorKinds flattens recipient errors to their kind names for storage.
func errorKinds(errs map[string]error) map[string]string {
	if len(errs) == 0 {
		return nil
	}
	out := make(map[string]string, len(errs))
	for id, err := range errs {
		out[id] = wire.Kind(err).String()
	}
	return out
}
