package dispatch

import (
	"context"
	"slices"

	"go.uber.org/zap"

	"github.com/sayan83/signal-dispatch/internal/sessions"
	"github.com/sayan83/signal-dispatch/internal/wire"
)

// Mirror re-transmits sent state to the sender's own other devices so every
// device shows the same conversation state. It rides the same dispatcher as
// peer sends; only the destination differs.
type Mirror struct {
	sender *Sender
	store  sessions.Store
	log    *zap.Logger

	localServiceID string
	localDeviceID  int
}

// NewMirror wires a sync mirror.
func NewMirror(sender *Sender, store sessions.Store, log *zap.Logger, localServiceID string, localDeviceID int) *Mirror {
	return &Mirror{
		sender:         sender,
		store:          store,
		log:            log,
		localServiceID: localServiceID,
		localDeviceID:  localDeviceID,
	}
}

// MirrorSent delivers a "sent" notification for a completed send to the
// sender's other devices. Skipped entirely when the sending device is the
// account's only one. isUpdate marks a repeat mirror for a message the other
// devices may already have, making re-sends a safe no-op on their side.
//
// Mirror failures never roll back the original send; the caller records the
// pending state and retries lazily.
func (m *Mirror) MirrorSent(ctx context.Context, dm *wire.DataMessage, destination string, comp *Completion, isUpdate bool) error {
	devices, err := m.store.GetDeviceIDs(m.localServiceID)
	if err != nil {
		return err
	}
	others := slices.DeleteFunc(slices.Clone(devices), func(id int) bool { return id == m.localDeviceID })
	if len(others) == 0 {
		m.log.Debug("sync mirror skipped, single device account")
		return nil
	}

	status := make([]wire.UnidentifiedDeliveryStatus, 0, len(comp.Successful))
	unidentified := make(map[string]bool, len(comp.Unidentified))
	for _, id := range comp.Unidentified {
		unidentified[id] = true
	}
	for _, id := range comp.Successful {
		status = append(status, wire.UnidentifiedDeliveryStatus{
			Destination:  id,
			Unidentified: unidentified[id],
		})
	}

	content := &wire.Content{
		SyncMessage: &wire.SyncMessage{
			Sent: &wire.SentMessage{
				Destination:              destination,
				Timestamp:                comp.Timestamp,
				Message:                  dm,
				ExpirationStartTimestamp: expirationStart(dm, comp.Timestamp),
				UnidentifiedStatus:       status,
				IsUpdate:                 isUpdate,
			},
		},
	}

	// Own devices use the standard authenticated path; sealed sender to
	// oneself is meaningless.
	syncComp, err := m.sender.Send(ctx, &Request{
		ConversationID: "sync." + m.localServiceID,
		Recipients:     []string{m.localServiceID},
		Content:        content,
		Timestamp:      comp.Timestamp,
	})
	if err != nil {
		return err
	}
	if serr := syncComp.Errors[m.localServiceID]; serr != nil {
		return serr
	}
	return nil
}

// expirationStart reports when disappearing-message countdowns begin: at send
// time for expiring messages, absent otherwise.
func expirationStart(dm *wire.DataMessage, timestamp uint64) uint64 {
	if dm != nil && dm.ExpireTimer > 0 {
		return timestamp
	}
	return 0
}
