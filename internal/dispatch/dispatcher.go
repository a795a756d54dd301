// Package dispatch turns a built content envelope into delivered wire
// envelopes: per-recipient device fan-out, sealed-sender and standard
// encryption paths, bounded 409/410 recovery, exactly-once aggregation, the
// sync mirror, and the resend orchestrator.
package dispatch

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"slices"
	"strconv"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/sayan83/signal-dispatch/internal/sessions"
	"github.com/sayan83/signal-dispatch/internal/transport"
	"github.com/sayan83/signal-dispatch/internal/wire"
)

// retryBudget bounds the automatic 409/410 reload-and-retry cycle. One
// recursive reload per recipient per send; after that the last error is
// terminal.
const retryBudget = 1

// MessageService is the transport surface the dispatcher needs. Both the
// HTTP and WebSocket services satisfy it.
type MessageService interface {
	SendMessages(ctx context.Context, destination string, msgs *wire.OutgoingMessageList) error
	SendMessagesUnauth(ctx context.Context, destination string, msgs *wire.OutgoingMessageList, accessKey []byte) error
	GetPreKeys(ctx context.Context, destination, deviceID string) (*transport.PreKeyResponse, error)
}

// SendMetadata is the per-recipient sealed-sender material. Both fields must
// be present for the sealed path to be attempted.
type SendMetadata struct {
	AccessKey         []byte
	SenderCertificate []byte
}

func (m *SendMetadata) sealed() bool {
	return m != nil && len(m.AccessKey) > 0 && len(m.SenderCertificate) > 0
}

// RecipientResult is the terminal outcome of one recipient's dispatch.
// Err nil means at least one device took the message. DeviceErrors keeps
// device-level failures that did not fail the recipient.
type RecipientResult struct {
	ServiceID    string
	Unidentified bool // delivered via sealed sender
	Failover     bool // sealed sender abandoned mid-send
	Err          error
	DeviceErrors error
}

// Dispatcher drives the per-recipient send state machine. All collaborators
// are injected; it holds no global state.
type Dispatcher struct {
	store      sessions.Store
	svc        MessageService
	serializer *sessions.JobSerializer
	log        *zap.Logger

	localServiceID string
	localDeviceID  int
}

// NewDispatcher wires a dispatcher. localServiceID/localDeviceID identify the
// sending device so self-sends (the sync mirror) exclude it.
func NewDispatcher(store sessions.Store, svc MessageService, ser *sessions.JobSerializer, log *zap.Logger, localServiceID string, localDeviceID int) *Dispatcher {
	return &Dispatcher{
		store:          store,
		svc:            svc,
		serializer:     ser,
		log:            log,
		localServiceID: localServiceID,
		localDeviceID:  localDeviceID,
	}
}

// Dispatch delivers an already-encoded, padded plaintext to every device of
// one recipient and returns the terminal outcome. It never returns an error
// directly; failures live inside the result so the aggregator sees exactly
// one outcome per recipient.
func (d *Dispatcher) Dispatch(ctx context.Context, recipient string, plaintext []byte, timestamp uint64, meta *SendMetadata) *RecipientResult {
	res := &RecipientResult{ServiceID: recipient}

	sealed := meta.sealed()
	budget := retryBudget
	refreshed := false // device list reloaded from the server this attempt

	for {
		err := d.attempt(ctx, recipient, plaintext, timestamp, meta, sealed, refreshed, res)
		if err == nil {
			res.Unidentified = sealed
			return res
		}

		var authErr *wire.SealedSenderAuthError
		if sealed && errors.As(err, &authErr) {
			// Access key rejected. Drop the sealed material and redo the
			// encrypt phase on the standard path, exactly once.
			d.log.Debug("sealed sender rejected, falling back",
				zap.String("recipient", recipient), zap.Int("status", authErr.Status))
			sealed = false
			res.Failover = true
			continue
		}

		if budget > 0 {
			var mismatch *wire.MismatchedDevicesError
			var stale *wire.StaleDevicesError
			switch {
			case errors.As(err, &mismatch):
				budget--
				if herr := d.reconcileMismatch(ctx, recipient, mismatch); herr != nil {
					err = herr
					break
				}
				refreshed = true
				continue
			case errors.As(err, &stale):
				budget--
				if herr := d.reconcileStale(ctx, recipient, stale); herr != nil {
					err = herr
					break
				}
				refreshed = true
				continue
			}
		}

		var identity *wire.IdentityChangedError
		if errors.As(err, &identity) {
			// Never proceed past a changed identity. Retire every session so
			// the next send re-establishes from scratch after the user
			// re-verifies.
			if aerr := d.store.ArchiveAllSessions(recipient); aerr != nil {
				d.log.Warn("archive after identity change failed",
					zap.String("recipient", recipient), zap.Error(aerr))
			}
		}

		res.Err = err
		return res
	}
}

// attempt runs one pass of discover, encrypt, transmit. refreshed suppresses
// the key-discovery fallback when the device list was just reloaded, so a
// server that keeps answering 409/410 cannot trigger extra fetches.
func (d *Dispatcher) attempt(ctx context.Context, recipient string, plaintext []byte, timestamp uint64, meta *SendMetadata, sealed, refreshed bool, res *RecipientResult) error {
	deviceIDs, err := d.store.GetDeviceIDs(recipient)
	if err != nil {
		return fmt.Errorf("dispatch: device list: %w", err)
	}
	if len(deviceIDs) == 0 && !refreshed {
		if err := d.fetchBundles(ctx, recipient, "*"); err != nil {
			return err
		}
		deviceIDs, err = d.store.GetDeviceIDs(recipient)
		if err != nil {
			return fmt.Errorf("dispatch: device list: %w", err)
		}
	}
	if recipient == d.localServiceID {
		deviceIDs = slices.DeleteFunc(deviceIDs, func(id int) bool { return id == d.localDeviceID })
	}
	if len(deviceIDs) == 0 {
		return &wire.EmptyDeviceListError{ServiceID: recipient}
	}

	msgs, encErrs, err := d.encryptForDevices(ctx, recipient, deviceIDs, plaintext, meta, sealed)
	if err != nil {
		return err
	}
	res.DeviceErrors = multierr.Append(res.DeviceErrors, encErrs)
	if len(msgs) == 0 {
		return fmt.Errorf("dispatch: no device accepted encryption for %s: %w", recipient, encErrs)
	}

	list := &wire.OutgoingMessageList{
		Destination: recipient,
		Timestamp:   timestamp,
		Messages:    msgs,
		Urgent:      true,
	}
	if sealed {
		err = d.svc.SendMessagesUnauth(ctx, recipient, list, meta.AccessKey)
	} else {
		err = d.svc.SendMessages(ctx, recipient, list)
	}
	if err != nil {
		return err
	}

	// Persist the list that actually took the message, except for
	// self-sends where the local device was filtered out above.
	if recipient != d.localServiceID {
		sent := make([]int, 0, len(msgs))
		for _, m := range msgs {
			sent = append(sent, m.DestinationDeviceID)
		}
		if serr := d.store.SetDeviceIDs(recipient, sent); serr != nil {
			d.log.Warn("persist device list failed", zap.String("recipient", recipient), zap.Error(serr))
		}
	}
	return nil
}

// encryptForDevices produces one envelope per device. Each device's crypto
// runs under its session serialization slot. Per-device failures are
// collected, not fatal; identity changes abort the whole recipient.
func (d *Dispatcher) encryptForDevices(ctx context.Context, recipient string, deviceIDs []int, plaintext []byte, meta *SendMetadata, sealed bool) ([]wire.OutgoingMessage, error, error) {
	var msgs []wire.OutgoingMessage
	var deviceErrs error

	for _, deviceID := range deviceIDs {
		msg, err := d.encryptForDevice(ctx, recipient, deviceID, plaintext, meta, sealed)
		if err != nil {
			var identity *wire.IdentityChangedError
			if errors.As(err, &identity) {
				return nil, deviceErrs, err
			}
			d.log.Debug("device encrypt failed",
				zap.String("recipient", recipient), zap.Int("device", deviceID), zap.Error(err))
			deviceErrs = multierr.Append(deviceErrs, fmt.Errorf("device %d: %w", deviceID, err))
			continue
		}
		msgs = append(msgs, *msg)
	}
	return msgs, deviceErrs, nil
}

func (d *Dispatcher) encryptForDevice(ctx context.Context, recipient string, deviceID int, plaintext []byte, meta *SendMetadata, sealed bool) (*wire.OutgoingMessage, error) {
	var msg *wire.OutgoingMessage

	key := sessions.SessionKey(recipient, deviceID)
	err := d.serializer.RunExclusive(ctx, key, func() error {
		active, err := d.store.HasActiveSession(recipient, deviceID)
		if err != nil {
			return err
		}
		if !active {
			if err := d.fetchBundles(ctx, recipient, strconv.Itoa(deviceID)); err != nil {
				return err
			}
		}

		regID, err := d.store.RegistrationID(recipient, deviceID)
		if err != nil {
			return err
		}

		var envType wire.EnvelopeType
		var ciphertext []byte
		if sealed {
			ciphertext, err = d.store.EncryptSealed(recipient, deviceID, plaintext, meta.SenderCertificate)
			envType = wire.EnvelopeUnidentified
		} else {
			var ctType wire.CiphertextType
			ctType, ciphertext, err = d.store.Encrypt(recipient, deviceID, plaintext)
			envType = wire.EnvelopeTypeFor(ctType)
		}
		if err != nil {
			return err
		}

		msg = &wire.OutgoingMessage{
			Type:                      envType,
			DestinationDeviceID:       deviceID,
			DestinationRegistrationID: regID,
			Content:                   base64.StdEncoding.EncodeToString(ciphertext),
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return msg, nil
}

// fetchBundles fetches pre-key bundles ("*" for all devices, or one numeric
// device ID) and establishes sessions from them. For a full fetch the device
// list is replaced wholesale.
func (d *Dispatcher) fetchBundles(ctx context.Context, recipient, deviceID string) error {
	resp, err := d.svc.GetPreKeys(ctx, recipient, deviceID)
	if err != nil {
		return err
	}
	identityKey, err := base64.RawStdEncoding.DecodeString(resp.IdentityKey)
	if err != nil {
		return fmt.Errorf("dispatch: decode identity key: %w", err)
	}

	var ids []int
	for _, dev := range resp.Devices {
		publicKey, err := base64.RawStdEncoding.DecodeString(dev.PublicKey)
		if err != nil {
			return fmt.Errorf("dispatch: decode pre-key for device %d: %w", dev.DeviceID, err)
		}
		err = d.store.ProcessPreKeyBundle(recipient, &sessions.PreKeyBundle{
			DeviceID:       dev.DeviceID,
			RegistrationID: dev.RegistrationID,
			IdentityKey:    identityKey,
			PublicKey:      publicKey,
		})
		if err != nil {
			return err
		}
		ids = append(ids, dev.DeviceID)
	}

	if deviceID == "*" {
		if err := d.store.SetDeviceIDs(recipient, ids); err != nil {
			return fmt.Errorf("dispatch: persist device list: %w", err)
		}
	}
	return nil
}

// reconcileMismatch handles a 409: retire extra-device sessions, drop them
// from the list, and establish sessions for the missing devices the server
// reported.
func (d *Dispatcher) reconcileMismatch(ctx context.Context, recipient string, mismatch *wire.MismatchedDevicesError) error {
	d.log.Debug("409 mismatch",
		zap.String("recipient", recipient),
		zap.Ints("missing", mismatch.MissingDevices),
		zap.Ints("extra", mismatch.ExtraDevices))

	deviceIDs, err := d.store.GetDeviceIDs(recipient)
	if err != nil {
		return fmt.Errorf("dispatch: device list: %w", err)
	}
	for _, id := range mismatch.ExtraDevices {
		if aerr := d.store.ArchiveSession(recipient, id); aerr != nil {
			return aerr
		}
		deviceIDs = slices.DeleteFunc(deviceIDs, func(n int) bool { return n == id })
	}
	for _, id := range mismatch.MissingDevices {
		if id == d.localDeviceID && recipient == d.localServiceID {
			continue
		}
		if err := d.fetchBundles(ctx, recipient, strconv.Itoa(id)); err != nil {
			return err
		}
		if !slices.Contains(deviceIDs, id) {
			deviceIDs = append(deviceIDs, id)
		}
	}
	slices.Sort(deviceIDs)
	return d.store.SetDeviceIDs(recipient, deviceIDs)
}

// reconcileStale handles a 410: retire the stale sessions and re-establish
// each from a fresh bundle. The device list itself is kept; only sessions
// rotate.
func (d *Dispatcher) reconcileStale(ctx context.Context, recipient string, stale *wire.StaleDevicesError) error {
	d.log.Debug("410 stale",
		zap.String("recipient", recipient),
		zap.Ints("stale", stale.StaleDevices))

	for _, id := range stale.StaleDevices {
		if aerr := d.store.ArchiveSession(recipient, id); aerr != nil {
			return aerr
		}
		if err := d.fetchBundles(ctx, recipient, strconv.Itoa(id)); err != nil {
			return err
		}
	}
	return nil
}
