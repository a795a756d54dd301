package dispatch

import (
	"context"
	"encoding/base64"
	"errors"
	"sync"
	"testing"

	"go.uber.org/zap"

	"github.com/sayan83/signal-dispatch/internal/sessions"
	"github.com/sayan83/signal-dispatch/internal/transport"
	"github.com/sayan83/signal-dispatch/internal/wire"
)

// fakeService scripts the relay: per-recipient device lists for pre-key
// fetches, and a queue of per-call send outcomes (nil for accepted).
type fakeService struct {
	mu sync.Mutex

	devices map[string][]int // served by GetPreKeys
	sendErr map[string][]error
	rotated map[string]bool // serve a different identity key

	sent        []*wire.OutgoingMessageList
	unauthSent  []*wire.OutgoingMessageList
	prekeyCalls []string // "recipient/deviceID"
}

func newFakeService() *fakeService {
	return &fakeService{
		devices: make(map[string][]int),
		sendErr: make(map[string][]error),
		rotated: make(map[string]bool),
	}
}

func (f *fakeService) scriptSendErrors(recipient string, errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sendErr[recipient] = append(f.sendErr[recipient], errs...)
}

func (f *fakeService) nextSendResult(recipient string) error {
	queue := f.sendErr[recipient]
	if len(queue) == 0 {
		return nil
	}
	err := queue[0]
	f.sendErr[recipient] = queue[1:]
	return err
}

func (f *fakeService) SendMessages(ctx context.Context, destination string, msgs *wire.OutgoingMessageList) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, msgs)
	return f.nextSendResult(destination)
}

func (f *fakeService) SendMessagesUnauth(ctx context.Context, destination string, msgs *wire.OutgoingMessageList, accessKey []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unauthSent = append(f.unauthSent, msgs)
	return f.nextSendResult(destination)
}

func (f *fakeService) GetPreKeys(ctx context.Context, destination, deviceID string) (*transport.PreKeyResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prekeyCalls = append(f.prekeyCalls, destination+"/"+deviceID)

	devices, ok := f.devices[destination]
	if !ok {
		return nil, &wire.UnregisteredError{ServiceID: destination}
	}

	identity := identityKeyFor(destination)
	if f.rotated[destination] {
		identity = identityKeyFor("rotated:" + destination)
	}
	resp := &transport.PreKeyResponse{
		IdentityKey: base64.RawStdEncoding.EncodeToString(identity),
	}
	for _, dev := range devices {
		if deviceID != "*" && deviceID != itoa(dev) {
			continue
		}
		resp.Devices = append(resp.Devices, transport.PreKeyDeviceInfo{
			DeviceID:       dev,
			RegistrationID: 100 + dev,
			PublicKey:      base64.RawStdEncoding.EncodeToString([]byte("public-key-material-32-bytes----")),
		})
	}
	return resp, nil
}

func identityKeyFor(serviceID string) []byte {
	key := make([]byte, 32)
	copy(key, serviceID)
	return key
}

func itoa(n int) string {
	if n < 10 {
		return string(rune('0' + n))
	}
	return string(rune('0'+n/10)) + string(rune('0'+n%10))
}

func newTestDispatcher(svc *fakeService) (*Dispatcher, *sessions.MemoryStore) {
	store := sessions.NewMemoryStore()
	ser := sessions.NewJobSerializer()
	d := NewDispatcher(store, svc, ser, zap.NewNop(), "self", 1)
	return d, store
}

const ts = uint64(1700000000000)

func TestDispatchSuccess(t *testing.T) {
	svc := newFakeService()
	svc.devices["alice"] = []int{1, 2}

	d, store := newTestDispatcher(svc)
	res := d.Dispatch(context.Background(), "alice", []byte("plaintext"), ts, nil)

	if res.Err != nil {
		t.Fatal(res.Err)
	}
	if res.Unidentified || res.Failover {
		t.Errorf("unexpected flags %+v", res)
	}
	if len(svc.sent) != 1 {
		t.Fatalf("%d sends, want 1", len(svc.sent))
	}
	list := svc.sent[0]
	if len(list.Messages) != 2 {
		t.Fatalf("%d envelopes, want 2", len(list.Messages))
	}
	// Fresh sessions produce the session-establishing envelope type.
	for _, m := range list.Messages {
		if m.Type != wire.EnvelopePreKeyBundle {
			t.Errorf("device %d envelope type %d, want %d", m.DestinationDeviceID, m.Type, wire.EnvelopePreKeyBundle)
		}
	}

	ids, _ := store.GetDeviceIDs("alice")
	if len(ids) != 2 {
		t.Errorf("device list %v not persisted", ids)
	}
}

func TestDispatchSealedSender(t *testing.T) {
	svc := newFakeService()
	svc.devices["alice"] = []int{1}

	d, _ := newTestDispatcher(svc)
	meta := &SendMetadata{AccessKey: []byte("0123456789abcdef"), SenderCertificate: []byte("cert")}
	res := d.Dispatch(context.Background(), "alice", []byte("plaintext"), ts, meta)

	if res.Err != nil {
		t.Fatal(res.Err)
	}
	if !res.Unidentified {
		t.Error("sealed delivery not marked unidentified")
	}
	if len(svc.unauthSent) != 1 || len(svc.sent) != 0 {
		t.Fatalf("unauth=%d auth=%d, want 1/0", len(svc.unauthSent), len(svc.sent))
	}
	if got := svc.unauthSent[0].Messages[0].Type; got != wire.EnvelopeUnidentified {
		t.Errorf("envelope type %d, want %d", got, wire.EnvelopeUnidentified)
	}
}

func TestSealedSenderFallbackOnce(t *testing.T) {
	svc := newFakeService()
	svc.devices["alice"] = []int{1}
	svc.scriptSendErrors("alice", &wire.SealedSenderAuthError{Status: 401})

	d, _ := newTestDispatcher(svc)
	meta := &SendMetadata{AccessKey: []byte("0123456789abcdef"), SenderCertificate: []byte("cert")}
	res := d.Dispatch(context.Background(), "alice", []byte("plaintext"), ts, meta)

	if res.Err != nil {
		t.Fatal(res.Err)
	}
	if !res.Failover {
		t.Error("fallback not recorded as failover")
	}
	if res.Unidentified {
		t.Error("fallback delivery still marked unidentified")
	}
	if len(svc.unauthSent) != 1 || len(svc.sent) != 1 {
		t.Fatalf("unauth=%d auth=%d, want one each", len(svc.unauthSent), len(svc.sent))
	}
	// The retry re-encrypted on the standard path.
	if got := svc.sent[0].Messages[0].Type; got == wire.EnvelopeUnidentified {
		t.Error("standard retry still sealed")
	}
}

func TestSealedSenderAuthOnStandardPathIsTerminal(t *testing.T) {
	svc := newFakeService()
	svc.devices["alice"] = []int{1}
	svc.scriptSendErrors("alice",
		&wire.SealedSenderAuthError{Status: 401},
		&wire.SealedSenderAuthError{Status: 403})

	d, _ := newTestDispatcher(svc)
	meta := &SendMetadata{AccessKey: []byte("0123456789abcdef"), SenderCertificate: []byte("cert")}
	res := d.Dispatch(context.Background(), "alice", []byte("plaintext"), ts, meta)

	// One sealed attempt, one standard attempt, then terminal; sealed sender
	// is never re-attempted within the same send.
	if res.Err == nil {
		t.Fatal("expected terminal error")
	}
	if len(svc.unauthSent) != 1 || len(svc.sent) != 1 {
		t.Fatalf("unauth=%d auth=%d, want one each", len(svc.unauthSent), len(svc.sent))
	}
}

func TestStaleDeviceRecovery(t *testing.T) {
	svc := newFakeService()
	svc.devices["alice"] = []int{1, 2}
	svc.scriptSendErrors("alice", &wire.StaleDevicesError{StaleDevices: []int{2}})

	d, store := newTestDispatcher(svc)
	// Sessions already established from an earlier exchange.
	seedSessions(t, svc, store, "alice")

	res := d.Dispatch(context.Background(), "alice", []byte("plaintext"), ts, nil)
	if res.Err != nil {
		t.Fatal(res.Err)
	}
	if len(svc.sent) != 2 {
		t.Fatalf("%d sends, want 2 (original + retry)", len(svc.sent))
	}

	// The stale device got a fresh bundle and a session-establishing
	// envelope on the retry; device 1 stayed on its ratchet.
	retry := svc.sent[1]
	types := map[int]wire.EnvelopeType{}
	for _, m := range retry.Messages {
		types[m.DestinationDeviceID] = m.Type
	}
	if types[2] != wire.EnvelopePreKeyBundle {
		t.Errorf("stale device envelope type %d, want prekey", types[2])
	}
	if types[1] != wire.EnvelopeCiphertext {
		t.Errorf("healthy device envelope type %d, want ciphertext", types[1])
	}
}

func TestStaleDeviceRetryBounded(t *testing.T) {
	svc := newFakeService()
	svc.devices["alice"] = []int{1}
	svc.scriptSendErrors("alice",
		&wire.StaleDevicesError{StaleDevices: []int{1}},
		&wire.StaleDevicesError{StaleDevices: []int{1}},
		&wire.StaleDevicesError{StaleDevices: []int{1}})

	d, _ := newTestDispatcher(svc)
	res := d.Dispatch(context.Background(), "alice", []byte("plaintext"), ts, nil)

	var stale *wire.StaleDevicesError
	if !errors.As(res.Err, &stale) {
		t.Fatalf("got %v, want terminal StaleDevicesError", res.Err)
	}
	// Original attempt plus exactly one automatic retry.
	if len(svc.sent) != 2 {
		t.Errorf("%d sends, want 2", len(svc.sent))
	}
}

func TestMismatchedDevicesRecovery(t *testing.T) {
	svc := newFakeService()
	svc.devices["alice"] = []int{1, 3}

	d, store := newTestDispatcher(svc)
	// Local state believes in devices 1 and 2; the server knows 1 and 3.
	_ = store.SetDeviceIDs("alice", []int{1, 2})
	svcDevices := svc.devices["alice"]
	svc.devices["alice"] = []int{1, 2}
	seedSessions(t, svc, store, "alice")
	svc.devices["alice"] = svcDevices

	svc.scriptSendErrors("alice", &wire.MismatchedDevicesError{MissingDevices: []int{3}, ExtraDevices: []int{2}})

	res := d.Dispatch(context.Background(), "alice", []byte("plaintext"), ts, nil)
	if res.Err != nil {
		t.Fatal(res.Err)
	}

	ids, _ := store.GetDeviceIDs("alice")
	if len(ids) != 2 || ids[0] != 1 || ids[1] != 3 {
		t.Errorf("device list %v, want [1 3]", ids)
	}
	if active, _ := store.HasActiveSession("alice", 2); active {
		t.Error("extra device session not archived")
	}

	retry := svc.sent[len(svc.sent)-1]
	if len(retry.Messages) != 2 {
		t.Fatalf("retry carried %d envelopes, want 2", len(retry.Messages))
	}
}

func TestUnregisteredRecipientTerminal(t *testing.T) {
	svc := newFakeService()
	svc.devices["alice"] = []int{1}
	svc.scriptSendErrors("alice", &wire.UnregisteredError{ServiceID: "alice"})

	d, _ := newTestDispatcher(svc)
	res := d.Dispatch(context.Background(), "alice", []byte("plaintext"), ts, nil)

	var unreg *wire.UnregisteredError
	if !errors.As(res.Err, &unreg) {
		t.Fatalf("got %v, want UnregisteredError", res.Err)
	}
	if len(svc.sent) != 1 {
		t.Errorf("%d sends, want 1 (no auto retry on 404)", len(svc.sent))
	}
}

func TestChallengeSurfaced(t *testing.T) {
	svc := newFakeService()
	svc.devices["alice"] = []int{1}
	svc.scriptSendErrors("alice", &wire.ChallengeRequiredError{Token: "tok"})

	d, _ := newTestDispatcher(svc)
	res := d.Dispatch(context.Background(), "alice", []byte("plaintext"), ts, nil)

	var challenge *wire.ChallengeRequiredError
	if !errors.As(res.Err, &challenge) || challenge.Token != "tok" {
		t.Fatalf("got %v, want ChallengeRequiredError with token", res.Err)
	}
}

func TestIdentityChangeArchivesAllSessions(t *testing.T) {
	svc := newFakeService()
	svc.devices["alice"] = []int{1, 2}

	d, store := newTestDispatcher(svc)
	seedSessions(t, svc, store, "alice")

	// The server rotates the recipient's identity; the next bundle fetch
	// conflicts with the recorded key.
	svc.scriptSendErrors("alice", &wire.StaleDevicesError{StaleDevices: []int{2}})
	rotateIdentity(svc, "alice")

	res := d.Dispatch(context.Background(), "alice", []byte("plaintext"), ts, nil)

	var changed *wire.IdentityChangedError
	if !errors.As(res.Err, &changed) {
		t.Fatalf("got %v, want IdentityChangedError", res.Err)
	}
	for _, dev := range []int{1, 2} {
		if active, _ := store.HasActiveSession("alice", dev); active {
			t.Errorf("device %d session survived identity change", dev)
		}
	}
}

func TestEmptyDeviceListTerminal(t *testing.T) {
	svc := newFakeService()
	svc.devices["alice"] = []int{}

	d, _ := newTestDispatcher(svc)
	res := d.Dispatch(context.Background(), "alice", []byte("plaintext"), ts, nil)

	var empty *wire.EmptyDeviceListError
	if !errors.As(res.Err, &empty) {
		t.Fatalf("got %v, want EmptyDeviceListError", res.Err)
	}
}

func TestSelfDispatchSkipsLocalDevice(t *testing.T) {
	svc := newFakeService()
	svc.devices["self"] = []int{1, 2, 3}

	d, store := newTestDispatcher(svc)
	_ = store.SetDeviceIDs("self", []int{1, 2, 3})

	res := d.Dispatch(context.Background(), "self", []byte("plaintext"), ts, nil)
	if res.Err != nil {
		t.Fatal(res.Err)
	}
	for _, m := range svc.sent[0].Messages {
		if m.DestinationDeviceID == 1 {
			t.Error("local device received its own message")
		}
	}
	if len(svc.sent[0].Messages) != 2 {
		t.Errorf("%d envelopes, want 2", len(svc.sent[0].Messages))
	}
}

// seedSessions establishes sessions for every scripted device and consumes
// the fresh-session state so later envelopes are ongoing-ratchet ones.
func seedSessions(t *testing.T, svc *fakeService, store sessions.Store, recipient string) {
	t.Helper()
	for _, dev := range svc.devices[recipient] {
		err := store.ProcessPreKeyBundle(recipient, &sessions.PreKeyBundle{
			DeviceID:       dev,
			RegistrationID: 100 + dev,
			IdentityKey:    identityKeyFor(recipient),
			PublicKey:      []byte("public-key-material-32-bytes----"),
		})
		if err != nil {
			t.Fatal(err)
		}
		if _, _, err := store.Encrypt(recipient, dev, []byte("warmup")); err != nil {
			t.Fatal(err)
		}
	}
	_ = store.SetDeviceIDs(recipient, svc.devices[recipient])
}

// rotateIdentity makes the fake serve a different identity key for a
// recipient from now on.
func rotateIdentity(svc *fakeService, recipient string) {
	svc.mu.Lock()
	defer svc.mu.Unlock()
	svc.rotated[recipient] = true
}
