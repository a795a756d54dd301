package sessions

import (
	"bytes"
	"fmt"
	"sync"

	"github.com/sayan83/signal-dispatch/internal/wire"
)

// MemoryStore is an in-memory Store for tests and ephemeral use. Safe for
// concurrent access across distinct devices; callers serialize same-device
// use through the JobSerializer like any other Store.
type MemoryStore struct {
	mu         sync.Mutex
	devices    map[string][]int
	records    map[string]*sessionRecord // keyed by SessionKey
	identities map[string][]byte
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		devices:    make(map[string][]int),
		records:    make(map[string]*sessionRecord),
		identities: make(map[string][]byte),
	}
}

func (m *MemoryStore) GetDeviceIDs(serviceID string) ([]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := m.devices[serviceID]
	out := make([]int, len(ids))
	copy(out, ids)
	return out, nil
}

func (m *MemoryStore) SetDeviceIDs(serviceID string, deviceIDs []int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]int, len(deviceIDs))
	copy(ids, deviceIDs)
	m.devices[serviceID] = ids
	return nil
}

func (m *MemoryStore) HasActiveSession(serviceID string, deviceID int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.records[SessionKey(serviceID, deviceID)]
	return ok, nil
}

func (m *MemoryStore) RegistrationID(serviceID string, deviceID int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[SessionKey(serviceID, deviceID)]
	if !ok {
		return 0, &wire.NoSessionError{ServiceID: serviceID, DeviceID: deviceID}
	}
	return rec.RegistrationID, nil
}

func (m *MemoryStore) ProcessPreKeyBundle(serviceID string, bundle *PreKeyBundle) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if recorded, ok := m.identities[serviceID]; ok && !bytes.Equal(recorded, bundle.IdentityKey) {
		return &wire.IdentityChangedError{ServiceID: serviceID, NewIdentityKey: bundle.IdentityKey}
	}
	m.identities[serviceID] = bundle.IdentityKey
	m.records[SessionKey(serviceID, bundle.DeviceID)] = &sessionRecord{
		RegistrationID: bundle.RegistrationID,
		Secret:         deriveSessionSecret(bundle.IdentityKey, bundle.PublicKey),
		Fresh:          true,
	}
	return nil
}

func (m *MemoryStore) Encrypt(serviceID string, deviceID int, plaintext []byte) (wire.CiphertextType, []byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[SessionKey(serviceID, deviceID)]
	if !ok {
		return 0, nil, &wire.NoSessionError{ServiceID: serviceID, DeviceID: deviceID}
	}
	ct, err := sealMessage(rec.Secret, rec.Counter, plaintext)
	if err != nil {
		return 0, nil, err
	}
	ctType := wire.CiphertextWhisper
	if rec.Fresh {
		ctType = wire.CiphertextPreKey
	}
	rec.Counter++
	rec.Fresh = false
	return ctType, ct, nil
}

func (m *MemoryStore) EncryptSealed(serviceID string, deviceID int, plaintext, senderCert []byte) ([]byte, error) {
	ctType, inner, err := m.Encrypt(serviceID, deviceID, plaintext)
	if err != nil {
		return nil, err
	}
	return sealAnonymous(ctType, inner, senderCert)
}

// Decrypt opens a ciphertext this store produced, trying each counter the
// session has advanced through. Loopback support for tests.
func (m *MemoryStore) Decrypt(serviceID string, deviceID int, ciphertext []byte) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[SessionKey(serviceID, deviceID)]
	if !ok {
		return nil, &wire.NoSessionError{ServiceID: serviceID, DeviceID: deviceID}
	}
	for c := uint64(0); c < rec.Counter; c++ {
		if pt, err := openMessage(rec.Secret, c, ciphertext); err == nil {
			return pt, nil
		}
	}
	return nil, fmt.Errorf("sessions: no counter opens ciphertext for %s.%d", serviceID, deviceID)
}

func (m *MemoryStore) ArchiveSession(serviceID string, deviceID int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, SessionKey(serviceID, deviceID))
	return nil
}

func (m *MemoryStore) ArchiveAllSessions(serviceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key := range m.records {
		if len(key) > len(serviceID) && key[:len(serviceID)] == serviceID && key[len(serviceID)] == '.' {
			delete(m.records, key)
		}
	}
	return nil
}
