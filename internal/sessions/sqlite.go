package sessions

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/fxamacker/cbor/v2"
	"golang.org/x/crypto/hkdf"
	_ "modernc.org/sqlite"

	"github.com/sayan83/signal-dispatch/internal/wire"
)

// SQLiteStore is the persistent Store implementation. One database holds
// session records, recorded identities, cached device lists, and contacts.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

const schema = `
CREATE TABLE IF NOT EXISTS session (
	address TEXT NOT NULL,
	device_id INTEGER NOT NULL,
	record BLOB NOT NULL,
	PRIMARY KEY (address, device_id)
);
CREATE TABLE IF NOT EXISTS identity (
	address TEXT PRIMARY KEY,
	public_key BLOB NOT NULL
);
CREATE TABLE IF NOT EXISTS recipient_device (
	address TEXT NOT NULL,
	device_id INTEGER NOT NULL,
	PRIMARY KEY (address, device_id)
);
CREATE TABLE IF NOT EXISTS contact (
	address TEXT PRIMARY KEY,
	number TEXT NOT NULL DEFAULT '',
	name TEXT NOT NULL DEFAULT '',
	profile_key BLOB
);
`

// sessionRecord is the opaque per-device session state. The secret seeds the
// per-message key schedule; fresh marks a session that has not yet produced
// its first ciphertext.
type sessionRecord struct {
	RegistrationID int    `cbor:"1,keyasint"`
	Secret         []byte `cbor:"2,keyasint"`
	Counter        uint64 `cbor:"3,keyasint"`
	Fresh          bool   `cbor:"4,keyasint"`
}

// Open opens or creates a session store at the given path.
func Open(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o700); err != nil {
		return nil, fmt.Errorf("sessions: create dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("sessions: open db: %w", err)
	}

	// WAL mode for concurrent reads during a send fan-out.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("sessions: set WAL mode: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sessions: create schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) GetDeviceIDs(serviceID string) ([]int, error) {
	rows, err := s.db.Query("SELECT device_id FROM recipient_device WHERE address = ? ORDER BY device_id", serviceID)
	if err != nil {
		return nil, fmt.Errorf("sessions: get devices: %w", err)
	}
	defer rows.Close()

	var ids []int
	for rows.Next() {
		var id int
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("sessions: scan device: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *SQLiteStore) SetDeviceIDs(serviceID string, deviceIDs []int) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("sessions: set devices: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM recipient_device WHERE address = ?", serviceID); err != nil {
		return fmt.Errorf("sessions: clear devices: %w", err)
	}
	for _, id := range deviceIDs {
		if _, err := tx.Exec("INSERT INTO recipient_device (address, device_id) VALUES (?, ?)", serviceID, id); err != nil {
			return fmt.Errorf("sessions: insert device: %w", err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) HasActiveSession(serviceID string, deviceID int) (bool, error) {
	var n int
	err := s.db.QueryRow("SELECT COUNT(*) FROM session WHERE address = ? AND device_id = ?", serviceID, deviceID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("sessions: query session: %w", err)
	}
	return n > 0, nil
}

func (s *SQLiteStore) RegistrationID(serviceID string, deviceID int) (int, error) {
	rec, err := s.loadRecord(serviceID, deviceID)
	if err != nil {
		return 0, err
	}
	if rec == nil {
		return 0, &wire.NoSessionError{ServiceID: serviceID, DeviceID: deviceID}
	}
	return rec.RegistrationID, nil
}

func (s *SQLiteStore) ProcessPreKeyBundle(serviceID string, bundle *PreKeyBundle) error {
	if err := s.checkIdentity(serviceID, bundle.IdentityKey); err != nil {
		return err
	}

	secret := deriveSessionSecret(bundle.IdentityKey, bundle.PublicKey)
	rec := &sessionRecord{
		RegistrationID: bundle.RegistrationID,
		Secret:         secret,
		Fresh:          true,
	}
	if err := s.saveRecord(serviceID, bundle.DeviceID, rec); err != nil {
		return err
	}
	_, err := s.db.Exec(
		"INSERT INTO identity (address, public_key) VALUES (?, ?) ON CONFLICT(address) DO UPDATE SET public_key = excluded.public_key",
		serviceID, bundle.IdentityKey)
	if err != nil {
		return fmt.Errorf("sessions: save identity: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Encrypt(serviceID string, deviceID int, plaintext []byte) (wire.CiphertextType, []byte, error) {
	rec, err := s.loadRecord(serviceID, deviceID)
	if err != nil {
		return 0, nil, err
	}
	if rec == nil {
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
	if err := s.saveRecord(serviceID, deviceID, rec); err != nil {
		return 0, nil, err
	}
	return ctType, ct, nil
}

func (s *SQLiteStore) EncryptSealed(serviceID string, deviceID int, plaintext, senderCert []byte) ([]byte, error) {
	ctType, inner, err := s.Encrypt(serviceID, deviceID, plaintext)
	if err != nil {
		return nil, err
	}
	return sealAnonymous(ctType, inner, senderCert)
}

func (s *SQLiteStore) ArchiveSession(serviceID string, deviceID int) error {
	_, err := s.db.Exec("DELETE FROM session WHERE address = ? AND device_id = ?", serviceID, deviceID)
	if err != nil {
		return fmt.Errorf("sessions: archive session: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ArchiveAllSessions(serviceID string) error {
	_, err := s.db.Exec("DELETE FROM session WHERE address = ?", serviceID)
	if err != nil {
		return fmt.Errorf("sessions: archive all sessions: %w", err)
	}
	return nil
}

// checkIdentity compares a bundle's identity key against the recorded one.
// A mismatch is surfaced, never silently overwritten.
func (s *SQLiteStore) checkIdentity(serviceID string, identityKey []byte) error {
	var recorded []byte
	err := s.db.QueryRow("SELECT public_key FROM identity WHERE address = ?", serviceID).Scan(&recorded)
	if err == sql.ErrNoRows {
		return nil // first contact
	}
	if err != nil {
		return fmt.Errorf("sessions: load identity: %w", err)
	}
	if !bytes.Equal(recorded, identityKey) {
		return &wire.IdentityChangedError{ServiceID: serviceID, NewIdentityKey: identityKey}
	}
	return nil
}

// ResetIdentity removes the recorded identity key for a recipient, accepting
// whatever key the next pre-key bundle carries. Called after the user
// re-verifies trust.
func (s *SQLiteStore) ResetIdentity(serviceID string) error {
	_, err := s.db.Exec("DELETE FROM identity WHERE address = ?", serviceID)
	if err != nil {
		return fmt.Errorf("sessions: reset identity: %w", err)
	}
	return nil
}

// Contact is a known recipient with optional sealed-sender material.
type Contact struct {
	ServiceID  string
	Number     string
	Name       string
	ProfileKey []byte
}

// SaveContact inserts or updates a contact.
func (s *SQLiteStore) SaveContact(c *Contact) error {
	_, err := s.db.Exec(`
		INSERT INTO contact (address, number, name, profile_key) VALUES (?, ?, ?, ?)
		ON CONFLICT(address) DO UPDATE SET number = excluded.number, name = excluded.name, profile_key = excluded.profile_key`,
		c.ServiceID, c.Number, c.Name, c.ProfileKey)
	if err != nil {
		return fmt.Errorf("sessions: save contact: %w", err)
	}
	return nil
}

// GetContact returns a contact by service ID, or nil when unknown.
func (s *SQLiteStore) GetContact(serviceID string) (*Contact, error) {
	c := &Contact{ServiceID: serviceID}
	err := s.db.QueryRow("SELECT number, name, profile_key FROM contact WHERE address = ?", serviceID).
		Scan(&c.Number, &c.Name, &c.ProfileKey)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("sessions: get contact: %w", err)
	}
	return c, nil
}

func (s *SQLiteStore) loadRecord(serviceID string, deviceID int) (*sessionRecord, error) {
	var blob []byte
	err := s.db.QueryRow("SELECT record FROM session WHERE address = ? AND device_id = ?", serviceID, deviceID).Scan(&blob)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("sessions: load session: %w", err)
	}
	var rec sessionRecord
	if err := cbor.Unmarshal(blob, &rec); err != nil {
		return nil, fmt.Errorf("sessions: decode session record: %w", err)
	}
	return &rec, nil
}

func (s *SQLiteStore) saveRecord(serviceID string, deviceID int, rec *sessionRecord) error {
	blob, err := cbor.Marshal(rec)
	if err != nil {
		return fmt.Errorf("sessions: encode session record: %w", err)
	}
	_, err = s.db.Exec(`
		INSERT INTO session (address, device_id, record) VALUES (?, ?, ?)
		ON CONFLICT(address, device_id) DO UPDATE SET record = excluded.record`,
		serviceID, deviceID, blob)
	if err != nil {
		return fmt.Errorf("sessions: save session: %w", err)
	}
	return nil
}

// deriveSessionSecret derives the session seed from the bundle key material.
func deriveSessionSecret(identityKey, publicKey []byte) []byte {
	ikm := make([]byte, 0, len(identityKey)+len(publicKey))
	ikm = append(ikm, identityKey...)
	ikm = append(ikm, publicKey...)
	r := hkdf.New(sha256.New, ikm, nil, []byte("session-secret"))
	secret := make([]byte, 32)
	if _, err := io.ReadFull(r, secret); err != nil {
		panic(err) // hkdf cannot fail for 32 bytes
	}
	return secret
}

// sealMessage encrypts one message under a per-counter key derived from the
// session secret. Output: 12-byte nonce || AES-GCM ciphertext.
func sealMessage(secret []byte, counter uint64, plaintext []byte) ([]byte, error) {
	info := fmt.Sprintf("message-key-%d", counter)
	r := hkdf.New(sha256.New, secret, nil, []byte(info))
	key := make([]byte, 32)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("sessions: derive message key: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("sessions: create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("sessions: create gcm: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("sessions: nonce: %w", err)
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// openMessage reverses sealMessage for a known counter.
func openMessage(secret []byte, counter uint64, ciphertext []byte) ([]byte, error) {
	info := fmt.Sprintf("message-key-%d", counter)
	r := hkdf.New(sha256.New, secret, nil, []byte(info))
	key := make([]byte, 32)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("sessions: derive message key: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("sessions: create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("sessions: create gcm: %w", err)
	}
	if len(ciphertext) < gcm.NonceSize() {
		return nil, fmt.Errorf("sessions: ciphertext too short")
	}
	return gcm.Open(nil, ciphertext[:gcm.NonceSize()], ciphertext[gcm.NonceSize():], nil)
}

// sealedEnvelope is the anonymous-sender wrapper: the standard ciphertext
// plus the sender certificate, with the sender's identity absent from the
// outer layer.
type sealedEnvelope struct {
	Type       int    `cbor:"1,keyasint"`
	Content    []byte `cbor:"2,keyasint"`
	SenderCert []byte `cbor:"3,keyasint"`
}

func sealAnonymous(ctType wire.CiphertextType, inner, senderCert []byte) ([]byte, error) {
	out, err := cbor.Marshal(&sealedEnvelope{
		Type:       int(ctType),
		Content:    inner,
		SenderCert: senderCert,
	})
	if err != nil {
		return nil, fmt.Errorf("sessions: seal envelope: %w", err)
	}
	return out, nil
}
