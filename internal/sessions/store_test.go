package sessions

import (
	"bytes"
	"errors"
	"path/filepath"
	"testing"

	"github.com/sayan83/signal-dispatch/internal/wire"
)

func testBundle(deviceID, regID int, identityKey byte) *PreKeyBundle {
	return &PreKeyBundle{
		DeviceID:       deviceID,
		RegistrationID: regID,
		IdentityKey:    bytes.Repeat([]byte{identityKey}, 32),
		PublicKey:      bytes.Repeat([]byte{0x02}, 32),
	}
}

// The two Store implementations share the session cipher, so the behavioral
// tests run against both.
func eachStore(t *testing.T, fn func(t *testing.T, s Store)) {
	t.Run("memory", func(t *testing.T) {
		fn(t, NewMemoryStore())
	})
	t.Run("sqlite", func(t *testing.T) {
		s, err := Open(filepath.Join(t.TempDir(), "sessions.db"))
		if err != nil {
			t.Fatal(err)
		}
		defer s.Close()
		fn(t, s)
	})
}

func TestFreshSessionYieldsPreKeyCiphertext(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		if err := s.ProcessPreKeyBundle("alice", testBundle(1, 42, 0x01)); err != nil {
			t.Fatal(err)
		}

		ctType, ct1, err := s.Encrypt("alice", 1, []byte("first"))
		if err != nil {
			t.Fatal(err)
		}
		if ctType != wire.CiphertextPreKey {
			t.Errorf("first ciphertext type %d, want prekey", ctType)
		}

		ctType, ct2, err := s.Encrypt("alice", 1, []byte("second"))
		if err != nil {
			t.Fatal(err)
		}
		if ctType != wire.CiphertextWhisper {
			t.Errorf("second ciphertext type %d, want whisper", ctType)
		}
		if bytes.Equal(ct1, ct2) {
			t.Error("distinct messages produced identical ciphertexts")
		}

		regID, err := s.RegistrationID("alice", 1)
		if err != nil {
			t.Fatal(err)
		}
		if regID != 42 {
			t.Errorf("registration ID %d, want 42", regID)
		}
	})
}

func TestEncryptWithoutSession(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		_, _, err := s.Encrypt("nobody", 1, []byte("x"))
		var noSession *wire.NoSessionError
		if !errors.As(err, &noSession) {
			t.Fatalf("got %v, want NoSessionError", err)
		}
	})
}

func TestIdentityChangeDetected(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		if err := s.ProcessPreKeyBundle("alice", testBundle(1, 42, 0x01)); err != nil {
			t.Fatal(err)
		}

		err := s.ProcessPreKeyBundle("alice", testBundle(1, 42, 0x09))
		var changed *wire.IdentityChangedError
		if !errors.As(err, &changed) {
			t.Fatalf("got %v, want IdentityChangedError", err)
		}
		if !bytes.Equal(changed.NewIdentityKey, bytes.Repeat([]byte{0x09}, 32)) {
			t.Error("error does not carry the new identity key")
		}

		// Same identity re-processes fine (session re-establishment).
		if err := s.ProcessPreKeyBundle("alice", testBundle(1, 43, 0x01)); err != nil {
			t.Fatal(err)
		}
	})
}

func TestArchiveSessions(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		for _, dev := range []int{1, 2} {
			if err := s.ProcessPreKeyBundle("alice", testBundle(dev, 42, 0x01)); err != nil {
				t.Fatal(err)
			}
		}

		if err := s.ArchiveSession("alice", 1); err != nil {
			t.Fatal(err)
		}
		if active, _ := s.HasActiveSession("alice", 1); active {
			t.Error("device 1 still active after archive")
		}
		if active, _ := s.HasActiveSession("alice", 2); !active {
			t.Error("device 2 lost its session")
		}

		if err := s.ArchiveAllSessions("alice"); err != nil {
			t.Fatal(err)
		}
		if active, _ := s.HasActiveSession("alice", 2); active {
			t.Error("device 2 still active after archive-all")
		}
	})
}

func TestDeviceListRoundTrip(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ids, err := s.GetDeviceIDs("alice")
		if err != nil {
			t.Fatal(err)
		}
		if len(ids) != 0 {
			t.Fatalf("unknown recipient has devices %v", ids)
		}

		if err := s.SetDeviceIDs("alice", []int{1, 3}); err != nil {
			t.Fatal(err)
		}
		ids, err = s.GetDeviceIDs("alice")
		if err != nil {
			t.Fatal(err)
		}
		if len(ids) != 2 || ids[0] != 1 || ids[1] != 3 {
			t.Errorf("got %v, want [1 3]", ids)
		}
	})
}

func TestSealedEnvelopeWrapsCiphertext(t *testing.T) {
	s := NewMemoryStore()
	if err := s.ProcessPreKeyBundle("alice", testBundle(1, 42, 0x01)); err != nil {
		t.Fatal(err)
	}

	cert := []byte("sender-cert")
	sealed, err := s.EncryptSealed("alice", 1, []byte("hello"), cert)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Contains(sealed, cert) {
		t.Error("sealed envelope does not carry the sender certificate")
	}
}

func TestDeriveAccessKey(t *testing.T) {
	profileKey := bytes.Repeat([]byte{0x07}, 32)

	key1, err := DeriveAccessKey(profileKey)
	if err != nil {
		t.Fatal(err)
	}
	if len(key1) != 16 {
		t.Fatalf("access key length %d, want 16", len(key1))
	}

	key2, err := DeriveAccessKey(profileKey)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(key1, key2) {
		t.Error("derivation not deterministic")
	}

	if _, err := DeriveAccessKey([]byte("short")); err == nil {
		t.Error("short profile key accepted")
	}
}

func TestSQLiteContacts(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "sessions.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	got, err := s.GetContact("alice")
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Fatal("unknown contact not nil")
	}

	c := &Contact{ServiceID: "alice", Number: "+3161234", Name: "Alice", ProfileKey: bytes.Repeat([]byte{1}, 32)}
	if err := s.SaveContact(c); err != nil {
		t.Fatal(err)
	}
	got, err = s.GetContact("alice")
	if err != nil {
		t.Fatal(err)
	}
	if got.Name != "Alice" || !bytes.Equal(got.ProfileKey, c.ProfileKey) {
		t.Errorf("contact round trip mismatch: %+v", got)
	}
}
