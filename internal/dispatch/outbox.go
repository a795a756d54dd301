package dispatch

import (
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
	"github.com/fxamacker/cbor/v2"
	"go.uber.org/zap"
)

// SendRecord is the durable trace of one logical send, written after the
// completion resolves. It carries everything a later resend needs: the
// encoded content (attachment pointers included, so bytes are never
// re-uploaded) and the intended-vs-successful recipient delta.
type SendRecord struct {
	ID             string            `cbor:"1,keyasint"`
	Timestamp      uint64            `cbor:"2,keyasint"`
	ConversationID string            `cbor:"3,keyasint,omitempty"`
	Content        []byte            `cbor:"4,keyasint"` // encoded wire.Content
	Intended       []string          `cbor:"5,keyasint"`
	Successful     []string          `cbor:"6,keyasint,omitempty"`
	Unidentified   []string          `cbor:"7,keyasint,omitempty"`
	Errors         map[string]string `cbor:"8,keyasint,omitempty"` // recipient -> error kind
	SyncPending    bool              `cbor:"9,keyasint,omitempty"`
}

// ErrRecordNotFound is returned for unknown send record IDs.
var ErrRecordNotFound = errors.New("dispatch: send record not found")

// Outbox is the badger-backed send record store.
type Outbox struct {
	db  *badger.DB
	log *zap.Logger
}

const recordPrefix = "send/"

// OpenOutbox opens or creates the outbox database at dir.
func OpenOutbox(dir string, log *zap.Logger) (*Outbox, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("dispatch: open outbox: %w", err)
	}
	return &Outbox{db: db, log: log}, nil
}

// Close closes the underlying database.
func (o *Outbox) Close() error {
	return o.db.Close()
}

// Put inserts or replaces a send record.
func (o *Outbox) Put(rec *SendRecord) error {
	blob, err := cbor.Marshal(rec)
	if err != nil {
		return fmt.Errorf("dispatch: encode send record: %w", err)
	}
	err = o.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(recordPrefix+rec.ID), blob)
	})
	if err != nil {
		return fmt.Errorf("dispatch: store send record: %w", err)
	}
	return nil
}

// Get loads a send record by ID.
func (o *Outbox) Get(id string) (*SendRecord, error) {
	var rec SendRecord
	err := o.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(recordPrefix + id))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return ErrRecordNotFound
			}
			return err
		}
		return item.Value(func(val []byte) error {
			return cbor.Unmarshal(val, &rec)
		})
	})
	if err != nil {
		if errors.Is(err, ErrRecordNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("dispatch: load send record: %w", err)
	}
	return &rec, nil
}

// Delete removes a send record. Deleting an unknown ID is not an error.
func (o *Outbox) Delete(id string) error {
	err := o.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(recordPrefix + id))
	})
	if err != nil {
		return fmt.Errorf("dispatch: delete send record: %w", err)
	}
	return nil
}

// PendingSync lists records whose sync mirror has not gone through yet.
func (o *Outbox) PendingSync() ([]*SendRecord, error) {
	var pending []*SendRecord
	err := o.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte(recordPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var rec SendRecord
			err := it.Item().Value(func(val []byte) error {
				return cbor.Unmarshal(val, &rec)
			})
			if err != nil {
				o.log.Warn("skipping undecodable send record", zap.Error(err))
				continue
			}
			if rec.SyncPending {
				pending = append(pending, &rec)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("dispatch: scan outbox: %w", err)
	}
	return pending, nil
}
