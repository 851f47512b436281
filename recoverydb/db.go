// Package recoverydb persists the last known recovery event of each account
// and the progress journal of key rotations.
package recoverydb

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/lightningnetwork/lnd/kvdb"
	"github.com/lightningnetwork/lnrecover/ledger"
)

var (
	// eventBucket maps an account id to the TLV encoded last known
	// recovery event of the account.
	eventBucket = []byte("recovery-events")

	// journalBucket holds one sub-bucket per recovery event id. Each
	// sub-bucket maps a rotation step name to the time it completed.
	journalBucket = []byte("rotation-journal")

	// byteOrder is the byte order used for serializing integers to the
	// database.
	byteOrder = binary.BigEndian

	// ErrNotInitialized is returned when a top level bucket is missing.
	ErrNotInitialized = errors.New("recovery db not initialized")
)

// DB is a kvdb backed store for the recovery coordinator.
type DB struct {
	db kvdb.Backend
}

// Open opens or creates a bolt database at the given location.
func Open(dbPath, fileName string, timeout time.Duration) (*DB, error) {
	backend, err := kvdb.GetBoltBackend(&kvdb.BoltBackendConfig{
		DBPath:         dbPath,
		DBFileName:     fileName,
		NoFreelistSync: true,
		DBTimeout:      timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("unable to open recovery db: %w", err)
	}

	db, err := New(backend)
	if err != nil {
		backend.Close()
		return nil, err
	}

	return db, nil
}

// New wraps an existing backend, creating the top level buckets and applying
// any pending schema migrations.
func New(backend kvdb.Backend) (*DB, error) {
	d := &DB{db: backend}

	err := kvdb.Update(backend, func(tx kvdb.RwTx) error {
		for _, bucket := range [][]byte{eventBucket, journalBucket} {
			if _, err := tx.CreateTopLevelBucket(bucket); err != nil {
				return err
			}
		}

		return nil
	}, func() {})
	if err != nil {
		return nil, fmt.Errorf("unable to create buckets: %w", err)
	}

	if err := d.syncVersions(dbVersions); err != nil {
		return nil, err
	}

	return d, nil
}

// Close closes the underlying backend.
func (d *DB) Close() error {
	return d.db.Close()
}

// FetchEvent returns the cached recovery event of the account, if any.
func (d *DB) FetchEvent(
	account ledger.AccountID) (fn.Option[ledger.RecoveryEvent], error) {

	var event *ledger.RecoveryEvent
	err := kvdb.View(d.db, func(tx kvdb.RTx) error {
		events := tx.ReadBucket(eventBucket)
		if events == nil {
			return ErrNotInitialized
		}

		raw := events.Get([]byte(account))
		if raw == nil {
			return nil
		}

		var err error
		event, err = deserializeEvent(bytes.NewReader(raw))

		return err
	}, func() {
		event = nil
	})
	if err != nil {
		return fn.None[ledger.RecoveryEvent](), err
	}

	if event == nil {
		return fn.None[ledger.RecoveryEvent](), nil
	}

	return fn.Some(*event), nil
}

// PutEvent replaces the cached event of the event's account.
func (d *DB) PutEvent(event ledger.RecoveryEvent) error {
	raw, err := encodeEvent(&event)
	if err != nil {
		return err
	}

	return kvdb.Update(d.db, func(tx kvdb.RwTx) error {
		events := tx.ReadWriteBucket(eventBucket)
		if events == nil {
			return ErrNotInitialized
		}

		return events.Put([]byte(event.Account), raw)
	}, func() {})
}

// InvalidateEvent drops the cached event of the account. It is not an error
// if nothing is cached.
func (d *DB) InvalidateEvent(account ledger.AccountID) error {
	return kvdb.Update(d.db, func(tx kvdb.RwTx) error {
		events := tx.ReadWriteBucket(eventBucket)
		if events == nil {
			return ErrNotInitialized
		}

		return events.Delete([]byte(account))
	}, func() {})
}

// MarkStep records that the named rotation step of the event completed at
// the given time. Marking a step twice keeps the first timestamp.
func (d *DB) MarkStep(eventID, step string, at time.Time) error {
	return kvdb.Update(d.db, func(tx kvdb.RwTx) error {
		journal := tx.ReadWriteBucket(journalBucket)
		if journal == nil {
			return ErrNotInitialized
		}

		steps, err := journal.CreateBucketIfNotExists([]byte(eventID))
		if err != nil {
			return err
		}

		if steps.Get([]byte(step)) != nil {
			return nil
		}

		var ts [8]byte
		byteOrder.PutUint64(ts[:], uint64(at.UnixNano()))

		log.Debugf("Rotation %v: step %v done", eventID, step)

		return steps.Put([]byte(step), ts[:])
	}, func() {})
}

// CompletedSteps returns the completion time of every journaled step of the
// event.
func (d *DB) CompletedSteps(eventID string) (map[string]time.Time, error) {
	var done map[string]time.Time
	err := kvdb.View(d.db, func(tx kvdb.RTx) error {
		journal := tx.ReadBucket(journalBucket)
		if journal == nil {
			return ErrNotInitialized
		}

		steps := journal.NestedReadBucket([]byte(eventID))
		if steps == nil {
			return nil
		}

		return steps.ForEach(func(k, v []byte) error {
			if len(v) != 8 {
				return fmt.Errorf("corrupt journal entry %x", k)
			}

			done[string(k)] = time.Unix(
				0, int64(byteOrder.Uint64(v)),
			).UTC()

			return nil
		})
	}, func() {
		done = make(map[string]time.Time)
	})
	if err != nil {
		return nil, err
	}

	return done, nil
}

// StepDone returns true if the step of the event was journaled.
func (d *DB) StepDone(eventID, step string) (bool, error) {
	done, err := d.CompletedSteps(eventID)
	if err != nil {
		return false, err
	}

	_, ok := done[step]

	return ok, nil
}

// ClearJournal removes every journaled step of the event.
func (d *DB) ClearJournal(eventID string) error {
	return kvdb.Update(d.db, func(tx kvdb.RwTx) error {
		journal := tx.ReadWriteBucket(journalBucket)
		if journal == nil {
			return ErrNotInitialized
		}

		if journal.NestedReadWriteBucket([]byte(eventID)) == nil {
			return nil
		}

		return journal.DeleteNestedBucket([]byte(eventID))
	}, func() {})
}
