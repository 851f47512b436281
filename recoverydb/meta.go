package recoverydb

import (
	"errors"

	"github.com/lightningnetwork/lnd/kvdb"
)

var (
	// metaBucket stores all the meta information concerning the state of
	// the database.
	metaBucket = []byte("metadata")

	// dbVersionKey is the key of the current schema version.
	dbVersionKey = []byte("dbv")

	// ErrDBReversion is returned when we detect a database version that is
	// higher than our latest known version.
	ErrDBReversion = errors.New("database version is higher than latest " +
		"known version")

	// ErrMetaNotFound is returned when meta bucket hasn't been created.
	ErrMetaNotFound = errors.New("unable to locate meta information")
)

// migration mutates an outdated schema into the next version.
type migration func(tx kvdb.RwTx) error

// version pairs a schema version with the migration producing it.
type version struct {
	number    uint32
	migration migration
}

// dbVersions lists every schema version in order. The first entry is the
// base schema created by New.
var dbVersions = []version{
	{
		number:    0,
		migration: nil,
	},
}

// latestVersion returns the last known database version.
func latestVersion(versions []version) uint32 {
	return versions[len(versions)-1].number
}

// Meta holds the database meta information.
type Meta struct {
	// DbVersionNumber is the current schema version of the database.
	DbVersionNumber uint32
}

// FetchMeta returns the stored meta information.
func (d *DB) FetchMeta() (*Meta, error) {
	var meta *Meta
	err := kvdb.View(d.db, func(tx kvdb.RTx) error {
		bucket := tx.ReadBucket(metaBucket)
		if bucket == nil {
			return ErrMetaNotFound
		}

		data := bucket.Get(dbVersionKey)
		if data == nil {
			return ErrMetaNotFound
		}
		meta.DbVersionNumber = byteOrder.Uint32(data)

		return nil
	}, func() {
		meta = &Meta{}
	})
	if err != nil {
		return nil, err
	}

	return meta, nil
}

// syncVersions applies every migration newer than the stored version and
// refuses to open a database written by a newer release.
func (d *DB) syncVersions(versions []version) error {
	var (
		current uint32
		fresh   bool
	)
	meta, err := d.FetchMeta()
	switch {
	case errors.Is(err, ErrMetaNotFound):
		fresh = true

	case err != nil:
		return err

	default:
		current = meta.DbVersionNumber
	}

	latest := latestVersion(versions)
	log.Debugf("Checking for schema update: latest_version=%v, "+
		"db_version=%v", latest, current)

	switch {
	case current > latest:
		log.Errorf("Refusing to revert from db_version=%d to "+
			"lower version=%d", current, latest)

		return ErrDBReversion

	case current == latest && !fresh:
		return nil
	}

	return kvdb.Update(d.db, func(tx kvdb.RwTx) error {
		for _, v := range versions {
			if v.number <= current || v.migration == nil {
				continue
			}

			log.Infof("Applying migration #%v", v.number)

			if err := v.migration(tx); err != nil {
				return err
			}
		}

		bucket, err := tx.CreateTopLevelBucket(metaBucket)
		if err != nil {
			return err
		}

		var b [4]byte
		byteOrder.PutUint32(b[:], latest)

		return bucket.Put(dbVersionKey, b[:])
	}, func() {})
}
