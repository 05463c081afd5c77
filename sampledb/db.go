// Nightguard
// Copyright (c) 2016, 2025, DCSO GmbH

// Package sampledb persists verdicts and quarantine records in a bolt
// database.
package sampledb

import (
	"encoding/json"
	"errors"
	"path/filepath"
	"sort"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"
)

const (
	verdictBucket    = "SAMPLES"
	quarantineBucket = "QUARANTINE"

	// DatabaseName is the file name of the database file.
	DatabaseName = "samples.db"
)

// ErrNotFound is returned when a key is not present.
var ErrNotFound = errors.New("not found")

// DB wraps a bolt database holding the verdict cache and the quarantine
// index.
type DB struct {
	bdb *bolt.DB
}

// Open opens (or creates) the database file inside dataPath.
func Open(dataPath string) (*DB, error) {
	bdb, err := bolt.Open(filepath.Join(dataPath, DatabaseName), 0600,
		&bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, err
	}
	err = bdb.Update(func(tx *bolt.Tx) error {
		for _, b := range []string{verdictBucket, quarantineBucket} {
			if _, err := tx.CreateBucketIfNotExists([]byte(b)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		bdb.Close()
		return nil, err
	}
	log.Debug("database initialized: ", bdb.Path())
	return &DB{bdb: bdb}, nil
}

// Path returns the location of the database file.
func (db *DB) Path() string {
	return db.bdb.Path()
}

// Close should be called before the program terminates.
func (db *DB) Close() error {
	return db.bdb.Close()
}

func (db *DB) put(bucket string, key string, v interface{}) error {
	encoded, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return db.bdb.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucket)).Put([]byte(key), encoded)
	})
}

// putBatched coalesces concurrent writers into one transaction.
func (db *DB) putBatched(bucket string, key string, v interface{}) error {
	encoded, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return db.bdb.Batch(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucket)).Put([]byte(key), encoded)
	})
}

func (db *DB) get(bucket string, key string, v interface{}) error {
	var data []byte
	err := db.bdb.View(func(tx *bolt.Tx) error {
		if raw := tx.Bucket([]byte(bucket)).Get([]byte(key)); raw != nil {
			data = append(data, raw...)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if len(data) == 0 {
		return ErrNotFound
	}
	return json.Unmarshal(data, v)
}

// VerdictKey identifies a cached verdict by content and lower-cased file
// extension, as plugin findings may depend on the file name.
func VerdictKey(sha512, filename string) string {
	return sha512 + "|" + strings.ToLower(filepath.Ext(filename))
}

// PutVerdict stores a verdict keyed by VerdictKey. Writes from concurrent
// scan workers are batched.
func (db *DB) PutVerdict(fv FileVerdict) error {
	if fv.Hashes.Sha512 == "" {
		return errors.New("verdict without sha512")
	}
	key := VerdictKey(fv.Hashes.Sha512, fv.Filename)
	err := db.putBatched(verdictBucket, key, fv)
	if err == nil {
		log.Debug("stored verdict for ", key)
	}
	return err
}

// GetVerdict returns the cached verdict for content with the given sha512
// hash seen under a name like filename, or ErrNotFound.
func (db *DB) GetVerdict(sha512, filename string) (FileVerdict, error) {
	var fv FileVerdict
	err := db.get(verdictBucket, VerdictKey(sha512, filename), &fv)
	return fv, err
}

// PutQuarantineEntry adds an entry to the quarantine index, keyed by the
// name of the quarantined file.
func (db *DB) PutQuarantineEntry(e QuarantineEntry) error {
	return db.put(quarantineBucket, e.Name(), e)
}

// GetQuarantineEntry looks up an entry by quarantined file name.
func (db *DB) GetQuarantineEntry(name string) (QuarantineEntry, error) {
	var e QuarantineEntry
	err := db.get(quarantineBucket, name, &e)
	return e, err
}

// DeleteQuarantineEntry removes an entry from the index.
func (db *DB) DeleteQuarantineEntry(name string) error {
	return db.bdb.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(quarantineBucket)).Delete([]byte(name))
	})
}

// QuarantineEntries returns all indexed entries, oldest first.
func (db *DB) QuarantineEntries() ([]QuarantineEntry, error) {
	var out []QuarantineEntry
	err := db.bdb.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(quarantineBucket)).ForEach(func(k, v []byte) error {
			var e QuarantineEntry
			if err := json.Unmarshal(v, &e); err != nil {
				log.Warnf("corrupt quarantine record %s: %s", k, err)
				return nil
			}
			out = append(out, e)
			return nil
		})
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Time.Before(out[j].Time) })
	return out, err
}

// Reset drops all cached verdicts, keeping the quarantine index.
func (db *DB) Reset() error {
	return db.bdb.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket([]byte(verdictBucket)); err != nil && !errors.Is(err, bolt.ErrBucketNotFound) {
			return err
		}
		_, err := tx.CreateBucket([]byte(verdictBucket))
		return err
	})
}
