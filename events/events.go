/*************************************************************************
 * Copyright 2022 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package events implements the durable append log of block events. Events
// are written by the policy engine and drained later by the external
// uploader; they are immutable once stored and survive daemon restart.
package events

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"errors"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketEvents = []byte(`events`)

	ErrNilEvent = errors.New("nil event")
)

// CertInfo is one link of the signing chain, leaf first.
type CertInfo struct {
	SHA256     string
	CommonName string
}

// SessionUser is one entry of the logged-in user snapshot taken when the
// event fired.
type SessionUser struct {
	User    string
	Session string
}

// StoredEvent is a single block (or audited allow) record.
type StoredEvent struct {
	ID         string
	FileSHA256 string
	FilePath   string

	BundleID           string
	BundleName         string
	BundleVersion      string
	BundleShortVersion string

	SigningChain []CertInfo

	OccurredAt time.Time
	Decision   string

	PID        int32
	PPID       int32
	ParentName string

	ExecutingUser string
	LoggedInUsers []SessionUser
	MachineOwner  string

	QuarantineDataURL    string
	QuarantineRefererURL string
	QuarantineAgentID    string
	QuarantineTimestamp  time.Time
}

// Store is the append-only event store.
type Store struct {
	db *bolt.DB
}

// Open opens (or creates) the event store at path.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, err
	}
	if err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketEvents)
		return err
	}); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Add appends an event. An empty ID is assigned on the way in; the stored
// record is never modified afterwards.
func (s *Store) Add(ev *StoredEvent) error {
	if ev == nil {
		return ErrNilEvent
	}
	if ev.ID == `` {
		ev.ID = uuid.New().String()
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now()
	}
	bb := bytes.NewBuffer(nil)
	if err := gob.NewEncoder(bb).Encode(ev); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(bucketEvents)
		seq, err := bkt.NextSequence()
		if err != nil {
			return err
		}
		var key [8]byte
		binary.BigEndian.PutUint64(key[:], seq)
		return bkt.Put(key[:], bb.Bytes())
	})
}

// Count returns the number of events awaiting upload.
func (s *Store) Count() (n uint64, err error) {
	err = s.db.View(func(tx *bolt.Tx) error {
		n = uint64(tx.Bucket(bucketEvents).Stats().KeyN)
		return nil
	})
	return
}

// Drain returns up to max of the oldest stored events and deletes them, the
// acknowledgement half of the uploader contract. A max of 0 drains all.
func (s *Store) Drain(max int) (evs []StoredEvent, err error) {
	err = s.db.Update(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketEvents).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var ev StoredEvent
			if err := gob.NewDecoder(bytes.NewReader(v)).Decode(&ev); err != nil {
				return err
			}
			evs = append(evs, ev)
			if err := c.Delete(); err != nil {
				return err
			}
			if max > 0 && len(evs) >= max {
				break
			}
		}
		return nil
	})
	return
}
