/*************************************************************************
 * Copyright 2022 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package rules

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"os"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/qinyuhang/santa/log"
)

var (
	bucketBinary      = []byte(`binary`)
	bucketCertificate = []byte(`certificate`)
)

// Store is the durable rule store. All mutations are serializable; a lookup
// racing an Add either sees the update or does not, never a torn read.
type Store struct {
	db *bolt.DB
	lg *log.Logger

	//certificate hashes that must stay whitelisted while the daemon runs
	selfCert string
	initCert string
}

// Open opens (or creates) the rule store at path. A corrupt backing file is
// moved aside and the store rebuilt so a bad file never keeps the daemon
// from starting.
func Open(path string, selfCert, initCert string, lg *log.Logger) (*Store, error) {
	if lg == nil {
		lg = log.NewDiscardLogger()
	}
	db, err := openOrRebuild(path, lg)
	if err != nil {
		return nil, err
	}
	if err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketBinary); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(bucketCertificate)
		return err
	}); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{
		db:       db,
		lg:       lg,
		selfCert: selfCert,
		initCert: initCert,
	}, nil
}

func openOrRebuild(path string, lg *log.Logger) (*bolt.DB, error) {
	opts := &bolt.Options{Timeout: time.Second}
	db, err := bolt.Open(path, 0600, opts)
	if err == nil {
		return db, nil
	}
	//the backing file is unusable, move it aside and start fresh
	aside := path + `.corrupt`
	if lerr := os.Rename(path, aside); lerr != nil {
		return nil, fmt.Errorf("rule store unusable and could not be moved aside: %w", err)
	}
	lg.Error("rule store was corrupt, rebuilt", log.KV("path", path), log.KV("saved", aside), log.KVErr(err))
	return bolt.Open(path, 0600, opts)
}

func (s *Store) Close() error {
	return s.db.Close()
}

func bucketFor(tx *bolt.Tx, k Kind) *bolt.Bucket {
	if k == Binary {
		return tx.Bucket(bucketBinary)
	}
	return tx.Bucket(bucketCertificate)
}

// BinaryRule returns the binary rule for the given file hash, nil if absent.
func (s *Store) BinaryRule(hash string) (*Rule, error) {
	return s.lookup(Binary, hash)
}

// CertificateRule returns the certificate rule for the given leaf hash,
// nil if absent.
func (s *Store) CertificateRule(hash string) (*Rule, error) {
	return s.lookup(Certificate, hash)
}

func (s *Store) lookup(k Kind, hash string) (r *Rule, err error) {
	if !ValidHash(hash) {
		return nil, ErrInvalidHash
	}
	err = s.db.View(func(tx *bolt.Tx) error {
		v := bucketFor(tx, k).Get([]byte(hash))
		if v == nil {
			return nil
		}
		var rr Rule
		if err := gob.NewDecoder(bytes.NewReader(v)).Decode(&rr); err != nil {
			return err
		}
		r = &rr
		return nil
	})
	return
}

// protected reports whether the rule would remove or degrade one of the
// self-protection certificate whitelist entries.
func (s *Store) protected(r Rule) bool {
	if r.Kind != Certificate || r.State == Whitelist {
		return false
	}
	return r.Hash == s.selfCert || r.Hash == s.initCert
}

// Add applies a rule set. With cleanSlate set, every existing rule is
// atomically replaced by the input, which must contain whitelist
// certificate rules for both protected certificates; otherwise rules are
// upserted and a rule in state remove deletes the matching (kind, hash).
// Failures leave the store untouched.
func (s *Store) Add(rs []Rule, cleanSlate bool) error {
	if len(rs) == 0 {
		return ErrEmptyRuleSet
	}
	var haveSelf, haveInit bool
	for _, r := range rs {
		if err := r.Validate(); err != nil {
			return err
		}
		if s.protected(r) {
			return ErrProtectedRule
		}
		if r.Kind == Certificate && r.State == Whitelist {
			if r.Hash == s.selfCert {
				haveSelf = true
			}
			if r.Hash == s.initCert {
				haveInit = true
			}
		}
	}
	if cleanSlate && (!haveSelf || !haveInit) {
		return ErrMissingSelfCerts
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		if cleanSlate {
			if err := tx.DeleteBucket(bucketBinary); err != nil {
				return err
			}
			if err := tx.DeleteBucket(bucketCertificate); err != nil {
				return err
			}
			if _, err := tx.CreateBucket(bucketBinary); err != nil {
				return err
			}
			if _, err := tx.CreateBucket(bucketCertificate); err != nil {
				return err
			}
		}
		for _, r := range rs {
			bkt := bucketFor(tx, r.Kind)
			if r.State == Remove {
				if err := bkt.Delete([]byte(r.Hash)); err != nil {
					return err
				}
				continue
			}
			bb := bytes.NewBuffer(nil)
			if err := gob.NewEncoder(bb).Encode(r); err != nil {
				return err
			}
			if err := bkt.Put([]byte(r.Hash), bb.Bytes()); err != nil {
				return err
			}
		}
		return nil
	})
}

// RuleCount returns the total number of stored rules.
func (s *Store) RuleCount() (n uint64, err error) {
	var b, c uint64
	if b, err = s.BinaryRuleCount(); err != nil {
		return
	}
	if c, err = s.CertificateRuleCount(); err != nil {
		return
	}
	n = b + c
	return
}

// BinaryRuleCount returns the number of binary rules.
func (s *Store) BinaryRuleCount() (uint64, error) {
	return s.count(Binary)
}

// CertificateRuleCount returns the number of certificate rules.
func (s *Store) CertificateRuleCount() (uint64, error) {
	return s.count(Certificate)
}

func (s *Store) count(k Kind) (n uint64, err error) {
	err = s.db.View(func(tx *bolt.Tx) error {
		n = uint64(bucketFor(tx, k).Stats().KeyN)
		return nil
	})
	return
}
