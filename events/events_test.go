/*************************************************************************
 * Copyright 2022 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package events

import (
	"fmt"
	"path/filepath"
	"testing"
)

func openTest(t *testing.T) (*Store, string) {
	t.Helper()
	p := filepath.Join(t.TempDir(), `events.db`)
	s, err := Open(p)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s, p
}

func TestAddDrain(t *testing.T) {
	s, _ := openTest(t)
	for i := 0; i < 5; i++ {
		ev := &StoredEvent{
			FileSHA256: fmt.Sprintf("%064d", i),
			FilePath:   fmt.Sprintf("/tmp/f%d", i),
			Decision:   `BLOCK_BINARY`,
			PID:        int32(100 + i),
		}
		if err := s.Add(ev); err != nil {
			t.Fatal(err)
		}
		if ev.ID == `` {
			t.Fatal("event id not assigned")
		}
		if ev.OccurredAt.IsZero() {
			t.Fatal("timestamp not assigned")
		}
	}
	if n, err := s.Count(); err != nil || n != 5 {
		t.Fatalf("count = %d, %v", n, err)
	}
	evs, err := s.Drain(3)
	if err != nil {
		t.Fatal(err)
	}
	if len(evs) != 3 {
		t.Fatalf("drained %d, want 3", len(evs))
	}
	//oldest first
	if evs[0].FilePath != `/tmp/f0` || evs[2].FilePath != `/tmp/f2` {
		t.Fatalf("drain order wrong: %+v", evs)
	}
	if n, _ := s.Count(); n != 2 {
		t.Fatalf("count after drain = %d, want 2", n)
	}
	if evs, err = s.Drain(0); err != nil || len(evs) != 2 {
		t.Fatalf("drain all: %d %v", len(evs), err)
	}
	if n, _ := s.Count(); n != 0 {
		t.Fatalf("store not empty after full drain: %d", n)
	}
}

func TestPersistence(t *testing.T) {
	s, p := openTest(t)
	ev := &StoredEvent{
		FileSHA256: fmt.Sprintf("%064d", 1),
		FilePath:   `/bin/nasty`,
		Decision:   `BLOCK_CERTIFICATE`,
		SigningChain: []CertInfo{
			{SHA256: fmt.Sprintf("%064d", 2), CommonName: `Bad Developer`},
		},
		LoggedInUsers: []SessionUser{{User: `alice`, Session: `console`}},
	}
	if err := s.Add(ev); err != nil {
		t.Fatal(err)
	}
	s.Close()
	s2, err := Open(p)
	if err != nil {
		t.Fatal(err)
	}
	defer s2.Close()
	evs, err := s2.Drain(0)
	if err != nil || len(evs) != 1 {
		t.Fatalf("drain after reopen: %d %v", len(evs), err)
	}
	got := evs[0]
	if got.FilePath != `/bin/nasty` || got.Decision != `BLOCK_CERTIFICATE` {
		t.Fatalf("event mangled: %+v", got)
	}
	if len(got.SigningChain) != 1 || got.SigningChain[0].CommonName != `Bad Developer` {
		t.Fatalf("chain mangled: %+v", got.SigningChain)
	}
	if len(got.LoggedInUsers) != 1 || got.LoggedInUsers[0].User != `alice` {
		t.Fatalf("user snapshot mangled: %+v", got.LoggedInUsers)
	}
}

func TestNilEvent(t *testing.T) {
	s, _ := openTest(t)
	if err := s.Add(nil); err != ErrNilEvent {
		t.Fatalf("expected ErrNilEvent, got %v", err)
	}
}
