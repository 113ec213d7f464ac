/*************************************************************************
 * Copyright 2022 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
)

const testConfig = `
[Global]
	Client-Mode=lockdown
	File-Changes-Regex=^/etc/
	Whitelist-Path-Regex=^/opt/ok/.*
	Log-All-Events=true
	Sync-Base-URL=https://sync.example.com/
	Log-Level=debug
	Machine-Owner=alice
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), `santad.conf`)
	if err := os.WriteFile(p, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestGetConfig(t *testing.T) {
	c, err := GetConfig(writeConfig(t, testConfig))
	if err != nil {
		t.Fatal(err)
	}
	if !c.Lockdown() {
		t.Fatal("lockdown mode not detected")
	}
	if !c.LogAllEvents() {
		t.Fatal("log all events not set")
	}
	if c.SyncBaseURL() != `https://sync.example.com/` {
		t.Fatalf("sync url = %q", c.SyncBaseURL())
	}
	if c.MachineOwner() != `alice` {
		t.Fatalf("owner = %q", c.MachineOwner())
	}
	if rx := c.FileChangesRegex(); rx == nil || !rx.MatchString(`/etc/passwd`) {
		t.Fatal("file changes regex wrong")
	}
	if rx := c.WhitelistPathRegex(); rx == nil || !rx.MatchString(`/opt/ok/app`) || rx.MatchString(`/usr/bin/true`) {
		t.Fatal("whitelist regex wrong")
	}
	if c.Log_Level != `DEBUG` {
		t.Fatalf("log level = %q", c.Log_Level)
	}
}

func TestDefaults(t *testing.T) {
	c, err := GetConfig(writeConfig(t, "[Global]\n"))
	if err != nil {
		t.Fatal(err)
	}
	if c.Lockdown() {
		t.Fatal("default mode must be monitor")
	}
	if c.Kernel_Device != defaultKernelDevice || c.Rule_Db != defaultRuleDb {
		t.Fatalf("defaults not applied: %+v", c.global)
	}
	if c.FileChangesRegex() != nil || c.WhitelistPathRegex() != nil {
		t.Fatal("regexes should be nil when unset")
	}
	if _, ok := c.DaemonUUID(); ok {
		t.Fatal("unset UUID reported as valid")
	}
}

func TestBadConfigs(t *testing.T) {
	if _, err := GetConfig(writeConfig(t, "[Global]\n\tClient-Mode=sideways\n")); err != ErrInvalidClientMode {
		t.Fatalf("expected ErrInvalidClientMode, got %v", err)
	}
	if _, err := GetConfig(writeConfig(t, "[Global]\n\tWhitelist-Path-Regex=([\n")); err == nil {
		t.Fatal("bad regex accepted")
	}
	if _, err := GetConfig(writeConfig(t, "[Global]\n\tLog-Level=shouty\n")); err != ErrInvalidLogLevel {
		t.Fatalf("expected ErrInvalidLogLevel, got %v", err)
	}
}

func TestSetDaemonUUID(t *testing.T) {
	p := writeConfig(t, testConfig)
	c, err := GetConfig(p)
	if err != nil {
		t.Fatal(err)
	}
	id := uuid.New()
	if err = c.SetDaemonUUID(id, p); err != nil {
		t.Fatal(err)
	}
	if got, ok := c.DaemonUUID(); !ok || got != id {
		t.Fatalf("uuid not set in snapshot: %v %v", got, ok)
	}
	//must survive a reload from disk
	c2, err := GetConfig(p)
	if err != nil {
		t.Fatal(err)
	}
	if got, ok := c2.DaemonUUID(); !ok || got != id {
		t.Fatalf("uuid not persisted: %v %v", got, ok)
	}
	//setting again must update, not duplicate
	id2 := uuid.New()
	if err = c2.SetDaemonUUID(id2, p); err != nil {
		t.Fatal(err)
	}
	c3, err := GetConfig(p)
	if err != nil {
		t.Fatal(err)
	}
	if got, ok := c3.DaemonUUID(); !ok || got != id2 {
		t.Fatalf("uuid not updated: %v %v", got, ok)
	}
}

func TestProviderReload(t *testing.T) {
	p := writeConfig(t, "[Global]\n\tClient-Mode=monitor\n")
	prov, err := NewProvider(p, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer prov.Close()
	if prov.Get().Lockdown() {
		t.Fatal("initial mode wrong")
	}
	if err = os.WriteFile(p, []byte("[Global]\n\tClient-Mode=lockdown\n"), 0644); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for !prov.Get().Lockdown() {
		if time.Now().After(deadline) {
			t.Fatal("reload never happened")
		}
		time.Sleep(10 * time.Millisecond)
	}
	//a broken rewrite keeps the last good snapshot
	if err = os.WriteFile(p, []byte("[Global]\n\tClient-Mode=garbage\n"), 0644); err != nil {
		t.Fatal(err)
	}
	time.Sleep(250 * time.Millisecond)
	if !prov.Get().Lockdown() {
		t.Fatal("bad reload clobbered the snapshot")
	}
}
