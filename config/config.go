/*************************************************************************
 * Copyright 2022 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package config loads and watches the daemon configuration file. The file
// is INI-style and carries a single [Global] section; a live reload swaps a
// complete immutable snapshot so a decision in flight never sees a half
// applied config.
package config

import (
	"errors"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

const (
	ModeMonitor  = `monitor`
	ModeLockdown = `lockdown`

	defaultKernelDevice  = `/dev/santa`
	defaultRuleDb        = `/var/db/santa/rules.db`
	defaultEventDb       = `/var/db/santa/events.db`
	defaultControlSocket = `/var/run/santa.sock`
	defaultNotifySocket  = `/var/run/santa_gui.sock`
	defaultDecisionLog   = `/var/log/santa.log`
	defaultEventLog      = `/var/log/santa.log`
	defaultSantactl      = `/usr/sbin/santactl`
	defaultLogLevel      = `INFO`
)

var (
	ErrInvalidClientMode = errors.New("Client-Mode must be monitor or lockdown")
	ErrInvalidLogLevel   = errors.New("invalid Log-Level")
)

type global struct {
	Client_Mode          string
	File_Changes_Regex   string
	Whitelist_Path_Regex string
	Log_All_Events       bool
	Sync_Base_URL        string
	Sync_Back_Off        bool

	Log_File  string
	Log_Level string

	Rule_Db        string
	Event_Db       string
	Control_Socket string
	Notify_Socket  string
	Kernel_Device  string
	Decision_Log   string
	Event_Log      string
	Santactl_Path  string

	Daemon_UUID   string
	Machine_Owner string

	//override the self-protection certificate identities when the platform
	//signature service cannot report them
	Self_Cert_Sha256 string
	Init_Cert_Sha256 string
}

type cfgReadType struct {
	Global global
}

// Config is one immutable snapshot of the daemon configuration.
type Config struct {
	global
	fileChanges    *regexp.Regexp
	whitelistPaths *regexp.Regexp
}

// GetConfig loads and verifies the configuration at path.
func GetConfig(path string) (*Config, error) {
	var cr cfgReadType
	if err := LoadConfigFile(&cr, path); err != nil {
		return nil, err
	}
	c := &Config{global: cr.Global}
	if err := c.verify(); err != nil {
		return nil, err
	}
	return c, nil
}

// FromBytes parses and verifies a configuration held in memory.
func FromBytes(b []byte) (*Config, error) {
	var cr cfgReadType
	if err := LoadConfigBytes(&cr, b); err != nil {
		return nil, err
	}
	c := &Config{global: cr.Global}
	if err := c.verify(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) verify() error {
	if c.Client_Mode = strings.ToLower(strings.TrimSpace(c.Client_Mode)); c.Client_Mode == `` {
		c.Client_Mode = ModeMonitor
	}
	if c.Client_Mode != ModeMonitor && c.Client_Mode != ModeLockdown {
		return ErrInvalidClientMode
	}
	if c.Log_Level = strings.ToUpper(strings.TrimSpace(c.Log_Level)); c.Log_Level == `` {
		c.Log_Level = defaultLogLevel
	}
	switch c.Log_Level {
	case `OFF`, `DEBUG`, `INFO`, `WARN`, `ERROR`, `CRITICAL`:
	default:
		return ErrInvalidLogLevel
	}
	if c.Kernel_Device == `` {
		c.Kernel_Device = defaultKernelDevice
	}
	if c.Rule_Db == `` {
		c.Rule_Db = defaultRuleDb
	}
	if c.Event_Db == `` {
		c.Event_Db = defaultEventDb
	}
	if c.Control_Socket == `` {
		c.Control_Socket = defaultControlSocket
	}
	if c.Notify_Socket == `` {
		c.Notify_Socket = defaultNotifySocket
	}
	if c.Decision_Log == `` {
		c.Decision_Log = defaultDecisionLog
	}
	if c.Event_Log == `` {
		c.Event_Log = defaultEventLog
	}
	if c.Santactl_Path == `` {
		c.Santactl_Path = defaultSantactl
	}
	var err error
	if c.File_Changes_Regex != `` {
		if c.fileChanges, err = regexp.Compile(c.File_Changes_Regex); err != nil {
			return err
		}
	}
	if c.Whitelist_Path_Regex != `` {
		if c.whitelistPaths, err = regexp.Compile(c.Whitelist_Path_Regex); err != nil {
			return err
		}
	}
	return nil
}

// Lockdown reports whether unmatched executions default to deny.
func (c *Config) Lockdown() bool {
	return c.Client_Mode == ModeLockdown
}

// FileChangesRegex returns the compiled filesystem-mutation filter, nil when
// file-change logging is disabled.
func (c *Config) FileChangesRegex() *regexp.Regexp {
	return c.fileChanges
}

// WhitelistPathRegex returns the compiled path exemption filter, nil when
// no exemption is configured.
func (c *Config) WhitelistPathRegex() *regexp.Regexp {
	return c.whitelistPaths
}

// LogAllEvents reports whether every decision is persisted, not just blocks.
func (c *Config) LogAllEvents() bool {
	return c.Log_All_Events
}

// SyncBaseURL returns the sync server base URL, empty when sync is off.
func (c *Config) SyncBaseURL() string {
	return strings.TrimSpace(c.Sync_Base_URL)
}

// SyncBackOff reports whether the sync server has asked us to back off.
func (c *Config) SyncBackOff() bool {
	return c.Sync_Back_Off
}

// MachineOwner returns the configured owner reported with uploaded events.
func (c *Config) MachineOwner() string {
	return c.Machine_Owner
}

// SelfCertOverride returns the configured daemon signing cert hash.
func (c *Config) SelfCertOverride() string {
	return strings.ToLower(strings.TrimSpace(c.Self_Cert_Sha256))
}

// InitCertOverride returns the configured init process signing cert hash.
func (c *Config) InitCertOverride() string {
	return strings.ToLower(strings.TrimSpace(c.Init_Cert_Sha256))
}

func zeroUUID(id uuid.UUID) bool {
	for _, v := range id {
		if v != 0 {
			return false
		}
	}
	return true
}

// DaemonUUID returns the daemon identity, ok=false when unset or invalid.
func (c *Config) DaemonUUID() (id uuid.UUID, ok bool) {
	if c.Daemon_UUID == `` {
		return
	}
	var err error
	if id, err = uuid.Parse(c.Daemon_UUID); err == nil {
		ok = true
	}
	if zeroUUID(id) {
		ok = false
	}
	return
}
