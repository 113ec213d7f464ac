/*************************************************************************
 * Copyright 2022 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package kernel implements the wire protocol spoken with the in-kernel
// authorization hook and the transport used to carry it. Every request from
// the kernel carries a vnode id; every verdict posted back must reference
// that same id. The numeric action values and the record layout are contract
// and cannot change without a matching kernel extension update.
package kernel

import (
	"bytes"
	"encoding/binary"
	"errors"
)

type Action int32

const (
	Unset Action = 0

	RequestCheckBW Action = 10
	RespondAllow   Action = 11
	RespondDeny    Action = 12

	NotifyExec     Action = 20
	NotifyWrite    Action = 21
	NotifyRename   Action = 22
	NotifyLink     Action = 23
	NotifyExchange Action = 24
	NotifyDelete   Action = 25

	RequestShutdown Action = 90
	ActionError     Action = 99
)

// MaxPathLen matches the kernel's MAXPATHLEN.
const MaxPathLen = 1024

// MessageSize is the fixed size of an encoded kernel record:
// action, pad, vnode id, uid, gid, pid, ppid, then two path buffers.
const MessageSize = 4 + 4 + 8 + 4 + 4 + 4 + 4 + MaxPathLen + MaxPathLen

var (
	ErrShortRecord  = errors.New("short kernel record")
	ErrPathTooLong  = errors.New("path exceeds MAXPATHLEN")
	ErrBadAction    = errors.New("unknown kernel action")
	ErrDeviceAbsent = errors.New("kernel authorization endpoint is not present")
)

// Message is one record exchanged with the authorization hook.
type Message struct {
	Action  Action
	VnodeID uint64
	UID     uint32
	GID     uint32
	PID     int32
	PPID    int32
	Path    string
	NewPath string
}

func (a Action) String() string {
	switch a {
	case Unset:
		return `UNSET`
	case RequestCheckBW:
		return `REQUEST_CHECKBW`
	case RespondAllow:
		return `RESPOND_ALLOW`
	case RespondDeny:
		return `RESPOND_DENY`
	case NotifyExec:
		return `EXEC`
	case NotifyWrite:
		return `WRITE`
	case NotifyRename:
		return `RENAME`
	case NotifyLink:
		return `LINK`
	case NotifyExchange:
		return `EXCHANGE`
	case NotifyDelete:
		return `DELETE`
	case RequestShutdown:
		return `REQUEST_SHUTDOWN`
	case ActionError:
		return `ERROR`
	}
	return `UNKNOWN`
}

// Decision returns whether the action is one the decision lane must service.
func (a Action) Decision() bool {
	return a == RequestCheckBW
}

// FilesystemNotify returns whether the action describes a filesystem
// mutation carried on the notification lane.
func (a Action) FilesystemNotify() bool {
	switch a {
	case NotifyWrite, NotifyRename, NotifyLink, NotifyExchange, NotifyDelete:
		return true
	}
	return false
}

// Encode writes the fixed wire layout into b, which must hold MessageSize
// bytes. Paths longer than MAXPATHLEN are refused rather than truncated.
func (m *Message) Encode(b []byte) error {
	if len(b) < MessageSize {
		return ErrShortRecord
	}
	if len(m.Path) >= MaxPathLen || len(m.NewPath) >= MaxPathLen {
		return ErrPathTooLong
	}
	binary.LittleEndian.PutUint32(b[0:], uint32(m.Action))
	binary.LittleEndian.PutUint32(b[4:], 0) //pad
	binary.LittleEndian.PutUint64(b[8:], m.VnodeID)
	binary.LittleEndian.PutUint32(b[16:], m.UID)
	binary.LittleEndian.PutUint32(b[20:], m.GID)
	binary.LittleEndian.PutUint32(b[24:], uint32(m.PID))
	binary.LittleEndian.PutUint32(b[28:], uint32(m.PPID))
	putPath(b[32:32+MaxPathLen], m.Path)
	putPath(b[32+MaxPathLen:], m.NewPath)
	return nil
}

// Decode populates the message from the fixed wire layout in b.
func (m *Message) Decode(b []byte) error {
	if len(b) < MessageSize {
		return ErrShortRecord
	}
	m.Action = Action(binary.LittleEndian.Uint32(b[0:]))
	m.VnodeID = binary.LittleEndian.Uint64(b[8:])
	m.UID = binary.LittleEndian.Uint32(b[16:])
	m.GID = binary.LittleEndian.Uint32(b[20:])
	m.PID = int32(binary.LittleEndian.Uint32(b[24:]))
	m.PPID = int32(binary.LittleEndian.Uint32(b[28:]))
	m.Path = getPath(b[32 : 32+MaxPathLen])
	m.NewPath = getPath(b[32+MaxPathLen : MessageSize])
	return nil
}

func putPath(b []byte, p string) {
	n := copy(b, p)
	for i := n; i < len(b); i++ {
		b[i] = 0
	}
}

func getPath(b []byte) string {
	if idx := bytes.IndexByte(b, 0); idx >= 0 {
		b = b[:idx]
	}
	return string(b)
}
