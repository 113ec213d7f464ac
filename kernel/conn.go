/*************************************************************************
 * Copyright 2022 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package kernel

import (
	"io"
	"os"
	"sync"

	"golang.org/x/sys/unix"
)

const (
	// DefaultDevice is the character device exposed by the authorization hook.
	DefaultDevice = `/dev/santa`

	ioctlClearCache = 0x53410001
	ioctlCacheCount = 0x53410002
)

// Conn is the capability handed to the dispatcher and the policy engine.
// Recv blocks until a record arrives. PostVerdict may be called from any
// goroutine in any order; the kernel keys pending authorizations by vnode
// id, not by arrival order.
type Conn interface {
	Recv() (Message, error)
	PostVerdict(vnodeID uint64, allow bool) error
	ClearCache() error
	CacheCount() (uint64, error)
	Close() error
}

// DevConn is a Conn over the kernel character device.
type DevConn struct {
	mtx  sync.Mutex //serializes writes only, reads have a single owner
	fio  *os.File
	rbuf [MessageSize]byte
}

// Open connects to the kernel authorization endpoint. A missing device is
// returned as ErrDeviceAbsent so the caller can treat it as fatal.
func Open(device string) (*DevConn, error) {
	if device == `` {
		device = DefaultDevice
	}
	fio, err := os.OpenFile(device, os.O_RDWR, 0)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrDeviceAbsent
		}
		return nil, err
	}
	return &DevConn{fio: fio}, nil
}

// Recv blocks until the next full record is read off the device.
func (c *DevConn) Recv() (m Message, err error) {
	if _, err = io.ReadFull(c.fio, c.rbuf[:]); err != nil {
		return
	}
	err = m.Decode(c.rbuf[:])
	return
}

// PostVerdict posts an allow or deny response for the given vnode id.
func (c *DevConn) PostVerdict(vnodeID uint64, allow bool) error {
	m := Message{
		Action:  RespondDeny,
		VnodeID: vnodeID,
	}
	if allow {
		m.Action = RespondAllow
	}
	var b [MessageSize]byte
	if err := m.Encode(b[:]); err != nil {
		return err
	}
	c.mtx.Lock()
	_, err := c.fio.Write(b[:])
	c.mtx.Unlock()
	return err
}

// ClearCache drops the kernel's internal decision cache.
func (c *DevConn) ClearCache() error {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return unix.IoctlSetInt(int(c.fio.Fd()), ioctlClearCache, 0)
}

// CacheCount returns the number of entries in the kernel decision cache.
func (c *DevConn) CacheCount() (uint64, error) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	v, err := unix.IoctlGetInt(int(c.fio.Fd()), ioctlCacheCount)
	if err != nil {
		return 0, err
	}
	return uint64(v), nil
}

func (c *DevConn) Close() error {
	return c.fio.Close()
}
