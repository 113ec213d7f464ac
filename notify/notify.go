/*************************************************************************
 * Copyright 2022 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package notify carries user-visible block notifications to the GUI agent.
// The send path is fire and forget: a hung or absent GUI must never stall a
// decision, so messages are queued on a bounded channel and dropped when the
// queue is full or the socket is dead.
package notify

import (
	"encoding/json"
	"net"
	"sync"
	"time"

	"github.com/qinyuhang/santa/log"
)

const (
	queueDepth  = 128
	dialTimeout = 250 * time.Millisecond
	sendTimeout = time.Second
)

// BlockNotification is what the GUI agent renders when an execution is
// denied.
type BlockNotification struct {
	Path          string `json:"path"`
	SHA256        string `json:"sha256"`
	CustomMessage string `json:"custom_message,omitempty"`
	BundleName    string `json:"bundle_name,omitempty"`
}

// Notifier is the capability handed to the policy engine.
type Notifier interface {
	Post(n BlockNotification)
}

// SocketNotifier ships notifications as JSON lines over a unix socket.
type SocketNotifier struct {
	path string
	lg   *log.Logger
	ch   chan BlockNotification
	done chan struct{}
	wg   sync.WaitGroup

	mtx     sync.Mutex
	dropped uint64
}

// NewSocketNotifier starts the sender routine against the GUI agent socket.
// The socket does not need to exist yet; connection is lazy.
func NewSocketNotifier(path string, lg *log.Logger) *SocketNotifier {
	if lg == nil {
		lg = log.NewDiscardLogger()
	}
	sn := &SocketNotifier{
		path: path,
		lg:   lg,
		ch:   make(chan BlockNotification, queueDepth),
		done: make(chan struct{}),
	}
	sn.wg.Add(1)
	go sn.sendRoutine()
	return sn
}

// Post enqueues a notification and returns immediately. Notifications are
// dropped when the queue is full.
func (sn *SocketNotifier) Post(n BlockNotification) {
	select {
	case sn.ch <- n:
	default:
		sn.mtx.Lock()
		sn.dropped++
		sn.mtx.Unlock()
	}
}

// Dropped returns the number of notifications discarded so far.
func (sn *SocketNotifier) Dropped() uint64 {
	sn.mtx.Lock()
	defer sn.mtx.Unlock()
	return sn.dropped
}

func (sn *SocketNotifier) Close() error {
	close(sn.done)
	sn.wg.Wait()
	return nil
}

func (sn *SocketNotifier) sendRoutine() {
	defer sn.wg.Done()
	var conn net.Conn
	defer func() {
		if conn != nil {
			conn.Close()
		}
	}()
	for {
		select {
		case <-sn.done:
			return
		case n := <-sn.ch:
			if conn == nil {
				var err error
				if conn, err = net.DialTimeout(`unix`, sn.path, dialTimeout); err != nil {
					//GUI is not home, drop it on the floor
					continue
				}
			}
			b, err := json.Marshal(n)
			if err != nil {
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(sendTimeout))
			if _, err = conn.Write(append(b, '\n')); err != nil {
				conn.Close()
				conn = nil
			}
		}
	}
}
