/*************************************************************************
 * Copyright 2022 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package dispatch owns the kernel receive loop and the two priority lanes.
// Decisions block process creation in the kernel and get a fresh goroutine
// each; log work is strictly best effort and funnels through a small fixed
// worker pool, so a burst of notifications can never crowd out a verdict.
package dispatch

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/qinyuhang/santa/config"
	"github.com/qinyuhang/santa/kernel"
	"github.com/qinyuhang/santa/log"
)

const (
	lowQueueDepth = 1024
	lowWorkers    = 2

	drainTimeout = time.Second
)

var (
	ErrProtocolDesync = errors.New("unexpected action on the decision channel")
)

// Handler consumes routed kernel messages. The policy engine implements it.
type Handler interface {
	HandleAuthorization(kernel.Message)
	HandleExec(kernel.Message)
	HandleFileChange(kernel.Message)
}

type Dispatcher struct {
	conn   kernel.Conn
	h      Handler
	source config.Source
	lg     *log.Logger

	lowq    chan kernel.Message
	dropped uint64

	decWG sync.WaitGroup
	lowWG sync.WaitGroup
}

func New(conn kernel.Conn, h Handler, source config.Source, lg *log.Logger) *Dispatcher {
	if lg == nil {
		lg = log.NewDiscardLogger()
	}
	return &Dispatcher{
		conn:   conn,
		h:      h,
		source: source,
		lg:     lg,
		lowq:   make(chan kernel.Message, lowQueueDepth),
	}
}

// Run reads kernel messages until shutdown is requested or the transport
// fails. It returns nil on a clean REQUEST_SHUTDOWN; any other exit is a
// fatal condition for the daemon.
func (d *Dispatcher) Run() error {
	for i := 0; i < lowWorkers; i++ {
		d.lowWG.Add(1)
		go d.lowRoutine()
	}
	defer d.shutdown()

	for {
		m, err := d.conn.Recv()
		if err != nil {
			return fmt.Errorf("kernel receive failed: %w", err)
		}
		switch {
		case m.Action == kernel.RequestShutdown:
			d.lg.Info("kernel requested shutdown")
			return nil
		case m.Action.Decision():
			d.decWG.Add(1)
			go func(m kernel.Message) {
				defer d.decWG.Done()
				d.h.HandleAuthorization(m)
			}(m)
		case m.Action == kernel.NotifyExec:
			d.submitLow(m)
		case m.Action.FilesystemNotify():
			if rx := d.source.Get().FileChangesRegex(); rx != nil && rx.MatchString(m.Path) {
				d.submitLow(m)
			}
		default:
			//an unknown action mixed into the decision stream means the
			//wire protocol is desynced and nothing after it can be trusted
			d.lg.Error("unknown kernel action", log.KV("action", int32(m.Action)))
			return ErrProtocolDesync
		}
	}
}

// Dropped returns the number of log-lane messages discarded under pressure.
func (d *Dispatcher) Dropped() uint64 {
	return atomic.LoadUint64(&d.dropped)
}

func (d *Dispatcher) submitLow(m kernel.Message) {
	select {
	case d.lowq <- m:
	default:
		//the log lane is best effort, drop rather than backpressure
		atomic.AddUint64(&d.dropped, 1)
	}
}

func (d *Dispatcher) lowRoutine() {
	defer d.lowWG.Done()
	for m := range d.lowq {
		switch {
		case m.Action == kernel.NotifyExec:
			d.h.HandleExec(m)
		case m.Action.FilesystemNotify():
			d.h.HandleFileChange(m)
		default:
			d.lg.Error("unexpected action on log lane", log.KV("action", int32(m.Action)))
		}
	}
}

// shutdown lets in-flight decisions finish on a best-effort basis, then
// drains the log lane.
func (d *Dispatcher) shutdown() {
	wch := make(chan bool, 1)
	go func() {
		d.decWG.Wait()
		wch <- true
	}()
	select {
	case <-wch:
	case <-time.After(drainTimeout):
		d.lg.Error("timed out waiting for in-flight decisions", log.KV("timeout", drainTimeout))
	}
	close(d.lowq)
	go func() {
		d.lowWG.Wait()
		wch <- true
	}()
	select {
	case <-wch:
	case <-time.After(drainTimeout):
		d.lg.Error("timed out draining log lane", log.KV("timeout", drainTimeout))
	}
}
