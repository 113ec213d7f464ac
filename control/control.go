/*************************************************************************
 * Copyright 2022 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package control exposes the rule-management channel to the admin tool:
// line-delimited JSON requests over a local unix socket. The kernel-verified
// peer credential must be root; anything else is refused at accept time.
package control

import (
	"bufio"
	"encoding/json"
	"errors"
	"net"
	"os"
	"sync"

	"github.com/qinyuhang/santa/kernel"
	"github.com/qinyuhang/santa/log"
	"github.com/qinyuhang/santa/rules"
)

const maxRequestLine = 8 * 1024 * 1024

var (
	ErrNotRoot   = errors.New("caller is not root")
	ErrUnknownOp = errors.New("unknown operation")
)

// Request is one admin-tool operation.
type Request struct {
	Op         string       `json:"op"`
	Rules      []rules.Rule `json:"rules,omitempty"`
	CleanSlate bool         `json:"clean_slate,omitempty"`
	Hash       string       `json:"hash,omitempty"`
}

// Response is the single reply to a Request.
type Response struct {
	OK    bool        `json:"ok"`
	Error string      `json:"error,omitempty"`
	Count uint64      `json:"count,omitempty"`
	Rule  *rules.Rule `json:"rule,omitempty"`
}

// Server owns the control socket.
type Server struct {
	lis   *net.UnixListener
	store *rules.Store
	kconn kernel.Conn
	lg    *log.Logger

	//disabled only under test, the socket mode still gates access
	checkPeer bool

	wg   sync.WaitGroup
	done chan struct{}
}

// NewServer binds the control socket and starts servicing requests. A stale
// socket left by a dead daemon is removed first.
func NewServer(path string, store *rules.Store, kconn kernel.Conn, lg *log.Logger) (*Server, error) {
	if lg == nil {
		lg = log.NewDiscardLogger()
	}
	os.Remove(path)
	addr, err := net.ResolveUnixAddr(`unix`, path)
	if err != nil {
		return nil, err
	}
	lis, err := net.ListenUnix(`unix`, addr)
	if err != nil {
		return nil, err
	}
	if err = os.Chmod(path, 0600); err != nil {
		lis.Close()
		return nil, err
	}
	s := &Server{
		lis:       lis,
		store:     store,
		kconn:     kconn,
		lg:        lg,
		checkPeer: true,
		done:      make(chan struct{}),
	}
	s.wg.Add(1)
	go s.acceptRoutine()
	return s, nil
}

func (s *Server) Close() error {
	close(s.done)
	err := s.lis.Close()
	s.wg.Wait()
	return err
}

func (s *Server) acceptRoutine() {
	defer s.wg.Done()
	for {
		conn, err := s.lis.AcceptUnix()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
			}
			s.lg.Error("control accept failed", log.KVErr(err))
			return
		}
		if s.checkPeer {
			uid, err := peerUID(conn)
			if err != nil || uid != 0 {
				s.lg.Warn("refused non-root control connection", log.KV("uid", uid), log.KVErr(err))
				conn.Close()
				continue
			}
		}
		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn *net.UnixConn) {
	defer s.wg.Done()
	defer conn.Close()
	sc := bufio.NewScanner(conn)
	sc.Buffer(make([]byte, 64*1024), maxRequestLine)
	enc := json.NewEncoder(conn)
	for sc.Scan() {
		var req Request
		if err := json.Unmarshal(sc.Bytes(), &req); err != nil {
			enc.Encode(Response{Error: err.Error()})
			return
		}
		if err := enc.Encode(s.serve(req)); err != nil {
			return
		}
	}
}

func (s *Server) serve(req Request) (resp Response) {
	switch req.Op {
	case `addrules`:
		if err := s.store.Add(req.Rules, req.CleanSlate); err != nil {
			resp.Error = err.Error()
			return
		}
		resp.OK = true
	case `clearcache`:
		if err := s.kconn.ClearCache(); err != nil {
			resp.Error = err.Error()
			return
		}
		resp.OK = true
	case `cachecount`:
		n, err := s.kconn.CacheCount()
		if err != nil {
			resp.Error = err.Error()
			return
		}
		resp.OK = true
		resp.Count = n
	case `fetchbinrule`:
		r, err := s.store.BinaryRule(req.Hash)
		if err != nil {
			resp.Error = err.Error()
			return
		}
		resp.OK = true
		resp.Rule = r
	case `fetchcertrule`:
		r, err := s.store.CertificateRule(req.Hash)
		if err != nil {
			resp.Error = err.Error()
			return
		}
		resp.OK = true
		resp.Rule = r
	default:
		resp.Error = ErrUnknownOp.Error()
	}
	return
}
