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
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/qinyuhang/santa/log"
)

// Source hands out configuration snapshots. The policy engine reads one
// snapshot per decision through this interface.
type Source interface {
	Get() *Config
}

// Provider watches the config file and swaps in a fresh snapshot whenever
// it changes. Readers always get a complete, verified config; a botched
// edit leaves the last good snapshot in place.
type Provider struct {
	mtx  sync.RWMutex
	path string
	cur  *Config
	lg   *log.Logger
	w    *fsnotify.Watcher
	done chan struct{}
	wg   sync.WaitGroup
}

// NewProvider loads the config at path and begins watching it for changes.
func NewProvider(path string, lg *log.Logger) (*Provider, error) {
	if lg == nil {
		lg = log.NewDiscardLogger()
	}
	cfg, err := GetConfig(path)
	if err != nil {
		return nil, err
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	//watch the directory, editors replace the file rather than write it
	if err = w.Add(filepath.Dir(path)); err != nil {
		w.Close()
		return nil, err
	}
	p := &Provider{
		path: path,
		cur:  cfg,
		lg:   lg,
		w:    w,
		done: make(chan struct{}),
	}
	p.enforceOwnership()
	p.wg.Add(1)
	go p.watchRoutine()
	return p, nil
}

// Get returns the current configuration snapshot.
func (p *Provider) Get() *Config {
	p.mtx.RLock()
	c := p.cur
	p.mtx.RUnlock()
	return c
}

func (p *Provider) Close() error {
	close(p.done)
	err := p.w.Close()
	p.wg.Wait()
	return err
}

func (p *Provider) watchRoutine() {
	defer p.wg.Done()
	for {
		select {
		case <-p.done:
			return
		case evt, ok := <-p.w.Events:
			if !ok {
				return
			}
			if filepath.Clean(evt.Name) != p.path {
				continue
			}
			if evt.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			p.reload()
		case err, ok := <-p.w.Errors:
			if !ok {
				return
			}
			p.lg.Error("config watcher error", log.KVErr(err))
		}
	}
}

func (p *Provider) reload() {
	cfg, err := GetConfig(p.path)
	if err != nil {
		p.lg.Error("config reload failed, keeping last good snapshot",
			log.KV("path", p.path), log.KVErr(err))
		return
	}
	p.mtx.Lock()
	p.cur = cfg
	p.mtx.Unlock()
	p.enforceOwnership()
	p.lg.Info("configuration reloaded", log.KV("path", p.path),
		log.KV("mode", cfg.Client_Mode))
}

// enforceOwnership re-asserts root:wheel 0644 on the config file no matter
// what the writer left behind.
func (p *Provider) enforceOwnership() {
	if err := os.Chown(p.path, 0, 0); err != nil {
		p.lg.Warn("failed to reset config ownership", log.KV("path", p.path), log.KVErr(err))
	}
	if err := os.Chmod(p.path, 0644); err != nil {
		p.lg.Warn("failed to reset config mode", log.KV("path", p.path), log.KVErr(err))
	}
}
