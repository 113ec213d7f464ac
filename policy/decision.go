/*************************************************************************
 * Copyright 2022 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package policy implements the decision pipeline: the path from a kernel
// authorization request to a binding allow or deny verdict, plus the log
// lane that annotates execution and filesystem mutation notifications.
package policy

import (
	"crypto/x509"
	"fmt"
	"strings"

	"golang.org/x/sync/singleflight"

	"github.com/qinyuhang/santa/codesign"
	"github.com/qinyuhang/santa/config"
	"github.com/qinyuhang/santa/events"
	"github.com/qinyuhang/santa/fileinfo"
	"github.com/qinyuhang/santa/kernel"
	"github.com/qinyuhang/santa/log"
	"github.com/qinyuhang/santa/notify"
	"github.com/qinyuhang/santa/rules"
)

// installerScratchPrefix is where the package installer stages payloads;
// non Mach-O files under it stay in scope so install scripts get logged.
const installerScratchPrefix = `/private/tmp/PKInstallSandbox.`

// VerdictPoster is the slice of the kernel transport the engine needs.
type VerdictPoster interface {
	PostVerdict(vnodeID uint64, allow bool) error
}

// Params carries the collaborators for a new Engine.
type Params struct {
	Logger   *log.Logger
	Poster   VerdictPoster
	Rules    *rules.Store
	Events   *events.Store
	Probe    codesign.Probe
	Notifier notify.Notifier
	Source   config.Source

	DecisionLog *LineWriter
	EventLog    *LineWriter

	//optional, default to live implementations
	Procs       ProcInfo
	Cache       *DecisionCache
	SpawnUpload func(santactl, sha256 string)
}

// Engine executes the lookup precedence and owns everything that happens
// around a verdict: caching, event persistence, notification, log lines.
type Engine struct {
	lg       *log.Logger
	poster   VerdictPoster
	rules    *rules.Store
	events   *events.Store
	probe    codesign.Probe
	notifier notify.Notifier
	source   config.Source
	procs    ProcInfo
	cache    *DecisionCache

	decisions *LineWriter
	eventLog  *LineWriter

	//collapses concurrent hashing of the same path, a burst of execs of
	//one binary only pays for the file read once
	hashes singleflight.Group

	spawnUpload func(santactl, sha256 string)
}

func NewEngine(p Params) *Engine {
	e := &Engine{
		lg:          p.Logger,
		poster:      p.Poster,
		rules:       p.Rules,
		events:      p.Events,
		probe:       p.Probe,
		notifier:    p.Notifier,
		source:      p.Source,
		procs:       p.Procs,
		cache:       p.Cache,
		decisions:   p.DecisionLog,
		eventLog:    p.EventLog,
		spawnUpload: p.SpawnUpload,
	}
	if e.lg == nil {
		e.lg = log.NewDiscardLogger()
	}
	if e.procs == nil {
		e.procs = HostProcInfo{}
	}
	if e.cache == nil {
		e.cache = NewDecisionCache(0)
	}
	if e.probe == nil {
		e.probe = codesign.NullProbe{}
	}
	if e.spawnUpload == nil {
		e.spawnUpload = func(santactl, sha string) {
			spawnUploadChild(e.lg, santactl, sha)
		}
	}
	return e
}

// Cache exposes the decision cache.
func (e *Engine) Cache() *DecisionCache {
	return e.cache
}

// HandleAuthorization services one REQUEST_CHECKBW. It always posts exactly
// one verdict for the request's vnode id, no matter what goes wrong on the
// way; an uninspectable file is allowed rather than wedging the kernel.
func (e *Engine) HandleAuthorization(m kernel.Message) {
	cfg := e.source.Get()

	//capture the parent name before responding, the parent may be gone
	//the instant the verdict lands
	parentName := e.procs.Name(m.PPID)

	fi, err := fileinfo.NewFileInfo(m.Path)
	if err != nil {
		e.allowUnknown(m, fmt.Sprintf("inspection failed: %v", err))
		return
	}
	defer fi.Close()
	shav, err, _ := e.hashes.Do(fi.Path(), func() (interface{}, error) {
		return fi.SHA256()
	})
	if err != nil {
		e.allowUnknown(m, fmt.Sprintf("hashing failed: %v", err))
		return
	}
	sha := shav.(string)

	chain, _ := e.probe.CertificateChain(fi.Path())
	certSha := codesign.LeafHash(chain)
	certCN := codesign.LeafCommonName(chain)

	var tag, explain string
	var matched *rules.Rule

	//precedence: binary rule, certificate rule, scope, hardening, default
	if r, lerr := e.rules.BinaryRule(sha); lerr != nil {
		e.lg.Error("binary rule lookup failed", log.KV("sha256", sha), log.KVErr(lerr))
	} else if r != nil {
		matched = r
		tag = stateTag(r.State, true, e.lg)
	}
	if matched == nil && certSha != `` {
		if r, lerr := e.rules.CertificateRule(certSha); lerr != nil {
			e.lg.Error("certificate rule lookup failed", log.KV("sha256", certSha), log.KVErr(lerr))
		} else if r != nil {
			matched = r
			tag = stateTag(r.State, false, e.lg)
		}
	}
	if matched == nil {
		if rx := cfg.WhitelistPathRegex(); rx != nil && rx.MatchString(m.Path) {
			tag = AllowScope
		} else if !fi.IsMachO() && !strings.HasPrefix(m.Path, installerScratchPrefix) {
			tag = AllowScope
		} else if fi.MissingPageZero() {
			tag = BlockUnknown
			explain = `executable is missing __PAGEZERO`
		} else if cfg.Lockdown() {
			tag = BlockUnknown
		} else {
			tag = AllowUnknown
		}
	}

	verdict := allowed(tag)
	if err = e.poster.PostVerdict(m.VnodeID, verdict); err != nil {
		e.lg.Error("failed to post verdict", log.KV("vnode", m.VnodeID), log.KVErr(err))
	}

	e.cache.Put(CachedDecision{
		VnodeID:    m.VnodeID,
		Decision:   tag,
		SHA256:     sha,
		CertSHA256: certSha,
		CertCN:     certCN,
		Explain:    explain,
	})

	//persist when denied, when nothing matched and the file was in scope,
	//or when the log-everything policy is active
	if !verdict || tag == AllowUnknown || cfg.LogAllEvents() {
		ev := e.buildEvent(fi, m, sha, tag, chain, parentName, cfg)
		if err = e.events.Add(ev); err != nil {
			e.lg.Error("failed to persist event", log.KV("path", m.Path), log.KVErr(err))
		}
	}

	if !verdict {
		if cfg.SyncBaseURL() != `` && !cfg.SyncBackOff() && m.Path != cfg.Santactl_Path {
			e.spawnUpload(cfg.Santactl_Path, sha)
		}
		if matched == nil || matched.State != rules.SilentBlacklist {
			n := notify.BlockNotification{
				Path:       m.Path,
				SHA256:     sha,
				BundleName: fi.BundleName(),
			}
			if matched != nil {
				n.CustomMessage = matched.CustomMessage
			}
			e.notifier.Post(n)
		}
	}

	if err = e.decisions.WriteLine(decisionLine(tag, sha, m.Path, certSha, certCN)); err != nil {
		e.lg.Error("failed to write decision line", log.KVErr(err))
	}
}

// allowUnknown is the recovery path for uninspectable files: allow, cache,
// log, no stored event.
func (e *Engine) allowUnknown(m kernel.Message, explain string) {
	if err := e.poster.PostVerdict(m.VnodeID, true); err != nil {
		e.lg.Error("failed to post verdict", log.KV("vnode", m.VnodeID), log.KVErr(err))
	}
	e.cache.Put(CachedDecision{
		VnodeID:  m.VnodeID,
		Decision: AllowUnknown,
		Explain:  explain,
	})
	e.lg.Warn("allowed uninspectable file", log.KV("path", m.Path), log.KV("explain", explain))
	if err := e.decisions.WriteLine(decisionLine(AllowUnknown, ``, m.Path, ``, ``)); err != nil {
		e.lg.Error("failed to write decision line", log.KVErr(err))
	}
}

func (e *Engine) buildEvent(fi *fileinfo.FileInfo, m kernel.Message, sha, tag string,
	chain []*x509.Certificate, parentName string, cfg *config.Config) *events.StoredEvent {
	ev := &events.StoredEvent{
		FileSHA256:         sha,
		FilePath:           m.Path,
		BundleID:           fi.BundleIdentifier(),
		BundleName:         fi.BundleName(),
		BundleVersion:      fi.BundleVersion(),
		BundleShortVersion: fi.BundleShortVersion(),
		Decision:           tag,
		PID:                m.PID,
		PPID:               m.PPID,
		ParentName:         parentName,
		ExecutingUser:      e.procs.Username(m.UID),
		LoggedInUsers:      e.procs.LoggedInUsers(),
		MachineOwner:       cfg.MachineOwner(),
	}
	for _, c := range chain {
		ev.SigningChain = append(ev.SigningChain, events.CertInfo{
			SHA256:     codesign.LeafHash([]*x509.Certificate{c}),
			CommonName: c.Subject.CommonName,
		})
	}
	if q := fi.QuarantineData(); q != nil {
		ev.QuarantineDataURL = q.DataURL
		ev.QuarantineRefererURL = q.RefererURL
		ev.QuarantineAgentID = q.AgentBundleID
		ev.QuarantineTimestamp = q.Timestamp
	}
	return ev
}

// stateTag maps a rule state onto a decision tag. A state that cannot be
// mapped is an internal error and fails closed.
func stateTag(s rules.State, binary bool, lg *log.Logger) string {
	switch s {
	case rules.Whitelist:
		if binary {
			return AllowBinary
		}
		return AllowCertificate
	case rules.Blacklist, rules.SilentBlacklist:
		if binary {
			return BlockBinary
		}
		return BlockCertificate
	}
	lg.Critical("rule with unmappable state reached a decision", log.KV("state", string(s)))
	return BlockUnknown
}
