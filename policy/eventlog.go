/*************************************************************************
 * Copyright 2022 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package policy

import (
	"fmt"
	"strings"

	"github.com/qinyuhang/santa/fileinfo"
	"github.com/qinyuhang/santa/kernel"
	"github.com/qinyuhang/santa/log"
)

// maxWriteHashSize bounds hashing on the file-change lane; WRITE events on
// files at or past the bound record a literal marker instead.
const maxWriteHashSize = 1024 * 1024

// HandleExec annotates a NOTIFY_EXEC with the decision that allowed it.
// The kernel only sends NOTIFY_EXEC after an allow verdict, so a missing
// cache entry means the decision detail is already gone, not that the
// execution was unauthorized.
func (e *Engine) HandleExec(m kernel.Message) {
	var decision, reason, explain, sha, certSha, certCN string
	if cd, ok := e.cache.Take(m.VnodeID); ok {
		if allowed(cd.Decision) {
			decision = `ALLOW`
		} else {
			decision = `DENY`
		}
		reason = execReason(cd.Decision)
		explain = cd.Explain
		sha = cd.SHA256
		certSha = cd.CertSHA256
		certCN = cd.CertCN
	} else {
		decision = `ALLOW`
		reason = `NOTRUNNING`
		explain = `decision detail was not cached`
		//best effort hash so the line is still useful
		if fi, err := fileinfo.NewFileInfo(m.Path); err == nil {
			sha, _ = fi.SHA256()
			fi.Close()
		}
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "action=EXEC|decision=%s|reason=%s", decision, reason)
	if explain != `` {
		fmt.Fprintf(&sb, "|explain=%s", sanitizeField(explain))
	}
	fmt.Fprintf(&sb, "|sha256=%s|path=%s|args=%s", sha, sanitizeField(m.Path),
		sanitizeField(strings.Join(e.procs.Args(m.PID), ` `)))
	if certSha != `` {
		fmt.Fprintf(&sb, "|cert_sha256=%s|cert_cn=%s", certSha, sanitizeField(certCN))
	}
	fmt.Fprintf(&sb, "|pid=%d|ppid=%d|uid=%d|gid=%d", m.PID, m.PPID, m.UID, m.GID)
	if err := e.eventLog.WriteLine(sb.String()); err != nil {
		e.lg.Error("failed to write exec line", log.KVErr(err))
	}
}

// HandleFileChange logs a filesystem mutation notification. The dispatcher
// has already applied the file-changes filter.
func (e *Engine) HandleFileChange(m kernel.Message) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "action=%s|path=%s", m.Action, sanitizeField(m.Path))
	if m.NewPath != `` {
		fmt.Fprintf(&sb, "|newpath=%s", sanitizeField(m.NewPath))
	}
	fmt.Fprintf(&sb, "|pid=%d|ppid=%d|process=%s|processpath=%s|uid=%d|gid=%d",
		m.PID, m.PPID, sanitizeField(e.procs.Name(m.PID)),
		sanitizeField(e.procs.Exe(m.PID)), m.UID, m.GID)
	if m.Action == kernel.NotifyWrite {
		fmt.Fprintf(&sb, "|sha256=%s", e.writeHash(m.Path))
	}
	if err := e.eventLog.WriteLine(sb.String()); err != nil {
		e.lg.Error("failed to write file change line", log.KVErr(err))
	}
}

func (e *Engine) writeHash(path string) string {
	fi, err := fileinfo.NewFileInfo(path)
	if err != nil {
		return ``
	}
	defer fi.Close()
	if fi.Size() >= maxWriteHashSize {
		return `(too large)`
	}
	sha, err := fi.SHA256()
	if err != nil {
		return ``
	}
	return sha
}
