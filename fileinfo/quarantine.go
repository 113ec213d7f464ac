/*************************************************************************
 * Copyright 2022 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package fileinfo

import (
	"bytes"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sys/unix"
	"howett.net/plist"
)

const (
	quarantineAttr = `com.apple.quarantine`
	whereFromsAttr = `com.apple.metadata:kMDItemWhereFroms`

	maxXattr = 64 * 1024
)

// Quarantine holds the download provenance recorded when the file first
// arrived on the host. Every field is best effort.
type Quarantine struct {
	DataURL       string
	RefererURL    string
	AgentBundleID string
	Timestamp     time.Time
}

// QuarantineData returns the quarantine provenance of the file, or nil when
// the file carries no quarantine metadata.
func (f *FileInfo) QuarantineData() *Quarantine {
	if f.quarantine != nil {
		return f.quarantine
	}
	raw := getxattr(f.path, quarantineAttr)
	if raw == nil {
		return nil
	}
	q := &Quarantine{}
	//format: flags;hex-timestamp;agent;event-uuid
	if fields := strings.Split(string(raw), `;`); len(fields) >= 3 {
		if ts, err := strconv.ParseInt(fields[1], 16, 64); err == nil {
			q.Timestamp = time.Unix(ts, 0)
		}
		q.AgentBundleID = fields[2]
	}
	if wf := getxattr(f.path, whereFromsAttr); wf != nil {
		var urls []string
		dec := plist.NewDecoder(bytes.NewReader(wf))
		if err := dec.Decode(&urls); err == nil {
			if len(urls) > 0 {
				q.DataURL = urls[0]
			}
			if len(urls) > 1 {
				q.RefererURL = urls[1]
			}
		}
	}
	f.quarantine = q
	return q
}

func getxattr(path, attr string) []byte {
	sz, err := unix.Getxattr(path, attr, nil)
	if err != nil || sz <= 0 || sz > maxXattr {
		return nil
	}
	b := make([]byte, sz)
	n, err := unix.Getxattr(path, attr, b)
	if err != nil || n <= 0 {
		return nil
	}
	return b[:n]
}
