/*************************************************************************
 * Copyright 2022 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package utils

import (
	"os/user"
	"strconv"
	"syscall"
)

// the portable last resort when the nobody account cannot be resolved
const fallbackNobodyID = 65534

// NobodyCredential resolves the credential used for unprivileged child
// processes. Returns nil when the caller is already unprivileged, in which
// case no credential switch is needed or possible.
func NobodyCredential() *syscall.Credential {
	if syscall.Geteuid() != 0 {
		return nil
	}
	uid, gid := uint32(fallbackNobodyID), uint32(fallbackNobodyID)
	if u, err := user.Lookup(`nobody`); err == nil {
		if v, err := strconv.ParseUint(u.Uid, 10, 32); err == nil {
			uid = uint32(v)
		}
		if v, err := strconv.ParseUint(u.Gid, 10, 32); err == nil {
			gid = uint32(v)
		}
	}
	return &syscall.Credential{Uid: uid, Gid: gid}
}
