/*************************************************************************
 * Copyright 2022 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package policy

import (
	"os/exec"
	"syscall"

	"github.com/qinyuhang/santa/log"
	"github.com/qinyuhang/santa/utils"
)

// spawnUploadChild runs the admin tool to expedite upload of a freshly
// blocked event. The child runs unprivileged and is reaped in the
// background; a failed spawn only costs the expedited upload, the event is
// already durable.
func spawnUploadChild(lg *log.Logger, santactl, sha256 string) {
	cmd := exec.Command(santactl, `sync`, `singleevent`, sha256)
	if cred := utils.NobodyCredential(); cred != nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{Credential: cred}
	}
	if err := cmd.Start(); err != nil {
		lg.Error("failed to spawn upload child", log.KV("path", santactl), log.KVErr(err))
		return
	}
	go cmd.Wait()
}
