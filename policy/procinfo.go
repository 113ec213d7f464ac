/*************************************************************************
 * Copyright 2022 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package policy

import (
	"os/user"
	"strconv"

	"github.com/shirou/gopsutil/host"
	"github.com/shirou/gopsutil/process"

	"github.com/qinyuhang/santa/events"
)

// ProcInfo answers the process and session questions the engine asks while
// building log lines and stored events. Every answer is best effort.
type ProcInfo interface {
	Name(pid int32) string
	Exe(pid int32) string
	Args(pid int32) []string
	Username(uid uint32) string
	LoggedInUsers() []events.SessionUser
}

// HostProcInfo is the live implementation over the host process table.
type HostProcInfo struct{}

func (HostProcInfo) Name(pid int32) string {
	if p, err := process.NewProcess(pid); err == nil {
		if n, err := p.Name(); err == nil {
			return n
		}
	}
	return ``
}

func (HostProcInfo) Exe(pid int32) string {
	if p, err := process.NewProcess(pid); err == nil {
		if e, err := p.Exe(); err == nil {
			return e
		}
	}
	return ``
}

func (HostProcInfo) Args(pid int32) []string {
	if p, err := process.NewProcess(pid); err == nil {
		if args, err := p.CmdlineSlice(); err == nil {
			return args
		}
	}
	return nil
}

func (HostProcInfo) Username(uid uint32) string {
	if u, err := user.LookupId(strconv.FormatUint(uint64(uid), 10)); err == nil {
		return u.Username
	}
	return strconv.FormatUint(uint64(uid), 10)
}

func (HostProcInfo) LoggedInUsers() (su []events.SessionUser) {
	if users, err := host.Users(); err == nil {
		for _, u := range users {
			su = append(su, events.SessionUser{
				User:    u.User,
				Session: u.Terminal,
			})
		}
	}
	return
}
