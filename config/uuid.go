/*************************************************************************
 * Copyright 2022 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/dchest/safefile"
	"github.com/google/uuid"
)

const uuidParam = `Daemon-UUID`

var (
	ErrZeroUUID              = errors.New("UUID is empty")
	ErrGlobalSectionNotFound = errors.New("no [Global] section in config file")
)

// SetDaemonUUID modifies the configuration file at loc, setting the
// Daemon-UUID parameter. This lets the daemon assign itself an identity on
// first start when the installer did not provide one.
func (c *Config) SetDaemonUUID(id uuid.UUID, loc string) (err error) {
	if zeroUUID(id) {
		return ErrZeroUUID
	}
	var bts []byte
	if bts, err = os.ReadFile(loc); err != nil {
		return
	}
	lines := strings.Split(string(bts), "\n")
	param := fmt.Sprintf(`	%s="%s"`, uuidParam, id)
	if lo := paramLine(lines, uuidParam); lo >= 0 {
		lines[lo] = param
	} else {
		gl := -1
		for i, l := range lines {
			if strings.EqualFold(strings.TrimSpace(l), `[global]`) {
				gl = i
				break
			}
		}
		if gl < 0 {
			return ErrGlobalSectionNotFound
		}
		lines = append(lines[:gl+1], append([]string{param}, lines[gl+1:]...)...)
	}
	if err = writeFileAtomic(loc, strings.Join(lines, "\n")); err != nil {
		return
	}
	c.Daemon_UUID = id.String()
	return
}

func paramLine(lines []string, name string) int {
	for i, l := range lines {
		l = strings.TrimSpace(l)
		if idx := strings.IndexByte(l, '='); idx > 0 {
			if strings.EqualFold(strings.TrimSpace(l[:idx]), name) {
				return i
			}
		}
	}
	return -1
}

func writeFileAtomic(loc, content string) error {
	fout, err := safefile.Create(loc, 0644)
	if err != nil {
		return err
	}
	if _, err = fout.Write([]byte(content)); err != nil {
		fout.Close()
		return err
	}
	return fout.Commit()
}
