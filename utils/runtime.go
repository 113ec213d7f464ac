/*************************************************************************
 * Copyright 2022 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package utils

import (
	"os"
	"runtime"
)

// MaxProcTune sets the GOMAXPROCS value ONLY if the GOMAXPROCS environment
// variable is unset or empty; any other value of it is left to the runtime.
func MaxProcTune(val int) bool {
	if ev := os.Getenv(`GOMAXPROCS`); ev == `` {
		return runtime.GOMAXPROCS(val) != val
	}
	return false
}
