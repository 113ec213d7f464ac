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
	"os"
	"path/filepath"

	"howett.net/plist"
)

// infoPlist loads the image's property list exactly once: the embedded
// __info_plist section wins, then the enclosing bundle's Info.plist.
func (f *FileInfo) infoPlist() map[string]interface{} {
	if f.plistOnce {
		return f.plistVals
	}
	f.plistOnce = true
	if b := f.embeddedPlistSection(); b != nil {
		var vals map[string]interface{}
		dec := plist.NewDecoder(bytes.NewReader(b))
		if err := dec.Decode(&vals); err == nil {
			f.plistVals = vals
			return f.plistVals
		}
	}
	if f.bundlePath == `` {
		return nil
	}
	fin, err := os.Open(filepath.Join(f.bundlePath, `Contents`, `Info.plist`))
	if err != nil {
		return nil
	}
	defer fin.Close()
	var vals map[string]interface{}
	dec := plist.NewDecoder(fin)
	if err := dec.Decode(&vals); err == nil {
		f.plistVals = vals
	}
	return f.plistVals
}

func (f *FileInfo) plistString(key string) string {
	if vals := f.infoPlist(); vals != nil {
		if v, ok := vals[key].(string); ok {
			return v
		}
	}
	return ``
}

// BundleIdentifier returns the CFBundleIdentifier of the image, if any.
func (f *FileInfo) BundleIdentifier() string {
	return f.plistString(`CFBundleIdentifier`)
}

// BundleName returns the CFBundleName of the image, if any.
func (f *FileInfo) BundleName() string {
	return f.plistString(`CFBundleName`)
}

// BundleVersion returns the CFBundleVersion of the image, if any.
func (f *FileInfo) BundleVersion() string {
	return f.plistString(`CFBundleVersion`)
}

// BundleShortVersion returns the CFBundleShortVersionString of the image.
func (f *FileInfo) BundleShortVersion() string {
	return f.plistString(`CFBundleShortVersionString`)
}
