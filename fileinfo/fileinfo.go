/*************************************************************************
 * Copyright 2022 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package fileinfo provides a lazy read-only view over an executable image:
// content hashes, Mach-O header inspection across every slice of a fat
// binary, embedded info-plist extraction, and quarantine provenance. All
// byte-range access goes through a single bounded reader that returns short
// rather than reading past end of file.
package fileinfo

import (
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"os"
	"path/filepath"
	"strings"

	"howett.net/plist"
)

const (
	hashChunk = 4096

	//only the first page of the file is examined for headers
	headerWindow = 4096

	maxEmbeddedPlist = 2 * 1024 * 1024
)

var (
	ErrEmptyPath    = errors.New("empty path")
	ErrZeroSize     = errors.New("file has zero size")
	ErrNotRegular   = errors.New("not a regular file")
	ErrTruncated    = errors.New("file truncated during read")
	ErrNoExecutable = errors.New("bundle has no main executable")
)

// FileInfo is a read-only view over a single executable image on disk.
// Construction resolves symlinks and bundle directories down to the actual
// file; header parsing happens once on first use and is cached.
type FileInfo struct {
	path       string //fully resolved path to the image
	bundlePath string //enclosing bundle directory, if any
	fio        *os.File
	size       int64

	parsed bool
	archs  map[string]SliceHeader

	plistOnce  bool
	plistVals  map[string]interface{}
	quarantine *Quarantine
}

// NewFileInfo builds a view over the file at path. Relative paths are made
// absolute and symlinks resolved. If the path lands on a bundle directory it
// is rewritten to the bundle's main executable. A nonexistent or zero-size
// target is an error.
func NewFileInfo(path string) (*FileInfo, error) {
	if path == `` {
		return nil, ErrEmptyPath
	}
	var err error
	if !filepath.IsAbs(path) {
		if path, err = filepath.Abs(path); err != nil {
			return nil, err
		}
	}
	if path, err = filepath.EvalSymlinks(path); err != nil {
		return nil, err
	}
	var bundle string
	fi, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if fi.IsDir() {
		//maybe a bundle, find its main executable
		exe, err := bundleExecutable(path)
		if err != nil {
			return nil, err
		}
		bundle = path
		if path, err = filepath.EvalSymlinks(exe); err != nil {
			return nil, err
		}
		if fi, err = os.Stat(path); err != nil {
			return nil, err
		}
	} else if bp := enclosingBundle(path); bp != `` {
		bundle = bp
	}
	if !fi.Mode().IsRegular() {
		return nil, ErrNotRegular
	}
	if fi.Size() == 0 {
		return nil, ErrZeroSize
	}
	fio, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	return &FileInfo{
		path:       path,
		bundlePath: bundle,
		fio:        fio,
		size:       fi.Size(),
	}, nil
}

func (f *FileInfo) Close() error {
	return f.fio.Close()
}

// Path returns the fully resolved path backing the view.
func (f *FileInfo) Path() string {
	return f.path
}

// BundlePath returns the enclosing bundle directory, empty when the file is
// not part of a bundle.
func (f *FileInfo) BundlePath() string {
	return f.bundlePath
}

// Size returns the total file size in bytes.
func (f *FileInfo) Size() int64 {
	return f.size
}

// readRange reads up to ln bytes at off, returning whatever was available.
// Reads beyond end of file return nil rather than an error.
func (f *FileInfo) readRange(off, ln int64) []byte {
	if off < 0 || ln <= 0 || off >= f.size {
		return nil
	}
	if off+ln > f.size {
		ln = f.size - off
	}
	b := make([]byte, ln)
	n, err := f.fio.ReadAt(b, off)
	if err != nil && err != io.EOF {
		return nil
	}
	return b[:n]
}

// SHA256 streams the file contents through SHA-256 and returns lowercase hex.
func (f *FileInfo) SHA256() (string, error) {
	return f.hashFile(sha256.New())
}

// SHA1 streams the file contents through SHA-1 and returns lowercase hex.
func (f *FileInfo) SHA1() (string, error) {
	return f.hashFile(sha1.New())
}

func (f *FileInfo) hashFile(h hash.Hash) (string, error) {
	if _, err := f.fio.Seek(0, io.SeekStart); err != nil {
		return ``, err
	}
	var total int64
	buf := make([]byte, hashChunk)
	for {
		n, err := f.fio.Read(buf)
		if n > 0 {
			h.Write(buf[:n])
			total += int64(n)
		}
		if err == io.EOF {
			break
		} else if err != nil {
			return ``, err
		}
	}
	//a file that shrank under us yields a hash of something else entirely
	if total != f.size {
		return ``, ErrTruncated
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// IsScript returns whether the file starts with an interpreter line.
func (f *FileInfo) IsScript() bool {
	b := f.readRange(0, 2)
	return len(b) == 2 && b[0] == '#' && b[1] == '!'
}

// IsArchive returns whether the file is a static archive.
func (f *FileInfo) IsArchive() bool {
	b := f.readRange(0, 8)
	return len(b) == 8 && string(b) == "!<arch>\n"
}

func bundleExecutable(dir string) (string, error) {
	//Contents/Info.plist names the main executable
	ipl := filepath.Join(dir, `Contents`, `Info.plist`)
	if fin, err := os.Open(ipl); err == nil {
		var vals map[string]interface{}
		dec := plist.NewDecoder(fin)
		err = dec.Decode(&vals)
		fin.Close()
		if err == nil {
			if name, ok := vals[`CFBundleExecutable`].(string); ok && name != `` {
				p := filepath.Join(dir, `Contents`, `MacOS`, name)
				if _, err := os.Stat(p); err == nil {
					return p, nil
				}
			}
		}
	}
	//fall back to Contents/MacOS/<bundle name>
	base := strings.TrimSuffix(filepath.Base(dir), filepath.Ext(dir))
	p := filepath.Join(dir, `Contents`, `MacOS`, base)
	if _, err := os.Stat(p); err == nil {
		return p, nil
	}
	return ``, ErrNoExecutable
}

// enclosingBundle walks up from a file path looking for a bundle directory.
func enclosingBundle(path string) string {
	for dir := filepath.Dir(path); dir != `/` && dir != `.`; dir = filepath.Dir(dir) {
		switch filepath.Ext(dir) {
		case `.app`, `.framework`, `.bundle`, `.xpc`, `.plugin`, `.kext`:
			return dir
		}
	}
	return ``
}

func (f *FileInfo) String() string {
	return fmt.Sprintf("%s (%d bytes)", f.path, f.size)
}
