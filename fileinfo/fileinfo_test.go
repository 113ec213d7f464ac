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
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"
)

func writeTemp(t *testing.T, b []byte) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), `img`)
	if err := os.WriteFile(p, b, 0644); err != nil {
		t.Fatal(err)
	}
	return p
}

func mustInfo(t *testing.T, p string) *FileInfo {
	t.Helper()
	fi, err := NewFileInfo(p)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { fi.Close() })
	return fi
}

// buildThin32 assembles a one-command i386 Mach-O executable. When pageZero
// is set the first load command is a proper __PAGEZERO segment.
func buildThin32(pageZero bool) []byte {
	bb := bytes.NewBuffer(nil)
	le := binary.LittleEndian
	//mach_header
	binary.Write(bb, le, machMagic32)
	binary.Write(bb, le, cpuTypeX86)
	binary.Write(bb, le, uint32(3)) //cpusubtype
	binary.Write(bb, le, fileTypeExecute)
	binary.Write(bb, le, uint32(1))               //ncmds
	binary.Write(bb, le, uint32(segCommandLen32)) //sizeofcmds
	binary.Write(bb, le, uint32(0))               //flags
	//segment_command
	binary.Write(bb, le, lcSegment)
	binary.Write(bb, le, uint32(segCommandLen32))
	var segname [16]byte
	vmaddr := uint32(0x1000)
	vmsize := uint32(0)
	if pageZero {
		copy(segname[:], `__PAGEZERO`)
		vmaddr = 0
		vmsize = 0x1000
	} else {
		copy(segname[:], `__TEXT`)
		vmsize = 0x1000
	}
	bb.Write(segname[:])
	binary.Write(bb, le, vmaddr)
	binary.Write(bb, le, vmsize)
	binary.Write(bb, le, uint32(0)) //fileoff
	binary.Write(bb, le, uint32(0)) //filesize
	binary.Write(bb, le, uint32(0)) //maxprot
	binary.Write(bb, le, uint32(0)) //initprot
	binary.Write(bb, le, uint32(0)) //nsects
	binary.Write(bb, le, uint32(0)) //flags
	return bb.Bytes()
}

// buildThin64Plist assembles an x86-64 executable whose __TEXT segment
// carries an __info_plist section holding the given plist bytes.
func buildThin64Plist(pl []byte) []byte {
	bb := bytes.NewBuffer(nil)
	le := binary.LittleEndian
	const segCommandLen64 = 72
	sizeofcmds := uint32(segCommandLen64 + sectionLen64)
	plistOff := uint32(machHeaderLen64) + sizeofcmds
	//mach_header_64
	binary.Write(bb, le, machMagic64)
	binary.Write(bb, le, cpuTypeX86|cpuArch64)
	binary.Write(bb, le, uint32(3))
	binary.Write(bb, le, fileTypeExecute)
	binary.Write(bb, le, uint32(1))
	binary.Write(bb, le, sizeofcmds)
	binary.Write(bb, le, uint32(0)) //flags
	binary.Write(bb, le, uint32(0)) //reserved
	//segment_command_64 __TEXT
	binary.Write(bb, le, lcSegment64)
	binary.Write(bb, le, sizeofcmds)
	var segname [16]byte
	copy(segname[:], `__TEXT`)
	bb.Write(segname[:])
	binary.Write(bb, le, uint64(0))          //vmaddr
	binary.Write(bb, le, uint64(0x2000))     //vmsize
	binary.Write(bb, le, uint64(0))          //fileoff
	binary.Write(bb, le, uint64(len(pl)))    //filesize
	binary.Write(bb, le, uint32(7))          //maxprot
	binary.Write(bb, le, uint32(5))          //initprot
	binary.Write(bb, le, uint32(1))          //nsects
	binary.Write(bb, le, uint32(0))          //flags
	//section_64 __info_plist
	var sectname [16]byte
	copy(sectname[:], `__info_plist`)
	bb.Write(sectname[:])
	bb.Write(segname[:])
	binary.Write(bb, le, uint64(0x1000))   //addr
	binary.Write(bb, le, uint64(len(pl))) //size
	binary.Write(bb, le, plistOff)        //offset
	binary.Write(bb, le, uint32(0))       //align
	binary.Write(bb, le, uint32(0))       //reloff
	binary.Write(bb, le, uint32(0))       //nreloc
	binary.Write(bb, le, uint32(0))       //flags
	binary.Write(bb, le, uint32(0))       //reserved1
	binary.Write(bb, le, uint32(0))       //reserved2
	binary.Write(bb, le, uint32(0))       //reserved3
	bb.Write(pl)
	return bb.Bytes()
}

func buildFat(slices ...[]byte) []byte {
	bb := bytes.NewBuffer(nil)
	be := binary.BigEndian
	binary.Write(bb, be, fatMagic)
	binary.Write(bb, be, uint32(len(slices)))
	const fatArchLen = 20
	off := 8 + fatArchLen*len(slices)
	//align each slice out to a page for realism
	off = (off + 0xfff) &^ 0xfff
	offs := make([]int, len(slices))
	for i, s := range slices {
		offs[i] = off
		cputype := binary.LittleEndian.Uint32(s[4:])
		binary.Write(bb, be, cputype)
		binary.Write(bb, be, uint32(3))
		binary.Write(bb, be, uint32(off))
		binary.Write(bb, be, uint32(len(s)))
		binary.Write(bb, be, uint32(12))
		off += (len(s) + 0xfff) &^ 0xfff
	}
	for i, s := range slices {
		pad := offs[i] - bb.Len()
		bb.Write(make([]byte, pad))
		bb.Write(s)
	}
	return bb.Bytes()
}

func TestHashes(t *testing.T) {
	content := bytes.Repeat([]byte(`authorization daemon hash input `), 600)
	p := writeTemp(t, content)
	fi := mustInfo(t, p)
	want := hex.EncodeToString(func() []byte {
		s := sha256.Sum256(content)
		return s[:]
	}())
	got, err := fi.SHA256()
	if err != nil {
		t.Fatal(err)
	}
	if got != want {
		t.Fatalf("sha256 mismatch: %s != %s", got, want)
	}
	if len(got) != 64 || got != string(bytes.ToLower([]byte(got))) {
		t.Fatalf("sha256 not lowercase 64 hex: %q", got)
	}
	//hashing twice must agree
	again, err := fi.SHA256()
	if err != nil || again != got {
		t.Fatalf("second hash disagreed: %s %v", again, err)
	}
	if s1, err := fi.SHA1(); err != nil || len(s1) != 40 {
		t.Fatalf("sha1: %q %v", s1, err)
	}
}

func TestZeroSize(t *testing.T) {
	p := writeTemp(t, nil)
	if _, err := NewFileInfo(p); err != ErrZeroSize {
		t.Fatalf("expected ErrZeroSize, got %v", err)
	}
}

func TestScriptAndArchive(t *testing.T) {
	fi := mustInfo(t, writeTemp(t, []byte("#!/bin/sh\necho hi\n")))
	if !fi.IsScript() {
		t.Fatal("script not detected")
	}
	if fi.IsMachO() {
		t.Fatal("script detected as Mach-O")
	}
	ar := mustInfo(t, writeTemp(t, []byte("!<arch>\nstuff")))
	if !ar.IsArchive() {
		t.Fatal("archive not detected")
	}
}

func TestThin32Parse(t *testing.T) {
	fi := mustInfo(t, writeTemp(t, buildThin32(true)))
	if !fi.IsMachO() || fi.IsFat() {
		t.Fatal("thin Mach-O misdetected")
	}
	archs := fi.Architectures()
	sh, ok := archs[`i386`]
	if !ok {
		t.Fatalf("i386 slice missing: %+v", archs)
	}
	if sh.Offset != 0 || sh.FileType != fileTypeExecute {
		t.Fatalf("bad slice: %+v", sh)
	}
	if !fi.IsExecutable() || fi.IsDylib() {
		t.Fatal("predicates wrong")
	}
	if fi.MissingPageZero() {
		t.Fatal("valid PAGEZERO flagged as missing")
	}
}

func TestMissingPageZero(t *testing.T) {
	fi := mustInfo(t, writeTemp(t, buildThin32(false)))
	if !fi.MissingPageZero() {
		t.Fatal("missing PAGEZERO not flagged")
	}
	//64-bit only images are never flagged
	fi64 := mustInfo(t, writeTemp(t, buildThin64Plist([]byte(xmlPlist))))
	if fi64.MissingPageZero() {
		t.Fatal("64-bit image flagged for PAGEZERO")
	}
}

func TestFatParse(t *testing.T) {
	fat := buildFat(buildThin32(true), buildThin64Plist([]byte(xmlPlist)))
	fi := mustInfo(t, writeTemp(t, fat))
	if !fi.IsFat() || !fi.IsMachO() {
		t.Fatal("fat binary misdetected")
	}
	archs := fi.Architectures()
	if _, ok := archs[`i386`]; !ok {
		t.Fatalf("i386 slice missing: %+v", archs)
	}
	if _, ok := archs[`x86-64`]; !ok {
		t.Fatalf("x86-64 slice missing: %+v", archs)
	}
}

const xmlPlist = `<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
	<key>CFBundleIdentifier</key>
	<string>com.example.tool</string>
	<key>CFBundleName</key>
	<string>Tool</string>
	<key>CFBundleVersion</key>
	<string>42</string>
	<key>CFBundleShortVersionString</key>
	<string>4.2</string>
</dict>
</plist>
`

func TestEmbeddedPlist(t *testing.T) {
	fi := mustInfo(t, writeTemp(t, buildThin64Plist([]byte(xmlPlist))))
	if id := fi.BundleIdentifier(); id != `com.example.tool` {
		t.Fatalf("bundle identifier = %q", id)
	}
	if n := fi.BundleName(); n != `Tool` {
		t.Fatalf("bundle name = %q", n)
	}
	if v := fi.BundleVersion(); v != `42` {
		t.Fatalf("bundle version = %q", v)
	}
	if v := fi.BundleShortVersion(); v != `4.2` {
		t.Fatalf("bundle short version = %q", v)
	}
}

func TestBundleResolution(t *testing.T) {
	dir := t.TempDir()
	app := filepath.Join(dir, `Demo.app`)
	if err := os.MkdirAll(filepath.Join(app, `Contents`, `MacOS`), 0755); err != nil {
		t.Fatal(err)
	}
	exe := filepath.Join(app, `Contents`, `MacOS`, `demo`)
	if err := os.WriteFile(exe, buildThin32(true), 0755); err != nil {
		t.Fatal(err)
	}
	ipl := `<?xml version="1.0" encoding="UTF-8"?>
<plist version="1.0"><dict>
<key>CFBundleExecutable</key><string>demo</string>
</dict></plist>`
	if err := os.WriteFile(filepath.Join(app, `Contents`, `Info.plist`), []byte(ipl), 0644); err != nil {
		t.Fatal(err)
	}
	fi := mustInfo(t, app)
	if fi.Path() != exe {
		t.Fatalf("bundle resolved to %q, want %q", fi.Path(), exe)
	}
	if fi.BundlePath() != app {
		t.Fatalf("bundle path = %q", fi.BundlePath())
	}
}

func TestBoundedRead(t *testing.T) {
	fi := mustInfo(t, writeTemp(t, []byte(`short`)))
	if b := fi.readRange(100, 10); b != nil {
		t.Fatalf("read past EOF returned %q", b)
	}
	if b := fi.readRange(3, 100); string(b) != `rt` {
		t.Fatalf("short read = %q", b)
	}
	if b := fi.readRange(-1, 4); b != nil {
		t.Fatal("negative offset should return nil")
	}
}
