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
	"encoding/binary"
)

// Mach-O layout constants, straight from the platform ABI.
const (
	machMagic32 uint32 = 0xfeedface
	machCigam32 uint32 = 0xcefaedfe
	machMagic64 uint32 = 0xfeedfacf
	machCigam64 uint32 = 0xcffaedfe
	fatMagic    uint32 = 0xcafebabe
	fatCigam    uint32 = 0xbebafeca

	cpuArch64  uint32 = 0x01000000
	cpuTypeX86 uint32 = 7
	cpuTypePPC uint32 = 18

	fileTypeExecute uint32 = 2
	fileTypeDylib   uint32 = 6

	lcSegment   uint32 = 0x1
	lcSegment64 uint32 = 0x19

	machHeaderLen32 = 28
	machHeaderLen64 = 32
	segCommandLen32 = 56
	sectionLen32    = 68
	sectionLen64    = 80
)

// SliceHeader describes one Mach-O slice within the image.
type SliceHeader struct {
	Arch       string
	Offset     int64  //offset of the slice within the file
	Header     []byte //raw mach_header bytes
	CPUType    uint32
	FileType   uint32
	Ncmds      uint32
	SizeofCmds uint32
	order      binary.ByteOrder
	is64       bool
}

// Architectures returns the per-arch header map, parsing on first use.
// The map is keyed by CPU-type name: i386, x86-64, ppc, ppc64 or unknown.
func (f *FileInfo) Architectures() map[string]SliceHeader {
	f.parseHeaders()
	return f.archs
}

// IsMachO returns whether at least one valid Mach-O slice was found.
func (f *FileInfo) IsMachO() bool {
	f.parseHeaders()
	return len(f.archs) > 0
}

// IsFat returns whether the file is a fat container.
func (f *FileInfo) IsFat() bool {
	b := f.readRange(0, 4)
	if len(b) < 4 {
		return false
	}
	magic := binary.BigEndian.Uint32(b)
	return magic == fatMagic || magic == fatCigam
}

// IsExecutable returns whether any slice has filetype MH_EXECUTE.
func (f *FileInfo) IsExecutable() bool {
	f.parseHeaders()
	for _, sh := range f.archs {
		if sh.FileType == fileTypeExecute {
			return true
		}
	}
	return false
}

// IsDylib returns whether any slice has filetype MH_DYLIB.
func (f *FileInfo) IsDylib() bool {
	f.parseHeaders()
	for _, sh := range f.archs {
		if sh.FileType == fileTypeDylib {
			return true
		}
	}
	return false
}

// parseHeaders reads the first page of the file and populates the per-arch
// slice map. Headers are parsed exactly once.
func (f *FileInfo) parseHeaders() {
	if f.parsed {
		return
	}
	f.parsed = true
	f.archs = make(map[string]SliceHeader)
	b := f.readRange(0, headerWindow)
	if len(b) < 4 {
		return
	}
	magic := binary.BigEndian.Uint32(b)
	if magic == fatMagic || magic == fatCigam {
		//fat headers are big-endian; a byte-swapped magic is read little-endian
		order := binary.ByteOrder(binary.BigEndian)
		if magic == fatCigam {
			order = binary.LittleEndian
		}
		if len(b) < 8 {
			return
		}
		narch := order.Uint32(b[4:])
		const fatArchLen = 20
		for i := uint32(0); i < narch; i++ {
			off := int64(8 + i*fatArchLen)
			fa := f.readRange(off, fatArchLen)
			if len(fa) < fatArchLen {
				return
			}
			sliceOff := int64(order.Uint32(fa[8:]))
			if sh, ok := f.parseSlice(sliceOff); ok {
				f.archs[sh.Arch] = sh
			}
		}
		return
	}
	if sh, ok := f.parseSlice(0); ok {
		f.archs[sh.Arch] = sh
	}
}

// parseSlice parses a single mach_header at the given file offset.
func (f *FileInfo) parseSlice(off int64) (sh SliceHeader, ok bool) {
	b := f.readRange(off, machHeaderLen64)
	if len(b) < machHeaderLen32 {
		return
	}
	magic := binary.LittleEndian.Uint32(b)
	switch magic {
	case machMagic32:
		sh.order = binary.LittleEndian
	case machMagic64:
		sh.order = binary.LittleEndian
		sh.is64 = true
	case machCigam32:
		sh.order = binary.BigEndian
	case machCigam64:
		sh.order = binary.BigEndian
		sh.is64 = true
	default:
		return
	}
	hlen := machHeaderLen32
	if sh.is64 {
		if len(b) < machHeaderLen64 {
			return
		}
		hlen = machHeaderLen64
	}
	sh.Offset = off
	sh.Header = b[:hlen]
	sh.CPUType = sh.order.Uint32(b[4:])
	sh.FileType = sh.order.Uint32(b[12:])
	sh.Ncmds = sh.order.Uint32(b[16:])
	sh.SizeofCmds = sh.order.Uint32(b[20:])
	sh.Arch = cpuTypeName(sh.CPUType)
	ok = true
	return
}

func cpuTypeName(v uint32) string {
	switch v {
	case cpuTypeX86:
		return `i386`
	case cpuTypeX86 | cpuArch64:
		return `x86-64`
	case cpuTypePPC:
		return `ppc`
	case cpuTypePPC | cpuArch64:
		return `ppc64`
	}
	return `unknown`
}

// MissingPageZero reports whether the image carries an i386 executable slice
// whose first load command is not a proper __PAGEZERO segment. The 64-bit
// ABI enforces PAGEZERO in kernel, so only the 32-bit case is checked.
func (f *FileInfo) MissingPageZero() bool {
	f.parseHeaders()
	sh, ok := f.archs[`i386`]
	if !ok || sh.is64 || sh.FileType != fileTypeExecute || sh.Ncmds == 0 {
		return false
	}
	//first load command sits immediately after the header
	b := f.readRange(sh.Offset+machHeaderLen32, segCommandLen32)
	if len(b) < segCommandLen32 {
		return true
	}
	cmd := sh.order.Uint32(b[0:])
	if cmd != lcSegment {
		return true
	}
	segname := cstr(b[8:24])
	vmaddr := sh.order.Uint32(b[24:])
	vmsize := sh.order.Uint32(b[28:])
	maxprot := sh.order.Uint32(b[40:])
	initprot := sh.order.Uint32(b[44:])
	if segname != `__PAGEZERO` || vmaddr != 0 || vmsize == 0 || initprot != 0 || maxprot != 0 {
		return true
	}
	return false
}

// firstSlice returns the first slice of the image in fat order, or the sole
// slice of a thin binary.
func (f *FileInfo) firstSlice() (SliceHeader, bool) {
	f.parseHeaders()
	var best SliceHeader
	var ok bool
	for _, sh := range f.archs {
		if !ok || sh.Offset < best.Offset {
			best = sh
			ok = true
		}
	}
	return best, ok
}

// embeddedPlistSection walks the __TEXT segment of the first slice looking
// for an __info_plist section, returning its raw contents.
func (f *FileInfo) embeddedPlistSection() []byte {
	sh, ok := f.firstSlice()
	if !ok {
		return nil
	}
	hlen := int64(machHeaderLen32)
	if sh.is64 {
		hlen = machHeaderLen64
	}
	cmds := f.readRange(sh.Offset+hlen, int64(sh.SizeofCmds))
	if cmds == nil {
		return nil
	}
	for i := uint32(0); i < sh.Ncmds; i++ {
		if len(cmds) < 8 {
			return nil
		}
		cmd := sh.order.Uint32(cmds[0:])
		cmdsize := sh.order.Uint32(cmds[4:])
		if cmdsize < 8 || int(cmdsize) > len(cmds) {
			return nil
		}
		if (cmd == lcSegment && !sh.is64) || (cmd == lcSegment64 && sh.is64) {
			if b := f.plistFromSegment(sh, cmds[:cmdsize]); b != nil {
				return b
			}
		}
		cmds = cmds[cmdsize:]
	}
	return nil
}

func (f *FileInfo) plistFromSegment(sh SliceHeader, seg []byte) []byte {
	if len(seg) < 24 {
		return nil
	}
	if cstr(seg[8:24]) != `__TEXT` {
		return nil
	}
	var nsects uint32
	var sects []byte
	var sectLen int
	if sh.is64 {
		const segCommandLen64 = 72
		if len(seg) < segCommandLen64 {
			return nil
		}
		nsects = sh.order.Uint32(seg[64:])
		sects = seg[segCommandLen64:]
		sectLen = sectionLen64
	} else {
		if len(seg) < segCommandLen32 {
			return nil
		}
		nsects = sh.order.Uint32(seg[48:])
		sects = seg[segCommandLen32:]
		sectLen = sectionLen32
	}
	for i := uint32(0); i < nsects; i++ {
		if len(sects) < sectLen {
			return nil
		}
		sect := sects[:sectLen]
		sects = sects[sectLen:]
		if cstr(sect[0:16]) != `__info_plist` {
			continue
		}
		var size, offset int64
		if sh.is64 {
			size = int64(sh.order.Uint64(sect[40:]))
			offset = int64(sh.order.Uint32(sect[48:]))
		} else {
			size = int64(sh.order.Uint32(sect[36:]))
			offset = int64(sh.order.Uint32(sect[40:]))
		}
		if size <= 0 || size >= maxEmbeddedPlist {
			return nil
		}
		return f.readRange(sh.Offset+offset, size)
	}
	return nil
}

func cstr(b []byte) string {
	if idx := bytes.IndexByte(b, 0); idx >= 0 {
		b = b[:idx]
	}
	return string(b)
}
