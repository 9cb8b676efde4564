/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2021 WireGuard LLC. All Rights Reserved.
 */

package pe

import (
	"fmt"
	"unsafe"
)

// Signatures and machine types (IMAGE_FILE_MACHINE_AMD64 only — loading
// anything else (i386, ARM, driver images) is out of scope.
const (
	IMAGE_DOS_SIGNATURE      = 0x5A4D     // "MZ"
	IMAGE_NT_SIGNATURE       = 0x00004550 // "PE\0\0"
	IMAGE_FILE_MACHINE_AMD64 = 0x8664
	IMAGE_FILE_DLL           = 0x2000
)

// Data directory indices used by this loader. The full PE format defines
// sixteen; only five are ever consumed here.
const (
	IMAGE_DIRECTORY_ENTRY_EXPORT    = 0
	IMAGE_DIRECTORY_ENTRY_IMPORT    = 1
	IMAGE_DIRECTORY_ENTRY_EXCEPTION = 3
	IMAGE_DIRECTORY_ENTRY_BASERELOC = 5
	IMAGE_DIRECTORY_ENTRY_TLS       = 9

	IMAGE_NUMBEROF_DIRECTORY_ENTRIES = 16
)

// Section characteristics bits relevant to mapping and protection.
const (
	IMAGE_SCN_CNT_INITIALIZED_DATA   = 0x00000040
	IMAGE_SCN_CNT_UNINITIALIZED_DATA = 0x00000080
	IMAGE_SCN_MEM_DISCARDABLE        = 0x02000000
	IMAGE_SCN_MEM_NOT_CACHED         = 0x04000000
)

// Base relocation types. Only HIGHLOW and DIR64 ever appear in a PE32+
// image produced by a real toolchain; ABSOLUTE is block padding. Anything
// else is tolerated as a no-op.
const (
	IMAGE_REL_BASED_ABSOLUTE = 0
	IMAGE_REL_BASED_HIGHLOW  = 3
	IMAGE_REL_BASED_DIR64    = 10
)

// IMAGE_ORDINAL_FLAG64 marks a 64-bit import thunk as an ordinal import
// rather than a hint/name-table RVA (top bit of the thunk value).
const IMAGE_ORDINAL_FLAG64 = uint64(1) << 63

// IMAGE_SNAP_BY_ORDINAL reports whether a raw thunk value names the import
// by ordinal rather than by name.
func IMAGE_SNAP_BY_ORDINAL(thunk uintptr) bool {
	return uint64(thunk)&IMAGE_ORDINAL_FLAG64 != 0
}

// IMAGE_ORDINAL extracts the ordinal from a thunk value already known to
// satisfy IMAGE_SNAP_BY_ORDINAL.
func IMAGE_ORDINAL(thunk uintptr) uint16 {
	return uint16(uint64(thunk) & 0xffff)
}

const (
	DLL_PROCESS_ATTACH = 1
	DLL_PROCESS_DETACH = 0
)

// IMAGE_DOS_HEADER is the 64-byte MS-DOS stub header. Only E_magic and
// E_lfanew are ever read; the rest exists so unsafe.Sizeof matches the
// real structure (needed so short/truncated images are rejected up front).
type IMAGE_DOS_HEADER struct {
	E_magic    uint16
	E_cblp     uint16
	E_cp       uint16
	E_crlc     uint16
	E_cparhdr  uint16
	E_minalloc uint16
	E_maxalloc uint16
	E_ss       uint16
	E_sp       uint16
	E_csum     uint16
	E_ip       uint16
	E_cs       uint16
	E_lfarlc   uint16
	E_ovno     uint16
	E_res      [4]uint16
	E_oemid    uint16
	E_oeminfo  uint16
	E_res2     [10]uint16
	E_lfanew   int32
}

type IMAGE_FILE_HEADER struct {
	Machine              uint16
	NumberOfSections     uint16
	TimeDateStamp        uint32
	PointerToSymbolTable uint32
	NumberOfSymbols      uint32
	SizeOfOptionalHeader uint16
	Characteristics      uint16
}

type IMAGE_DATA_DIRECTORY struct {
	VirtualAddress uint32
	Size           uint32
}

// IMAGE_OPTIONAL_HEADER64 is the PE32+ optional header. PE32 (32-bit
// ImageBase) images are out of scope.
type IMAGE_OPTIONAL_HEADER64 struct {
	Magic                       uint16
	MajorLinkerVersion          uint8
	MinorLinkerVersion          uint8
	SizeOfCode                  uint32
	SizeOfInitializedData       uint32
	SizeOfUninitializedData     uint32
	AddressOfEntryPoint         uint32
	BaseOfCode                  uint32
	ImageBase                   uint64
	SectionAlignment            uint32
	FileAlignment               uint32
	MajorOperatingSystemVersion uint16
	MinorOperatingSystemVersion uint16
	MajorImageVersion           uint16
	MinorImageVersion           uint16
	MajorSubsystemVersion       uint16
	MinorSubsystemVersion       uint16
	Win32VersionValue           uint32
	SizeOfImage                 uint32
	SizeOfHeaders               uint32
	CheckSum                    uint32
	Subsystem                   uint16
	DllCharacteristics          uint16
	SizeOfStackReserve          uint64
	SizeOfStackCommit           uint64
	SizeOfHeapReserve           uint64
	SizeOfHeapCommit            uint64
	LoaderFlags                 uint32
	NumberOfRvaAndSizes         uint32
	DataDirectory               [IMAGE_NUMBEROF_DIRECTORY_ENTRIES]IMAGE_DATA_DIRECTORY
}

// imageOffset recovers the high half of the module base. Section
// headers stash only the low 32 bits of each section's address in
// PhysicalAddress, so consumers OR this back in to reconstruct the full
// 64-bit address.
func (oh *IMAGE_OPTIONAL_HEADER64) imageOffset() uintptr {
	return uintptr(oh.ImageBase & 0xffffffff00000000)
}

type IMAGE_NT_HEADERS struct {
	Signature      uint32
	FileHeader     IMAGE_FILE_HEADER
	OptionalHeader IMAGE_OPTIONAL_HEADER64
}

// HeaderDirectory returns a pointer to one of the sixteen data directory
// entries in the optional header.
func (h *IMAGE_NT_HEADERS) HeaderDirectory(idx int) *IMAGE_DATA_DIRECTORY {
	return &h.OptionalHeader.DataDirectory[idx]
}

func (h *IMAGE_NT_HEADERS) ImageOffset() uintptr {
	return h.OptionalHeader.imageOffset()
}

// Sections returns the section table, which in a PE image is laid out
// immediately following the optional header — not as a Go struct field,
// since its length depends on FileHeader.NumberOfSections. The returned
// slice aliases memory starting at h plus the (variable) optional header
// size, per the on-disk/in-memory PE layout.
func (h *IMAGE_NT_HEADERS) Sections() []IMAGE_SECTION_HEADER {
	firstSection := uintptr(unsafe.Pointer(h)) + unsafe.Offsetof(h.OptionalHeader) + uintptr(h.FileHeader.SizeOfOptionalHeader)
	return unsafe.Slice((*IMAGE_SECTION_HEADER)(unsafe.Pointer(firstSection)), h.FileHeader.NumberOfSections)
}

// IMAGE_SECTION_HEADER mirrors the 40-byte on-disk/in-memory section
// header. The second field is a union of VirtualSize (file perspective)
// and PhysicalAddress (the scratch use this loader makes of it once
// mapped) — accessed only through the two methods below,
// never directly, so callers can't confuse the two meanings.
type IMAGE_SECTION_HEADER struct {
	Name                  [8]byte
	virtualSizeOrPhysAddr uint32
	VirtualAddress        uint32
	SizeOfRawData         uint32
	PointerToRawData      uint32
	PointerToRelocations  uint32
	PointerToLinenumbers  uint32
	NumberOfRelocations   uint16
	NumberOfLinenumbers   uint16
	Characteristics       uint32
}

func (s *IMAGE_SECTION_HEADER) VirtualSize() uint32         { return s.virtualSizeOrPhysAddr }
func (s *IMAGE_SECTION_HEADER) SetVirtualSize(v uint32)     { s.virtualSizeOrPhysAddr = v }
func (s *IMAGE_SECTION_HEADER) PhysicalAddress() uint32     { return s.virtualSizeOrPhysAddr }
func (s *IMAGE_SECTION_HEADER) SetPhysicalAddress(v uint32) { s.virtualSizeOrPhysAddr = v }

// IMAGE_IMPORT_DESCRIPTOR describes one imported DLL. OriginalFirstThunk
// and Characteristics share storage in the real format; this loader only
// ever needs the former, via the accessor below.
type IMAGE_IMPORT_DESCRIPTOR struct {
	originalFirstThunkOrCharacteristics uint32
	TimeDateStamp                       uint32
	ForwarderChain                      uint32
	Name                                uint32
	FirstThunk                          uint32
}

func (d *IMAGE_IMPORT_DESCRIPTOR) OriginalFirstThunk() uint32 {
	return d.originalFirstThunkOrCharacteristics
}

// IMAGE_IMPORT_BY_NAME is a variably-sized hint/name pair pointed to by a
// non-ordinal import thunk; Name is the first byte of a longer
// null-terminated string.
type IMAGE_IMPORT_BY_NAME struct {
	Hint uint16
	Name [1]byte
}

type IMAGE_BASE_RELOCATION struct {
	VirtualAddress uint32
	SizeOfBlock    uint32
}

type IMAGE_TLS_DIRECTORY struct {
	StartAddressOfRawData uint64
	EndAddressOfRawData   uint64
	AddressOfIndex        uint64
	AddressOfCallbacks    uint64
	SizeOfZeroFill        uint32
	Characteristics       uint32
}

type IMAGE_EXPORT_DIRECTORY struct {
	Characteristics       uint32
	TimeDateStamp         uint32
	MajorVersion          uint16
	MinorVersion          uint16
	Name                  uint32
	Base                  uint32
	NumberOfFunctions     uint32
	NumberOfNames         uint32
	AddressOfFunctions    uint32
	AddressOfNames        uint32
	AddressOfNameOrdinals uint32
}

// ValidateHeaders checks DOS signature, NT
// signature, machine type, and section alignment against a byte image
// that has not yet been copied or mapped anywhere. It returns pointers
// into the caller's own slice — valid only as long as that slice lives,
// which is always true for the brief window memmod.LoadLibrary uses them
// in before copying the headers elsewhere.
func ValidateHeaders(data []byte) (dos *IMAGE_DOS_HEADER, nt *IMAGE_NT_HEADERS, err error) {
	if uintptr(len(data)) < unsafe.Sizeof(IMAGE_DOS_HEADER{}) {
		return nil, nil, fmt.Errorf("%w: incomplete IMAGE_DOS_HEADER", ErrBadExeFormat)
	}
	addr := uintptr(unsafe.Pointer(&data[0]))
	dos = (*IMAGE_DOS_HEADER)(unsafe.Pointer(addr))
	if dos.E_magic != IMAGE_DOS_SIGNATURE {
		return nil, nil, fmt.Errorf("%w: not an MS-DOS binary (got %#x, want %#x)", ErrBadExeFormat, dos.E_magic, IMAGE_DOS_SIGNATURE)
	}
	if dos.E_lfanew < 0 || uintptr(len(data)) < uintptr(dos.E_lfanew)+unsafe.Sizeof(IMAGE_NT_HEADERS{}) {
		return nil, nil, fmt.Errorf("%w: incomplete IMAGE_NT_HEADERS", ErrBadExeFormat)
	}
	nt = (*IMAGE_NT_HEADERS)(unsafe.Pointer(addr + uintptr(dos.E_lfanew)))
	if nt.Signature != IMAGE_NT_SIGNATURE {
		return nil, nil, fmt.Errorf("%w: not an NT binary (got %#x, want %#x)", ErrBadExeFormat, nt.Signature, IMAGE_NT_SIGNATURE)
	}
	if nt.FileHeader.Machine != IMAGE_FILE_MACHINE_AMD64 {
		return nil, nil, fmt.Errorf("%w: foreign platform (got %#x, want %#x)", ErrBadExeFormat, nt.FileHeader.Machine, IMAGE_FILE_MACHINE_AMD64)
	}
	if nt.OptionalHeader.SectionAlignment&1 != 0 {
		return nil, nil, fmt.Errorf("%w: unaligned section", ErrBadExeFormat)
	}
	return dos, nt, nil
}
