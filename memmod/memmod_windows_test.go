/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2021 WireGuard LLC. All Rights Reserved.
 */

package memmod

import (
	"errors"
	"syscall"
	"testing"
	"unsafe"

	"github.com/darkit/peload/pe"
)

// Hand-assembled minimal PE32+/AMD64 DLL images used to drive LoadLibrary
// end to end. Three pages: headers (RVA 0x0), .text (RVA 0x1000, code the
// exports point into), .data (RVA 0x2000, export/relocation/TLS metadata
// plus any writable scratch bytes a scenario needs).
const (
	testImageBase  = uint64(0x180000000)
	testAlignment  = uint32(0x1000)
	testHeaderSize = 0x1000
	testTextRVA    = 0x1000
	testDataRVA    = 0x2000
	testImageSize  = 0x3000
)

type testSection struct {
	name            [8]byte
	rva             uint32
	characteristics uint32
}

// newTestImage lays down DOS/NT headers and a two-section table
// (.text executable+readable, .data readable+writable), both spanning
// one full page each, and returns the buffer along with overlay pointers
// into its NT headers and section table for the caller to finish
// populating (data directories, code bytes, export/reloc/TLS structures).
func newTestImage(t *testing.T, entryPoint uint32) ([]byte, *pe.IMAGE_NT_HEADERS, []pe.IMAGE_SECTION_HEADER) {
	t.Helper()
	buf := make([]byte, testImageSize)

	const lfanew = 0x40
	dos := (*pe.IMAGE_DOS_HEADER)(unsafe.Pointer(&buf[0]))
	dos.E_magic = pe.IMAGE_DOS_SIGNATURE
	dos.E_lfanew = lfanew

	nt := (*pe.IMAGE_NT_HEADERS)(unsafe.Pointer(&buf[lfanew]))
	nt.Signature = pe.IMAGE_NT_SIGNATURE
	nt.FileHeader.Machine = pe.IMAGE_FILE_MACHINE_AMD64
	nt.FileHeader.NumberOfSections = 2
	nt.FileHeader.SizeOfOptionalHeader = uint16(unsafe.Sizeof(pe.IMAGE_OPTIONAL_HEADER64{}))
	nt.FileHeader.Characteristics = pe.IMAGE_FILE_DLL

	nt.OptionalHeader.Magic = 0x20b
	nt.OptionalHeader.ImageBase = testImageBase
	nt.OptionalHeader.SectionAlignment = testAlignment
	nt.OptionalHeader.FileAlignment = testAlignment
	nt.OptionalHeader.SizeOfImage = testImageSize
	nt.OptionalHeader.SizeOfHeaders = testHeaderSize
	nt.OptionalHeader.AddressOfEntryPoint = entryPoint

	sections := nt.Sections()
	copy(sections[0].Name[:], ".text")
	sections[0].VirtualAddress = testTextRVA
	sections[0].PointerToRawData = testTextRVA
	sections[0].SizeOfRawData = testAlignment
	sections[0].Characteristics = 0x20000020 // CNT_CODE | MEM_EXECUTE; still readable via the lattice's EXECUTE_READ slot below
	sections[0].Characteristics |= 0x40000000 // MEM_READ

	copy(sections[1].Name[:], ".data")
	sections[1].VirtualAddress = testDataRVA
	sections[1].PointerToRawData = testDataRVA
	sections[1].SizeOfRawData = testAlignment
	sections[1].Characteristics = 0x40000000 | 0x80000000 | 0x00000040 // MEM_READ | MEM_WRITE | CNT_INITIALIZED_DATA

	return buf, nt, sections
}

func putU32(buf []byte, rva uint32, v uint32) {
	*(*uint32)(unsafe.Pointer(&buf[rva])) = v
}

func putU64(buf []byte, rva uint32, v uint64) {
	*(*uint64)(unsafe.Pointer(&buf[rva])) = v
}

func putU16(buf []byte, rva uint32, v uint16) {
	*(*uint16)(unsafe.Pointer(&buf[rva])) = v
}

func putString(buf []byte, rva uint32, s string) {
	copy(buf[rva:], s)
	buf[rva+uint32(len(s))] = 0
}

// addRelocBlock writes one IMAGE_BASE_RELOCATION block covering pageRVA,
// with a DIR64 entry at each of offsets (page-relative), at position
// pos in buf. Returns the position just past the block.
func addRelocBlock(buf []byte, pos uint32, pageRVA uint32, offsets []uint32) uint32 {
	sizeOfBlock := uint32(8 + 2*len(offsets))
	putU32(buf, pos, pageRVA)
	putU32(buf, pos+4, sizeOfBlock)
	for i, off := range offsets {
		entry := uint16(pe.IMAGE_REL_BASED_DIR64)<<12 | uint16(off&0xfff)
		putU16(buf, pos+8+uint32(i*2), entry)
	}
	return pos + sizeOfBlock
}

// buildExportImage constructs a single exported function `Test01` that
// returns 42, no imports, no relocation entries needed (the function
// body contains no absolute address).
func buildExportImage(t *testing.T) []byte {
	t.Helper()
	buf, nt, _ := newTestImage(t, 0)

	// mov eax, 42; ret
	copy(buf[testTextRVA:], []byte{0xB8, 0x2A, 0x00, 0x00, 0x00, 0xC3})

	const nameRVA = testDataRVA + 0x10
	const funcsRVA = testDataRVA + 0x40
	const namesRVA = testDataRVA + 0x48
	const ordsRVA = testDataRVA + 0x50
	const exportDirRVA = testDataRVA + 0x60

	putString(buf, nameRVA, "Test01")
	putU32(buf, funcsRVA, testTextRVA)
	putU32(buf, namesRVA, nameRVA)
	putU16(buf, ordsRVA, 0)

	exports := (*pe.IMAGE_EXPORT_DIRECTORY)(unsafe.Pointer(&buf[exportDirRVA]))
	exports.Base = 1
	exports.NumberOfFunctions = 1
	exports.NumberOfNames = 1
	exports.AddressOfFunctions = funcsRVA
	exports.AddressOfNames = namesRVA
	exports.AddressOfNameOrdinals = ordsRVA

	*nt.HeaderDirectory(pe.IMAGE_DIRECTORY_ENTRY_EXPORT) = pe.IMAGE_DATA_DIRECTORY{
		VirtualAddress: exportDirRVA,
		Size:           0x40,
	}
	return buf
}

// buildMissingDependencyImage constructs an image that imports a
// dependency that does not exist on the host, so LoadLibrary must fail
// with ErrModuleNotFound.
func buildMissingDependencyImage(t *testing.T) []byte {
	t.Helper()
	buf, nt, _ := newTestImage(t, 0)

	const dllNameRVA = testDataRVA + 0x10
	const iatRVA = testDataRVA + 0x40
	const descRVA = testDataRVA + 0x60

	putString(buf, dllNameRVA, "NoSuchLib.dll")
	putU64(buf, iatRVA, 0) // terminate immediately once the dependency fails to load

	type importDescriptor struct {
		originalFirstThunk uint32
		timeDateStamp      uint32
		forwarderChain     uint32
		name               uint32
		firstThunk         uint32
	}
	desc := (*importDescriptor)(unsafe.Pointer(&buf[descRVA]))
	desc.name = dllNameRVA
	desc.firstThunk = iatRVA

	*nt.HeaderDirectory(pe.IMAGE_DIRECTORY_ENTRY_IMPORT) = pe.IMAGE_DATA_DIRECTORY{
		VirtualAddress: descRVA,
		Size:           uint32(unsafe.Sizeof(importDescriptor{})),
	}
	return buf
}

// buildDependencyImage constructs a successful import-binding scenario:
// the image imports GetCurrentProcessId from kernel32.dll, a dependency
// and export guaranteed to be present and side-effect-free to bind.
func buildDependencyImage(t *testing.T) []byte {
	t.Helper()
	buf, nt, _ := newTestImage(t, 0)

	const dllNameRVA = testDataRVA + 0x10
	const funcNameRVA = testDataRVA + 0x20 // IMAGE_IMPORT_BY_NAME (Hint + name)
	const iatRVA = testDataRVA + 0x60
	const descRVA = testDataRVA + 0x80

	putString(buf, dllNameRVA, "kernel32.dll")
	putU16(buf, funcNameRVA, 0) // Hint
	putString(buf, funcNameRVA+2, "GetCurrentProcessId")

	putU64(buf, iatRVA, uint64(funcNameRVA))
	putU64(buf, iatRVA+8, 0)

	type importDescriptor struct {
		originalFirstThunk uint32
		timeDateStamp      uint32
		forwarderChain     uint32
		name               uint32
		firstThunk         uint32
	}
	desc := (*importDescriptor)(unsafe.Pointer(&buf[descRVA]))
	desc.name = dllNameRVA
	desc.firstThunk = iatRVA

	*nt.HeaderDirectory(pe.IMAGE_DIRECTORY_ENTRY_IMPORT) = pe.IMAGE_DATA_DIRECTORY{
		VirtualAddress: descRVA,
		Size:           uint32(unsafe.Sizeof(importDescriptor{})),
	}
	return buf
}

// buildTLSImage constructs an image whose TLS callback writes a sentinel
// byte into a data-section byte, and whose `get_sentinel` export reads it
// back. Both
// functions embed the byte's preferred-base-relative absolute address
// and so need DIR64 relocations; so does the TLS directory's own
// AddressOfCallbacks field and its one callback-array slot, matching how
// a real toolchain would emit this directory.
func buildTLSImage(t *testing.T) []byte {
	t.Helper()
	buf, nt, _ := newTestImage(t, 0)

	const sentinelRVA = testDataRVA + 0x00
	const sentinelNameRVA = testDataRVA + 0x20
	const funcsRVA = testDataRVA + 0x40
	const namesRVA = testDataRVA + 0x48
	const ordsRVA = testDataRVA + 0x50
	const exportDirRVA = testDataRVA + 0x60
	const tlsDirRVA = testDataRVA + 0xA0
	const callbackArrayRVA = testDataRVA + 0xD0
	const relocRVA = testDataRVA + 0xF0

	const tlsCallbackRVA = testTextRVA + 0x10
	const getSentinelRVA = testTextRVA + 0x30

	sentinelVA := testImageBase + sentinelRVA

	// movabs rax, sentinelVA; mov byte [rax], 0xAB; ret
	tlsCode := []byte{0x48, 0xB8, 0, 0, 0, 0, 0, 0, 0, 0, 0xC6, 0x00, 0xAB, 0xC3}
	putU64(tlsCode, 2, sentinelVA)
	copy(buf[tlsCallbackRVA:], tlsCode)

	// movabs rax, sentinelVA; movzx eax, byte [rax]; ret
	getCode := []byte{0x48, 0xB8, 0, 0, 0, 0, 0, 0, 0, 0, 0x0F, 0xB6, 0x00, 0xC3}
	putU64(getCode, 2, sentinelVA)
	copy(buf[getSentinelRVA:], getCode)

	putString(buf, sentinelNameRVA, "get_sentinel")
	putU32(buf, funcsRVA, getSentinelRVA)
	putU32(buf, namesRVA, sentinelNameRVA)
	putU16(buf, ordsRVA, 0)

	exports := (*pe.IMAGE_EXPORT_DIRECTORY)(unsafe.Pointer(&buf[exportDirRVA]))
	exports.Base = 1
	exports.NumberOfFunctions = 1
	exports.NumberOfNames = 1
	exports.AddressOfFunctions = funcsRVA
	exports.AddressOfNames = namesRVA
	exports.AddressOfNameOrdinals = ordsRVA
	*nt.HeaderDirectory(pe.IMAGE_DIRECTORY_ENTRY_EXPORT) = pe.IMAGE_DATA_DIRECTORY{
		VirtualAddress: exportDirRVA,
		Size:           0x40,
	}

	putU64(buf, callbackArrayRVA, testImageBase+tlsCallbackRVA)
	putU64(buf, callbackArrayRVA+8, 0)

	tls := (*pe.IMAGE_TLS_DIRECTORY)(unsafe.Pointer(&buf[tlsDirRVA]))
	tls.AddressOfCallbacks = testImageBase + callbackArrayRVA
	*nt.HeaderDirectory(pe.IMAGE_DIRECTORY_ENTRY_TLS) = pe.IMAGE_DATA_DIRECTORY{
		VirtualAddress: tlsDirRVA,
		Size:           uint32(unsafe.Sizeof(pe.IMAGE_TLS_DIRECTORY{})),
	}

	callbacksFieldOffset := uint32(unsafe.Offsetof(tls.AddressOfCallbacks))
	pos := addRelocBlock(buf, relocRVA, testTextRVA, []uint32{
		tlsCallbackRVA + 2 - testTextRVA,
		getSentinelRVA + 2 - testTextRVA,
	})
	addRelocBlock(buf, pos, testDataRVA, []uint32{
		tlsDirRVA + callbacksFieldOffset - testDataRVA,
		callbackArrayRVA - testDataRVA,
	})
	*nt.HeaderDirectory(pe.IMAGE_DIRECTORY_ENTRY_BASERELOC) = pe.IMAGE_DATA_DIRECTORY{
		VirtualAddress: relocRVA,
		Size:           0x40,
	}
	return buf
}

// TestLoadLibraryMinimalExport loads an image with a single exported
// function, resolves it by name, and calls it, checking the value its
// body computes.
func TestLoadLibraryMinimalExport(t *testing.T) {
	module, err := LoadLibrary(buildExportImage(t))
	if err != nil {
		t.Fatalf("LoadLibrary: %v", err)
	}
	defer module.Free()

	addr, err := module.ProcAddressByName("Test01")
	if err != nil {
		t.Fatalf("ProcAddressByName: %v", err)
	}
	// Foreign machine code is invoked the same way the loader itself
	// dispatches entry points, never through a Go func value.
	if got, _, _ := syscall.SyscallN(addr); got != 42 {
		t.Fatalf("Test01() = %d, want 42", got)
	}

	if _, err := module.ProcAddressByName("NoSuchExport"); !errors.Is(err, pe.ErrProcNotFound) {
		t.Fatalf("lookup of missing export: error = %v, want ErrProcNotFound", err)
	}
}

// TestLoadLibraryMissingDependency checks that an import descriptor
// naming a dependency the host cannot resolve fails the whole load with
// ErrModuleNotFound, and leaves no module behind.
func TestLoadLibraryMissingDependency(t *testing.T) {
	_, err := LoadLibrary(buildMissingDependencyImage(t))
	if !errors.Is(err, pe.ErrModuleNotFound) {
		t.Fatalf("error = %v, want ErrModuleNotFound", err)
	}
}

// TestLoadLibraryBindsDependency checks that an image with a resolvable
// import dependency loads successfully, using a dependency guaranteed to
// exist and be harmless to bind.
func TestLoadLibraryBindsDependency(t *testing.T) {
	module, err := LoadLibrary(buildDependencyImage(t))
	if err != nil {
		t.Fatalf("LoadLibrary: %v", err)
	}
	defer module.Free()
	if len(module.dependencies) != 1 {
		t.Fatalf("dependencies = %d, want 1", len(module.dependencies))
	}
}

// TestLoadLibraryTLSCallback checks that the TLS callback has already
// run by the time LoadLibrary returns, so a resolved export can observe
// its effect.
func TestLoadLibraryTLSCallback(t *testing.T) {
	module, err := LoadLibrary(buildTLSImage(t))
	if err != nil {
		t.Fatalf("LoadLibrary: %v", err)
	}
	defer module.Free()

	addr, err := module.ProcAddressByName("get_sentinel")
	if err != nil {
		t.Fatalf("ProcAddressByName: %v", err)
	}
	if got, _, _ := syscall.SyscallN(addr); got != 0xAB {
		t.Fatalf("get_sentinel() = %#x, want 0xab", got)
	}
}

// TestLoadLibraryForcedRelocation loads two instances of an image that
// both prefer the same base. At most one can be placed there, so at
// least one must relocate; both copies' exports must still return the
// sentinel, and the export must sit at the same offset from each
// instance's base.
func TestLoadLibraryForcedRelocation(t *testing.T) {
	image := buildTLSImage(t)
	first, err := LoadLibrary(image)
	if err != nil {
		t.Fatalf("first LoadLibrary: %v", err)
	}
	defer first.Free()
	second, err := LoadLibrary(image)
	if err != nil {
		t.Fatalf("second LoadLibrary: %v", err)
	}
	defer second.Free()

	if first.BaseAddress() == second.BaseAddress() {
		t.Fatalf("both instances at %#x", first.BaseAddress())
	}
	if !first.Relocated() || !second.Relocated() {
		t.Fatalf("relocated = %v, %v, want true, true", first.Relocated(), second.Relocated())
	}

	addr1, err := first.ProcAddressByName("get_sentinel")
	if err != nil {
		t.Fatalf("first ProcAddressByName: %v", err)
	}
	addr2, err := second.ProcAddressByName("get_sentinel")
	if err != nil {
		t.Fatalf("second ProcAddressByName: %v", err)
	}
	if addr1 == addr2 {
		t.Fatalf("both instances resolved get_sentinel to %#x", addr1)
	}
	if addr1-first.BaseAddress() != addr2-second.BaseAddress() {
		t.Fatalf("export offsets differ: %#x vs %#x",
			addr1-first.BaseAddress(), addr2-second.BaseAddress())
	}
	if got, _, _ := syscall.SyscallN(addr1); got != 0xAB {
		t.Fatalf("first get_sentinel() = %#x, want 0xab", got)
	}
	if got, _, _ := syscall.SyscallN(addr2); got != 0xAB {
		t.Fatalf("second get_sentinel() = %#x, want 0xab", got)
	}
}

// TestLoadLibraryDeltaWithoutRelocationDirectory checks that an image
// carrying no relocation directory is rejected when it cannot be placed
// at its preferred base.
func TestLoadLibraryDeltaWithoutRelocationDirectory(t *testing.T) {
	image := buildExportImage(t)
	first, err := LoadLibrary(image)
	if err != nil {
		t.Fatalf("first LoadLibrary: %v", err)
	}
	defer first.Free()
	if first.BaseAddress() != uintptr(testImageBase) {
		t.Skipf("preferred base %#x unavailable, cannot force a delta deterministically", testImageBase)
	}

	// The preferred base is occupied by the first instance, so this copy
	// lands elsewhere, and with no relocation directory that is fatal.
	if _, err := LoadLibrary(image); !errors.Is(err, pe.ErrBadExeFormat) {
		t.Fatalf("error = %v, want ErrBadExeFormat", err)
	}
}

// buildEntryImage constructs an image with an entry point that reports
// the given attach status (nonzero return means successful attach).
func buildEntryImage(t *testing.T, succeed bool) []byte {
	t.Helper()
	buf, _, _ := newTestImage(t, testTextRVA)
	if succeed {
		// mov eax, 1; ret
		copy(buf[testTextRVA:], []byte{0xB8, 0x01, 0x00, 0x00, 0x00, 0xC3})
	} else {
		// xor eax, eax; ret
		copy(buf[testTextRVA:], []byte{0x31, 0xC0, 0xC3})
	}
	return buf
}

// TestLoadLibraryEntryPoint checks that an entry point returning TRUE
// marks the module initialized, and one returning FALSE fails the whole
// load with ErrDllInitFailed.
func TestLoadLibraryEntryPoint(t *testing.T) {
	module, err := LoadLibrary(buildEntryImage(t, true))
	if err != nil {
		t.Fatalf("LoadLibrary: %v", err)
	}
	if !module.Initialized() {
		t.Fatal("module not marked initialized after successful attach")
	}
	module.Free()

	if _, err := LoadLibrary(buildEntryImage(t, false)); !errors.Is(err, pe.ErrDllInitFailed) {
		t.Fatalf("error = %v, want ErrDllInitFailed", err)
	}
}

// TestLoadLibraryBadMagic checks that a buffer of zeros is never
// accepted as a valid DOS header.
func TestLoadLibraryBadMagic(t *testing.T) {
	_, err := LoadLibrary(make([]byte, 64))
	if !errors.Is(err, pe.ErrBadExeFormat) {
		t.Fatalf("error = %v, want ErrBadExeFormat", err)
	}
}

// TestLoadFreeLeakFreedom checks that repeated load/unload pairs over
// the same image do not accumulate live modules sharing its content
// digest.
func TestLoadFreeLeakFreedom(t *testing.T) {
	image := buildExportImage(t)
	var digest [32]byte
	for i := 0; i < 8; i++ {
		module, err := LoadLibrary(image)
		if err != nil {
			t.Fatalf("iteration %d: LoadLibrary: %v", i, err)
		}
		digest = module.digest
		if got := defaultRegistry.LiveCount(digest); got != 1 {
			t.Fatalf("iteration %d: LiveCount = %d, want 1", i, got)
		}
		if err := module.Free(); err != nil {
			t.Fatalf("iteration %d: Free: %v", i, err)
		}
	}
	if got := defaultRegistry.LiveCount(digest); got != 0 {
		t.Fatalf("LiveCount after final Free = %d, want 0", got)
	}
}
