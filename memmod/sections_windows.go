/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2021 WireGuard LLC. All Rights Reserved.
 */

package memmod

import (
	"errors"
	"fmt"
	"unsafe"

	"golang.org/x/sys/windows"

	"github.com/darkit/peload/pe"
)

// copySections commits each section's virtual range and either
// zero-fills it (uninitialized data, SizeOfRawData==0) or copies its raw
// bytes from the input image.
func (module *Module) copySections(address uintptr, size uintptr, oldHeaders *pe.IMAGE_NT_HEADERS) error {
	sections := module.headers.Sections()
	for i := range sections {
		if sections[i].SizeOfRawData == 0 {
			sectionSize := oldHeaders.OptionalHeader.SectionAlignment
			if sectionSize == 0 {
				continue
			}
			dest, err := windows.VirtualAlloc(module.codeBase+uintptr(sections[i].VirtualAddress),
				uintptr(sectionSize),
				windows.MEM_COMMIT,
				windows.PAGE_READWRITE)
			if err != nil {
				return fmt.Errorf("%w: allocating section: %v", pe.ErrOutOfMemory, err)
			}

			// Always use the position from the file so alignments
			// smaller than a page (the allocation above rounds up to
			// one) are still respected.
			dest = module.codeBase + uintptr(sections[i].VirtualAddress)
			sections[i].SetPhysicalAddress(uint32(dest & 0xffffffff))
			dst := unsafe.Slice((*byte)(a2p(dest)), sectionSize)
			for j := range dst {
				dst[j] = 0
			}
			continue
		}

		if size < uintptr(sections[i].PointerToRawData+sections[i].SizeOfRawData) {
			return fmt.Errorf("%w: incomplete section", pe.ErrBadExeFormat)
		}

		dest, err := windows.VirtualAlloc(module.codeBase+uintptr(sections[i].VirtualAddress),
			uintptr(sections[i].SizeOfRawData),
			windows.MEM_COMMIT,
			windows.PAGE_READWRITE)
		if err != nil {
			return fmt.Errorf("%w: allocating memory block: %v", pe.ErrOutOfMemory, err)
		}

		memcpy(
			module.codeBase+uintptr(sections[i].VirtualAddress),
			address+uintptr(sections[i].PointerToRawData),
			uintptr(sections[i].SizeOfRawData))
		sections[i].SetPhysicalAddress(uint32(dest & 0xffffffff))
	}

	return nil
}

func (module *Module) realSectionSize(section *pe.IMAGE_SECTION_HEADER) uintptr {
	if size := section.SizeOfRawData; size != 0 {
		return uintptr(size)
	}
	if section.Characteristics&pe.IMAGE_SCN_CNT_INITIALIZED_DATA != 0 {
		return uintptr(module.headers.OptionalHeader.SizeOfInitializedData)
	}
	if section.Characteristics&pe.IMAGE_SCN_CNT_UNINITIALIZED_DATA != 0 {
		return uintptr(module.headers.OptionalHeader.SizeOfUninitializedData)
	}
	return 0
}

type sectionFinalizeData struct {
	address         uintptr
	alignedAddress  uintptr
	size            uintptr
	characteristics uint32
	last            bool
}

// protectionFlags is the 2x2x2 lattice over (Executable, Readable,
// Writable), indexed by characteristics>>29.
var protectionFlags = [8]uint32{
	windows.PAGE_NOACCESS,
	windows.PAGE_EXECUTE,
	windows.PAGE_READONLY,
	windows.PAGE_EXECUTE_READ,
	windows.PAGE_WRITECOPY,
	windows.PAGE_EXECUTE_WRITECOPY,
	windows.PAGE_READWRITE,
	windows.PAGE_EXECUTE_READWRITE,
}

func (module *Module) finalizeSection(sectionData *sectionFinalizeData) error {
	if sectionData.size == 0 {
		return nil
	}

	if sectionData.characteristics&pe.IMAGE_SCN_MEM_DISCARDABLE != 0 {
		// Only allowed to decommit whole pages.
		if sectionData.address == sectionData.alignedAddress &&
			(sectionData.last ||
				module.headers.OptionalHeader.SectionAlignment == module.pageSize ||
				(sectionData.size%uintptr(module.pageSize)) == 0) {
			windows.VirtualFree(sectionData.address, sectionData.size, windows.MEM_DECOMMIT)
			return nil
		}
	}

	protect := protectionFlags[sectionData.characteristics>>29]
	if sectionData.characteristics&pe.IMAGE_SCN_MEM_NOT_CACHED != 0 {
		protect |= windows.PAGE_NOCACHE
	}

	var oldProtect uint32
	if err := windows.VirtualProtect(sectionData.address, sectionData.size, protect, &oldProtect); err != nil {
		return fmt.Errorf("%w: protecting memory page: %v", pe.ErrOutOfMemory, err)
	}
	return nil
}

// finalizeSections coalesces runs of
// sections that share a page, OR-ing their characteristics (clearing
// DISCARDABLE if any merged section is not discardable), then applies one
// VirtualProtect (or decommit) per coalesced window.
func (module *Module) finalizeSections() error {
	sections := module.headers.Sections()
	imageOffset := module.headers.ImageOffset()
	sectionData := sectionFinalizeData{}
	sectionData.address = uintptr(sections[0].PhysicalAddress()) | imageOffset
	sectionData.alignedAddress = alignDown(sectionData.address, uintptr(module.pageSize))
	sectionData.size = module.realSectionSize(&sections[0])
	sectionData.characteristics = sections[0].Characteristics
	sections[0].SetVirtualSize(uint32(sectionData.size))

	for i := uint16(1); i < module.headers.FileHeader.NumberOfSections; i++ {
		sectionAddress := uintptr(sections[i].PhysicalAddress()) | imageOffset
		alignedAddress := alignDown(sectionAddress, uintptr(module.pageSize))
		sectionSize := module.realSectionSize(&sections[i])
		sections[i].SetVirtualSize(uint32(sectionSize))

		// Sections sharing a page inherit each other's characteristics;
		// a trailing large section can end up sharing flags with the
		// page of a leading small one — acceptable.
		if sectionData.alignedAddress == alignedAddress || sectionData.address+sectionData.size > alignedAddress {
			if sections[i].Characteristics&pe.IMAGE_SCN_MEM_DISCARDABLE == 0 || sectionData.characteristics&pe.IMAGE_SCN_MEM_DISCARDABLE == 0 {
				sectionData.characteristics = (sectionData.characteristics | sections[i].Characteristics) &^ pe.IMAGE_SCN_MEM_DISCARDABLE
			} else {
				sectionData.characteristics |= sections[i].Characteristics
			}
			sectionData.size = sectionAddress + sectionSize - sectionData.address
			continue
		}

		if err := module.finalizeSection(&sectionData); err != nil {
			return fmt.Errorf("finalizing section: %w", err)
		}
		sectionData.address = sectionAddress
		sectionData.alignedAddress = alignedAddress
		sectionData.size = sectionSize
		sectionData.characteristics = sections[i].Characteristics
	}
	sectionData.last = true
	if err := module.finalizeSection(&sectionData); err != nil {
		return fmt.Errorf("finalizing section: %w", err)
	}
	return nil
}

// registerExceptionHandlers registers the image's exception directory
// (if any) with the process's dynamic function table, so that stack
// unwinding and SEH work across frames inside the manually mapped code.
// This mirrors what the OS loader itself would derive from the PE — nothing more.
func (module *Module) registerExceptionHandlers() error {
	directory := module.headerDirectory(pe.IMAGE_DIRECTORY_ENTRY_EXCEPTION)
	if directory.Size == 0 || directory.VirtualAddress == 0 {
		return nil
	}
	runtimeFuncs := (*windows.RUNTIME_FUNCTION)(a2p(module.codeBase + uintptr(directory.VirtualAddress)))
	count := uint32(uintptr(directory.Size) / unsafe.Sizeof(*runtimeFuncs))
	if !windows.RtlAddFunctionTable(runtimeFuncs, count, module.codeBase) {
		return errors.New("RtlAddFunctionTable failed")
	}
	module.exceptionTableRegistered = true
	return nil
}
