/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2021 WireGuard LLC. All Rights Reserved.
 */

package memmod

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/windows"

	"github.com/darkit/peload/pe"
)

// SYSTEM_INFO mirrors the Win32 structure of the same name; only PageSize
// is ever read (the real system page size is needed for
// alignment when coalescing section protection).
type systemInfo struct {
	ProcessorArchitecture     uint16
	reserved                  uint16
	PageSize                  uint32
	MinimumApplicationAddress uintptr
	MaximumApplicationAddress uintptr
	ActiveProcessorMask       uintptr
	NumberOfProcessors        uint32
	ProcessorType             uint32
	AllocationGranularity     uint32
	ProcessorLevel            uint16
	ProcessorRevision         uint16
}

var (
	modkernel32             = windows.NewLazySystemDLL("kernel32.dll")
	procGetNativeSystemInfo = modkernel32.NewProc("GetNativeSystemInfo")
)

func getNativeSystemInfo(info *systemInfo) {
	procGetNativeSystemInfo.Call(uintptr(unsafe.Pointer(info)))
}

// check4GBBoundaries re-homes the reservation if it straddles a 4GiB
// boundary. A handful of compilers emit 32-bit-relative addressing that
// assumes the whole image lives inside one 4GiB window; crossing the
// boundary silently corrupts those accesses, so this loader refuses to
// keep a reservation that crosses one and retries elsewhere instead.
func (module *Module) check4GBBoundaries(size uintptr) error {
	const fourGB = uintptr(1) << 32
	const maxAttempts = 8
	for attempt := 0; (module.codeBase>>32) != ((module.codeBase+size-1)>>32) && attempt < maxAttempts; attempt++ {
		windows.VirtualFree(module.codeBase, 0, windows.MEM_RELEASE)
		base, err := windows.VirtualAlloc(0, size, windows.MEM_RESERVE|windows.MEM_COMMIT, windows.PAGE_READWRITE)
		if err != nil {
			return fmt.Errorf("%w: %v", pe.ErrOutOfMemory, err)
		}
		module.codeBase = base
	}
	if (module.codeBase>>32) != ((module.codeBase+size-1)>>32) {
		windows.VirtualFree(module.codeBase, 0, windows.MEM_RELEASE)
		module.codeBase = 0
		return fmt.Errorf("%w: could not find a reservation within one 4GiB window", pe.ErrOutOfMemory)
	}
	return nil
}

func memcpy(dst, src, size uintptr) {
	copy(unsafe.Slice((*byte)(a2p(dst)), size), unsafe.Slice((*byte)(a2p(src)), size))
}

func a2p(addr uintptr) unsafe.Pointer {
	return unsafe.Pointer(addr)
}

func alignDown(value, alignment uintptr) uintptr {
	return value &^ (alignment - 1)
}

func alignUp(value, alignment uintptr) uintptr {
	return (value + alignment - 1) &^ (alignment - 1)
}
