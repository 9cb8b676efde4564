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

// buildImportTable loads each named
// dependency through the host OS loader and patches the IAT in place,
// resolving each thunk by ordinal or by name.
func (module *Module) buildImportTable() error {
	directory := module.headerDirectory(pe.IMAGE_DIRECTORY_ENTRY_IMPORT)
	if directory.Size == 0 {
		return nil
	}

	module.dependencies = make([]windows.Handle, 0, 16)
	importDesc := (*pe.IMAGE_IMPORT_DESCRIPTOR)(a2p(module.codeBase + uintptr(directory.VirtualAddress)))
	for importDesc.Name != 0 {
		name := windows.BytePtrToString((*byte)(a2p(module.codeBase + uintptr(importDesc.Name))))
		handle, err := windows.LoadLibraryEx(name, 0, windows.LOAD_LIBRARY_SEARCH_SYSTEM32)
		if err != nil {
			return fmt.Errorf("%w: loading %s: %v", pe.ErrModuleNotFound, name, err)
		}
		module.dependencies = append(module.dependencies, handle)

		var thunkRef, funcRef *uintptr
		if importDesc.OriginalFirstThunk() != 0 {
			thunkRef = (*uintptr)(a2p(module.codeBase + uintptr(importDesc.OriginalFirstThunk())))
			funcRef = (*uintptr)(a2p(module.codeBase + uintptr(importDesc.FirstThunk)))
		} else {
			// No hint table: both arrays degenerate to the IAT itself.
			thunkRef = (*uintptr)(a2p(module.codeBase + uintptr(importDesc.FirstThunk)))
			funcRef = (*uintptr)(a2p(module.codeBase + uintptr(importDesc.FirstThunk)))
		}
		for *thunkRef != 0 {
			var resolveErr error
			if pe.IMAGE_SNAP_BY_ORDINAL(*thunkRef) {
				*funcRef, resolveErr = windows.GetProcAddressByOrdinal(handle, uintptr(pe.IMAGE_ORDINAL(*thunkRef)))
			} else {
				thunkData := (*pe.IMAGE_IMPORT_BY_NAME)(a2p(module.codeBase + *thunkRef))
				*funcRef, resolveErr = windows.GetProcAddress(handle, windows.BytePtrToString(&thunkData.Name[0]))
			}
			if resolveErr != nil {
				return fmt.Errorf("%w: %v", pe.ErrProcNotFound, resolveErr)
			}
			thunkRef = (*uintptr)(a2p(uintptr(unsafe.Pointer(thunkRef)) + unsafe.Sizeof(*thunkRef)))
			funcRef = (*uintptr)(a2p(uintptr(unsafe.Pointer(funcRef)) + unsafe.Sizeof(*funcRef)))
		}
		importDesc = (*pe.IMAGE_IMPORT_DESCRIPTOR)(a2p(uintptr(unsafe.Pointer(importDesc)) + unsafe.Sizeof(*importDesc)))
	}
	return nil
}
