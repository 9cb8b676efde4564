/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2021 WireGuard LLC. All Rights Reserved.
 */

package memmod

import (
	"fmt"
	"unsafe"

	"github.com/darkit/peload/pe"
)

// buildNameExports populates the module's name->ordinal index from the
// export directory at Load time, so ProcAddressByName never has to
// re-walk the (sorted) name table per lookup.
func (module *Module) buildNameExports() error {
	directory := module.headerDirectory(pe.IMAGE_DIRECTORY_ENTRY_EXPORT)
	if directory.Size == 0 {
		return fmt.Errorf("%w: no export table found", pe.ErrProcNotFound)
	}
	exports := (*pe.IMAGE_EXPORT_DIRECTORY)(a2p(module.codeBase + uintptr(directory.VirtualAddress)))
	if exports.NumberOfNames == 0 || exports.NumberOfFunctions == 0 {
		return fmt.Errorf("%w: no functions exported", pe.ErrProcNotFound)
	}

	nameRefs := unsafe.Slice((*uint32)(a2p(module.codeBase+uintptr(exports.AddressOfNames))), exports.NumberOfNames)
	ordinals := unsafe.Slice((*uint16)(a2p(module.codeBase+uintptr(exports.AddressOfNameOrdinals))), exports.NumberOfNames)
	module.nameExports = make(map[string]uint16, len(nameRefs))
	for i := range nameRefs {
		nameArray := (*[1 << 30]byte)(a2p(module.codeBase + uintptr(nameRefs[i])))
		for nameLen := 0; ; nameLen++ {
			if nameLen >= len(nameArray) || nameArray[nameLen] == 0 {
				module.nameExports[string(nameArray[:nameLen])] = ordinals[i]
				break
			}
		}
	}
	return nil
}

// ProcAddressByName is a name-only lookup in the name->ordinal map that
// buildNameExports fills once at Load time; the export directory's name
// table is not scanned again per lookup.
func (module *Module) ProcAddressByName(name string) (uintptr, error) {
	directory := module.headerDirectory(pe.IMAGE_DIRECTORY_ENTRY_EXPORT)
	if directory.Size == 0 {
		return 0, fmt.Errorf("%w: no export table found", pe.ErrProcNotFound)
	}
	exports := (*pe.IMAGE_EXPORT_DIRECTORY)(a2p(module.codeBase + uintptr(directory.VirtualAddress)))
	if module.nameExports == nil {
		return 0, fmt.Errorf("%w: no functions exported by name", pe.ErrProcNotFound)
	}
	idx, ok := module.nameExports[name]
	if !ok {
		return 0, fmt.Errorf("%w: %s", pe.ErrProcNotFound, name)
	}
	if uint32(idx) >= exports.NumberOfFunctions {
		return 0, fmt.Errorf("%w: ordinal %d out of range", pe.ErrProcNotFound, idx)
	}
	return module.codeBase + uintptr(*(*uint32)(a2p(module.codeBase + uintptr(exports.AddressOfFunctions) + uintptr(idx)*4))), nil
}

// ProcAddressByOrdinal resolves a symbol directly by its export ordinal,
// bypassing the name table entirely.
func (module *Module) ProcAddressByOrdinal(ordinal uint16) (uintptr, error) {
	directory := module.headerDirectory(pe.IMAGE_DIRECTORY_ENTRY_EXPORT)
	if directory.Size == 0 {
		return 0, fmt.Errorf("%w: no export table found", pe.ErrProcNotFound)
	}
	exports := (*pe.IMAGE_EXPORT_DIRECTORY)(a2p(module.codeBase + uintptr(directory.VirtualAddress)))
	if uint32(ordinal) < exports.Base {
		return 0, fmt.Errorf("%w: ordinal %d too low", pe.ErrProcNotFound, ordinal)
	}
	idx := ordinal - uint16(exports.Base)
	if uint32(idx) >= exports.NumberOfFunctions {
		return 0, fmt.Errorf("%w: ordinal %d too high", pe.ErrProcNotFound, ordinal)
	}
	return module.codeBase + uintptr(*(*uint32)(a2p(module.codeBase + uintptr(exports.AddressOfFunctions) + uintptr(idx)*4))), nil
}
