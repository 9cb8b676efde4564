/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2021 WireGuard LLC. All Rights Reserved.
 */

package memmod

import (
	"unsafe"

	"github.com/darkit/peload/pe"
)

// executeTLS walks the TLS directory's
// callback array and invokes each one with DLL_PROCESS_ATTACH, in array
// order, before the module's own entry point runs.
func (module *Module) executeTLS() {
	directory := module.headerDirectory(pe.IMAGE_DIRECTORY_ENTRY_TLS)
	if directory.VirtualAddress == 0 {
		return
	}

	tls := (*pe.IMAGE_TLS_DIRECTORY)(a2p(module.codeBase + uintptr(directory.VirtualAddress)))
	callback := uintptr(tls.AddressOfCallbacks)
	if callback == 0 {
		return
	}
	for {
		f := *(*uintptr)(a2p(callback))
		if f == 0 {
			break
		}
		if _, err := callEntry(f, module.codeBase, pe.DLL_PROCESS_ATTACH); err != nil && module.registry != nil {
			module.registry.logf("memmod: TLS callback: %v", err)
		}
		callback += unsafe.Sizeof(f)
	}
}
