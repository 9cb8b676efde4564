/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2021 WireGuard LLC. All Rights Reserved.
 */

// Package memmod manually maps a PE32+/AMD64 dynamic library image into
// the current process's address space without ever writing it to disk:
// it validates headers, reserves and populates the image's virtual
// range, applies base relocations, binds imports through the host OS
// loader, finalizes page protection, runs TLS callbacks and the entry
// point, and tears all of that back down symmetrically on Free.
//
// Ported from: Memory DLL loading code 0.0.4 by Joachim Bauch
// <mail@joachim-bauch.de>, by way of WireGuard's wintun/memmod package.
package memmod

import (
	"fmt"
	"syscall"
	"unsafe"

	"golang.org/x/sys/windows"

	"github.com/darkit/peload/pe"
)

// Module is the opaque handle returned by LoadLibrary. Every field is
// write-once at Load time; nothing about a Module changes observably
// until Free.
type Module struct {
	headers      *pe.IMAGE_NT_HEADERS
	codeBase     uintptr
	imageSize    uintptr
	dependencies []windows.Handle
	initialized  bool
	isDLL        bool
	isRelocated  bool
	nameExports  map[string]uint16
	entry        uintptr
	pageSize     uint32

	exceptionTableRegistered bool
	digest                   [32]byte
	registry                 *Registry
}

// BaseAddress returns the start of the module's reserved virtual range.
func (module *Module) BaseAddress() uintptr { return module.codeBase }

// Initialized reports whether the entry point ran successfully with
// DLL_PROCESS_ATTACH.
func (module *Module) Initialized() bool { return module.initialized }

// Relocated reports whether base relocation succeeded or was unnecessary.
func (module *Module) Relocated() bool { return module.isRelocated }

func (module *Module) headerDirectory(idx int) *pe.IMAGE_DATA_DIRECTORY {
	return module.headers.HeaderDirectory(idx)
}

// LoadLibrary runs the full mapping pipeline: validate headers, reserve
// and populate virtual memory, apply base relocations, bind imports
// through the host loader, finalize page protection and the exception
// directory, run TLS callbacks, dispatch the entry point, then register
// the module so Owner lookups can find it later.
//
// data is only read during this call; the caller may discard it the
// moment LoadLibrary returns.
func LoadLibrary(data []byte) (module *Module, err error) {
	return defaultRegistry.LoadLibrary(data)
}

// LoadLibrary is the Registry-scoped form of the package-level
// LoadLibrary, used when a caller wants an independent admission limiter
// and bookkeeping rather than the shared default.
func (r *Registry) LoadLibrary(data []byte) (module *Module, err error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty image", pe.ErrBadExeFormat)
	}
	dosHeader, oldHeader, err := pe.ValidateHeaders(data)
	if err != nil {
		return nil, err
	}
	addr := uintptr(unsafe.Pointer(&data[0]))
	size := uintptr(len(data))

	lastSectionEnd := uintptr(0)
	sections := oldHeader.Sections()
	optionalSectionSize := oldHeader.OptionalHeader.SectionAlignment
	for i := range sections {
		var endOfSection uintptr
		if sections[i].SizeOfRawData == 0 {
			endOfSection = uintptr(sections[i].VirtualAddress) + uintptr(optionalSectionSize)
		} else {
			endOfSection = uintptr(sections[i].VirtualAddress) + uintptr(sections[i].SizeOfRawData)
		}
		if endOfSection > lastSectionEnd {
			lastSectionEnd = endOfSection
		}
	}

	var sysInfo systemInfo
	getNativeSystemInfo(&sysInfo)
	alignedImageSize := alignUp(uintptr(oldHeader.OptionalHeader.SizeOfImage), uintptr(sysInfo.PageSize))
	if alignedImageSize != alignUp(lastSectionEnd, uintptr(sysInfo.PageSize)) {
		return nil, fmt.Errorf("%w: section is not page-aligned", pe.ErrBadExeFormat)
	}

	module = &Module{
		isDLL:    oldHeader.FileHeader.Characteristics&pe.IMAGE_FILE_DLL != 0,
		pageSize: sysInfo.PageSize,
		registry: r,
	}
	module.digest = contentDigest(data)
	module.imageSize = alignedImageSize
	defer func() {
		if err != nil {
			module.free()
			module = nil
		}
	}()

	// Reserve memory for the image, preferring its declared base, falling
	// back to any address.
	module.codeBase, err = windows.VirtualAlloc(uintptr(oldHeader.OptionalHeader.ImageBase),
		alignedImageSize,
		windows.MEM_RESERVE|windows.MEM_COMMIT,
		windows.PAGE_READWRITE)
	if err != nil {
		module.codeBase, err = windows.VirtualAlloc(0,
			alignedImageSize,
			windows.MEM_RESERVE|windows.MEM_COMMIT,
			windows.PAGE_READWRITE)
		if err != nil {
			err = fmt.Errorf("%w: allocating code: %v", pe.ErrOutOfMemory, err)
			return
		}
	}
	if err = module.check4GBBoundaries(alignedImageSize); err != nil {
		return
	}

	if size < uintptr(oldHeader.OptionalHeader.SizeOfHeaders) {
		err = fmt.Errorf("%w: incomplete headers", pe.ErrBadExeFormat)
		return
	}
	headers, allocErr := windows.VirtualAlloc(module.codeBase,
		uintptr(oldHeader.OptionalHeader.SizeOfHeaders),
		windows.MEM_COMMIT,
		windows.PAGE_READWRITE)
	if allocErr != nil {
		err = fmt.Errorf("%w: allocating headers: %v", pe.ErrOutOfMemory, allocErr)
		return
	}
	memcpy(headers, addr, uintptr(oldHeader.OptionalHeader.SizeOfHeaders))
	module.headers = (*pe.IMAGE_NT_HEADERS)(a2p(headers + uintptr(dosHeader.E_lfanew)))
	module.headers.OptionalHeader.ImageBase = uint64(module.codeBase)

	if err = module.copySections(addr, size, oldHeader); err != nil {
		err = fmt.Errorf("copying sections: %w", err)
		return
	}

	locationDelta := uintptr(module.headers.OptionalHeader.ImageBase) - uintptr(oldHeader.OptionalHeader.ImageBase)
	if locationDelta != 0 {
		module.isRelocated = module.performBaseRelocation(locationDelta)
		if !module.isRelocated {
			err = fmt.Errorf("%w: relocation delta %#x with empty relocation directory", pe.ErrBadExeFormat, locationDelta)
			return
		}
	} else {
		module.isRelocated = true
	}

	if err = module.buildImportTable(); err != nil {
		err = fmt.Errorf("building import table: %w", err)
		return
	}

	if err = module.finalizeSections(); err != nil {
		err = fmt.Errorf("finalizing sections: %w", err)
		return
	}

	if rerr := module.registerExceptionHandlers(); rerr != nil {
		r.logf("memmod: registering exception handlers: %v", rerr)
	}

	r.acquire()
	defer r.release()
	module.executeTLS()

	if module.headers.OptionalHeader.AddressOfEntryPoint != 0 {
		module.entry = module.codeBase + uintptr(module.headers.OptionalHeader.AddressOfEntryPoint)
		if module.isDLL {
			if ok, perr := callEntry(module.entry, module.codeBase, pe.DLL_PROCESS_ATTACH); perr != nil {
				err = fmt.Errorf("%w: %v", pe.ErrDllInitFailed, perr)
				return
			} else if !ok {
				err = pe.ErrDllInitFailed
				return
			}
			module.initialized = true
		}
	}

	if exportErr := module.buildNameExports(); exportErr != nil {
		r.logf("memmod: %v", exportErr)
	}

	r.register(module)
	return module, nil
}

// callEntry invokes entry (the module's DLLMain or a TLS callback) and
// recovers a panic originating in foreign code, converting it into an
// error instead of crashing the host process. The precondition is a
// well-formed PE mapped into a committed range; this is the one place
// that precondition's violation would otherwise be fatal to the whole
// process.
func callEntry(entry, codeBase uintptr, reason uintptr) (ok bool, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic in module entry point: %v", p)
		}
	}()
	r0, _, _ := syscall.Syscall(entry, 3, codeBase, reason, 0)
	return r0 != 0, nil
}

// Free notifies the module via
// DLL_PROCESS_DETACH if it was initialized, releases dependency handles,
// unregisters the exception directory, and releases the virtual
// reservation. Free is infallible from the caller's
// perspective — internal sub-step failures are logged, not returned.
func (module *Module) Free() error {
	if module.registry != nil {
		module.registry.unregister(module)
	}
	module.free()
	return nil
}

func (module *Module) free() {
	logf := func(format string, args ...any) {
		if module.registry != nil {
			module.registry.logf(format, args...)
		}
	}

	if module.initialized {
		if _, err := callEntry(module.entry, module.codeBase, pe.DLL_PROCESS_DETACH); err != nil {
			logf("memmod: DLL_PROCESS_DETACH: %v", err)
		}
		module.initialized = false
	}
	if module.exceptionTableRegistered {
		if module.headers != nil {
			directory := module.headerDirectory(pe.IMAGE_DIRECTORY_ENTRY_EXCEPTION)
			runtimeFuncs := (*windows.RUNTIME_FUNCTION)(a2p(module.codeBase + uintptr(directory.VirtualAddress)))
			windows.RtlDeleteFunctionTable(runtimeFuncs)
		}
		module.exceptionTableRegistered = false
	}
	if module.dependencies != nil {
		for _, handle := range module.dependencies {
			if err := windows.FreeLibrary(handle); err != nil {
				logf("memmod: FreeLibrary: %v", err)
			}
		}
		module.dependencies = nil
	}
	if module.codeBase != 0 {
		if err := windows.VirtualFree(module.codeBase, 0, windows.MEM_RELEASE); err != nil {
			logf("memmod: VirtualFree: %v", err)
		}
		module.codeBase = 0
	}
}
