/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2021 WireGuard LLC. All Rights Reserved.
 */

// Package pe parses the subset of the PE32+/AMD64 image format that the
// manual mapper in package memmod needs: DOS/NT headers, the section
// table, and the five optional data directories it consumes (imports,
// exports, exception table, base relocations, TLS).
package pe

import "errors"

// Sentinel errors surfaced across the package boundary. Callers should use
// errors.Is against these rather than matching on text, since the wrapped
// message always carries additional context via %w.
var (
	// ErrBadExeFormat is returned when the image fails DOS/NT signature,
	// machine type, or section alignment validation.
	ErrBadExeFormat = errors.New("bad executable format")

	// ErrOutOfMemory is returned when a virtual memory reservation,
	// commit, or bookkeeping allocation fails.
	ErrOutOfMemory = errors.New("out of memory")

	// ErrModuleNotFound is returned when an import descriptor names a
	// dependency the host OS loader cannot locate.
	ErrModuleNotFound = errors.New("module not found")

	// ErrProcNotFound is returned when an import thunk, or a caller's
	// resolve-by-name/ordinal request, cannot be satisfied.
	ErrProcNotFound = errors.New("procedure not found")

	// ErrDllInitFailed is returned when the mapped module's entry point
	// returns FALSE for DLL_PROCESS_ATTACH.
	ErrDllInitFailed = errors.New("DllMain returned failure")
)
