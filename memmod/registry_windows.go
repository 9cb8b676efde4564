/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2021 WireGuard LLC. All Rights Reserved.
 */

package memmod

import (
	"log"
	"sync"

	"github.com/google/btree"
	"golang.org/x/crypto/blake2b"
)

// moduleRange is the btree item backing Registry.Owner: a half-open
// virtual address range owned by one loaded module.
type moduleRange struct {
	start, end uintptr
	module     *Module
}

func rangeLess(a, b moduleRange) bool {
	return a.start < b.start
}

// Registry tracks every currently-loaded Module by the virtual address
// range it owns, and by the content digest of the image it was built
// from. Unlike a process-wide OS module list, nothing here makes a
// Module visible to anything outside this process's Go runtime: this is
// bookkeeping for the loader's own diagnostics and Owner lookups,
// deliberately not an OS-visible enumeration API.
type Registry struct {
	mu      sync.RWMutex
	ranges  *btree.BTreeG[moduleRange]
	digests map[[32]byte]int // content digest -> count of live modules with it

	sem    chan struct{} // nil means unbounded; cap(sem) is the concurrency limit
	logger *log.Logger
}

// defaultRegistry is the package-level instance LoadLibrary/Free use implicitly;
// nothing prevents constructing an independent Registry for tests.
var defaultRegistry = NewRegistry()

// NewRegistry constructs an empty registry with no concurrency limit.
func NewRegistry() *Registry {
	return &Registry{
		ranges:  btree.NewG(32, rangeLess),
		digests: make(map[[32]byte]int),
		logger:  log.Default(),
	}
}

// SetLogger overrides where non-fatal diagnostics (partial-teardown
// notices, release failures, recovered panics from module code) are
// written. Passing nil restores the standard logger.
func (r *Registry) SetLogger(logger *log.Logger) {
	if logger == nil {
		logger = log.Default()
	}
	r.mu.Lock()
	r.logger = logger
	r.mu.Unlock()
}

// SetLogger overrides the default registry's logger.
func SetLogger(logger *log.Logger) { defaultRegistry.SetLogger(logger) }

// SetConcurrencyLimit bounds how many LoadLibrary calls may have their TLS
// callbacks and entry point actively running at once (a hung entry point
// hangs the calling goroutine, so unbounded concurrent loads of hostile
// or buggy images can exhaust the process). A limit of zero or less
// removes the bound.
func (r *Registry) SetConcurrencyLimit(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n <= 0 {
		r.sem = nil
		return
	}
	r.sem = make(chan struct{}, n)
}

// SetConcurrencyLimit configures the default registry's concurrency limit.
func SetConcurrencyLimit(n int) { defaultRegistry.SetConcurrencyLimit(n) }

// acquire reserves one of the registry's concurrency slots, blocking if
// the limit is already saturated. release must be called exactly once
// per successful acquire, once the module's TLS callbacks and entry
// point have both finished running (however they finished).
func (r *Registry) acquire() {
	r.mu.RLock()
	sem := r.sem
	r.mu.RUnlock()
	if sem != nil {
		sem <- struct{}{}
	}
}

func (r *Registry) release() {
	r.mu.RLock()
	sem := r.sem
	r.mu.RUnlock()
	if sem != nil {
		<-sem
	}
}

func (r *Registry) logf(format string, args ...any) {
	r.mu.RLock()
	logger := r.logger
	r.mu.RUnlock()
	logger.Printf(format, args...)
}

// register records a successfully loaded module's address range and
// content digest.
func (r *Registry) register(m *Module) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ranges.ReplaceOrInsert(moduleRange{start: m.codeBase, end: m.codeBase + m.imageSize, module: m})
	r.digests[m.digest]++
}

// unregister removes a module's bookkeeping on unload.
func (r *Registry) unregister(m *Module) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ranges.Delete(moduleRange{start: m.codeBase})
	if n := r.digests[m.digest]; n <= 1 {
		delete(r.digests, m.digest)
	} else {
		r.digests[m.digest] = n - 1
	}
}

// Owner returns the Module owning the virtual address addr, or nil.
func (r *Registry) Owner(addr uintptr) *Module {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var found *Module
	r.ranges.DescendLessOrEqual(moduleRange{start: addr}, func(item moduleRange) bool {
		if addr >= item.start && addr < item.end {
			found = item.module
		}
		return false
	})
	return found
}

// Owner looks the address up in the default registry.
func Owner(addr uintptr) *Module { return defaultRegistry.Owner(addr) }

// LiveCount reports how many currently loaded modules share the given
// image's content digest — a cheap "have we already mapped exactly this
// image" signal for callers and for the leak-freedom test in
// memmod_windows_test.go.
func (r *Registry) LiveCount(digest [32]byte) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.digests[digest]
}

func contentDigest(data []byte) [32]byte {
	return blake2b.Sum256(data)
}
