/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2021 WireGuard LLC. All Rights Reserved.
 */

// Command peload manually maps a PE32+/AMD64 image read from disk,
// reports whether it relocated and initialized cleanly, and optionally
// resolves one exported symbol by name or ordinal.
package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"

	"github.com/darkit/peload/memmod"
)

func main() {
	procFlag := flag.String("proc", "", "resolve this exported symbol by name")
	ordinalFlag := flag.Uint("ordinal", 0, "resolve this exported symbol by ordinal instead of -proc")
	flag.Parse()

	if n, err := strconv.Atoi(os.Getenv("PELOAD_CONCURRENCY")); err == nil {
		memmod.SetConcurrencyLimit(n)
	}

	args := flag.Args()
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "usage: peload [-proc name | -ordinal n] <image>")
		os.Exit(2)
	}

	data, err := os.ReadFile(args[0])
	if err != nil {
		fmt.Fprintln(os.Stderr, "peload:", err)
		os.Exit(1)
	}

	module, err := memmod.LoadLibrary(data)
	if err != nil {
		fmt.Fprintln(os.Stderr, "peload:", err)
		os.Exit(1)
	}
	defer module.Free()

	fmt.Printf("loaded at %#x (relocated=%v, initialized=%v)\n",
		module.BaseAddress(), module.Relocated(), module.Initialized())

	switch {
	case *procFlag != "":
		addr, err := module.ProcAddressByName(*procFlag)
		if err != nil {
			fmt.Fprintln(os.Stderr, "peload:", err)
			os.Exit(1)
		}
		fmt.Printf("%s resolved at %#x\n", *procFlag, addr)
	case *ordinalFlag != 0:
		addr, err := module.ProcAddressByOrdinal(uint16(*ordinalFlag))
		if err != nil {
			fmt.Fprintln(os.Stderr, "peload:", err)
			os.Exit(1)
		}
		fmt.Printf("ordinal %d resolved at %#x\n", *ordinalFlag, addr)
	}
}
