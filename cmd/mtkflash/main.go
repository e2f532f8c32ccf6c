// mtkflash drives a MediaTek SoC over USB through the Preloader and a
// vendor Download Agent to dump/flash the eMMC user partition.
//
// Copyright (C) 2026  Guillermo Perry
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
package main

import (
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"

	"mtkflash/internal/mtk/dafile"
	"mtkflash/internal/mtk/flash"
	"mtkflash/internal/mtk/iocb"
	"mtkflash/internal/mtk/mtkerr"
	"mtkflash/internal/mtk/progress"
	"mtkflash/internal/mtk/transport"
)

const maxOperations = 64

// operationList accumulates -dump/-flash flag values as they're parsed.
type operationList struct {
	raw []string
}

func (o *operationList) String() string { return strings.Join(o.raw, ",") }

func (o *operationList) Set(v string) error {
	if len(o.raw) >= maxOperations {
		return fmt.Errorf("at most %d operations per invocation", maxOperations)
	}
	o.raw = append(o.raw, v)
	return nil
}

func main() {
	var (
		stateFlag = flag.String("state", "none", "device state to start from: none|preloader|da_stage2")
		daPath    = flag.String("da", "", "path to vendor Download Agent binary (required unless -state=da_stage2)")
		reboot    = flag.Bool("reboot", false, "enable the watchdog to reboot the device after all operations")
		verbose   = flag.Bool("verbose", false, "enable verbose logging")
	)
	dumps := &operationList{}
	flashes := &operationList{}
	flag.Var(dumps, "dump", "addr:len:file — dump addr..addr+len to file (repeatable)")
	flag.Var(flashes, "flash", "addr:len:file — flash file to addr..addr+len (repeatable)")
	flag.Parse()

	logFlags := log.LstdFlags
	if *verbose {
		logFlags |= log.Lmicroseconds
	}
	logger := log.New(os.Stderr, "", logFlags)

	state, err := parseState(*stateFlag)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	ops, err := buildOperations(dumps, flashes)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	var info *dafile.Info
	if state != flash.DAStage2 {
		if *daPath == "" {
			fmt.Fprintln(os.Stderr, "-da is required unless -state=da_stage2")
			os.Exit(1)
		}
		info, err = dafile.Load(*daPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, "Unable to load Download Agent binary:", err)
			os.Exit(exitCodeFor(err))
		}
		fmt.Printf("DA identifier:  %s\n", info.Identifier)
		fmt.Printf("DA description: %s\n", info.Description)
		fmt.Printf("DA count:       %d\n\n", info.Count)
	}

	fmt.Println("Waiting for MediaTek device...")
	device, err := transport.Open()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Unable to detect MediaTek device:", err)
		os.Exit(1)
	}
	defer device.Close()

	session := flash.NewSession(device, logger)
	if err := session.Run(state, info, ops, *reboot); err != nil {
		fmt.Fprintln(os.Stderr, "Flashing session failed:", err)
		os.Exit(exitCodeFor(err))
	}
}

func parseState(s string) (flash.DeviceState, error) {
	switch strings.ToLower(s) {
	case "none":
		return flash.None, nil
	case "preloader":
		return flash.Preloader, nil
	case "da_stage2":
		return flash.DAStage2, nil
	default:
		return 0, fmt.Errorf("unknown device state %q", s)
	}
}

func buildOperations(dumps, flashes *operationList) ([]flash.Operation, error) {
	var ops []flash.Operation

	for _, raw := range dumps.raw {
		addr, length, path, err := parseOpSpec(raw)
		if err != nil {
			return nil, fmt.Errorf("-dump %s: %w", raw, err)
		}
		f, err := os.Create(path)
		if err != nil {
			return nil, fmt.Errorf("-dump %s: %w", raw, err)
		}
		io_ := progress.Wrap(os.Stderr, iocb.Dump, iocb.NewWriterFunc(f, 0))
		ops = append(ops, flash.Operation{Kind: flash.Dump, Address: addr, Length: length, IO: io_})
	}

	for _, raw := range flashes.raw {
		addr, length, path, err := parseOpSpec(raw)
		if err != nil {
			return nil, fmt.Errorf("-flash %s: %w", raw, err)
		}
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("-flash %s: %w", raw, err)
		}
		io_ := progress.Wrap(os.Stderr, iocb.Flash, iocb.NewReaderFunc(f, 0))
		ops = append(ops, flash.Operation{Kind: flash.Flash, Address: addr, Length: length, IO: io_})
	}

	if len(ops) > maxOperations {
		return nil, fmt.Errorf("at most %d operations per invocation", maxOperations)
	}
	return ops, nil
}

// parseOpSpec parses "addr:len:file" where addr and len accept any base
// strconv.ParseUint understands (e.g. 0x-prefixed hex).
func parseOpSpec(spec string) (addr, length uint64, path string, err error) {
	parts := strings.SplitN(spec, ":", 3)
	if len(parts) != 3 {
		return 0, 0, "", fmt.Errorf("expected addr:len:file")
	}
	addr, err = strconv.ParseUint(parts[0], 0, 64)
	if err != nil {
		return 0, 0, "", fmt.Errorf("bad address: %w", err)
	}
	length, err = strconv.ParseUint(parts[1], 0, 64)
	if err != nil {
		return 0, 0, "", fmt.Errorf("bad length: %w", err)
	}
	return addr, length, parts[2], nil
}

// exitCodeFor maps the error taxonomy in spec §7 onto the CLI's exit
// codes: 1 for host/library errors (TRANSPORT, CONTAINER, IO_CALLBACK), 2
// for device-protocol-level failures (PROTOCOL, PRELOADER_STATUS,
// DA_RETVAL).
func exitCodeFor(err error) int {
	var protocolErr *mtkerr.Protocol
	var preloaderErr *mtkerr.PreloaderStatus
	var daRetvalErr *mtkerr.DARetval
	if errors.As(err, &protocolErr) || errors.As(err, &preloaderErr) || errors.As(err, &daRetvalErr) {
		return 2
	}
	return 1
}
