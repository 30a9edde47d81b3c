// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package util

import (
	"bytes"
	"debug/elf"
	"debug/gosym"
	"errors"
	"fmt"
	"sync"
)

var debug struct {
	sync.Mutex
	elf []byte
}

// SetDebugTarget sets the ELF image resolved by LookupSym and PCToLine, the
// phase applet is the target once loaded.
func SetDebugTarget(buf []byte) {
	debug.Lock()
	defer debug.Unlock()

	debug.elf = buf
}

func target() ([]byte, error) {
	debug.Lock()
	defer debug.Unlock()

	if len(debug.elf) == 0 {
		return nil, errors.New("no debug target")
	}

	return debug.elf, nil
}

// LookupSym returns a symbol of the debug target.
func LookupSym(name string) (*elf.Symbol, error) {
	buf, err := target()

	if err != nil {
		return nil, err
	}

	return lookupSym(buf, name)
}

func lookupSym(buf []byte, name string) (*elf.Symbol, error) {
	exe, err := elf.NewFile(bytes.NewReader(buf))

	if err != nil {
		return nil, err
	}

	syms, err := exe.Symbols()

	if err != nil {
		return nil, err
	}

	for _, sym := range syms {
		if sym.Name == name {
			return &sym, nil
		}
	}

	return nil, errors.New("symbol not found")
}

func goSymTable(buf []byte) (symTable *gosym.Table, err error) {
	exe, err := elf.NewFile(bytes.NewReader(buf))

	if err != nil {
		return
	}

	text := exe.Section(".text")
	pclntab := exe.Section(".gopclntab")

	if text == nil || pclntab == nil {
		return nil, errors.New("missing Go symbol sections")
	}

	lineTableData, err := pclntab.Data()

	if err != nil {
		return
	}

	lineTable := gosym.NewLineTable(lineTableData, text.Addr)

	var symTableData []byte

	if s := exe.Section(".gosymtab"); s != nil {
		if symTableData, err = s.Data(); err != nil {
			return
		}
	}

	return gosym.NewTable(symTableData, lineTable)
}

// PCToLine resolves a program counter of the debug target to its source
// location.
func PCToLine(pc uint64) (s string, err error) {
	buf, err := target()

	if err != nil {
		return
	}

	symTable, err := goSymTable(buf)

	if err != nil {
		return
	}

	file, line, fn := symTable.PCToLine(pc)

	if fn == nil {
		return "", fmt.Errorf("pc %#x not found", pc)
	}

	return fmt.Sprintf("%s:%d", file, line), nil
}
