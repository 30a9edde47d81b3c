// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

//go:build tamago && arm

// The phase applet runs a single phase binary invocation requested by the
// security monitor, every hardware access is an RPC to the monitor.
package main

import (
	"log"
	"os"
	"runtime"
	"runtime/goos"

	"github.com/usbarmory/GoTEE/applet"
	"github.com/usbarmory/GoTEE/syscall"

	"github.com/usbarmory/GoTEE-secboot/hw/rpcbus"
	"github.com/usbarmory/GoTEE-secboot/phase"
)

type rng struct{}

func (rng) Read(buf []byte) (int, error) {
	syscall.GetRandom(buf, uint(len(buf)))
	return len(buf), nil
}

func init() {
	log.SetFlags(log.Ltime)
	log.SetOutput(os.Stdout)

	// yield to monitor (w/ err != nil) on runtime panic
	goos.Exit = applet.Crash
}

func main() {
	log.Printf("%s/%s (%s) • phase applet", runtime.GOOS, runtime.GOARCH, runtime.Version())

	bus := rpcbus.NewClient(rpcbus.CallerFunc(syscall.Call))

	p, cfg, err := bus.Request()

	if err != nil {
		log.Printf("ACR could not obtain phase request, %v", err)
		applet.Exit()
	}

	env := bus.Env()
	env.Rand = rng{}

	// the exit status is latched in the mailbox
	_ = phase.Run(p, env, cfg)

	applet.Exit()
}
