// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

//go:build tamago && arm

package gotee

import (
	"fmt"
	"os"

	"github.com/usbarmory/tamago/arm"

	"github.com/usbarmory/GoTEE/monitor"
	"github.com/usbarmory/GoTEE/syscall"
)

func goHandler(ctx *monitor.ExecCtx) (err error) {
	if ctx.ExceptionVector != arm.SUPERVISOR {
		return fmt.Errorf("exception %x", ctx.ExceptionVector)
	}

	switch ctx.A0() {
	case syscall.SYS_WRITE:
		// Override write syscall to avoid interleaved logs and to log
		// simultaneously to remote terminal and serial console.
		if Console != nil && Console.Term != nil {
			output.BufferedTermLog(byte(ctx.A1()), true, Console.Term)
		} else {
			output.BufferedLog(byte(ctx.A1()), true, os.Stdout)
		}
	case syscall.SYS_EXIT:
		ctx.Stop()
	default:
		// RPC and random number requests
		return monitor.SecureHandler(ctx)
	}

	return
}
