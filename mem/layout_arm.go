// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

//go:build tamago && arm

package mem

import (
	"github.com/usbarmory/tamago/dma"
)

// AppletRegion is the memory region reserved for phase applet execution.
var AppletRegion *dma.Region

// Init reserves the applet region, it must be called before the first
// applet load.
func Init() {
	AppletRegion, _ = dma.NewRegion(AppletStart, AppletSize, false)
	AppletRegion.Reserve(AppletSize, 0)
}
