// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

//go:build tamago && arm

package main

import (
	_ "embed"
	"fmt"
	"log"
	"os"
	"runtime"
	"time"
	_ "unsafe"

	usbarmory "github.com/usbarmory/tamago/board/usbarmory/mk2"
	"github.com/usbarmory/tamago/dma"
	"github.com/usbarmory/tamago/soc/nxp/imx6ul"

	"github.com/usbarmory/imx-usbnet"

	"github.com/usbarmory/GoTEE-secboot/chip"
	"github.com/usbarmory/GoTEE-secboot/hw/rpcbus"
	"github.com/usbarmory/GoTEE-secboot/hw/sim"
	"github.com/usbarmory/GoTEE-secboot/mem"
	"github.com/usbarmory/GoTEE-secboot/phase"
	"github.com/usbarmory/GoTEE-secboot/sequencer"
	"github.com/usbarmory/GoTEE-secboot/status"
	"github.com/usbarmory/GoTEE-secboot/trusted_os_usbarmory/cmd"
	"github.com/usbarmory/GoTEE-secboot/trusted_os_usbarmory/internal"
	"github.com/usbarmory/GoTEE-secboot/util"
)

const (
	sshPort = 22
	IP      = "10.0.0.1"
	MAC     = "1a:55:89:a2:69:41"
	hostMAC = "1a:55:89:a2:69:42"
)

// simulated co-processor generation
const chipName = "gen2"

//go:linkname ramStart runtime/goos.RamStart
var ramStart uint32 = mem.SecureStart

//go:linkname ramSize runtime/goos.RamSize
var ramSize uint32 = mem.SecureSize

//go:embed assets/phase_applet.elf
var phaseApplet []byte

//go:embed firmware.json
var firmware []byte

func init() {
	log.SetFlags(log.Ltime)
	log.SetOutput(os.Stdout)

	// Move DMA region to keep it clear of the applet region.
	dma.Init(mem.SecureDMAStart, mem.SecureDMASize)
	mem.Init()

	if imx6ul.Native {
		imx6ul.SetARMFreq(900)

		debugConsole, _ := usbarmory.DetectDebugAccessory(250 * time.Millisecond)
		<-debugConsole
	}

	log.Printf("%s/%s (%s) • secure boot monitor", runtime.GOOS, runtime.GOARCH, runtime.Version())
}

func device() (d *cmd.Device, err error) {
	g, err := chip.Lookup(chipName)

	if err != nil {
		return
	}

	cfg, err := phase.Load(firmware)

	if err != nil {
		return
	}

	// the device unique ID seeds the simulated hardware secrets
	uid := imx6ul.UniqueID()

	c, err := sim.New(g, uid[:])

	if err != nil {
		return
	}

	gotee.TA = phaseApplet
	gotee.Receiver, err = rpcbus.NewServer(rpcbus.Device{
		Bus:    c,
		DMA:    c.DMA,
		Crypto: c.SCP,
		Halter: c,
	})

	if err != nil {
		return
	}

	return &cmd.Device{
		Chip:   c,
		Config: cfg,
		Exec:   gotee.Exec,
	}, nil
}

// boot runs a cold boot followed by a deep sleep cycle.
func boot(d *cmd.Device) (err error) {
	seq := []sequencer.Phase{
		sequencer.AuthorityEstablish,
		sequencer.AttestationSubBoot,
		sequencer.RegionLockOnResume,
	}

	for _, p := range seq {
		if p == sequencer.RegionLockOnResume {
			d.Chip.Suspend()
		}

		code, err := d.Run(p)

		if err != nil {
			return err
		}

		log.Printf("SM %s exited with %s", p, code)

		if code != status.OK {
			return fmt.Errorf("%s failed (%s)", p, code)
		}
	}

	return
}

func main() {
	defer log.Printf("SM says goodbye")

	d, err := device()

	if err != nil {
		log.Fatalf("SM could not initialize device, %v", err)
	}

	cmd.Target = d

	if !imx6ul.Native {
		if err := boot(d); err != nil {
			log.Fatal(err)
		}

		return
	}

	iface, err := usbnet.Init(IP, MAC, hostMAC, 1)

	if err != nil {
		log.Fatalf("SM could not initialize USB networking, %v", err)
	}

	iface.EnableICMP()

	listener, err := iface.ListenerTCP4(sshPort)

	if err != nil {
		log.Fatalf("SM could not initialize SSH listener, %v", err)
	}

	gotee.Console = &util.Console{
		Banner:   fmt.Sprintf("%s/%s (%s) • secure boot monitor", runtime.GOOS, runtime.GOARCH, runtime.Version()),
		Help:     cmd.Help,
		Handler:  cmd.Handle,
		Listener: listener,
	}

	if err = gotee.Console.Start(); err != nil {
		log.Fatalf("SM could not initialize SSH server, %v", err)
	}

	usbarmory.USB1.Init()
	usbarmory.USB1.DeviceMode()
	usbarmory.USB1.Reset()

	// never returns
	usbarmory.USB1.Start(iface.NIC.Device)
}
