// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// acrsim runs phase binaries against a simulated security co-processor,
// sequencing cold boot, deep sleep and unload cycles.
package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/urfave/cli/v2"

	"github.com/usbarmory/GoTEE-secboot/chip"
	"github.com/usbarmory/GoTEE-secboot/status"
)

var flagChip = &cli.StringFlag{
	Name:  "chip",
	Value: "gen2",
	Usage: "chip generation (" + strings.Join(chip.Names(), ", ") + ")",
}

var flagConfig = &cli.StringFlag{
	Name:  "config",
	Usage: "path to JSON firmware table, a built-in table is used when empty",
}

var flagSeed = &cli.StringFlag{
	Name:  "seed",
	Value: "acrsim",
	Usage: "device seed for hardware secret derivation",
}

var flagFuse = &cli.UintFlag{
	Name:  "fuse",
	Usage: "revocation fuse version burned before the first step",
}

var flagSteps = &cli.StringFlag{
	Name:  "steps",
	Value: "ae,asb,suspend,rlor,suspend,rlor,unload",
	Usage: "comma separated phases (ae, asb, rlor, unload) and events (suspend, reset, dump)",
}

var flagVerbose = &cli.BoolFlag{
	Name:  "verbose",
	Usage: "log phase execution",
}

var commonFlags = []cli.Flag{flagChip, flagConfig, flagSeed, flagFuse, flagVerbose}

func newApp() *cli.App {
	return &cli.App{
		Name:           "acrsim",
		Usage:          "secure boot phase simulator",
		DefaultCommand: "cycle",
		Commands: []*cli.Command{
			{
				Name:   "cycle",
				Usage:  "run a sequence of phases and events",
				Flags:  append(commonFlags, flagSteps),
				Action: cycle,
			},
			{
				Name:   "replay",
				Usage:  "check that a replayed attestation phase is rejected",
				Flags:  commonFlags,
				Action: replay,
			},
			{
				Name:  "config",
				Usage: "print the built-in firmware table",
				Action: func(cCtx *cli.Context) error {
					buf, err := json.MarshalIndent(defaultConfig(), "", "\t")

					if err != nil {
						return err
					}

					fmt.Println(string(buf))

					return nil
				},
			},
		},
	}
}

func main() {
	log.SetFlags(log.Ltime)
	log.SetOutput(os.Stdout)

	if err := newApp().Run(os.Args); err != nil {
		log.SetOutput(os.Stderr)
		log.Fatal(err)
	}
}

func cycle(cCtx *cli.Context) (err error) {
	s, err := newSimulator(cCtx)

	if err != nil {
		return
	}

	for _, step := range strings.Split(cCtx.String(flagSteps.Name), ",") {
		if err = s.step(strings.TrimSpace(step)); err != nil {
			return
		}
	}

	return s.dump()
}

func replay(cCtx *cli.Context) (err error) {
	s, err := newSimulator(cCtx)

	if err != nil {
		return
	}

	for _, step := range []string{"ae", "asb"} {
		if err = s.step(step); err != nil {
			return
		}
	}

	if err = s.step("asb"); !errors.Is(err, status.ErrOutOfOrder) {
		return fmt.Errorf("replayed phase not rejected, %v", err)
	}

	fmt.Println("replay rejected")

	return nil
}
