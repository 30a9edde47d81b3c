// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/usbarmory/GoTEE-secboot/chip"
	"github.com/usbarmory/GoTEE-secboot/status"
)

func TestDefaultConfig(t *testing.T) {
	for _, name := range chip.Names() {
		g, err := chip.Lookup(name)
		require.NoError(t, err)
		require.NoError(t, defaultConfig().Validate(g), name)
	}
}

func TestCycle(t *testing.T) {
	for _, name := range chip.Names() {
		require.NoError(t, newApp().Run([]string{"acrsim", "cycle", "--chip", name}), name)
	}
}

func TestCycleSteps(t *testing.T) {
	err := newApp().Run([]string{"acrsim", "cycle", "--steps", "ae,asb,unload,ae,asb,dump"})
	require.NoError(t, err)

	err = newApp().Run([]string{"acrsim", "cycle", "--steps", "ae,rlor"})
	require.ErrorIs(t, err, status.ErrOutOfOrder)

	err = newApp().Run([]string{"acrsim", "cycle", "--steps", "ae,bogus"})
	require.ErrorIs(t, err, status.ErrInvalidArgument)
}

func TestRevoked(t *testing.T) {
	err := newApp().Run([]string{"acrsim", "cycle", "--fuse", "2"})
	require.ErrorIs(t, err, status.ErrRevoked)
}

func TestReplay(t *testing.T) {
	require.NoError(t, newApp().Run([]string{"acrsim", "replay"}))
}

func TestConfigFile(t *testing.T) {
	cfg := defaultConfig()
	cfg.Version = 7

	buf, err := json.Marshal(cfg)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "firmware.json")
	require.NoError(t, os.WriteFile(path, buf, 0600))

	require.NoError(t, newApp().Run([]string{"acrsim", "cycle", "--config", path, "--fuse", "7"}))

	require.Error(t, newApp().Run([]string{"acrsim", "cycle", "--config", filepath.Join(t.TempDir(), "missing.json")}))
}
