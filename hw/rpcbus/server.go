// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package rpcbus exposes the security core hardware interfaces over net/rpc,
// allowing a phase binary executing as an isolated applet to reach registers,
// DMA and crypto engine owned by the supervisor.
package rpcbus

import (
	"errors"
	"fmt"
	"sync"

	"github.com/usbarmory/GoTEE-secboot/dmacopy"
	"github.com/usbarmory/GoTEE-secboot/hw"
	"github.com/usbarmory/GoTEE-secboot/keywrap"
	"github.com/usbarmory/GoTEE-secboot/status"
	"github.com/usbarmory/GoTEE-secboot/util"
)

// Service is the RPC receiver name.
const Service = "RPC"

// Device represents the hardware interfaces served to a phase binary.
type Device struct {
	Bus    hw.Bus
	DMA    dmacopy.Channel
	Crypto keywrap.Engine
	Halter hw.Halter
}

// RPC represents the receiver for applet <--> supervisor hardware access over
// system calls, requests are serialized.
type RPC struct {
	sync.Mutex

	dev Device
	req util.PhaseRequest
}

// NewServer returns an RPC receiver serving dev.
func NewServer(dev Device) (*RPC, error) {
	if dev.Bus == nil || dev.DMA == nil || dev.Crypto == nil || dev.Halter == nil {
		return nil, fmt.Errorf("incomplete device, %w", status.ErrInvalidArgument)
	}

	return &RPC{dev: dev}, nil
}

func toStatus(err error) util.Status {
	if err == nil {
		return util.Status{}
	}

	return util.Status{
		Code:    uint32(status.CodeOf(err)),
		Message: err.Error(),
	}
}

// SetRequest sets the phase invocation returned to the next applet.
func (r *RPC) SetRequest(phase string, config []byte) {
	r.Lock()
	defer r.Unlock()

	r.req = util.PhaseRequest{Phase: phase, Config: config}
}

// Request returns the pending phase invocation, it can be consumed only once.
func (r *RPC) Request(_ bool, req *util.PhaseRequest) error {
	r.Lock()
	defer r.Unlock()

	if r.req.Phase == "" {
		return errors.New("no pending phase request")
	}

	*req = r.req
	r.req = util.PhaseRequest{}

	return nil
}

// Read32 serves a register read.
func (r *RPC) Read32(a util.RegAccess, res *util.RegReply) (err error) {
	r.Lock()
	defer r.Unlock()

	val, err := r.dev.Bus.Read32(hw.Domain(a.Domain), a.Addr)
	*res = util.RegReply{Status: toStatus(err), Val: val}

	return nil
}

// Write32 serves a register write.
func (r *RPC) Write32(a util.RegAccess, res *util.RegReply) (err error) {
	r.Lock()
	defer r.Unlock()

	err = r.dev.Bus.Write32(hw.Domain(a.Domain), a.Addr, a.Val)
	*res = util.RegReply{Status: toStatus(err)}

	return nil
}

// Halt serves the halt instruction of the phase binary.
func (r *RPC) Halt(_ bool, _ *bool) error {
	r.Lock()
	defer r.Unlock()

	r.dev.Halter.Halt()

	return nil
}

// SetContext serves a DMA context selector request.
func (r *RPC) SetContext(c util.DMAContext, res *util.DMAReply) error {
	r.Lock()
	defer r.Unlock()

	err := r.dev.DMA.SetContext(dmacopy.Side(c.Side), dmacopy.Context(c.Context))
	*res = util.DMAReply{Status: toStatus(err)}

	return nil
}

// Issue serves a DMA transfer request.
func (r *RPC) Issue(d util.DMARequest, res *util.DMAReply) error {
	r.Lock()
	defer r.Unlock()

	t, err := r.dev.DMA.Issue(dmacopy.Direction(d.Direction), d.Offset, d.Addr, d.Size)
	*res = util.DMAReply{Status: toStatus(err), Ticket: uint32(t)}

	return nil
}

// Complete serves a DMA completion request.
func (r *RPC) Complete(d util.DMARequest, res *util.DMAReply) error {
	r.Lock()
	defer r.Unlock()

	n, err := r.dev.DMA.Complete(dmacopy.Ticket(d.Ticket))
	*res = util.DMAReply{Status: toStatus(err), Size: n}

	return nil
}

func (r *RPC) crypto(res *util.CryptoReply, fn func(e keywrap.Engine) error) error {
	r.Lock()
	defer r.Unlock()

	*res = util.CryptoReply{Status: toStatus(fn(r.dev.Crypto))}

	return nil
}

// LoadSecret serves a hardware secret load.
func (r *RPC) LoadSecret(op util.CryptoOp, res *util.CryptoReply) error {
	return r.crypto(res, func(e keywrap.Engine) error {
		return e.LoadSecret(keywrap.Register(op.Dst), op.Slot)
	})
}

// Load serves a block load.
func (r *RPC) Load(op util.CryptoOp, res *util.CryptoReply) error {
	return r.crypto(res, func(e keywrap.Engine) error {
		return e.Load(keywrap.Register(op.Dst), op.Block)
	})
}

// Store serves a block read back, locked registers are refused by the engine.
func (r *RPC) Store(op util.CryptoOp, res *util.CryptoReply) error {
	block := make([]byte, keywrap.BlockSize)

	err := r.crypto(res, func(e keywrap.Engine) error {
		return e.Store(keywrap.Register(op.Src), block)
	})

	if res.Code == 0 {
		res.Block = block
	}

	return err
}

// Encrypt serves a block encryption.
func (r *RPC) Encrypt(op util.CryptoOp, res *util.CryptoReply) error {
	return r.crypto(res, func(e keywrap.Engine) error {
		return e.Encrypt(keywrap.Register(op.Key), keywrap.Register(op.Src), keywrap.Register(op.Dst))
	})
}

// Decrypt serves a block decryption.
func (r *RPC) Decrypt(op util.CryptoOp, res *util.CryptoReply) error {
	return r.crypto(res, func(e keywrap.Engine) error {
		return e.Decrypt(keywrap.Register(op.Key), keywrap.Register(op.Src), keywrap.Register(op.Dst))
	})
}

// ReverseKey serves a decryption key schedule computation.
func (r *RPC) ReverseKey(op util.CryptoOp, res *util.CryptoReply) error {
	return r.crypto(res, func(e keywrap.Engine) error {
		return e.ReverseKey(keywrap.Register(op.Src), keywrap.Register(op.Dst))
	})
}

// RestrictKeyable serves a key use restriction.
func (r *RPC) RestrictKeyable(op util.CryptoOp, res *util.CryptoReply) error {
	return r.crypto(res, func(e keywrap.Engine) error {
		return e.RestrictKeyable(keywrap.Register(op.Dst))
	})
}

// Clear serves a register clear.
func (r *RPC) Clear(op util.CryptoOp, res *util.CryptoReply) error {
	return r.crypto(res, func(e keywrap.Engine) error {
		return e.Clear(keywrap.Register(op.Dst))
	})
}
