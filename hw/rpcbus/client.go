// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package rpcbus

import (
	"fmt"
	"log"

	"github.com/usbarmory/GoTEE-secboot/dmacopy"
	"github.com/usbarmory/GoTEE-secboot/hw"
	"github.com/usbarmory/GoTEE-secboot/keywrap"
	"github.com/usbarmory/GoTEE-secboot/phase"
	"github.com/usbarmory/GoTEE-secboot/sequencer"
	"github.com/usbarmory/GoTEE-secboot/status"
	"github.com/usbarmory/GoTEE-secboot/util"
)

// Caller represents an RPC transport, it is satisfied by *rpc.Client.
type Caller interface {
	Call(serviceMethod string, args interface{}, reply interface{}) error
}

// CallerFunc adapts a function, such as the applet system call RPC entry
// point, to the Caller interface.
type CallerFunc func(serviceMethod string, args interface{}, reply interface{}) error

// Call invokes f.
func (f CallerFunc) Call(serviceMethod string, args interface{}, reply interface{}) error {
	return f(serviceMethod, args, reply)
}

// Client implements hw.Bus, hw.Halter, dmacopy.Channel and keywrap.Engine
// over RPC.
type Client struct {
	c Caller
}

// NewClient returns a client issuing requests through c.
func NewClient(c Caller) *Client {
	return &Client{c: c}
}

func fromStatus(s util.Status) error {
	if s.Code == 0 {
		return nil
	}

	return fmt.Errorf("%s, %w", s.Message, &status.Error{Code: status.Code(s.Code)})
}

func (c *Client) call(method string, args interface{}, res interface{}) (err error) {
	if err = c.c.Call(Service+"."+method, args, res); err != nil {
		return fmt.Errorf("%s, %v, %w", method, err, status.ErrBusFault)
	}

	return
}

// Env returns the phase environment backed by the client.
func (c *Client) Env() *phase.Env {
	return &phase.Env{
		Bus:    c,
		DMA:    c,
		Crypto: c,
		Halter: c,
	}
}

// Request returns the phase invocation requested by the launcher.
func (c *Client) Request() (p sequencer.Phase, cfg *phase.Config, err error) {
	var req util.PhaseRequest

	if err = c.call("Request", true, &req); err != nil {
		return
	}

	if p, err = sequencer.ParsePhase(req.Phase); err != nil {
		return
	}

	cfg, err = phase.Load(req.Config)

	return
}

// Read32 implements hw.Bus.
func (c *Client) Read32(d hw.Domain, addr uint32) (val uint32, err error) {
	var res util.RegReply

	if err = c.call("Read32", util.RegAccess{Domain: int(d), Addr: addr}, &res); err != nil {
		return
	}

	return res.Val, fromStatus(res.Status)
}

// Write32 implements hw.Bus.
func (c *Client) Write32(d hw.Domain, addr uint32, val uint32) (err error) {
	var res util.RegReply

	if err = c.call("Write32", util.RegAccess{Domain: int(d), Addr: addr, Val: val}, &res); err != nil {
		return
	}

	return fromStatus(res.Status)
}

// Halt implements hw.Halter, a transport failure is logged as there is no
// caller left to report it to.
func (c *Client) Halt() {
	var res bool

	if err := c.call("Halt", true, &res); err != nil {
		log.Printf("ACR halt request failed, %v", err)
	}
}

// SetContext implements dmacopy.Channel.
func (c *Client) SetContext(side dmacopy.Side, ctx dmacopy.Context) (err error) {
	var res util.DMAReply

	if err = c.call("SetContext", util.DMAContext{Side: int(side), Context: int(ctx)}, &res); err != nil {
		return
	}

	return fromStatus(res.Status)
}

// Issue implements dmacopy.Channel.
func (c *Client) Issue(dir dmacopy.Direction, offset uint32, addr uint64, size int) (t dmacopy.Ticket, err error) {
	var res util.DMAReply

	req := util.DMARequest{
		Direction: int(dir),
		Offset:    offset,
		Addr:      addr,
		Size:      size,
	}

	if err = c.call("Issue", req, &res); err != nil {
		return
	}

	return dmacopy.Ticket(res.Ticket), fromStatus(res.Status)
}

// Complete implements dmacopy.Channel.
func (c *Client) Complete(t dmacopy.Ticket) (n int, err error) {
	var res util.DMAReply

	if err = c.call("Complete", util.DMARequest{Ticket: uint32(t)}, &res); err != nil {
		return
	}

	return res.Size, fromStatus(res.Status)
}

func (c *Client) crypto(method string, op util.CryptoOp) (res util.CryptoReply, err error) {
	if err = c.call(method, op, &res); err != nil {
		return
	}

	err = fromStatus(res.Status)

	return
}

// LoadSecret implements keywrap.Engine.
func (c *Client) LoadSecret(dst keywrap.Register, slot int) (err error) {
	_, err = c.crypto("LoadSecret", util.CryptoOp{Dst: int(dst), Slot: slot})
	return
}

// Load implements keywrap.Engine.
func (c *Client) Load(dst keywrap.Register, block []byte) (err error) {
	_, err = c.crypto("Load", util.CryptoOp{Dst: int(dst), Block: block})
	return
}

// Store implements keywrap.Engine.
func (c *Client) Store(src keywrap.Register, block []byte) (err error) {
	res, err := c.crypto("Store", util.CryptoOp{Src: int(src)})

	if err != nil {
		return
	}

	if len(res.Block) != len(block) {
		return fmt.Errorf("store returned %d bytes, %w", len(res.Block), status.ErrInvalidArgument)
	}

	copy(block, res.Block)

	return
}

// Encrypt implements keywrap.Engine.
func (c *Client) Encrypt(key, src, dst keywrap.Register) (err error) {
	_, err = c.crypto("Encrypt", util.CryptoOp{Key: int(key), Src: int(src), Dst: int(dst)})
	return
}

// Decrypt implements keywrap.Engine.
func (c *Client) Decrypt(key, src, dst keywrap.Register) (err error) {
	_, err = c.crypto("Decrypt", util.CryptoOp{Key: int(key), Src: int(src), Dst: int(dst)})
	return
}

// ReverseKey implements keywrap.Engine.
func (c *Client) ReverseKey(src, dst keywrap.Register) (err error) {
	_, err = c.crypto("ReverseKey", util.CryptoOp{Src: int(src), Dst: int(dst)})
	return
}

// RestrictKeyable implements keywrap.Engine.
func (c *Client) RestrictKeyable(r keywrap.Register) (err error) {
	_, err = c.crypto("RestrictKeyable", util.CryptoOp{Dst: int(r)})
	return
}

// Clear implements keywrap.Engine.
func (c *Client) Clear(r keywrap.Register) (err error) {
	_, err = c.crypto("Clear", util.CryptoOp{Dst: int(r)})
	return
}
