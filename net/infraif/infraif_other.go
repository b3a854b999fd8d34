// Copyright (c) Meshinfra Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

//go:build !linux

package infraif

import (
	"context"
	"errors"
	"net/netip"
	"runtime"

	"tailscale.com/types/logger"
)

// Adapter is not implemented on this platform.
type Adapter struct{}

func New(logf logger.Logf, ifname string) (*Adapter, error) {
	return nil, errors.New("infraif: not implemented on " + runtime.GOOS)
}

func (a *Adapter) Index() int                    { return 0 }
func (a *Adapter) Name() string                  { return "" }
func (a *Adapter) Running() bool                 { return false }
func (a *Adapter) HasAddress(netip.Addr) bool    { return false }
func (a *Adapter) Send([]byte, netip.Addr) error { return errors.ErrUnsupported }

func (a *Adapter) ReadLoop(context.Context, func(pkt []byte, src netip.Addr)) error {
	return errors.ErrUnsupported
}
