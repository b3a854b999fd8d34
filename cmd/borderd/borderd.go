// Copyright (c) Meshinfra Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

// The borderd command runs a border router's routing policy engine on a
// single infrastructure interface: it chooses OMR, on-link, and
// optionally NAT64 prefixes, publishes them into the mesh network data,
// and speaks Router Solicitation/Advertisement on the link.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/meshinfra/borderd/net/infraif"
	"github.com/meshinfra/borderd/net/netdata"
	"github.com/meshinfra/borderd/net/routemgr"
	"tailscale.com/types/logger"
)

var (
	ifname   = flag.String("ifname", "", "infrastructure interface to run on")
	stateDir = flag.String("state-dir", "/var/lib/borderd", "directory for persisted prefix state")
	nat64    = flag.Bool("nat64", false, "publish a local NAT64 prefix")
	verbose  = flag.Bool("verbose", false, "verbose logging")
)

func main() {
	flag.Parse()
	if *ifname == "" {
		log.Fatal("borderd: --ifname is required")
	}

	logf := logger.Logf(log.Printf)
	if !*verbose {
		base := logf
		logf = func(format string, args ...any) {
			if strings.Contains(format, "[v1]") {
				return
			}
			base(format, args...)
		}
	}

	adapter, err := infraif.New(logf, *ifname)
	if err != nil {
		log.Fatalf("borderd: %v", err)
	}

	if err := os.MkdirAll(*stateDir, 0700); err != nil {
		log.Fatalf("borderd: %v", err)
	}

	nd := netdata.NewMemory(logf)
	m := routemgr.NewManager(routemgr.Config{
		Logf:       logf,
		InfraIf:    adapter,
		NetData:    nd,
		StatePath:  filepath.Join(*stateDir, "prefixes.json"),
		NAT64:      *nat64,
		HostRAFunc: adapter.HasAddress,
	})
	nd.SetChangeFunc(m.HandleNetDataChanged)
	nd.SetReachable(true)

	if err := m.Init(adapter.Index(), adapter.Running()); err != nil {
		log.Fatalf("borderd: init: %v", err)
	}
	if p, err := m.OMRPrefix(); err == nil {
		logf("local OMR prefix: %v", p)
	}
	if p, err := m.OnLinkPrefix(); err == nil {
		logf("local on-link prefix: %v", p)
	}
	if *nat64 {
		if p, err := m.NAT64Prefix(); err == nil {
			logf("local NAT64 prefix: %v", p)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// The raw socket has no link state signal of its own; poll for
	// interface up/down flips.
	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.HandleInfraIfStateChanged()
			}
		}
	}()

	err = adapter.ReadLoop(ctx, m.HandleReceived)
	m.Close()
	if err != nil && ctx.Err() == nil {
		log.Fatalf("borderd: %v", err)
	}
}
