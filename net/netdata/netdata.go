// Copyright (c) Meshinfra Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

// Package netdata models the border router's view of the mesh's
// distributed network data: the on-mesh prefixes and external routes
// published by this and other border routers.
//
// The Client interface is the narrow surface the routing policy engine
// consumes. Memory is an in-process implementation standing in for the
// mesh replication fabric; it also carries the local editing operations
// used by tooling and tests to model other routers' contributions.
package netdata

import (
	"context"
	"net/netip"
	"slices"
	"sync"

	"github.com/meshinfra/borderd/net/braddr"
	"github.com/meshinfra/borderd/net/ndp"
	"tailscale.com/types/logger"
	"tailscale.com/util/execqueue"
	"tailscale.com/util/mak"
)

// PrefixConfig is an on-mesh prefix entry in network data.
type PrefixConfig struct {
	Prefix     netip.Prefix
	Preference ndp.Preference

	// SLAAC indicates mesh nodes may autoconfigure addresses from the
	// prefix.
	SLAAC bool
	// OnMesh indicates the prefix is on the mesh link.
	OnMesh bool
	// DefaultRoute indicates the publisher is a default route for the
	// prefix.
	DefaultRoute bool
	// Stable indicates the entry is part of stable network data.
	Stable bool
}

// RouteConfig is an external route entry in network data.
type RouteConfig struct {
	Prefix     netip.Prefix
	Preference ndp.Preference

	// NAT64 indicates the route is a NAT64 prefix.
	NAT64 bool
}

// Client is what the routing policy engine needs from the mesh's network
// data store. Publish methods are idempotent; republishing a prefix
// replaces its flags and preference. Unpublish methods are no-ops for
// prefixes not published.
//
// Implementations must not invoke the change callback synchronously from
// inside a publish or unpublish call.
type Client interface {
	// Reachable reports whether the mesh side is attached and network
	// data can be read and written.
	Reachable() bool

	PublishOnMeshPrefix(PrefixConfig) error
	UnpublishOnMeshPrefix(netip.Prefix)

	PublishExternalRoute(RouteConfig) error
	UnpublishExternalRoute(netip.Prefix)

	// OnMeshPrefixes returns the visible on-mesh prefixes in stable
	// (prefix-sorted) order.
	OnMeshPrefixes() []PrefixConfig

	// ExternalRoutes returns the visible external routes in stable
	// (prefix-sorted) order.
	ExternalRoutes() []RouteConfig
}

// Memory is an in-memory network data store. The visible set is the
// union of entries published through the Client methods and entries added
// through the local editing methods; for a given prefix a published entry
// wins.
type Memory struct {
	logf logger.Logf

	// q serializes change notifications so they never run inside the
	// mutating call's frame.
	q execqueue.ExecQueue

	mu              sync.Mutex // guards following
	reachable       bool
	changeFunc      func()
	notifyPending   bool
	published       map[netip.Prefix]PrefixConfig
	publishedRoutes map[netip.Prefix]RouteConfig
	local           map[netip.Prefix]PrefixConfig
	localRoutes     map[netip.Prefix]RouteConfig
}

// NewMemory returns an empty store. The mesh starts unreachable.
func NewMemory(logf logger.Logf) *Memory {
	return &Memory{logf: logger.WithPrefix(logf, "netdata: ")}
}

// SetChangeFunc registers f to be called, outside the mutating frame,
// after any change to the visible network data. Consecutive changes may
// coalesce into a single call.
func (m *Memory) SetChangeFunc(f func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.changeFunc = f
}

// SetReachable sets whether the mesh side is attached.
func (m *Memory) SetReachable(v bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.reachable == v {
		return
	}
	m.reachable = v
	m.noteChangedLocked()
}

func (m *Memory) Reachable() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reachable
}

func (m *Memory) PublishOnMeshPrefix(cfg PrefixConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if old, ok := m.published[cfg.Prefix]; ok && old == cfg {
		return nil
	}
	mak.Set(&m.published, cfg.Prefix, cfg)
	m.logf("publish on-mesh prefix %v (pref %v)", cfg.Prefix, cfg.Preference)
	m.noteChangedLocked()
	return nil
}

func (m *Memory) UnpublishOnMeshPrefix(p netip.Prefix) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.published[p]; !ok {
		return
	}
	delete(m.published, p)
	m.logf("unpublish on-mesh prefix %v", p)
	m.noteChangedLocked()
}

func (m *Memory) PublishExternalRoute(cfg RouteConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if old, ok := m.publishedRoutes[cfg.Prefix]; ok && old == cfg {
		return nil
	}
	mak.Set(&m.publishedRoutes, cfg.Prefix, cfg)
	m.logf("publish external route %v (pref %v, nat64=%v)", cfg.Prefix, cfg.Preference, cfg.NAT64)
	m.noteChangedLocked()
	return nil
}

func (m *Memory) UnpublishExternalRoute(p netip.Prefix) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.publishedRoutes[p]; !ok {
		return
	}
	delete(m.publishedRoutes, p)
	m.logf("unpublish external route %v", p)
	m.noteChangedLocked()
}

// AddOnMeshPrefix adds a local on-mesh prefix entry, as if contributed by
// another device on the mesh.
func (m *Memory) AddOnMeshPrefix(cfg PrefixConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if old, ok := m.local[cfg.Prefix]; ok && old == cfg {
		return
	}
	mak.Set(&m.local, cfg.Prefix, cfg)
	m.noteChangedLocked()
}

// RemoveOnMeshPrefix removes a local on-mesh prefix entry.
func (m *Memory) RemoveOnMeshPrefix(p netip.Prefix) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.local[p]; !ok {
		return
	}
	delete(m.local, p)
	m.noteChangedLocked()
}

// AddRoute adds a local external route entry.
func (m *Memory) AddRoute(cfg RouteConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if old, ok := m.localRoutes[cfg.Prefix]; ok && old == cfg {
		return
	}
	mak.Set(&m.localRoutes, cfg.Prefix, cfg)
	m.noteChangedLocked()
}

// RemoveRoute removes a local external route entry.
func (m *Memory) RemoveRoute(p netip.Prefix) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.localRoutes[p]; !ok {
		return
	}
	delete(m.localRoutes, p)
	m.noteChangedLocked()
}

func (m *Memory) OnMeshPrefixes() []PrefixConfig {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []PrefixConfig
	for p, cfg := range m.local {
		if _, ok := m.published[p]; ok {
			continue
		}
		out = append(out, cfg)
	}
	for _, cfg := range m.published {
		out = append(out, cfg)
	}
	slices.SortFunc(out, func(a, b PrefixConfig) int {
		return braddr.ComparePrefixes(a.Prefix, b.Prefix)
	})
	return out
}

func (m *Memory) ExternalRoutes() []RouteConfig {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []RouteConfig
	for p, cfg := range m.localRoutes {
		if _, ok := m.publishedRoutes[p]; ok {
			continue
		}
		out = append(out, cfg)
	}
	for _, cfg := range m.publishedRoutes {
		out = append(out, cfg)
	}
	slices.SortFunc(out, func(a, b RouteConfig) int {
		return braddr.ComparePrefixes(a.Prefix, b.Prefix)
	})
	return out
}

// noteChangedLocked queues a single change notification. Callers hold mu.
func (m *Memory) noteChangedLocked() {
	if m.changeFunc == nil || m.notifyPending {
		return
	}
	m.notifyPending = true
	m.q.Add(func() {
		m.mu.Lock()
		m.notifyPending = false
		f := m.changeFunc
		m.mu.Unlock()
		if f != nil {
			f()
		}
	})
}

// Shutdown stops delivering change notifications and waits for any
// pending one to finish.
func (m *Memory) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.changeFunc = nil
	m.mu.Unlock()
	m.q.Shutdown()
	return m.q.Wait(ctx)
}
