// Copyright (c) Meshinfra Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package routemgr

import (
	"net/netip"
	"slices"
	"time"

	"github.com/meshinfra/borderd/net/braddr"
	"github.com/meshinfra/borderd/net/ndp"
	"github.com/meshinfra/borderd/net/netdata"
)

// Capacity bounds for the discovered prefix table. When either is hit,
// new routers or entries are dropped rather than evicting old state.
const (
	maxDiscoveredRouters = 16
	maxDiscoveredEntries = 64
)

var defaultRoutePrefix = netip.PrefixFrom(netip.IPv6Unspecified(), 0)

// netDataMode says what a removal does to the entry's network data
// publication.
type netDataMode uint8

const (
	unpublishFromNetData netDataMode = iota
	keepInNetData
)

type entryKind uint8

const (
	kindOnLink entryKind = iota
	kindRoute
)

// prefixEntry is one prefix learnt from a peer RA: an on-link prefix
// from a PIO, or a route from a RIO or the RA header's default router
// lifetime. preferredLifetime applies to on-link entries,
// routePreference to route entries.
type prefixEntry struct {
	prefix            netip.Prefix
	kind              entryKind
	lastUpdate        time.Time
	validLifetime     uint32 // seconds; 0 removes the entry
	preferredLifetime uint32 // seconds
	routePreference   ndp.Preference
}

func (e *prefixEntry) expireTime() time.Time {
	return e.lastUpdate.Add(time.Duration(e.validLifetime) * time.Second)
}

// staleTime is when the entry wants re-verification: its expiry, or the
// RA stale window if the advertised lifetime outlives it.
func (e *prefixEntry) staleTime() time.Time {
	lifetime := min(time.Duration(e.validLifetime)*time.Second, routerAdvertStaleTime)
	return e.lastUpdate.Add(lifetime)
}

func (e *prefixEntry) isDeprecated(now time.Time) bool {
	if e.kind != kindOnLink {
		return false
	}
	return !now.Before(e.lastUpdate.Add(time.Duration(e.preferredLifetime) * time.Second))
}

// preference is what the entry publishes into network data with: route
// entries carry their advertised preference, on-link prefixes medium.
func (e *prefixEntry) preference() ndp.Preference {
	if e.kind == kindOnLink {
		return ndp.PreferenceMedium
	}
	return e.routePreference
}

// adoptOnLinkLifetimes refreshes an on-link entry from a new PIO. The
// valid lifetime follows RFC 4862, section 5.5.3.e: it may always grow,
// but an unauthenticated RA can only shorten it to no less than two
// hours.
func (e *prefixEntry) adoptOnLinkLifetimes(now time.Time, pio ndp.PrefixInfo) {
	const twoHours = 2 * 3600

	newExpire := now.Add(time.Duration(pio.ValidLifetime) * time.Second)
	switch {
	case pio.ValidLifetime > twoHours || newExpire.After(e.expireTime()):
		e.validLifetime = pio.ValidLifetime
	case e.expireTime().After(now.Add(twoHours * time.Second)):
		e.validLifetime = twoHours
	default:
		// Two hours or less remain: the advertised lifetime is ignored
		// and the current expiry kept.
		var remaining uint32
		if d := e.expireTime().Sub(now); d > 0 {
			remaining = uint32(d / time.Second)
		}
		e.validLifetime = remaining
	}
	e.preferredLifetime = pio.PreferredLifetime
	e.lastUpdate = now
}

// discoveredRouter groups the entries learnt from one RA source address.
// A router with no entries left is garbage-collected.
type discoveredRouter struct {
	addr    netip.Addr
	entries []*prefixEntry
}

func (r *discoveredRouter) find(prefix netip.Prefix, kind entryKind) *prefixEntry {
	for _, e := range r.entries {
		if e.prefix == prefix && e.kind == kind {
			return e
		}
	}
	return nil
}

// prefixTable is the soft-state store of prefixes discovered from peer
// RAs. It publishes discovered prefixes into network data as external
// routes and evicts entries as their lifetimes run out. Mutations set
// the coalesced changed flag, drained by the manager before returning
// to I/O. All methods run under the manager's lock.
type prefixTable struct {
	m *Manager

	routers    []*discoveredRouter
	entryCount int
	timer      *oneshotTimer

	// changed is the coalesced table-changed signal.
	changed bool

	// allowDefaultRoute gates publication of a learnt ::/0.
	allowDefaultRoute bool
}

func newPrefixTable(m *Manager, allowDefaultRoute bool) *prefixTable {
	return &prefixTable{m: m, allowDefaultRoute: allowDefaultRoute}
}

func (t *prefixTable) signalChanged() { t.changed = true }

func (t *prefixTable) findRouter(addr netip.Addr) *discoveredRouter {
	for _, r := range t.routers {
		if r.addr == addr {
			return r
		}
	}
	return nil
}

// processRouterAdvert upserts the router named by src and its entries
// from the message's header, PIOs, and RIOs.
func (t *prefixTable) processRouterAdvert(ra *ndp.RouterAdvert, src netip.Addr) {
	router := t.findRouter(src)
	if router == nil {
		if len(t.routers) == maxDiscoveredRouters {
			t.m.logf("[v1] router table full; ignoring RA from %v", src)
			return
		}
		router = &discoveredRouter{addr: src}
		t.routers = append(t.routers, router)
	}

	t.processDefaultRoute(ra, router)
	for _, pio := range ra.Prefixes {
		if !t.m.shouldProcessPrefixInfo(pio) {
			continue
		}
		t.processPrefixInfo(pio, router)
	}
	for _, rio := range ra.Routes {
		if !t.m.shouldProcessRouteInfo(rio) {
			continue
		}
		t.processRouteInfo(rio, router)
	}

	t.removeRoutersWithNoEntries()
	t.rearmExpireTimer()
}

// processDefaultRoute maintains the implicit ::/0 route entry derived
// from the RA header's router lifetime.
func (t *prefixTable) processDefaultRoute(ra *ndp.RouterAdvert, router *discoveredRouter) {
	now := t.m.clock.Now()
	e := router.find(defaultRoutePrefix, kindRoute)
	if e == nil {
		if ra.RouterLifetime == 0 {
			return
		}
		e = t.allocateEntry(defaultRoutePrefix)
		if e == nil {
			return
		}
		*e = prefixEntry{
			prefix:          defaultRoutePrefix,
			kind:            kindRoute,
			lastUpdate:      now,
			validLifetime:   uint32(ra.RouterLifetime),
			routePreference: ra.Preference,
		}
		router.entries = append(router.entries, e)
		t.updateNetDataFor(defaultRoutePrefix)
		t.signalChanged()
		return
	}

	mutated := e.validLifetime != uint32(ra.RouterLifetime) || e.routePreference != ra.Preference
	e.lastUpdate = now
	e.validLifetime = uint32(ra.RouterLifetime)
	e.routePreference = ra.Preference
	if ra.RouterLifetime == 0 {
		t.removeEntry(router, e, unpublishFromNetData)
		t.signalChanged()
		return
	}
	if mutated {
		t.updateNetDataFor(e.prefix)
		t.signalChanged()
	}
}

func (t *prefixTable) processPrefixInfo(pio ndp.PrefixInfo, router *discoveredRouter) {
	now := t.m.clock.Now()
	e := router.find(pio.Prefix, kindOnLink)
	if e == nil {
		if pio.ValidLifetime == 0 {
			return
		}
		e = t.allocateEntry(pio.Prefix)
		if e == nil {
			return
		}
		*e = prefixEntry{
			prefix:            pio.Prefix,
			kind:              kindOnLink,
			lastUpdate:        now,
			validLifetime:     pio.ValidLifetime,
			preferredLifetime: pio.PreferredLifetime,
		}
		// A peer has taken over the prefix we are deprecating; its
		// entry continues the countdown rather than restarting it.
		if pio.Prefix == t.m.localOnLinkPrefix && t.m.deprecateTimer.running() {
			var remaining uint32
			if d := t.m.deprecateTimer.deadline.Sub(now); d > 0 {
				remaining = uint32(d / time.Second)
			}
			e.validLifetime = remaining
			e.preferredLifetime = 0
		}
		router.entries = append(router.entries, e)
		t.updateNetDataFor(e.prefix)
		t.signalChanged()
		return
	}

	oldValid, oldPreferred := e.validLifetime, e.preferredLifetime
	e.adoptOnLinkLifetimes(now, pio)
	if e.validLifetime != oldValid || e.preferredLifetime != oldPreferred {
		t.signalChanged()
	}
}

func (t *prefixTable) processRouteInfo(rio ndp.RouteInfo, router *discoveredRouter) {
	now := t.m.clock.Now()
	e := router.find(rio.Prefix, kindRoute)
	if e == nil {
		if rio.RouteLifetime == 0 {
			return
		}
		e = t.allocateEntry(rio.Prefix)
		if e == nil {
			return
		}
		*e = prefixEntry{
			prefix:          rio.Prefix,
			kind:            kindRoute,
			lastUpdate:      now,
			validLifetime:   rio.RouteLifetime,
			routePreference: rio.Preference,
		}
		router.entries = append(router.entries, e)
		t.updateNetDataFor(e.prefix)
		t.signalChanged()
		return
	}

	mutated := e.validLifetime != rio.RouteLifetime || e.routePreference != rio.Preference
	e.lastUpdate = now
	e.validLifetime = rio.RouteLifetime
	e.routePreference = rio.Preference
	if rio.RouteLifetime == 0 {
		t.removeEntry(router, e, unpublishFromNetData)
		t.signalChanged()
		return
	}
	if mutated {
		t.updateNetDataFor(e.prefix)
		t.signalChanged()
	}
}

// allocateEntry reserves a slot in the fixed-size entry pool, or
// reports exhaustion by returning nil.
func (t *prefixTable) allocateEntry(prefix netip.Prefix) *prefixEntry {
	if t.entryCount == maxDiscoveredEntries {
		t.m.logf("[v1] prefix table full; dropping %v", prefix)
		return nil
	}
	t.entryCount++
	return new(prefixEntry)
}

// removeEntry unlinks e from router and fixes up the prefix's network
// data publication unless the caller wants it kept.
func (t *prefixTable) removeEntry(router *discoveredRouter, e *prefixEntry, mode netDataMode) {
	router.entries = slices.DeleteFunc(router.entries, func(x *prefixEntry) bool { return x == e })
	t.entryCount--
	if mode == unpublishFromNetData {
		t.updateNetDataFor(e.prefix)
	}
}

// favoredEntryFor returns the highest-preference entry for prefix across
// all routers, or nil.
func (t *prefixTable) favoredEntryFor(prefix netip.Prefix) *prefixEntry {
	var favored *prefixEntry
	for _, r := range t.routers {
		for _, e := range r.entries {
			if e.prefix != prefix {
				continue
			}
			if favored == nil || e.preference() > favored.preference() {
				favored = e
			}
		}
	}
	return favored
}

// updateNetDataFor re-publishes prefix as an external route using its
// favored remaining entry, or unpublishes it when none is left. A
// default route is published only when allowed.
func (t *prefixTable) updateNetDataFor(prefix netip.Prefix) {
	favored := t.favoredEntryFor(prefix)
	if favored == nil || (prefix == defaultRoutePrefix && !t.allowDefaultRoute) {
		t.m.netData.UnpublishExternalRoute(prefix)
		return
	}
	err := t.m.netData.PublishExternalRoute(netdata.RouteConfig{
		Prefix:     prefix,
		Preference: favored.preference(),
	})
	if err != nil {
		// Skipped now; the next policy evaluation retries.
		t.m.logf("publishing discovered route %v: %v", prefix, err)
	}
}

// favoredOnLinkPrefix returns the smallest non-deprecated discovered
// on-link prefix, or the invalid prefix when there is none.
func (t *prefixTable) favoredOnLinkPrefix() netip.Prefix {
	now := t.m.clock.Now()
	var favored netip.Prefix
	for _, r := range t.routers {
		for _, e := range r.entries {
			if e.kind != kindOnLink || e.isDeprecated(now) {
				continue
			}
			if !favored.IsValid() || braddr.ComparePrefixes(e.prefix, favored) < 0 {
				favored = e.prefix
			}
		}
	}
	return favored
}

func (t *prefixTable) containsOnLinkPrefix(prefix netip.Prefix) bool {
	return t.contains(prefix, kindOnLink)
}

func (t *prefixTable) containsRoutePrefix(prefix netip.Prefix) bool {
	return t.contains(prefix, kindRoute)
}

func (t *prefixTable) contains(prefix netip.Prefix, kind entryKind) bool {
	for _, r := range t.routers {
		if r.find(prefix, kind) != nil {
			return true
		}
	}
	return false
}

func (t *prefixTable) removeOnLinkPrefix(prefix netip.Prefix, mode netDataMode) {
	t.removePrefix(prefix, kindOnLink, mode)
}

func (t *prefixTable) removeRoutePrefix(prefix netip.Prefix, mode netDataMode) {
	t.removePrefix(prefix, kindRoute, mode)
}

func (t *prefixTable) removePrefix(prefix netip.Prefix, kind entryKind, mode netDataMode) {
	removed := false
	for _, r := range t.routers {
		for {
			e := r.find(prefix, kind)
			if e == nil {
				break
			}
			t.removeEntry(r, e, keepInNetData)
			removed = true
		}
	}
	if !removed {
		return
	}
	if mode == unpublishFromNetData {
		t.updateNetDataFor(prefix)
	}
	t.removeRoutersWithNoEntries()
	t.rearmExpireTimer()
	t.signalChanged()
}

// removeAllEntries clears the table and unpublishes everything it had
// published.
func (t *prefixTable) removeAllEntries() {
	prefixes := map[netip.Prefix]bool{}
	for _, r := range t.routers {
		for _, e := range r.entries {
			prefixes[e.prefix] = true
		}
	}
	t.routers = nil
	t.entryCount = 0
	for prefix := range prefixes {
		t.m.netData.UnpublishExternalRoute(prefix)
	}
	if t.timer != nil {
		t.timer.stop()
	}
	if len(prefixes) > 0 {
		t.signalChanged()
	}
}

// removeOrDeprecateOldEntries acts on entries not refreshed since
// threshold: routes are removed, on-link prefixes deprecated in place so
// established addresses stay valid.
func (t *prefixTable) removeOrDeprecateOldEntries(threshold time.Time) {
	changed := false
	for _, r := range t.routers {
		for _, e := range slices.Clone(r.entries) {
			if e.lastUpdate.After(threshold) {
				continue
			}
			if e.kind == kindOnLink {
				if e.preferredLifetime != 0 {
					e.preferredLifetime = 0
					changed = true
				}
				continue
			}
			t.removeEntry(r, e, unpublishFromNetData)
			changed = true
		}
	}
	if !changed {
		return
	}
	t.removeRoutersWithNoEntries()
	t.rearmExpireTimer()
	t.signalChanged()
}

// nextStaleTime returns the earliest stale time across all entries.
func (t *prefixTable) nextStaleTime() (next time.Time, ok bool) {
	for _, r := range t.routers {
		for _, e := range r.entries {
			if st := e.staleTime(); !ok || st.Before(next) {
				next, ok = st, true
			}
		}
	}
	return next, ok
}

// handleExpireTimer evicts entries whose valid lifetime has run out.
func (t *prefixTable) handleExpireTimer() {
	now := t.m.clock.Now()
	changed := false
	for _, r := range t.routers {
		for _, e := range slices.Clone(r.entries) {
			if e.expireTime().After(now) {
				continue
			}
			t.m.logf("[v1] discovered prefix %v from %v expired", e.prefix, r.addr)
			t.removeEntry(r, e, unpublishFromNetData)
			changed = true
		}
	}
	t.removeRoutersWithNoEntries()
	t.rearmExpireTimer()
	if changed {
		t.signalChanged()
	}
}

// rearmExpireTimer points the single expiry timer at the nearest entry
// expiry.
func (t *prefixTable) rearmExpireTimer() {
	var next time.Time
	ok := false
	for _, r := range t.routers {
		for _, e := range r.entries {
			if et := e.expireTime(); !ok || et.Before(next) {
				next, ok = et, true
			}
		}
	}
	if !ok {
		t.timer.stop()
		return
	}
	now := t.m.clock.Now()
	if next.Before(now) {
		next = now
	}
	t.timer.fireAt(now, next)
}

func (t *prefixTable) removeRoutersWithNoEntries() {
	t.routers = slices.DeleteFunc(t.routers, func(r *discoveredRouter) bool {
		return len(r.entries) == 0
	})
}
