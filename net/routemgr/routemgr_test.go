// Copyright (c) Meshinfra Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package routemgr

import (
	"errors"
	"net/netip"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/meshinfra/borderd/net/ndp"
	"github.com/meshinfra/borderd/net/netdata"
	"tailscale.com/tstime"
)

// testClock is a controllable tstime.Clock. Unlike tstest.Clock, timer
// callbacks run with no clock lock held, so handlers may re-arm their
// own timers, which the manager's handlers do.
type testClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*testTimer
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Since(t time.Time) time.Duration { return c.Now().Sub(t) }

func (c *testClock) AfterFunc(d time.Duration, f func()) tstime.TimerController {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &testTimer{c: c, f: f, when: c.now.Add(d)}
	c.timers = append(c.timers, t)
	return t
}

func (c *testClock) NewTimer(d time.Duration) (tstime.TimerController, <-chan time.Time) {
	panic("NewTimer unused in tests")
}

func (c *testClock) NewTicker(d time.Duration) (tstime.TickerController, <-chan time.Time) {
	panic("NewTicker unused in tests")
}

// Advance moves simulated time to now+d, firing due timers in deadline
// order. Timers re-armed by a firing callback to a time within the
// window fire in the same call.
func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)
	for {
		var next *testTimer
		for _, t := range c.timers {
			if t.when.IsZero() || t.when.After(target) {
				continue
			}
			if next == nil || t.when.Before(next.when) {
				next = t
			}
		}
		if next == nil {
			break
		}
		if next.when.After(c.now) {
			c.now = next.when
		}
		next.when = time.Time{}
		f := next.f
		c.mu.Unlock()
		f()
		c.mu.Lock()
	}
	c.now = target
	c.mu.Unlock()
}

type testTimer struct {
	c    *testClock
	f    func()
	when time.Time // zero when inactive
}

func (t *testTimer) Reset(d time.Duration) bool {
	t.c.mu.Lock()
	defer t.c.mu.Unlock()
	wasActive := !t.when.IsZero()
	t.when = t.c.now.Add(d)
	return wasActive
}

func (t *testTimer) Stop() bool {
	t.c.mu.Lock()
	defer t.c.mu.Unlock()
	wasActive := !t.when.IsZero()
	t.when = time.Time{}
	return wasActive
}

type sentPacket struct {
	pkt []byte
	dst netip.Addr
	at  time.Time
}

type fakeInfra struct {
	clock *testClock

	mu      sync.Mutex
	sent    []sentPacket
	sendErr error
}

func (f *fakeInfra) Send(pkt []byte, dst netip.Addr) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, sentPacket{slices.Clone(pkt), dst, f.clock.Now()})
	return nil
}

func (f *fakeInfra) Running() bool { return true }
func (f *fakeInfra) Index() int    { return 1 }

type sentRA struct {
	ra  *ndp.RouterAdvert
	dst netip.Addr
	at  time.Time
}

// ras returns every Router Advertisement sent so far.
func (f *fakeInfra) ras(t *testing.T) []sentRA {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []sentRA
	for _, sp := range f.sent {
		if len(sp.pkt) == 0 || sp.pkt[0] != ndp.TypeRouterAdvert {
			continue
		}
		ra, err := ndp.ParseRouterAdvert(sp.pkt)
		if err != nil {
			t.Fatalf("sent unparseable RA: %v", err)
		}
		out = append(out, sentRA{ra, sp.dst, sp.at})
	}
	return out
}

func (f *fakeInfra) solicitCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, sp := range f.sent {
		if len(sp.pkt) > 0 && sp.pkt[0] == ndp.TypeRouterSolicit {
			n++
		}
	}
	return n
}

func newTestManager(t *testing.T, mutate func(*Config)) (*Manager, *testClock, *fakeInfra, *netdata.Memory) {
	t.Helper()
	clock := newTestClock()
	infra := &fakeInfra{clock: clock}
	nd := netdata.NewMemory(t.Logf)
	nd.SetReachable(true)
	cfg := Config{
		Logf:    t.Logf,
		Clock:   clock,
		InfraIf: infra,
		NetData: nd,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	m := NewManager(cfg)
	t.Cleanup(m.Close)
	return m, clock, infra, nd
}

// settle initializes the manager and advances past the solicitation
// burst into the first policy evaluation. The delay budget is the max
// initial jitter (1s) + 3 solicits spaced 4s + the post-burst interval,
// with headroom that stays under the second RA.
func settle(t *testing.T, m *Manager, clock *testClock) {
	t.Helper()
	if err := m.Init(1, true); err != nil {
		t.Fatalf("Init: %v", err)
	}
	clock.Advance(20 * time.Second)
}

func peerAddr(b byte) netip.Addr {
	a16 := [16]byte{0: 0xfe, 1: 0x80, 15: b}
	return netip.AddrFrom16(a16)
}

// peerRA builds a Router Advertisement body from a peer router.
func peerRA(t *testing.T, ra *ndp.RouterAdvert) []byte {
	t.Helper()
	b, err := ra.Marshal()
	if err != nil {
		t.Fatalf("marshal peer RA: %v", err)
	}
	return b
}

func TestAccessorsBeforeInit(t *testing.T) {
	m, _, _, _ := newTestManager(t, nil)
	if _, err := m.OMRPrefix(); err != ErrNotInitialized {
		t.Errorf("OMRPrefix err = %v, want ErrNotInitialized", err)
	}
	if _, err := m.OnLinkPrefix(); err != ErrNotInitialized {
		t.Errorf("OnLinkPrefix err = %v, want ErrNotInitialized", err)
	}
	if err := m.SetEnabled(false); err != ErrNotInitialized {
		t.Errorf("SetEnabled err = %v, want ErrNotInitialized", err)
	}
}

func TestInitBadIndex(t *testing.T) {
	m, _, _, _ := newTestManager(t, nil)
	if err := m.Init(0, true); err != ErrInvalidArgs {
		t.Errorf("Init(0) = %v, want ErrInvalidArgs", err)
	}
	if err := m.Init(7, true); err != ErrInvalidArgs {
		t.Errorf("Init(7) with interface index 1 = %v, want ErrInvalidArgs", err)
	}
	if err := m.Init(1, true); err != nil {
		t.Fatalf("Init(1): %v", err)
	}
	if err := m.Init(1, true); err != ErrAlreadyInitialized {
		t.Errorf("second Init = %v, want ErrAlreadyInitialized", err)
	}
}

// TestColdStart exercises a border router coming up on an empty link: it
// solicits three times, hears nothing, then publishes its own OMR prefix
// and advertises its own on-link prefix.
func TestColdStart(t *testing.T) {
	m, clock, infra, nd := newTestManager(t, nil)
	settle(t, m, clock)

	if got := infra.solicitCount(); got != maxRouterSolicitations {
		t.Errorf("sent %d solicits, want %d", got, maxRouterSolicitations)
	}

	omr, err := m.OMRPrefix()
	if err != nil {
		t.Fatal(err)
	}
	onLink, err := m.OnLinkPrefix()
	if err != nil {
		t.Fatal(err)
	}

	ras := infra.ras(t)
	if len(ras) != 1 {
		t.Fatalf("sent %d RAs, want 1", len(ras))
	}
	ra := ras[0]
	if ra.dst != netip.MustParseAddr("ff02::1") {
		t.Errorf("RA dst = %v, want all-nodes", ra.dst)
	}
	if len(ra.ra.Prefixes) != 1 || ra.ra.Prefixes[0].Prefix != onLink {
		t.Fatalf("RA PIOs = %+v, want local on-link %v", ra.ra.Prefixes, onLink)
	}
	pio := ra.ra.Prefixes[0]
	if !pio.OnLink || !pio.Autonomous || pio.ValidLifetime != 1800 || pio.PreferredLifetime != 1800 {
		t.Errorf("PIO = %+v, want L+A 1800/1800", pio)
	}
	if len(ra.ra.Routes) != 1 || ra.ra.Routes[0].Prefix != omr {
		t.Fatalf("RA RIOs = %+v, want local OMR %v", ra.ra.Routes, omr)
	}
	rio := ra.ra.Routes[0]
	if rio.RouteLifetime != 1800 || rio.Preference != ndp.PreferenceLow {
		t.Errorf("RIO = %+v, want lifetime 1800 pref low", rio)
	}

	// The local OMR prefix is in network data, and the on-link prefix
	// is published as an external route for mesh nodes.
	prefixes := nd.OnMeshPrefixes()
	if len(prefixes) != 1 || prefixes[0].Prefix != omr {
		t.Errorf("on-mesh prefixes = %+v, want local OMR only", prefixes)
	}
	if cfg := prefixes[0]; !cfg.SLAAC || !cfg.OnMesh || !cfg.Stable || cfg.Preference != ndp.PreferenceLow {
		t.Errorf("OMR prefix config = %+v", cfg)
	}
	routes := nd.ExternalRoutes()
	if len(routes) != 1 || routes[0].Prefix != onLink {
		t.Errorf("external routes = %+v, want on-link only", routes)
	}
}

// TestPeerOnLinkAppears verifies that discovering a peer's on-link
// prefix deprecates the local one: preferred lifetime zero immediately,
// valid lifetime counting down, and a final all-zero PIO at the end.
func TestPeerOnLinkAppears(t *testing.T) {
	m, clock, infra, nd := newTestManager(t, nil)
	settle(t, m, clock)
	onLink, _ := m.OnLinkPrefix()
	peer := netip.MustParsePrefix("2001:db8:1::/64")

	m.HandleReceived(peerRA(t, &ndp.RouterAdvert{
		Prefixes: []ndp.PrefixInfo{{
			Prefix:            peer,
			OnLink:            true,
			Autonomous:        true,
			ValidLifetime:     1800,
			PreferredLifetime: 1800,
		}},
	}), peerAddr(2))

	// The discovered prefix is published into network data right away.
	if !slices.ContainsFunc(nd.ExternalRoutes(), func(rc netdata.RouteConfig) bool { return rc.Prefix == peer }) {
		t.Errorf("peer on-link prefix not published as external route: %+v", nd.ExternalRoutes())
	}

	before := len(infra.ras(t))
	clock.Advance(4 * time.Second) // eval jitter, min RA spacing
	ras := infra.ras(t)
	if len(ras) != before+1 {
		t.Fatalf("sent %d new RAs, want 1", len(ras)-before)
	}
	last := ras[len(ras)-1]
	var pio *ndp.PrefixInfo
	for i := range last.ra.Prefixes {
		if last.ra.Prefixes[i].Prefix == onLink {
			pio = &last.ra.Prefixes[i]
		}
	}
	if pio == nil {
		t.Fatalf("deprecating RA has no PIO for %v: %+v", onLink, last.ra.Prefixes)
	}
	if pio.PreferredLifetime != 0 || pio.ValidLifetime == 0 || pio.ValidLifetime > 1800 {
		t.Errorf("deprecating PIO = %+v, want preferred 0, 0 < valid <= 1800", pio)
	}

	// Across the wind-down every PIO for the local prefix keeps
	// preferred zero with a non-increasing valid lifetime, ending in an
	// all-zero withdrawal.
	clock.Advance(defaultOnLinkPrefixLifetime)
	var lifetimes []uint32
	sawZero := false
	for _, ra := range infra.ras(t)[before:] {
		for _, p := range ra.ra.Prefixes {
			if p.Prefix != onLink {
				continue
			}
			if p.PreferredLifetime != 0 {
				t.Errorf("PIO at %v preferred = %d, want 0", ra.at, p.PreferredLifetime)
			}
			lifetimes = append(lifetimes, p.ValidLifetime)
			if p.ValidLifetime == 0 {
				sawZero = true
			}
		}
		if sawZero {
			break
		}
	}
	if !sawZero {
		t.Errorf("no final withdrawal PIO seen; lifetimes %v", lifetimes)
	}
	if !slices.IsSortedFunc(lifetimes, func(a, b uint32) int {
		switch {
		case a > b:
			return -1
		case a < b:
			return 1
		}
		return 0
	}) {
		t.Errorf("valid lifetimes not non-increasing: %v", lifetimes)
	}
}

// TestPeerOMRWins verifies that a favored OMR prefix showing up in
// network data makes the router withdraw its own.
func TestPeerOMRWins(t *testing.T) {
	m, clock, infra, nd := newTestManager(t, nil)
	settle(t, m, clock)
	omr, _ := m.OMRPrefix()
	peer := netip.MustParsePrefix("fd0b::/64")

	nd.AddOnMeshPrefix(netdata.PrefixConfig{
		Prefix:     peer,
		Preference: ndp.PreferenceHigh,
		SLAAC:      true,
		OnMesh:     true,
		Stable:     true,
	})
	m.HandleNetDataChanged()

	before := len(infra.ras(t))
	clock.Advance(2 * time.Second)

	for _, cfg := range nd.OnMeshPrefixes() {
		if cfg.Prefix == omr {
			t.Errorf("local OMR prefix still in network data: %+v", cfg)
		}
	}

	ras := infra.ras(t)
	if len(ras) != before+1 {
		t.Fatalf("sent %d new RAs, want 1", len(ras)-before)
	}
	last := ras[len(ras)-1].ra
	var peerRIO, localRIO *ndp.RouteInfo
	for i := range last.Routes {
		switch last.Routes[i].Prefix {
		case peer:
			peerRIO = &last.Routes[i]
		case omr:
			localRIO = &last.Routes[i]
		}
	}
	if peerRIO == nil || peerRIO.RouteLifetime != 1800 || peerRIO.Preference != ndp.PreferenceHigh {
		t.Errorf("peer RIO = %+v, want lifetime 1800 pref high", peerRIO)
	}
	if localRIO == nil || localRIO.RouteLifetime != 0 {
		t.Errorf("local RIO = %+v, want zero-lifetime withdrawal", localRIO)
	}
}

// TestRSStorm verifies that a burst of solicitations from several peers
// coalesces into a single multicast RA no sooner than the minimum RA
// spacing.
func TestRSStorm(t *testing.T) {
	m, clock, infra, _ := newTestManager(t, nil)
	settle(t, m, clock)

	// Provoke one RA so the spacing clamp is live.
	rs, _ := (&ndp.RouterSolicit{}).Marshal()
	m.HandleReceived(rs, peerAddr(9))
	clock.Advance(time.Second)
	ras := infra.ras(t)
	firstAt := ras[len(ras)-1].at
	before := len(ras)

	for i := range 3 {
		m.HandleReceived(rs, peerAddr(byte(10+i)))
		clock.Advance(50 * time.Millisecond)
	}
	clock.Advance(4 * time.Second)

	ras = infra.ras(t)
	if len(ras) != before+1 {
		t.Fatalf("storm produced %d RAs, want 1", len(ras)-before)
	}
	reply := ras[len(ras)-1]
	if reply.dst != netip.MustParseAddr("ff02::1") {
		t.Errorf("storm reply dst = %v, want all-nodes", reply.dst)
	}
	if got := reply.at.Sub(firstAt); got < minDelayBetweenRAs {
		t.Errorf("RA spacing = %v, want >= %v", got, minDelayBetweenRAs)
	}
}

// TestSolicitedRAUnicast verifies a lone solicitor gets its RA unicast.
func TestSolicitedRAUnicast(t *testing.T) {
	m, clock, infra, _ := newTestManager(t, nil)
	settle(t, m, clock)

	rs, _ := (&ndp.RouterSolicit{}).Marshal()
	src := peerAddr(42)
	m.HandleReceived(rs, src)
	before := len(infra.ras(t))
	clock.Advance(4 * time.Second)

	ras := infra.ras(t)
	if len(ras) != before+1 {
		t.Fatalf("sent %d new RAs, want 1", len(ras)-before)
	}
	if got := ras[len(ras)-1].dst; got != src {
		t.Errorf("solicited RA dst = %v, want %v", got, src)
	}
}

// TestEntryExpiry verifies a discovered route is dropped at the end of
// its lifetime and unpublished from network data exactly once.
func TestEntryExpiry(t *testing.T) {
	var counting *countingNetData
	m, clock, _, _ := newTestManager(t, func(cfg *Config) {
		counting = &countingNetData{Memory: cfg.NetData.(*netdata.Memory)}
		cfg.NetData = counting
	})
	settle(t, m, clock)

	route := netip.MustParsePrefix("2001:db8:2::/48")
	m.HandleReceived(peerRA(t, &ndp.RouterAdvert{
		Routes: []ndp.RouteInfo{{Prefix: route, Preference: ndp.PreferenceMedium, RouteLifetime: 5}},
	}), peerAddr(3))

	if !slices.ContainsFunc(counting.ExternalRoutes(), func(rc netdata.RouteConfig) bool { return rc.Prefix == route }) {
		t.Fatalf("discovered route not published: %+v", counting.ExternalRoutes())
	}

	clock.Advance(6 * time.Second)

	if slices.ContainsFunc(counting.ExternalRoutes(), func(rc netdata.RouteConfig) bool { return rc.Prefix == route }) {
		t.Errorf("expired route still published")
	}
	if got := counting.unpublishCount(route); got != 1 {
		t.Errorf("unpublished %d times, want exactly 1", got)
	}
}

// TestLifetimeZeroWithdrawal verifies a zero-lifetime RIO removes the
// entry immediately rather than at its previous expiry.
func TestLifetimeZeroWithdrawal(t *testing.T) {
	m, clock, _, nd := newTestManager(t, nil)
	settle(t, m, clock)

	route := netip.MustParsePrefix("2001:db8:2::/48")
	rio := ndp.RouteInfo{Prefix: route, Preference: ndp.PreferenceMedium, RouteLifetime: 3600}
	m.HandleReceived(peerRA(t, &ndp.RouterAdvert{Routes: []ndp.RouteInfo{rio}}), peerAddr(3))
	if !slices.ContainsFunc(nd.ExternalRoutes(), func(rc netdata.RouteConfig) bool { return rc.Prefix == route }) {
		t.Fatalf("discovered route not published")
	}

	rio.RouteLifetime = 0
	m.HandleReceived(peerRA(t, &ndp.RouterAdvert{Routes: []ndp.RouteInfo{rio}}), peerAddr(3))
	if slices.ContainsFunc(nd.ExternalRoutes(), func(rc netdata.RouteConfig) bool { return rc.Prefix == route }) {
		t.Errorf("zero-lifetime route still published")
	}
}

// TestDisableWithdraws verifies that disabling the manager unpublishes
// everything and sends a final RA invalidating the advertised prefixes.
func TestDisableWithdraws(t *testing.T) {
	m, clock, infra, nd := newTestManager(t, nil)
	settle(t, m, clock)
	omr, _ := m.OMRPrefix()
	onLink, _ := m.OnLinkPrefix()

	if err := m.SetEnabled(false); err != nil {
		t.Fatal(err)
	}

	if got := nd.OnMeshPrefixes(); len(got) != 0 {
		t.Errorf("on-mesh prefixes after disable = %+v, want none", got)
	}
	if got := nd.ExternalRoutes(); len(got) != 0 {
		t.Errorf("external routes after disable = %+v, want none", got)
	}

	ras := infra.ras(t)
	last := ras[len(ras)-1].ra
	foundPIO, foundRIO := false, false
	for _, p := range last.Prefixes {
		if p.Prefix == onLink && p.ValidLifetime == 0 && p.PreferredLifetime == 0 {
			foundPIO = true
		}
	}
	for _, r := range last.Routes {
		if r.Prefix == omr && r.RouteLifetime == 0 {
			foundRIO = true
		}
	}
	if !foundPIO || !foundRIO {
		t.Errorf("final RA = %+v, want zero-lifetime PIO for %v and RIO for %v", last, onLink, omr)
	}

	// Re-enabling solicits again from scratch.
	solicitsBefore := infra.solicitCount()
	if err := m.SetEnabled(true); err != nil {
		t.Fatal(err)
	}
	clock.Advance(20 * time.Second)
	if got := infra.solicitCount(); got != solicitsBefore+maxRouterSolicitations {
		t.Errorf("solicits after re-enable = %d, want %d", got-solicitsBefore, maxRouterSolicitations)
	}
}

// TestHostRAHeaderEcho verifies the manager snapshots the RA header of a
// router running on this host and replays its flags and lifetime in its
// own RAs.
func TestHostRAHeaderEcho(t *testing.T) {
	hostAddr := peerAddr(200)
	m, clock, infra, _ := newTestManager(t, func(cfg *Config) {
		cfg.HostRAFunc = func(src netip.Addr) bool { return src == hostAddr }
	})
	settle(t, m, clock)

	m.HandleReceived(peerRA(t, &ndp.RouterAdvert{
		RAHeader: ndp.RAHeader{
			CurHopLimit:    64,
			Managed:        true,
			Other:          true,
			RouterLifetime: 1800,
		},
	}), hostAddr)

	rs, _ := (&ndp.RouterSolicit{}).Marshal()
	m.HandleReceived(rs, peerAddr(5))
	before := len(infra.ras(t))
	clock.Advance(4 * time.Second)

	ras := infra.ras(t)
	if len(ras) == before {
		t.Fatal("no RA sent")
	}
	hdr := ras[len(ras)-1].ra.RAHeader
	if !hdr.Managed || !hdr.Other || hdr.RouterLifetime != 1800 || hdr.CurHopLimit != 64 {
		t.Errorf("echoed RA header = %+v, want managed+other, lifetime 1800, hop limit 64", hdr)
	}
}

// TestSendFailureRetriesSolicit verifies an RS transmit failure is
// retried after the retry delay instead of being counted.
func TestSendFailureRetriesSolicit(t *testing.T) {
	m, clock, infra, _ := newTestManager(t, nil)
	infra.mu.Lock()
	infra.sendErr = errFailedSend
	infra.mu.Unlock()
	if err := m.Init(1, true); err != nil {
		t.Fatal(err)
	}

	clock.Advance(2 * time.Second) // first attempt fails
	infra.mu.Lock()
	infra.sendErr = nil
	infra.mu.Unlock()
	clock.Advance(20 * time.Second)

	if got := infra.solicitCount(); got != maxRouterSolicitations {
		t.Errorf("sent %d solicits after recovery, want %d", got, maxRouterSolicitations)
	}
}

var errFailedSend = errors.New("send failed")

// countingNetData counts external route unpublishes per prefix.
type countingNetData struct {
	*netdata.Memory

	mu          sync.Mutex
	unpublishes map[netip.Prefix]int
}

func (c *countingNetData) UnpublishExternalRoute(p netip.Prefix) {
	c.mu.Lock()
	if c.unpublishes == nil {
		c.unpublishes = make(map[netip.Prefix]int)
	}
	c.unpublishes[p]++
	c.mu.Unlock()
	c.Memory.UnpublishExternalRoute(p)
}

func (c *countingNetData) unpublishCount(p netip.Prefix) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.unpublishes[p]
}
