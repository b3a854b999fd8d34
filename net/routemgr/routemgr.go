// Copyright (c) Meshinfra Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

// Package routemgr implements the routing policy engine of a border
// router bridging a constrained mesh network and an adjacent IPv6
// infrastructure link.
//
// The Manager owns the local OMR, on-link, and NAT64 prefixes, publishes
// entries into the mesh's network data, and speaks Router
// Solicitation/Advertisement on the infrastructure link. Multiple border
// routers on the same link converge without coordination: everyone
// re-evaluates the same policy against the shared network data and the
// prefixes discovered from peer RAs, and ties break on prefix bytes.
package routemgr

import (
	"cmp"
	"errors"
	"net/netip"
	"slices"
	"sync"
	"time"

	"github.com/meshinfra/borderd/net/braddr"
	"github.com/meshinfra/borderd/net/infraif"
	"github.com/meshinfra/borderd/net/ndp"
	"github.com/meshinfra/borderd/net/netdata"
	"tailscale.com/tstime"
	"tailscale.com/types/logger"
)

var (
	// ErrInvalidArgs is returned by Init for a bad interface index.
	ErrInvalidArgs = errors.New("routemgr: invalid argument")
	// ErrNotInitialized is returned by accessors called before Init.
	ErrNotInitialized = errors.New("routemgr: not initialized")
	// ErrAlreadyInitialized is returned by a second Init.
	ErrAlreadyInitialized = errors.New("routemgr: already initialized")
)

const (
	// maxAdvertisedOMRPrefixes bounds the OMR prefixes carried as RIOs
	// in one Router Advertisement.
	maxAdvertisedOMRPrefixes = 4

	defaultOMRPrefixLifetime    = 1800 * time.Second
	defaultOnLinkPrefixLifetime = 1800 * time.Second

	maxRouterAdvInterval     = 600 * time.Second
	minRouterAdvInterval     = maxRouterAdvInterval / 3
	maxInitRouterAdvInterval = 16 * time.Second
	maxInitRouterAdverts     = 3
	minDelayBetweenRAs       = 3 * time.Second
	raReplyJitter            = 500 * time.Millisecond

	maxRouterSolicitations  = 3
	routerSolicitInterval   = 4 * time.Second
	maxRouterSolicitDelay   = 1 * time.Second
	routerSolicitRetryDelay = routerSolicitInterval
	routingPolicyEvalJitter = 1 * time.Second

	// routerAdvertStaleTime is how long a discovered prefix or a learnt
	// RA header stays fresh without being re-advertised. Past it the
	// manager solicits the link to verify the prefix is still there.
	routerAdvertStaleTime = 1800 * time.Second
)

// InfraIf is the infrastructure link as the Manager sees it.
type InfraIf interface {
	// Send transmits an ICMPv6 body to dst on the infrastructure link.
	Send(pkt []byte, dst netip.Addr) error
	// Running reports whether the interface is up.
	Running() bool
	// Index returns the interface index.
	Index() int
}

// Config collects the Manager's collaborators. InfraIf and NetData are
// required; the other fields are optional.
type Config struct {
	Logf    logger.Logf
	Clock   tstime.Clock
	InfraIf InfraIf
	NetData netdata.Client

	// StatePath, if nonempty, is where the generated BR-ULA and on-link
	// prefixes persist across restarts.
	StatePath string

	// NAT64 enables publication of the local NAT64 prefix.
	NAT64 bool

	// AllowDefaultRoute lets a default route learnt from peer RAs be
	// published into network data.
	AllowDefaultRoute bool

	// HostRAFunc reports whether a Router Advertisement source address
	// belongs to this host, meaning an RA from it carries upstream
	// configuration to echo rather than a peer's. Nil means no RA is
	// treated as the host's.
	HostRAFunc func(src netip.Addr) bool
}

// Manager is the routing policy engine. All state is guarded by mu;
// timer callbacks, packet upcalls, and network data notifications each
// take the lock, so the engine is logically single-threaded.
type Manager struct {
	logf       logger.Logf
	clock      tstime.Clock
	infraIf    InfraIf
	netData    netdata.Client
	statePath  string
	nat64      bool
	hostRAFunc func(src netip.Addr) bool

	mu sync.Mutex // guards following

	closed         bool
	initialized    bool
	enabled        bool
	running        bool
	infraIfIndex   int
	infraIfRunning bool

	brULAPrefix       netip.Prefix
	localOMRPrefix    netip.Prefix
	localNAT64Prefix  netip.Prefix
	localOnLinkPrefix netip.Prefix

	// omrPublished tracks whether the local OMR prefix is currently in
	// network data.
	omrPublished bool

	// advertisedOMRPrefixes is what the last RA carried as RIOs. For a
	// stable mesh this converges to a single prefix across all border
	// routers on the link.
	advertisedOMRPrefixes []omrPrefix

	// favoredDiscoveredOnLink is the smallest non-deprecated on-link
	// prefix discovered from peer RAs; invalid when there is none.
	favoredDiscoveredOnLink netip.Prefix

	advertisingLocalOnLink bool
	advertisingLocalNAT64  bool

	// timeAdvertisedOnLink is the last time the local on-link prefix
	// was advertised with a nonzero preferred lifetime.
	timeAdvertisedOnLink time.Time

	// raHeader echoes the upstream router's RA header once one is
	// learnt from this host; otherwise it is the zero default.
	raHeader         ndp.RAHeader
	raHeaderUpdated  time.Time
	learntRAFromHost bool

	raCount        int
	lastRASendTime time.Time

	// solicited and solicitor pick the next RA's destination: the lone
	// solicitor's address, or all-nodes once several ask (or the
	// source was not a usable unicast).
	solicited bool
	solicitor netip.Addr

	rsCount     int
	rsStartTime time.Time

	table *prefixTable

	policyTimer    *oneshotTimer
	rsTimer        *oneshotTimer
	deprecateTimer *oneshotTimer
	staleTimer     *oneshotTimer
}

// omrPrefix is an OMR prefix with the preference it is advertised at.
type omrPrefix struct {
	prefix     netip.Prefix
	preference ndp.Preference
}

// isFavoredOver reports whether p wins over o: higher preference first,
// then smaller prefix bytes.
func (p omrPrefix) isFavoredOver(o omrPrefix) bool {
	if p.preference != o.preference {
		return p.preference > o.preference
	}
	return braddr.ComparePrefixes(p.prefix, o.prefix) < 0
}

// NewManager returns a Manager wired to its collaborators. Call Init
// before anything else.
func NewManager(cfg Config) *Manager {
	logf := cfg.Logf
	if logf == nil {
		logf = logger.Discard
	}
	clock := cfg.Clock
	if clock == nil {
		clock = new(tstime.StdClock)
	}
	m := &Manager{
		logf:       logger.WithPrefix(logf, "routemgr: "),
		clock:      clock,
		infraIf:    cfg.InfraIf,
		netData:    cfg.NetData,
		statePath:  cfg.StatePath,
		nat64:      cfg.NAT64,
		hostRAFunc: cfg.HostRAFunc,
		enabled:    true,
	}
	m.table = newPrefixTable(m, cfg.AllowDefaultRoute)
	m.policyTimer = m.newTimer(m.handlePolicyTimer)
	m.rsTimer = m.newTimer(m.handleRouterSolicitTimer)
	m.deprecateTimer = m.newTimer(m.handleDeprecateTimer)
	m.staleTimer = m.newTimer(m.handleStaleTimer)
	m.table.timer = m.newTimer(m.table.handleExpireTimer)
	return m
}

// Init validates the infrastructure interface, loads or generates the
// local prefixes, and arms the engine. The manager starts running as
// soon as the interface and the mesh are both usable.
func (m *Manager) Init(infraIfIndex int, infraIfRunning bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.initialized {
		return ErrAlreadyInitialized
	}
	if infraIfIndex < 1 {
		return ErrInvalidArgs
	}
	if m.infraIf.Index() != 0 && m.infraIf.Index() != infraIfIndex {
		return ErrInvalidArgs
	}
	m.loadOrGeneratePrefixesLocked()
	m.infraIfIndex = infraIfIndex
	m.infraIfRunning = infraIfRunning
	m.initialized = true
	m.evaluateStateLocked()
	return nil
}

func (m *Manager) loadOrGeneratePrefixesLocked() {
	var st braddr.State
	if m.statePath != "" {
		var err error
		if st, err = braddr.LoadState(m.statePath); err != nil {
			m.logf("loading prefix state: %v", err)
		}
	}
	dirty := false
	if !braddr.ValidBRULAPrefix(st.BRULAPrefix) {
		st.BRULAPrefix = braddr.GenerateULAPrefix()
		dirty = true
		m.logf("generated BR ULA prefix %v", st.BRULAPrefix)
	}
	if !braddr.ValidOnLinkPrefix(st.OnLinkPrefix) {
		st.OnLinkPrefix = braddr.GenerateOnLinkPrefix()
		dirty = true
		m.logf("generated on-link prefix %v", st.OnLinkPrefix)
	}
	if dirty && m.statePath != "" {
		if err := st.Save(m.statePath); err != nil {
			m.logf("saving prefix state: %v", err)
		}
	}
	m.brULAPrefix = st.BRULAPrefix
	m.localOMRPrefix = braddr.OMRPrefix(st.BRULAPrefix)
	m.localNAT64Prefix = braddr.NAT64Prefix(st.BRULAPrefix)
	m.localOnLinkPrefix = st.OnLinkPrefix
}

// SetEnabled enables or disables the engine. It is enabled by default;
// disabling stops it, withdrawing everything published and advertised.
func (m *Manager) SetEnabled(enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.initialized {
		return ErrNotInitialized
	}
	if m.enabled == enabled {
		return nil
	}
	m.enabled = enabled
	m.evaluateStateLocked()
	return nil
}

// OMRPrefix returns the local OMR prefix.
func (m *Manager) OMRPrefix() (netip.Prefix, error) {
	return m.prefixAccessor(&m.localOMRPrefix)
}

// OnLinkPrefix returns the local on-link prefix.
func (m *Manager) OnLinkPrefix() (netip.Prefix, error) {
	return m.prefixAccessor(&m.localOnLinkPrefix)
}

// NAT64Prefix returns the local NAT64 prefix.
func (m *Manager) NAT64Prefix() (netip.Prefix, error) {
	return m.prefixAccessor(&m.localNAT64Prefix)
}

func (m *Manager) prefixAccessor(p *netip.Prefix) (netip.Prefix, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.initialized {
		return netip.Prefix{}, ErrNotInitialized
	}
	return *p, nil
}

// SetAllowDefaultRouteInNetData sets whether a default route learnt from
// peer RAs may be published into network data.
func (m *Manager) SetAllowDefaultRouteInNetData(allow bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.table.allowDefaultRoute == allow {
		return
	}
	m.table.allowDefaultRoute = allow
	m.table.updateNetDataFor(defaultRoutePrefix)
}

// HandleReceived processes an ICMPv6 message received on the
// infrastructure link. Malformed or undesired messages are dropped
// silently.
func (m *Manager) HandleReceived(pkt []byte, src netip.Addr) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running || len(pkt) == 0 {
		return
	}
	switch pkt[0] {
	case ndp.TypeRouterSolicit:
		m.handleRouterSolicitLocked(pkt, src)
	case ndp.TypeRouterAdvert:
		m.handleRouterAdvertLocked(pkt, src)
	}
	m.dispatchPendingLocked()
}

// HandleInfraIfStateChanged re-reads the interface state and starts or
// stops the engine accordingly.
func (m *Manager) HandleInfraIfStateChanged() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.initialized {
		return
	}
	m.infraIfRunning = m.infraIf.Running()
	m.evaluateStateLocked()
}

// HandleNetDataChanged reacts to a change in the mesh's network data. It
// is safe to call from a network data change notification, which must
// not be delivered inside one of the engine's own publish calls.
func (m *Manager) HandleNetDataChanged() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.initialized {
		return
	}
	m.evaluateStateLocked()
	if m.running {
		m.updateTableOnNetDataChangeLocked()
		m.schedulePolicyEvalJitterLocked(routingPolicyEvalJitter)
	}
	m.dispatchPendingLocked()
}

// Close stops the engine and cancels all timers.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	if m.running {
		m.stopLocked()
	}
	m.closed = true
}

// ValidOMRPrefixConfig reports whether an on-mesh prefix entry can serve
// as an OMR prefix: SLAAC-capable, on-mesh, stable, and carrying a valid
// OMR prefix.
func ValidOMRPrefixConfig(cfg netdata.PrefixConfig) bool {
	return cfg.OnMesh && cfg.SLAAC && cfg.Stable && braddr.ValidOMRPrefix(cfg.Prefix)
}

func (m *Manager) evaluateStateLocked() {
	shouldRun := m.enabled && m.infraIfRunning && m.netData.Reachable() &&
		braddr.ValidBRULAPrefix(m.brULAPrefix)
	switch {
	case shouldRun && !m.running:
		m.startLocked()
	case !shouldRun && m.running:
		m.stopLocked()
	}
}

func (m *Manager) startLocked() {
	m.running = true
	m.logf("started")
	m.updateRouterAdvertHeaderLocked(nil)
	m.startRouterSolicitationDelayLocked()
}

func (m *Manager) stopLocked() {
	m.unpublishLocalOMRPrefixLocked()
	if m.advertisingLocalOnLink {
		m.netData.UnpublishExternalRoute(m.localOnLinkPrefix)
	}
	if m.advertisingLocalNAT64 {
		m.netData.UnpublishExternalRoute(m.localNAT64Prefix)
		m.advertisingLocalNAT64 = false
	}

	// One final RA invalidating everything we were advertising.
	mode := pioNone
	if m.advertisingLocalOnLink || m.deprecateTimer.running() {
		mode = pioZero
	}
	m.sendRouterAdvertisementLocked(nil, mode)

	m.advertisedOMRPrefixes = nil
	m.advertisingLocalOnLink = false
	m.deprecateTimer.stop()
	m.favoredDiscoveredOnLink = netip.Prefix{}

	m.table.removeAllEntries()
	m.table.changed = false
	m.staleTimer.stop()

	m.raCount = 0
	m.solicited = false
	m.solicitor = netip.Addr{}
	m.rsTimer.stop()
	m.rsCount = 0
	m.policyTimer.stop()

	m.running = false
	m.logf("stopped")
}

func (m *Manager) handleRouterSolicitLocked(pkt []byte, src netip.Addr) {
	if _, err := ndp.ParseRouterSolicit(pkt); err != nil {
		return
	}
	m.logf("received router solicit from %v", src)
	if !m.solicited && src.IsLinkLocalUnicast() {
		m.solicitor = src
	} else if m.solicitor != src {
		m.solicitor = netip.Addr{}
	}
	m.solicited = true
	m.schedulePolicyEvalJitterLocked(raReplyJitter)
}

func (m *Manager) handleRouterAdvertLocked(pkt []byte, src netip.Addr) {
	ra, err := ndp.ParseRouterAdvert(pkt)
	if err != nil {
		m.logf("[v1] dropping bad RA from %v: %v", src, err)
		return
	}
	m.logf("received router advert from %v", src)
	m.table.processRouterAdvert(ra, src)
	if m.hostRAFunc != nil && m.hostRAFunc(src) {
		m.updateRouterAdvertHeaderLocked(ra)
	}
}

// updateRouterAdvertHeaderLocked snapshots the header of an RA initiated
// from this host, or resets to the default when ra is nil.
func (m *Manager) updateRouterAdvertHeaderLocked(ra *ndp.RouterAdvert) {
	if ra != nil {
		m.raHeader = ra.RAHeader
		m.learntRAFromHost = true
	} else {
		m.raHeader = ndp.RAHeader{}
		m.learntRAFromHost = false
	}
	m.raHeaderUpdated = m.clock.Now()
	m.resetStaleTimerLocked()
}

func (m *Manager) resetStaleTimerLocked() {
	now := m.clock.Now()
	next, ok := m.table.nextStaleTime()
	if m.learntRAFromHost {
		raStale := m.raHeaderUpdated.Add(routerAdvertStaleTime)
		if !ok || raStale.Before(next) {
			next, ok = raStale, true
		}
	}
	if !ok {
		m.staleTimer.stop()
		return
	}
	if next.Before(now) {
		next = now
	}
	m.staleTimer.fireAt(now, next)
}

func (m *Manager) handleStaleTimer() {
	m.logf("stale timer expired")
	m.startRouterSolicitationDelayLocked()
}

// updateTableOnNetDataChangeLocked drops discovered route entries whose
// prefixes have shown up in network data as OMR prefixes; they are now
// reachable through the mesh itself.
func (m *Manager) updateTableOnNetDataChangeLocked() {
	for _, cfg := range m.netData.OnMeshPrefixes() {
		if !ValidOMRPrefixConfig(cfg) {
			continue
		}
		m.table.removeRoutePrefix(cfg.Prefix, unpublishFromNetData)
	}
}

// shouldProcessPrefixInfo says whether a PIO from a peer RA deserves a
// table entry: it must announce a usable on-link prefix and not be the
// prefix we are advertising ourselves. While we deprecate our own
// prefix, a peer announcing it is processed so the handoff is tracked.
func (m *Manager) shouldProcessPrefixInfo(pio ndp.PrefixInfo) bool {
	if !m.running {
		return false
	}
	if !braddr.ValidOnLinkPIO(pio) {
		m.logf("[v1] ignoring PIO with unusable prefix %v", pio.Prefix)
		return false
	}
	if m.advertisingLocalOnLink && pio.Prefix == m.localOnLinkPrefix {
		return false
	}
	return true
}

// shouldProcessRouteInfo says whether a RIO from a peer RA deserves a
// table entry. Prefixes reachable through the mesh itself (our own OMR
// prefix, or any OMR prefix in network data) are excluded.
func (m *Manager) shouldProcessRouteInfo(rio ndp.RouteInfo) bool {
	if !m.running {
		return false
	}
	a := rio.Prefix.Addr()
	if a.IsLinkLocalUnicast() || a.IsMulticast() {
		return false
	}
	if rio.Prefix == m.localOMRPrefix {
		return false
	}
	if m.netDataContainsOMRPrefixLocked(rio.Prefix) {
		return false
	}
	return true
}

func (m *Manager) netDataContainsOMRPrefixLocked(p netip.Prefix) bool {
	for _, cfg := range m.netData.OnMeshPrefixes() {
		if ValidOMRPrefixConfig(cfg) && cfg.Prefix == p {
			return true
		}
	}
	return false
}

// handleTableChangedLocked runs, coalesced, after any discovered prefix
// table mutation.
func (m *Manager) handleTableChangedLocked() {
	if !m.running {
		return
	}
	m.resetStaleTimerLocked()
	if m.table.favoredOnLinkPrefix() != m.favoredDiscoveredOnLink {
		m.schedulePolicyEvalJitterLocked(routingPolicyEvalJitter)
	}
}

// dispatchPendingLocked drains the coalesced table-changed signal before
// control returns to I/O. Every entrypoint that can mutate the table
// ends with it.
func (m *Manager) dispatchPendingLocked() {
	for m.table.changed {
		m.table.changed = false
		m.handleTableChangedLocked()
	}
}

func (m *Manager) handlePolicyTimer() {
	m.evaluateRoutingPolicyLocked()
}

// evaluateRoutingPolicy re-evaluates which prefixes to own, publish, and
// advertise, emits an RA reflecting the result, and schedules the next
// evaluation.
func (m *Manager) evaluateRoutingPolicyLocked() {
	if !m.running {
		return
	}
	m.logf("[v1] evaluating routing policy")

	newOMR := m.evaluateOMRPrefixLocked()
	m.evaluateOnLinkPrefixLocked()
	if m.nat64 {
		m.evaluateNAT64PrefixLocked()
	}
	m.sendRouterAdvertisementLocked(newOMR, pioAuto)
	m.advertisedOMRPrefixes = newOMR

	// The policy timer doubles as the unsolicited RA schedule.
	next := tstime.RandomDurationBetween(minRouterAdvInterval, maxRouterAdvInterval)
	if m.raCount <= maxInitRouterAdverts && next > maxInitRouterAdvInterval {
		next = maxInitRouterAdvInterval
	}
	m.schedulePolicyEvalLocked(next)
}

func (m *Manager) schedulePolicyEvalJitterLocked(jitter time.Duration) {
	if !m.running {
		return
	}
	m.schedulePolicyEvalLocked(tstime.RandomDurationBetween(0, jitter))
}

// schedulePolicyEvalLocked arms the policy timer for now+delay, clamped
// so consecutive RAs stay at least minDelayBetweenRAs apart, keeping an
// earlier already-scheduled evaluation.
func (m *Manager) schedulePolicyEvalLocked(delay time.Duration) {
	now := m.clock.Now()
	evalTime := now.Add(delay)
	if earliest := m.lastRASendTime.Add(minDelayBetweenRAs); evalTime.Before(earliest) {
		evalTime = earliest
	}
	m.policyTimer.fireAtIfEarlier(now, evalTime)
}

// evaluateOMRPrefixLocked scans network data for usable OMR prefixes. If
// the mesh has none, the local OMR prefix is published; if the mesh's
// favored prefix beats the local one, the local one is withdrawn.
func (m *Manager) evaluateOMRPrefixLocked() []omrPrefix {
	var newOMR []omrPrefix
	for _, cfg := range m.netData.OnMeshPrefixes() {
		if !ValidOMRPrefixConfig(cfg) {
			continue
		}
		if slices.ContainsFunc(newOMR, func(o omrPrefix) bool { return o.prefix == cfg.Prefix }) {
			continue
		}
		if len(newOMR) == maxAdvertisedOMRPrefixes {
			m.logf("too many OMR prefixes in network data; dropping %v", cfg.Prefix)
			continue
		}
		newOMR = append(newOMR, omrPrefix{cfg.Prefix, cfg.Preference})
	}
	slices.SortFunc(newOMR, func(a, b omrPrefix) int {
		if c := cmp.Compare(b.preference, a.preference); c != 0 {
			return c
		}
		return braddr.ComparePrefixes(a.prefix, b.prefix)
	})

	if len(newOMR) == 0 {
		if err := m.publishLocalOMRPrefixLocked(); err == nil {
			newOMR = append(newOMR, omrPrefix{m.localOMRPrefix, ndp.PreferenceLow})
		}
		return newOMR
	}

	favored := newOMR[0]
	local := omrPrefix{m.localOMRPrefix, ndp.PreferenceLow}
	if m.omrPublished && favored.prefix != m.localOMRPrefix && favored.isFavoredOver(local) {
		m.unpublishLocalOMRPrefixLocked()
		newOMR = slices.DeleteFunc(newOMR, func(o omrPrefix) bool { return o.prefix == m.localOMRPrefix })
	}
	return newOMR
}

func (m *Manager) publishLocalOMRPrefixLocked() error {
	err := m.netData.PublishOnMeshPrefix(netdata.PrefixConfig{
		Prefix:     m.localOMRPrefix,
		Preference: ndp.PreferenceLow,
		SLAAC:      true,
		OnMesh:     true,
		Stable:     true,
	})
	if err != nil {
		m.logf("publishing local OMR prefix %v: %v", m.localOMRPrefix, err)
		return err
	}
	if !m.omrPublished {
		m.logf("published local OMR prefix %v", m.localOMRPrefix)
	}
	m.omrPublished = true
	return nil
}

func (m *Manager) unpublishLocalOMRPrefixLocked() {
	if !m.omrPublished {
		return
	}
	m.netData.UnpublishOnMeshPrefix(m.localOMRPrefix)
	m.omrPublished = false
	m.logf("unpublished local OMR prefix %v", m.localOMRPrefix)
}

// evaluateOnLinkPrefixLocked decides whether this router supplies the
// link's on-link prefix. Discovery is inconclusive while a solicitation
// burst is still running, so the decision waits it out.
func (m *Manager) evaluateOnLinkPrefixLocked() {
	if m.isRouterSolicitInProgressLocked() {
		return
	}
	m.favoredDiscoveredOnLink = m.table.favoredOnLinkPrefix()
	if !m.favoredDiscoveredOnLink.IsValid() {
		if !m.advertisingLocalOnLink {
			err := m.netData.PublishExternalRoute(netdata.RouteConfig{
				Prefix:     m.localOnLinkPrefix,
				Preference: ndp.PreferenceMedium,
			})
			if err != nil {
				m.logf("publishing on-link route %v: %v", m.localOnLinkPrefix, err)
				return
			}
			m.advertisingLocalOnLink = true
			m.deprecateTimer.stop()
			m.logf("start advertising on-link prefix %v", m.localOnLinkPrefix)
		}
		m.timeAdvertisedOnLink = m.clock.Now()
	} else if m.advertisingLocalOnLink {
		m.deprecateOnLinkPrefixLocked()
	}
}

// deprecateOnLinkPrefixLocked begins winding down the local on-link
// prefix: later RAs carry it with zero preferred lifetime and a valid
// lifetime counting down from when it was last freshly advertised.
func (m *Manager) deprecateOnLinkPrefixLocked() {
	m.advertisingLocalOnLink = false
	deadline := m.timeAdvertisedOnLink.Add(defaultOnLinkPrefixLifetime)
	m.logf("deprecating local on-link prefix %v until %v", m.localOnLinkPrefix, deadline)
	m.deprecateTimer.fireAt(m.clock.Now(), deadline)
}

func (m *Manager) handleDeprecateTimer() {
	m.logf("local on-link prefix %v expired", m.localOnLinkPrefix)
	m.netData.UnpublishExternalRoute(m.localOnLinkPrefix)
	m.sendRouterAdvertisementLocked(m.advertisedOMRPrefixes, pioZero)
}

func (m *Manager) evaluateNAT64PrefixLocked() {
	var favored netip.Prefix
	for _, rc := range m.netData.ExternalRoutes() {
		if !rc.NAT64 || rc.Prefix.Bits() != braddr.NAT64PrefixBits {
			continue
		}
		if !favored.IsValid() || braddr.ComparePrefixes(rc.Prefix, favored) < 0 {
			favored = rc.Prefix
		}
	}
	switch {
	case !favored.IsValid() || favored == m.localNAT64Prefix:
		if m.advertisingLocalNAT64 {
			return
		}
		err := m.netData.PublishExternalRoute(netdata.RouteConfig{
			Prefix:     m.localNAT64Prefix,
			Preference: ndp.PreferenceLow,
			NAT64:      true,
		})
		if err != nil {
			m.logf("publishing NAT64 prefix %v: %v", m.localNAT64Prefix, err)
			return
		}
		m.advertisingLocalNAT64 = true
		m.logf("published local NAT64 prefix %v", m.localNAT64Prefix)
	case m.advertisingLocalNAT64:
		m.netData.UnpublishExternalRoute(m.localNAT64Prefix)
		m.advertisingLocalNAT64 = false
		m.logf("withdrew local NAT64 prefix %v in favor of %v", m.localNAT64Prefix, favored)
	}
}

// pioMode selects how sendRouterAdvertisement carries the local on-link
// prefix: derived from current state, forced to zero lifetimes
// (withdrawal), or omitted.
type pioMode uint8

const (
	pioAuto pioMode = iota
	pioZero
	pioNone
)

func (m *Manager) sendRouterAdvertisementLocked(newOMR []omrPrefix, mode pioMode) {
	now := m.clock.Now()
	ra := &ndp.RouterAdvert{RAHeader: m.raHeader}

	deprecating := m.deprecateTimer.running()
	switch {
	case mode == pioZero:
		ra.Prefixes = append(ra.Prefixes, ndp.PrefixInfo{
			Prefix:     m.localOnLinkPrefix,
			OnLink:     true,
			Autonomous: true,
		})
	case mode == pioNone:
	case m.advertisingLocalOnLink:
		lifetime := uint32(defaultOnLinkPrefixLifetime / time.Second)
		ra.Prefixes = append(ra.Prefixes, ndp.PrefixInfo{
			Prefix:            m.localOnLinkPrefix,
			OnLink:            true,
			Autonomous:        true,
			ValidLifetime:     lifetime,
			PreferredLifetime: lifetime,
		})
	case deprecating:
		var remaining uint32
		if d := m.deprecateTimer.deadline.Sub(now); d > 0 {
			remaining = uint32(d / time.Second)
		}
		ra.Prefixes = append(ra.Prefixes, ndp.PrefixInfo{
			Prefix:        m.localOnLinkPrefix,
			OnLink:        true,
			Autonomous:    true,
			ValidLifetime: remaining,
		})
	}

	// Withdraw whatever we advertised before and stopped.
	for _, old := range m.advertisedOMRPrefixes {
		if slices.ContainsFunc(newOMR, func(o omrPrefix) bool { return o.prefix == old.prefix }) {
			continue
		}
		ra.Routes = append(ra.Routes, ndp.RouteInfo{
			Prefix:     old.prefix,
			Preference: old.preference,
		})
	}
	for _, omr := range newOMR {
		ra.Routes = append(ra.Routes, ndp.RouteInfo{
			Prefix:        omr.prefix,
			Preference:    omr.preference,
			RouteLifetime: uint32(defaultOMRPrefixLifetime / time.Second),
		})
	}

	if !ra.ContainsOptions() && ra.RAHeader == (ndp.RAHeader{}) {
		return
	}

	dst := infraif.AllNodes
	if m.solicited && m.solicitor.IsValid() {
		dst = m.solicitor
	}
	m.solicited = false
	m.solicitor = netip.Addr{}

	b, err := ra.Marshal()
	if err != nil {
		m.logf("marshaling RA: %v", err)
		return
	}
	if err := m.infraIf.Send(b, dst); err != nil {
		// The next scheduled RA carries current state; no retry.
		m.logf("sending RA: %v", err)
		return
	}
	m.raCount++
	m.lastRASendTime = now
	m.logf("sent RA to %v: %d PIOs, %d RIOs", dst, len(ra.Prefixes), len(ra.Routes))
}

func (m *Manager) startRouterSolicitationDelayLocked() {
	if m.isRouterSolicitInProgressLocked() {
		return
	}
	m.rsCount = 0
	delay := tstime.RandomDurationBetween(0, maxRouterSolicitDelay)
	now := m.clock.Now()
	m.rsStartTime = now.Add(delay)
	m.logf("router solicitation starting in %v", delay)
	m.rsTimer.fireAt(now, m.rsStartTime)
}

func (m *Manager) isRouterSolicitInProgressLocked() bool {
	return m.rsTimer.running() && m.rsCount <= maxRouterSolicitations
}

func (m *Manager) sendRouterSolicitationLocked() error {
	var rs ndp.RouterSolicit
	b, err := rs.Marshal()
	if err != nil {
		return err
	}
	return m.infraIf.Send(b, infraif.AllRouters)
}

func (m *Manager) handleRouterSolicitTimer() {
	now := m.clock.Now()
	if m.rsCount < maxRouterSolicitations {
		if err := m.sendRouterSolicitationLocked(); err != nil {
			m.logf("sending router solicit: %v", err)
			m.rsTimer.fireAt(now, now.Add(routerSolicitRetryDelay))
			return
		}
		m.rsCount++
		m.logf("[v1] sent router solicit %d/%d", m.rsCount, maxRouterSolicitations)
		m.rsTimer.fireAt(now, now.Add(routerSolicitInterval))
		return
	}

	// The burst is over. Anything not refreshed while we were asking is
	// gone or going.
	m.table.removeOrDeprecateOldEntries(m.rsStartTime)
	if !m.raHeaderUpdated.After(m.rsStartTime) {
		m.updateRouterAdvertHeaderLocked(nil)
	}
	m.rsCount = 0
	m.schedulePolicyEvalLocked(0)
}

// newTimer returns a one-shot timer whose handler runs under the
// manager's lock and drains the table-changed signal afterwards.
func (m *Manager) newTimer(handler func()) *oneshotTimer {
	t := &oneshotTimer{clock: m.clock}
	t.f = func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.closed || !t.armed {
			return
		}
		// A fire racing a re-arm to a later deadline is re-queued, not
		// acted on early.
		if now := m.clock.Now(); now.Before(t.deadline) {
			t.fireAt(now, t.deadline)
			return
		}
		t.armed = false
		handler()
		m.dispatchPendingLocked()
	}
	return t
}

// oneshotTimer is a re-armable one-shot timer tracking its absolute
// deadline, so re-arms can keep the earlier of two deadlines. All
// methods are called with the manager's lock held.
type oneshotTimer struct {
	clock    tstime.Clock
	f        func()
	tc       tstime.TimerController
	armed    bool
	deadline time.Time
}

func (t *oneshotTimer) fireAt(now, when time.Time) {
	d := when.Sub(now)
	if d <= 0 {
		// A deadline already reached is armed one nanosecond out;
		// "now" is close enough.
		d = time.Nanosecond
	}
	t.deadline = when
	t.armed = true
	if t.tc == nil {
		t.tc = t.clock.AfterFunc(d, t.f)
	} else {
		t.tc.Reset(d)
	}
}

func (t *oneshotTimer) fireAtIfEarlier(now, when time.Time) {
	if !t.armed || when.Before(t.deadline) {
		t.fireAt(now, when)
	}
}

func (t *oneshotTimer) stop() {
	t.armed = false
	if t.tc != nil {
		t.tc.Stop()
	}
}

func (t *oneshotTimer) running() bool { return t.armed }
