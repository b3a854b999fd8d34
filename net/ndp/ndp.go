// Copyright (c) Meshinfra Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

// Package ndp implements the subset of IPv6 Neighbor Discovery (RFC 4861)
// spoken by a border router on its infrastructure link: Router Solicitation
// and Router Advertisement messages, with Prefix Information Options and
// Route Information Options (RFC 4191).
//
// Messages are ICMPv6 bodies starting at the Type octet. The checksum field
// is left zero on marshal; raw ICMPv6 sockets fill it in on send and verify
// it on receive.
package ndp

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"
)

const (
	// TypeRouterSolicit is the ICMPv6 type of a Router Solicitation.
	TypeRouterSolicit = 133
	// TypeRouterAdvert is the ICMPv6 type of a Router Advertisement.
	TypeRouterAdvert = 134
)

// MaxRouterAdvertLen is the maximum Router Advertisement length handled,
// in octets.
const MaxRouterAdvertLen = 256

// InfiniteLifetime is the wire value denoting an unbounded lifetime.
const InfiniteLifetime = ^uint32(0)

// Option type values from the IANA ndp-options registry.
const (
	optTypeSourceLinkAddr = 1
	optTypePrefixInfo     = 3
	optTypeRouteInfo      = 24
)

var (
	// ErrShort is returned when a message or option is truncated.
	ErrShort = errors.New("ndp: message too short")
	// ErrTooLong is returned when a marshaled Router Advertisement would
	// exceed MaxRouterAdvertLen.
	ErrTooLong = errors.New("ndp: message too long")
	// ErrWrongType is returned when the ICMPv6 type octet does not match
	// the message being parsed.
	ErrWrongType = errors.New("ndp: wrong ICMPv6 type")
)

// Preference is an RFC 4191 route preference. It is used both for the
// default router preference in Router Advertisement headers and for the
// per-route preference in Route Information Options, and doubles as the
// route preference published into the mesh network data.
type Preference int8

const (
	PreferenceLow    Preference = -1
	PreferenceMedium Preference = 0
	PreferenceHigh   Preference = 1
)

func (p Preference) String() string {
	switch p {
	case PreferenceLow:
		return "low"
	case PreferenceMedium:
		return "medium"
	case PreferenceHigh:
		return "high"
	}
	return fmt.Sprintf("Preference(%d)", int8(p))
}

// wireBits returns the two-bit wire encoding of p.
func (p Preference) wireBits() uint8 {
	switch p {
	case PreferenceLow:
		return 0b11
	case PreferenceHigh:
		return 0b01
	}
	return 0b00
}

// preferenceFromWire decodes a two-bit Prf field. The reserved value 0b10
// is treated as medium per RFC 4191 section 2.2.
func preferenceFromWire(bits uint8) Preference {
	switch bits & 0b11 {
	case 0b11:
		return PreferenceLow
	case 0b01:
		return PreferenceHigh
	}
	return PreferenceMedium
}

// RAHeader is the fixed portion of a Router Advertisement, excluding
// options. The zero value is the default header a router starts from
// before learning anything from the link.
type RAHeader struct {
	CurHopLimit uint8

	// Managed and Other are the M and O configuration flags.
	Managed bool
	Other   bool

	// Preference is the default router preference (Prf).
	Preference Preference

	// RouterLifetime is the default router lifetime in seconds. Zero
	// means the sender is not a default router.
	RouterLifetime uint16

	// ReachableTime and RetransTimer are in milliseconds; zero means
	// unspecified.
	ReachableTime uint32
	RetransTimer  uint32
}

// RouterAdvert is a parsed or to-be-marshaled Router Advertisement.
type RouterAdvert struct {
	RAHeader

	Prefixes []PrefixInfo
	Routes   []RouteInfo
}

// ContainsOptions reports whether the message carries any PIO or RIO.
func (ra *RouterAdvert) ContainsOptions() bool {
	return len(ra.Prefixes) > 0 || len(ra.Routes) > 0
}

// PrefixInfo is a Prefix Information Option (type 3).
type PrefixInfo struct {
	Prefix netip.Prefix

	// OnLink and Autonomous are the L and A flags.
	OnLink     bool
	Autonomous bool

	// ValidLifetime and PreferredLifetime are in seconds.
	ValidLifetime     uint32
	PreferredLifetime uint32
}

// RouteInfo is a Route Information Option (type 24).
type RouteInfo struct {
	Prefix netip.Prefix

	Preference Preference

	// RouteLifetime is in seconds; zero withdraws the route.
	RouteLifetime uint32
}

// RouterSolicit is a Router Solicitation. Its only information content is
// that it was sent; any source link-layer address option is ignored.
type RouterSolicit struct{}

const (
	raHeaderLen   = 16
	rsLen         = 8
	pioLen        = 32
	icmpTypeOff   = 0
	icmpCodeOff   = 1
	raHopLimOff   = 4
	raFlagsOff    = 5
	raLifetimeOff = 6
	raReachOff    = 8
	raRetransOff  = 12

	raFlagManaged = 0x80
	raFlagOther   = 0x40
	raPrfShift    = 3

	pioFlagOnLink     = 0x80
	pioFlagAutonomous = 0x40
)

// ParseRouterAdvert parses an ICMPv6 Router Advertisement body. Unknown
// options are skipped, and so is a PIO that cannot be decoded (wrong size
// or a prefix length over 128); any other malformed option or framing
// produces an error and the whole message is dropped. Messages longer
// than MaxRouterAdvertLen are rejected.
func ParseRouterAdvert(b []byte) (*RouterAdvert, error) {
	if len(b) < raHeaderLen {
		return nil, ErrShort
	}
	if len(b) > MaxRouterAdvertLen {
		return nil, ErrTooLong
	}
	if b[icmpTypeOff] != TypeRouterAdvert {
		return nil, ErrWrongType
	}
	if b[icmpCodeOff] != 0 {
		return nil, fmt.Errorf("ndp: nonzero RA code %d", b[icmpCodeOff])
	}
	ra := &RouterAdvert{
		RAHeader: RAHeader{
			CurHopLimit:    b[raHopLimOff],
			Managed:        b[raFlagsOff]&raFlagManaged != 0,
			Other:          b[raFlagsOff]&raFlagOther != 0,
			Preference:     preferenceFromWire(b[raFlagsOff] >> raPrfShift),
			RouterLifetime: binary.BigEndian.Uint16(b[raLifetimeOff:]),
			ReachableTime:  binary.BigEndian.Uint32(b[raReachOff:]),
			RetransTimer:   binary.BigEndian.Uint32(b[raRetransOff:]),
		},
	}

	opts := b[raHeaderLen:]
	for len(opts) > 0 {
		if len(opts) < 2 {
			return nil, ErrShort
		}
		optType := opts[0]
		optLen := int(opts[1]) * 8
		if optLen == 0 || optLen > len(opts) {
			return nil, ErrShort
		}
		body := opts[:optLen]
		opts = opts[optLen:]

		switch optType {
		case optTypePrefixInfo:
			pio, ok := parsePrefixInfo(body)
			if !ok {
				continue
			}
			ra.Prefixes = append(ra.Prefixes, pio)
		case optTypeRouteInfo:
			rio, err := parseRouteInfo(body)
			if err != nil {
				return nil, err
			}
			ra.Routes = append(ra.Routes, rio)
		}
	}
	return ra, nil
}

// parsePrefixInfo decodes a PIO body. A PIO with an impossible prefix
// length is dropped without failing the enclosing message, matching how
// lenient peers emit them.
func parsePrefixInfo(b []byte) (pio PrefixInfo, ok bool) {
	if len(b) != pioLen {
		return pio, false
	}
	plen := int(b[2])
	if plen > 128 {
		return pio, false
	}
	addr, _ := netip.AddrFromSlice(b[16:32])
	pio = PrefixInfo{
		Prefix:            netip.PrefixFrom(addr, plen).Masked(),
		OnLink:            b[3]&pioFlagOnLink != 0,
		Autonomous:        b[3]&pioFlagAutonomous != 0,
		ValidLifetime:     binary.BigEndian.Uint32(b[4:]),
		PreferredLifetime: binary.BigEndian.Uint32(b[8:]),
	}
	return pio, true
}

func parseRouteInfo(b []byte) (rio RouteInfo, err error) {
	if len(b) < 8 {
		return rio, ErrShort
	}
	plen := int(b[2])
	if plen > 128 {
		return rio, fmt.Errorf("ndp: RIO prefix length %d", plen)
	}
	nbytes := (plen + 7) / 8
	if nbytes > len(b)-8 {
		return rio, ErrShort
	}
	var a16 [16]byte
	copy(a16[:], b[8:8+nbytes])
	rio = RouteInfo{
		Prefix:        netip.PrefixFrom(netip.AddrFrom16(a16), plen).Masked(),
		Preference:    preferenceFromWire(b[3] >> raPrfShift),
		RouteLifetime: binary.BigEndian.Uint32(b[4:]),
	}
	return rio, nil
}

// ParseRouterSolicit parses an ICMPv6 Router Solicitation body.
func ParseRouterSolicit(b []byte) (*RouterSolicit, error) {
	if len(b) < rsLen {
		return nil, ErrShort
	}
	if b[icmpTypeOff] != TypeRouterSolicit {
		return nil, ErrWrongType
	}
	if b[icmpCodeOff] != 0 {
		return nil, fmt.Errorf("ndp: nonzero RS code %d", b[icmpCodeOff])
	}
	return &RouterSolicit{}, nil
}

// Marshal encodes the Router Advertisement as an ICMPv6 body with a zero
// checksum. It returns ErrTooLong if the result would not fit in
// MaxRouterAdvertLen octets.
func (ra *RouterAdvert) Marshal() ([]byte, error) {
	size := raHeaderLen + pioLen*len(ra.Prefixes)
	for _, rio := range ra.Routes {
		size += rioWireLen(rio.Prefix)
	}
	if size > MaxRouterAdvertLen {
		return nil, ErrTooLong
	}

	b := make([]byte, raHeaderLen, size)
	b[icmpTypeOff] = TypeRouterAdvert
	b[raHopLimOff] = ra.CurHopLimit
	var flags uint8
	if ra.Managed {
		flags |= raFlagManaged
	}
	if ra.Other {
		flags |= raFlagOther
	}
	flags |= ra.Preference.wireBits() << raPrfShift
	b[raFlagsOff] = flags
	binary.BigEndian.PutUint16(b[raLifetimeOff:], ra.RouterLifetime)
	binary.BigEndian.PutUint32(b[raReachOff:], ra.ReachableTime)
	binary.BigEndian.PutUint32(b[raRetransOff:], ra.RetransTimer)

	for _, pio := range ra.Prefixes {
		b = appendPrefixInfo(b, pio)
	}
	for _, rio := range ra.Routes {
		b = appendRouteInfo(b, rio)
	}
	return b, nil
}

func appendPrefixInfo(b []byte, pio PrefixInfo) []byte {
	b = append(b, optTypePrefixInfo, pioLen/8, uint8(pio.Prefix.Bits()))
	var flags uint8
	if pio.OnLink {
		flags |= pioFlagOnLink
	}
	if pio.Autonomous {
		flags |= pioFlagAutonomous
	}
	b = append(b, flags)
	b = binary.BigEndian.AppendUint32(b, pio.ValidLifetime)
	b = binary.BigEndian.AppendUint32(b, pio.PreferredLifetime)
	b = binary.BigEndian.AppendUint32(b, 0) // reserved
	a16 := pio.Prefix.Addr().As16()
	return append(b, a16[:]...)
}

// rioWireLen returns the encoded size of a RIO carrying p: the prefix
// field is 0, 8, or 16 octets depending on the prefix length.
func rioWireLen(p netip.Prefix) int {
	switch {
	case p.Bits() == 0:
		return 8
	case p.Bits() <= 64:
		return 16
	}
	return 24
}

func appendRouteInfo(b []byte, rio RouteInfo) []byte {
	n := rioWireLen(rio.Prefix)
	b = append(b, optTypeRouteInfo, uint8(n/8), uint8(rio.Prefix.Bits()))
	b = append(b, rio.Preference.wireBits()<<raPrfShift)
	b = binary.BigEndian.AppendUint32(b, rio.RouteLifetime)
	a16 := rio.Prefix.Addr().As16()
	return append(b, a16[:n-8]...)
}

// Marshal encodes the Router Solicitation as an ICMPv6 body with a zero
// checksum.
func (*RouterSolicit) Marshal() ([]byte, error) {
	b := make([]byte, rsLen)
	b[icmpTypeOff] = TypeRouterSolicit
	return b, nil
}
