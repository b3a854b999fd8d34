// Copyright (c) Meshinfra Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

// Package braddr derives and validates the IPv6 prefixes a border router
// owns: the /48 BR-ULA block, the OMR and NAT64 prefixes carved out of it
// by subnet ID, and the on-link prefix advertised on the infrastructure
// link. It also persists the randomly generated prefixes so they survive
// restarts.
package braddr

import (
	"bytes"
	"cmp"
	"crypto/rand"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"net/netip"
	"os"

	"github.com/meshinfra/borderd/net/ndp"
	"tailscale.com/atomicfile"
)

const (
	// BRULAPrefixBits is the length of a BR-ULA prefix.
	BRULAPrefixBits = 48
	// OMRPrefixBits is the length of an OMR prefix.
	OMRPrefixBits = 64
	// OnLinkPrefixBits is the length of an on-link prefix.
	OnLinkPrefixBits = 64
	// NAT64PrefixBits is the length of a NAT64 prefix.
	NAT64PrefixBits = 96

	// omrSubnetID and nat64SubnetID are the subnet IDs within the BR-ULA
	// block from which the OMR and NAT64 prefixes are derived.
	omrSubnetID   = 1
	nat64SubnetID = 2
)

// GenerateULAPrefix returns a fresh random /48 under fd00::/8 with the
// locally-assigned bit set, using a cryptographically strong source.
func GenerateULAPrefix() netip.Prefix {
	var a16 [16]byte
	a16[0] = 0xfd
	if _, err := rand.Read(a16[1:6]); err != nil {
		// crypto/rand.Read does not fail on supported platforms.
		panic(fmt.Sprintf("braddr: rand.Read: %v", err))
	}
	return netip.PrefixFrom(netip.AddrFrom16(a16), BRULAPrefixBits)
}

// GenerateOnLinkPrefix returns a fresh random ULA /64 suitable for
// advertisement as an on-link prefix.
func GenerateOnLinkPrefix() netip.Prefix {
	var a16 [16]byte
	a16[0] = 0xfd
	if _, err := rand.Read(a16[1:8]); err != nil {
		panic(fmt.Sprintf("braddr: rand.Read: %v", err))
	}
	return netip.PrefixFrom(netip.AddrFrom16(a16), OnLinkPrefixBits)
}

// OMRPrefix returns the /64 OMR prefix derived from the given BR-ULA
// prefix (subnet ID 1).
func OMRPrefix(ula netip.Prefix) netip.Prefix {
	return subnetOf(ula, omrSubnetID, OMRPrefixBits)
}

// NAT64Prefix returns the /96 NAT64 prefix derived from the given BR-ULA
// prefix (subnet ID 2).
func NAT64Prefix(ula netip.Prefix) netip.Prefix {
	return subnetOf(ula, nat64SubnetID, NAT64PrefixBits)
}

func subnetOf(ula netip.Prefix, subnetID uint16, bits int) netip.Prefix {
	a16 := ula.Addr().As16()
	binary.BigEndian.PutUint16(a16[6:8], subnetID)
	return netip.PrefixFrom(netip.AddrFrom16(a16), bits).Masked()
}

// ValidBRULAPrefix reports whether p is a /48 inside fd00::/8.
func ValidBRULAPrefix(p netip.Prefix) bool {
	return p.Bits() == BRULAPrefixBits && p.Addr().Is6() && !p.Addr().Is4In6() && p.Addr().As16()[0] == 0xfd
}

// ValidOMRPrefix reports whether p can serve as an OMR prefix: a /64
// GUA or ULA, neither link-local nor multicast.
func ValidOMRPrefix(p netip.Prefix) bool {
	return validUnicast64(p)
}

// ValidOnLinkPrefix reports whether p can serve as an on-link prefix on
// the infrastructure link.
func ValidOnLinkPrefix(p netip.Prefix) bool {
	return validUnicast64(p)
}

func validUnicast64(p netip.Prefix) bool {
	a := p.Addr()
	return p.Bits() == 64 && a.Is6() && !a.Is4In6() && !a.IsLinkLocalUnicast() && !a.IsMulticast()
}

// ValidOnLinkPIO reports whether a received Prefix Information Option
// announces a usable on-link prefix: both L and A flags set, a nonzero
// valid lifetime no shorter than the preferred lifetime, and a prefix
// passing ValidOnLinkPrefix.
func ValidOnLinkPIO(pio ndp.PrefixInfo) bool {
	return pio.OnLink && pio.Autonomous &&
		pio.ValidLifetime > 0 &&
		pio.PreferredLifetime <= pio.ValidLifetime &&
		ValidOnLinkPrefix(pio.Prefix)
}

// ComparePrefixes orders prefixes the way border routers on a shared link
// converge: the bytes common to both prefixes compare lexicographically,
// and only a full tie falls through to the length, shorter first. Both
// prefixes must be in masked form. The result follows cmp.Compare
// conventions.
func ComparePrefixes(a, b netip.Prefix) int {
	aa, ba := a.Addr().As16(), b.Addr().As16()
	if c := bytes.Compare(aa[:], ba[:]); c != 0 {
		return c
	}
	return cmp.Compare(a.Bits(), b.Bits())
}

// State is the persisted prefix state of a border router. Prefixes are
// zero until first generated.
type State struct {
	BRULAPrefix  netip.Prefix `json:",omitzero"`
	OnLinkPrefix netip.Prefix `json:",omitzero"`
}

// LoadState reads the persisted state from path. A missing file is not an
// error and yields the zero State.
func LoadState(path string) (State, error) {
	var st State
	b, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return st, nil
	}
	if err != nil {
		return st, err
	}
	if err := json.Unmarshal(b, &st); err != nil {
		return State{}, fmt.Errorf("braddr: parsing %s: %w", path, err)
	}
	return st, nil
}

// Save atomically writes the state to path.
func (st State) Save(path string) error {
	b, err := json.MarshalIndent(st, "", "\t")
	if err != nil {
		return err
	}
	return atomicfile.WriteFile(path, b, 0600)
}
