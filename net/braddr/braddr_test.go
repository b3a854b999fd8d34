// Copyright (c) Meshinfra Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package braddr

import (
	"net/netip"
	"path/filepath"
	"testing"

	"github.com/meshinfra/borderd/net/ndp"
)

func TestGenerateULAPrefix(t *testing.T) {
	seen := map[netip.Prefix]bool{}
	for range 32 {
		p := GenerateULAPrefix()
		if !ValidBRULAPrefix(p) {
			t.Fatalf("generated invalid BR ULA prefix %v", p)
		}
		if p != p.Masked() {
			t.Fatalf("generated unmasked prefix %v", p)
		}
		seen[p] = true
	}
	if len(seen) < 2 {
		t.Errorf("32 generations produced %d distinct prefixes", len(seen))
	}
}

func TestGenerateOnLinkPrefix(t *testing.T) {
	for range 32 {
		p := GenerateOnLinkPrefix()
		if !ValidOnLinkPrefix(p) {
			t.Fatalf("generated invalid on-link prefix %v", p)
		}
	}
}

func TestDerivedPrefixes(t *testing.T) {
	ula := netip.MustParsePrefix("fd12:3456:789a::/48")
	if got, want := OMRPrefix(ula), netip.MustParsePrefix("fd12:3456:789a:1::/64"); got != want {
		t.Errorf("OMRPrefix = %v, want %v", got, want)
	}
	if got, want := NAT64Prefix(ula), netip.MustParsePrefix("fd12:3456:789a:2::/96"); got != want {
		t.Errorf("NAT64Prefix = %v, want %v", got, want)
	}
}

func TestValidators(t *testing.T) {
	tests := []struct {
		prefix string
		brULA  bool
		omr    bool
	}{
		{"fd12:3456:789a::/48", true, false},
		{"fc12:3456:789a::/48", false, false}, // locally-assigned bit clear
		{"fd12:3456:789a::/64", false, false},
		{"fd12:3456:789a:1::/64", false, true},
		{"2001:db8:1:2::/64", false, true}, // GUA
		{"fe80::/64", false, false},        // link-local
		{"ff02::/64", false, false},        // multicast
		{"2001:db8::/48", false, false},    // wrong length for OMR
	}
	for _, tt := range tests {
		p := netip.MustParsePrefix(tt.prefix)
		if got := ValidBRULAPrefix(p); got != tt.brULA {
			t.Errorf("ValidBRULAPrefix(%v) = %v, want %v", p, got, tt.brULA)
		}
		if got := ValidOMRPrefix(p); got != tt.omr {
			t.Errorf("ValidOMRPrefix(%v) = %v, want %v", p, got, tt.omr)
		}
	}
}

func TestValidOnLinkPIO(t *testing.T) {
	base := ndp.PrefixInfo{
		Prefix:            netip.MustParsePrefix("2001:db8:1::/64"),
		OnLink:            true,
		Autonomous:        true,
		ValidLifetime:     1800,
		PreferredLifetime: 1800,
	}
	if !ValidOnLinkPIO(base) {
		t.Fatalf("ValidOnLinkPIO(%+v) = false", base)
	}

	tests := []struct {
		name   string
		mutate func(*ndp.PrefixInfo)
	}{
		{"no_on_link_flag", func(p *ndp.PrefixInfo) { p.OnLink = false }},
		{"no_autonomous_flag", func(p *ndp.PrefixInfo) { p.Autonomous = false }},
		{"zero_valid", func(p *ndp.PrefixInfo) { p.ValidLifetime = 0; p.PreferredLifetime = 0 }},
		{"preferred_exceeds_valid", func(p *ndp.PrefixInfo) { p.PreferredLifetime = 3600 }},
		{"link_local", func(p *ndp.PrefixInfo) { p.Prefix = netip.MustParsePrefix("fe80::/64") }},
		{"not_64", func(p *ndp.PrefixInfo) { p.Prefix = netip.MustParsePrefix("2001:db8::/56") }},
	}
	for _, tt := range tests {
		pio := base
		tt.mutate(&pio)
		if ValidOnLinkPIO(pio) {
			t.Errorf("%s: ValidOnLinkPIO = true, want false", tt.name)
		}
	}
}

func TestComparePrefixes(t *testing.T) {
	tests := []struct {
		a, b string
		want int
	}{
		{"2001:db8:1::/64", "2001:db8:2::/64", -1},
		{"2001:db8:2::/64", "2001:db8:1::/64", 1},
		{"2001:db8:1::/64", "2001:db8:1::/64", 0},
		// Shorter wins only when the common bytes tie.
		{"2001:db8::/48", "2001:db8::/64", -1},
		{"2001:db8::/64", "2001:db8::/48", 1},
		{"2001:db8::/48", "2001:db8:1::/64", -1},
		{"fd00::/64", "2001:db8::/48", 1},
	}
	for _, tt := range tests {
		a, b := netip.MustParsePrefix(tt.a), netip.MustParsePrefix(tt.b)
		if got := ComparePrefixes(a, b); got != tt.want {
			t.Errorf("ComparePrefixes(%v, %v) = %d, want %d", a, b, got, tt.want)
		}
	}
}

func TestStateRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prefixes.json")

	st, err := LoadState(path)
	if err != nil {
		t.Fatalf("LoadState on missing file: %v", err)
	}
	if st != (State{}) {
		t.Fatalf("missing file state = %+v, want zero", st)
	}

	st = State{
		BRULAPrefix:  netip.MustParsePrefix("fd12:3456:789a::/48"),
		OnLinkPrefix: netip.MustParsePrefix("fd00:aaaa:bbbb:cccc::/64"),
	}
	if err := st.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := LoadState(path)
	if err != nil {
		t.Fatalf("LoadState: %v", err)
	}
	if got != st {
		t.Errorf("round trip = %+v, want %+v", got, st)
	}
}
