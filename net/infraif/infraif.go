// Copyright (c) Meshinfra Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

// Package infraif gives the routing policy engine its view of the
// infrastructure link: an ICMPv6 send/receive surface bound to one
// interface, plus the interface's index and running state.
package infraif

import (
	"net/netip"
)

// AllNodes and AllRouters are the link-local multicast groups Router
// Advertisements and Router Solicitations are sent to.
var (
	AllNodes   = netip.MustParseAddr("ff02::1")
	AllRouters = netip.MustParseAddr("ff02::2")
)
