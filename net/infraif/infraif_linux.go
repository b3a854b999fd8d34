// Copyright (c) Meshinfra Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package infraif

import (
	"context"
	"fmt"
	"net"
	"net/netip"

	"golang.org/x/net/ipv6"
	"golang.org/x/sys/unix"
	"tailscale.com/types/logger"
)

// Adapter sends and receives ICMPv6 Router Solicitations and Router
// Advertisements on one infrastructure interface, over a raw ICMPv6
// socket bound to that device. The kernel fills in and verifies ICMPv6
// checksums.
type Adapter struct {
	logf logger.Logf
	ifi  *net.Interface
	c    net.PacketConn
	p    *ipv6.PacketConn
}

// New opens a raw ICMPv6 socket on the named interface, restricted to RS
// and RA messages, joined to the all-routers group, with hop limit 255 as
// ND requires. It needs CAP_NET_RAW.
func New(logf logger.Logf, ifname string) (*Adapter, error) {
	ifi, err := net.InterfaceByName(ifname)
	if err != nil {
		return nil, fmt.Errorf("infraif: %w", err)
	}

	c, err := net.ListenPacket("ip6:ipv6-icmp", "::")
	if err != nil {
		return nil, fmt.Errorf("infraif: listen: %w", err)
	}
	if err := bindToDevice(c, ifname); err != nil {
		c.Close()
		return nil, fmt.Errorf("infraif: bind to %s: %w", ifname, err)
	}

	p := ipv6.NewPacketConn(c)
	var f ipv6.ICMPFilter
	f.SetAll(true)
	f.Accept(ipv6.ICMPTypeRouterSolicitation)
	f.Accept(ipv6.ICMPTypeRouterAdvertisement)
	if err := p.SetICMPFilter(&f); err != nil {
		c.Close()
		return nil, fmt.Errorf("infraif: icmp filter: %w", err)
	}
	if err := p.SetHopLimit(255); err != nil {
		c.Close()
		return nil, err
	}
	if err := p.SetMulticastHopLimit(255); err != nil {
		c.Close()
		return nil, err
	}
	if err := p.SetControlMessage(ipv6.FlagInterface|ipv6.FlagHopLimit, true); err != nil {
		c.Close()
		return nil, err
	}
	if err := p.JoinGroup(ifi, &net.IPAddr{IP: AllRouters.AsSlice()}); err != nil {
		logf("infraif: join %v on %s: %v", AllRouters, ifname, err)
	}

	return &Adapter{
		logf: logger.WithPrefix(logf, "infraif: "),
		ifi:  ifi,
		c:    c,
		p:    p,
	}, nil
}

func bindToDevice(c net.PacketConn, ifname string) error {
	ipc, ok := c.(*net.IPConn)
	if !ok {
		return fmt.Errorf("unexpected conn type %T", c)
	}
	sc, err := ipc.SyscallConn()
	if err != nil {
		return err
	}
	var serr error
	if err := sc.Control(func(fd uintptr) {
		serr = unix.BindToDevice(int(fd), ifname)
	}); err != nil {
		return err
	}
	return serr
}

// Index returns the interface index.
func (a *Adapter) Index() int { return a.ifi.Index }

// Name returns the interface name.
func (a *Adapter) Name() string { return a.ifi.Name }

// Running reports whether the interface is up and running, re-read from
// the kernel on each call.
func (a *Adapter) Running() bool {
	ifi, err := net.InterfaceByIndex(a.ifi.Index)
	if err != nil {
		return false
	}
	return ifi.Flags&net.FlagUp != 0 && ifi.Flags&net.FlagRunning != 0
}

// HasAddress reports whether addr is assigned to the interface. It is
// the default predicate for deciding that a Router Advertisement came
// from this host.
func (a *Adapter) HasAddress(addr netip.Addr) bool {
	addrs, err := a.ifi.Addrs()
	if err != nil {
		return false
	}
	for _, na := range addrs {
		ipn, ok := na.(*net.IPNet)
		if !ok {
			continue
		}
		if ip, ok := netip.AddrFromSlice(ipn.IP); ok && ip.Unmap() == addr.Unmap() {
			return true
		}
	}
	return false
}

// Send transmits an ICMPv6 body to dst on the interface.
func (a *Adapter) Send(pkt []byte, dst netip.Addr) error {
	cm := &ipv6.ControlMessage{IfIndex: a.ifi.Index}
	ipa := &net.IPAddr{IP: dst.AsSlice()}
	if dst.IsLinkLocalUnicast() || dst.IsLinkLocalMulticast() {
		ipa.Zone = a.ifi.Name
	}
	_, err := a.p.WriteTo(pkt, cm, ipa)
	return err
}

// ReadLoop reads ICMPv6 messages until ctx is canceled or the socket
// fails, invoking handler for each packet that passes ND's hop-limit and
// interface checks. It closes the socket on return.
func (a *Adapter) ReadLoop(ctx context.Context, handler func(pkt []byte, src netip.Addr)) error {
	defer a.c.Close()
	go func() {
		<-ctx.Done()
		a.c.Close()
	}()

	buf := make([]byte, 1500)
	for {
		n, cm, src, err := a.p.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("infraif: read: %w", err)
		}
		if cm != nil && cm.IfIndex != 0 && cm.IfIndex != a.ifi.Index {
			continue
		}
		// RFC 4861, 6.1: ND messages must arrive with hop limit 255.
		if cm != nil && cm.HopLimit != 255 {
			continue
		}
		ipa, ok := src.(*net.IPAddr)
		if !ok {
			continue
		}
		addr, ok := netip.AddrFromSlice(ipa.IP)
		if !ok {
			continue
		}
		pkt := make([]byte, n)
		copy(pkt, buf[:n])
		handler(pkt, addr.Unmap())
	}
}
