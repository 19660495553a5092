//go:build linux

package wg

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strings"

	"github.com/vishvananda/netlink"
)

// netlinkManager implements LinkManager using vishvananda/netlink.
type netlinkManager struct{}

// NewLinkManager creates a new LinkManager backed by rtnetlink.
func NewLinkManager() LinkManager {
	return &netlinkManager{}
}

func (m *netlinkManager) CreateWireGuardLink(name string) error {
	la := netlink.NewLinkAttrs()
	la.Name = name
	link := &netlink.GenericLink{
		LinkAttrs: la,
		LinkType:  "wireguard",
	}
	if err := netlink.LinkAdd(link); err != nil {
		return Wrap("link add", name, err)
	}
	return nil
}

func (m *netlinkManager) DeleteLink(name string) error {
	link, err := m.link(name)
	if err != nil {
		return err
	}
	if err := netlink.LinkDel(link); err != nil {
		return Wrap("link del", name, err)
	}
	return nil
}

func (m *netlinkManager) SetLinkUp(name string) error {
	link, err := m.link(name)
	if err != nil {
		return err
	}
	if err := netlink.LinkSetUp(link); err != nil {
		return Wrap("link up", name, err)
	}
	return nil
}

func (m *netlinkManager) LinkExists(name string) (bool, error) {
	_, err := netlink.LinkByName(name)
	if err == nil {
		return true, nil
	}
	if isLinkNotFound(err) {
		return false, nil
	}
	return false, Wrap("check link", name, err)
}

func (m *netlinkManager) WireGuardLinks() ([]string, error) {
	links, err := netlink.LinkList()
	if err != nil {
		return nil, Wrap("list links", "", err)
	}
	var names []string
	for _, l := range links {
		if l.Type() == "wireguard" {
			names = append(names, l.Attrs().Name)
		}
	}
	return names, nil
}

func (m *netlinkManager) MTU(name string) (int, error) {
	link, err := m.link(name)
	if err != nil {
		return 0, err
	}
	return link.Attrs().MTU, nil
}

func (m *netlinkManager) SetMTU(name string, mtu int) error {
	link, err := m.link(name)
	if err != nil {
		return err
	}
	if err := netlink.LinkSetMTU(link, mtu); err != nil {
		return Wrap("set mtu", name, err)
	}
	return nil
}

func (m *netlinkManager) Addresses(name string) ([]netip.Prefix, error) {
	link, err := m.link(name)
	if err != nil {
		return nil, err
	}
	addrs, err := netlink.AddrList(link, netlink.FAMILY_ALL)
	if err != nil {
		return nil, Wrap("list addresses", name, err)
	}
	out := make([]netip.Prefix, 0, len(addrs))
	for _, a := range addrs {
		if p, ok := prefixFromIPNet(a.IPNet); ok {
			out = append(out, p)
		}
	}
	return out, nil
}

func (m *netlinkManager) ReplaceAddresses(name string, want []netip.Prefix) error {
	link, err := m.link(name)
	if err != nil {
		return err
	}
	current, err := netlink.AddrList(link, netlink.FAMILY_ALL)
	if err != nil {
		return Wrap("list addresses", name, err)
	}

	keep := make(map[netip.Prefix]bool, len(want))
	for _, p := range want {
		keep[p] = false
	}
	for _, a := range current {
		p, ok := prefixFromIPNet(a.IPNet)
		if !ok {
			continue
		}
		if _, wanted := keep[p]; wanted {
			keep[p] = true
			continue
		}
		if err := netlink.AddrDel(link, &a); err != nil {
			return Wrap("del address", name, fmt.Errorf("%s: %w", p, err))
		}
	}
	for _, p := range want {
		if keep[p] {
			continue
		}
		addr := &netlink.Addr{IPNet: &net.IPNet{
			IP:   p.Addr().AsSlice(),
			Mask: net.CIDRMask(p.Bits(), p.Addr().BitLen()),
		}}
		if err := netlink.AddrAdd(link, addr); err != nil {
			return Wrap("add address", name, fmt.Errorf("%s: %w", p, err))
		}
		keep[p] = true
	}
	return nil
}

func (m *netlinkManager) link(name string) (netlink.Link, error) {
	link, err := netlink.LinkByName(name)
	if err != nil {
		if isLinkNotFound(err) {
			return nil, NewError(NotFound, "get link", name, err)
		}
		return nil, Wrap("get link", name, err)
	}
	return link, nil
}

func isLinkNotFound(err error) bool {
	var lnfe netlink.LinkNotFoundError
	if errors.As(err, &lnfe) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "not found") || strings.Contains(msg, "no such device")
}

func prefixFromIPNet(n *net.IPNet) (netip.Prefix, bool) {
	if n == nil {
		return netip.Prefix{}, false
	}
	addr, ok := netip.AddrFromSlice(n.IP)
	if !ok {
		return netip.Prefix{}, false
	}
	addr = addr.Unmap()
	ones, _ := n.Mask.Size()
	return netip.PrefixFrom(addr, ones), true
}
