//go:build !linux

package wg

import (
	"errors"
	"net/netip"
)

var errNoRtnetlink = NewError(Unsupported, "link", "", errors.New("rtnetlink is only available on linux"))

type unsupportedLinks struct{}

// NewLinkManager returns a LinkManager that fails every call with
// Unsupported.
func NewLinkManager() LinkManager { return unsupportedLinks{} }

func (unsupportedLinks) CreateWireGuardLink(string) error           { return errNoRtnetlink }
func (unsupportedLinks) DeleteLink(string) error                    { return errNoRtnetlink }
func (unsupportedLinks) SetLinkUp(string) error                     { return errNoRtnetlink }
func (unsupportedLinks) LinkExists(string) (bool, error)            { return false, errNoRtnetlink }
func (unsupportedLinks) WireGuardLinks() ([]string, error)          { return nil, errNoRtnetlink }
func (unsupportedLinks) MTU(string) (int, error)                    { return 0, errNoRtnetlink }
func (unsupportedLinks) SetMTU(string, int) error                   { return errNoRtnetlink }
func (unsupportedLinks) Addresses(string) ([]netip.Prefix, error)   { return nil, errNoRtnetlink }
func (unsupportedLinks) ReplaceAddresses(string, []netip.Prefix) error { return errNoRtnetlink }
