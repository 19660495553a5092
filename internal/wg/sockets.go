package wg

import (
	"context"
	"errors"
	"io/fs"
	"net"
	"os"
	"path/filepath"
	"slices"
	"strings"
)

// DefaultSocketDir holds the UAPI sockets of userspace implementations.
const DefaultSocketDir = "/var/run/wireguard"

// SocketDevices lists the devices in dir whose "<name>.sock" UAPI socket
// accepts a connection. A missing dir holds no devices.
func SocketDevices(ctx context.Context, dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, Wrap("list_interfaces", "", err)
	}

	var (
		d     net.Dialer
		names []string
	)
	for _, e := range entries {
		name, ok := strings.CutSuffix(e.Name(), ".sock")
		if !ok || e.Type()&fs.ModeSocket == 0 {
			continue
		}
		conn, err := d.DialContext(ctx, "unix", filepath.Join(dir, e.Name()))
		if err != nil {
			if ctx.Err() != nil {
				return nil, Wrap("list_interfaces", "", ctx.Err())
			}
			continue
		}
		_ = conn.Close()
		names = append(names, name)
	}
	return names, nil
}

// MergeNames returns the sorted union of the device name lists.
func MergeNames(lists ...[]string) []string {
	var names []string
	for _, l := range lists {
		names = append(names, l...)
	}
	slices.Sort(names)
	return slices.Compact(names)
}
