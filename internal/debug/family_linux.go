//go:build linux

package debug

import (
	"errors"
	"os"

	"github.com/mdlayher/genetlink"
	"golang.org/x/sys/unix"
)

// checkKernelFamily looks up the WireGuard generic netlink family.
func checkKernelFamily() CheckResult {
	conn, err := genetlink.Dial(nil)
	if err != nil {
		return CheckResult{"kernel_module", StatusFail, "Cannot dial generic netlink: " + err.Error(), ""}
	}
	defer conn.Close()

	family, err := conn.GetFamily(unix.WG_GENL_NAME)
	if errors.Is(err, os.ErrNotExist) {
		return CheckResult{"kernel_module", StatusFail, "WireGuard generic netlink family not registered",
			"load the wireguard kernel module or use the userspace backend"}
	}
	if err != nil {
		return CheckResult{"kernel_module", StatusFail, "Get WireGuard family: " + err.Error(), ""}
	}
	return CheckResult{"kernel_module", StatusPass,
		"WireGuard generic netlink family " + family.Name + " registered", ""}
}
