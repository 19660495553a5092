//go:build !linux

package debug

func checkKernelFamily() CheckResult {
	return CheckResult{"kernel_module", StatusFail, "In-kernel WireGuard is only available on Linux",
		"use the userspace backend"}
}
