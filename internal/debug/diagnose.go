// Package debug implements the environment checks behind "wgsync doctor".
package debug

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/itsChris/wgsync/internal/db"
	"github.com/itsChris/wgsync/internal/wg"
)

// CheckStatus represents the result of a diagnostic check.
type CheckStatus string

const (
	StatusPass CheckStatus = "PASS"
	StatusWarn CheckStatus = "WARN"
	StatusFail CheckStatus = "FAIL"
)

// CheckResult holds one diagnostic check outcome.
type CheckResult struct {
	Name    string      `json:"name"`
	Status  CheckStatus `json:"status"`
	Message string      `json:"message"`
	Hint    string      `json:"hint,omitempty"`
}

// InterfaceInfo summarizes one live device.
type InterfaceInfo struct {
	Name        string `json:"name"`
	PublicKey   string `json:"public_key,omitempty"`
	ListenPort  uint16 `json:"listen_port"`
	PeerCount   int    `json:"peer_count"`
	PeersOnline int    `json:"peers_online"`
	TransferRx  int64  `json:"transfer_rx"`
	TransferTx  int64  `json:"transfer_tx"`
	Error       string `json:"error,omitempty"`
}

// DBStats holds database statistics.
type DBStats struct {
	Path       string           `json:"path"`
	Accessible bool             `json:"accessible"`
	Integrity  string           `json:"integrity,omitempty"`
	Tables     map[string]int64 `json:"tables,omitempty"`
}

// Report is the complete doctor output.
type Report struct {
	Version    string          `json:"version"`
	GoVersion  string          `json:"go_version"`
	OS         string          `json:"os"`
	Arch       string          `json:"arch"`
	Kernel     string          `json:"kernel"`
	Backend    string          `json:"backend,omitempty"`
	Checks     []CheckResult   `json:"checks"`
	Interfaces []InterfaceInfo `json:"interfaces,omitempty"`
	DBStats    DBStats         `json:"database"`
}

// Failed reports whether any check failed.
func (r *Report) Failed() bool {
	for _, c := range r.Checks {
		if c.Status == StatusFail {
			return true
		}
	}
	return false
}

// Config holds the doctor's inputs. Backend and DB are optional; checks
// that need them are skipped when nil.
type Config struct {
	Version         string
	BackendType     string
	UserspaceBinary string
	SocketDir       string
	DBPath          string

	Backend wg.Backend
	DB      *db.DB

	JSONOutput bool
	Writer     io.Writer

	// probeKernel replaces the genetlink family lookup in tests.
	probeKernel func() CheckResult
	now         func() time.Time
}

// Run executes every check and writes the report to cfg.Writer.
func Run(ctx context.Context, cfg Config) (*Report, error) {
	if cfg.Writer == nil {
		cfg.Writer = os.Stdout
	}
	if cfg.probeKernel == nil {
		cfg.probeKernel = checkKernelFamily
	}
	if cfg.now == nil {
		cfg.now = time.Now
	}

	report := &Report{
		Version:   cfg.Version,
		GoVersion: runtime.Version(),
		OS:        runtime.GOOS,
		Arch:      runtime.GOARCH,
		Kernel:    DetectKernelVersion(),
	}
	if cfg.Backend != nil {
		report.Backend = cfg.Backend.Name()
	}

	report.Checks = runChecks(ctx, cfg)
	report.DBStats = databaseStats(ctx, cfg)
	if cfg.DB != nil {
		report.Checks = append(report.Checks, integrityResult(report.DBStats))
	}
	if cfg.Backend != nil {
		var check CheckResult
		report.Interfaces, check = interfaces(ctx, cfg.Backend, cfg.now())
		report.Checks = append(report.Checks, check)
	}

	if cfg.JSONOutput {
		enc := json.NewEncoder(cfg.Writer)
		enc.SetIndent("", "  ")
		return report, enc.Encode(report)
	}
	return report, writeTextReport(cfg.Writer, report)
}

func runChecks(ctx context.Context, cfg Config) []CheckResult {
	kernel := cfg.probeKernel()
	userspace := checkUserspaceBinary(cfg.UserspaceBinary)

	// Only the selected backend's requirement is fatal.
	switch cfg.BackendType {
	case "kernel":
		userspace = demote(userspace)
	case "userspace":
		kernel = demote(kernel)
	default:
		if kernel.Status == StatusPass || userspace.Status == StatusPass {
			kernel, userspace = demote(kernel), demote(userspace)
		}
	}

	checks := []CheckResult{
		kernel,
		userspace,
		checkSocketDir(cfg.SocketDir),
		checkNetAdmin(),
	}
	if cfg.DB == nil {
		checks = append(checks, checkDBFile(cfg.DBPath))
	} else if err := cfg.DB.Ping(ctx); err != nil {
		checks = append(checks, CheckResult{"database", StatusFail, fmt.Sprintf("Database %s not reachable: %v", cfg.DBPath, err), ""})
	}
	return checks
}

func demote(c CheckResult) CheckResult {
	if c.Status == StatusFail {
		c.Status = StatusWarn
	}
	return c
}

func checkUserspaceBinary(binary string) CheckResult {
	if binary == "" {
		return CheckResult{"userspace_binary", StatusWarn, "Userspace binary not configured", ""}
	}
	path, err := exec.LookPath(binary)
	if err != nil {
		return CheckResult{"userspace_binary", StatusFail, fmt.Sprintf("Userspace binary %s not found", binary),
			"install wireguard-go or set userspace.binary"}
	}
	return CheckResult{"userspace_binary", StatusPass, fmt.Sprintf("Userspace binary %s", path), ""}
}

func checkSocketDir(dir string) CheckResult {
	if dir == "" {
		return CheckResult{"socket_dir", StatusWarn, "Socket directory not configured", ""}
	}
	info, err := os.Stat(dir)
	if errors.Is(err, os.ErrNotExist) {
		return CheckResult{"socket_dir", StatusWarn, fmt.Sprintf("Socket directory %s does not exist", dir),
			"it is created when the userspace backend starts"}
	}
	if err != nil {
		return CheckResult{"socket_dir", StatusFail, fmt.Sprintf("Socket directory %s: %v", dir, err), ""}
	}
	if !info.IsDir() {
		return CheckResult{"socket_dir", StatusFail, fmt.Sprintf("%s is not a directory", dir), ""}
	}

	probe, err := os.CreateTemp(dir, ".wgsync-doctor-*")
	if err != nil {
		return CheckResult{"socket_dir", StatusFail, fmt.Sprintf("Socket directory %s is not writable", dir),
			"run as root or grant write access"}
	}
	probe.Close()
	os.Remove(probe.Name())

	stale := staleSockets(dir)
	if len(stale) > 0 {
		return CheckResult{"socket_dir", StatusWarn,
			fmt.Sprintf("Socket directory %s has sockets nobody listens on: %s", dir, strings.Join(stale, ", ")),
			"they are removed on the next connect attempt"}
	}
	return CheckResult{"socket_dir", StatusPass, fmt.Sprintf("Socket directory %s exists and writable", dir), ""}
}

// staleSockets returns the "*.sock" entries of dir that are not sockets.
func staleSockets(dir string) []string {
	matches, _ := filepath.Glob(filepath.Join(dir, "*.sock"))
	var stale []string
	for _, m := range matches {
		info, err := os.Stat(m)
		if err != nil || info.Mode()&os.ModeSocket == 0 {
			stale = append(stale, filepath.Base(m))
		}
	}
	return stale
}

// checkNetAdmin reads the effective capability set of this process.
func checkNetAdmin() CheckResult {
	data, err := os.ReadFile("/proc/self/status")
	if err != nil {
		return CheckResult{"cap_net_admin", StatusWarn, "Cannot read process capabilities", ""}
	}
	caps, ok := effectiveCaps(string(data))
	if !ok {
		return CheckResult{"cap_net_admin", StatusWarn, "Cannot parse process capabilities", ""}
	}
	// CAP_NET_ADMIN = 12
	if caps&(1<<12) != 0 {
		return CheckResult{"cap_net_admin", StatusPass, "CAP_NET_ADMIN capability", ""}
	}
	return CheckResult{"cap_net_admin", StatusFail, "CAP_NET_ADMIN capability missing",
		"run as root or grant CAP_NET_ADMIN"}
}

func effectiveCaps(status string) (uint64, bool) {
	for _, line := range strings.Split(status, "\n") {
		if !strings.HasPrefix(line, "CapEff:") {
			continue
		}
		var caps uint64
		if _, err := fmt.Sscanf(strings.TrimSpace(strings.TrimPrefix(line, "CapEff:")), "%x", &caps); err != nil {
			return 0, false
		}
		return caps, true
	}
	return 0, false
}

func checkDBFile(path string) CheckResult {
	if path == "" {
		return CheckResult{"database", StatusWarn, "Database path not configured", ""}
	}
	if _, err := os.Stat(path); err != nil {
		return CheckResult{"database", StatusWarn, fmt.Sprintf("Database %s not accessible", path),
			"it is created by \"wgsync serve\" or \"wgsync import\""}
	}
	return CheckResult{"database", StatusPass, fmt.Sprintf("Database %s accessible", path), ""}
}

func databaseStats(ctx context.Context, cfg Config) DBStats {
	stats := DBStats{Path: cfg.DBPath}
	if cfg.DB == nil {
		return stats
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	result, err := cfg.DB.IntegrityCheck(ctx)
	if err != nil {
		stats.Integrity = err.Error()
		return stats
	}
	stats.Accessible = true
	stats.Integrity = result
	stats.Tables = cfg.DB.TableCounts(ctx, db.Tables)
	return stats
}

func integrityResult(stats DBStats) CheckResult {
	if stats.Integrity == "ok" {
		return CheckResult{"database_integrity", StatusPass, "Database integrity ok", ""}
	}
	return CheckResult{"database_integrity", StatusFail, fmt.Sprintf("Database integrity: %s", stats.Integrity),
		"restore the database from a backup or re-import the manifests"}
}

// interfaces snapshots every live device. Secrets are wiped before return.
func interfaces(ctx context.Context, backend wg.Backend, now time.Time) ([]InterfaceInfo, CheckResult) {
	names, err := backend.ListInterfaces(ctx)
	if err != nil {
		return nil, CheckResult{"backend", StatusFail, fmt.Sprintf("List interfaces: %v", err), wg.Hint(err)}
	}
	sort.Strings(names)

	infos := make([]InterfaceInfo, 0, len(names))
	failed := 0
	for _, name := range names {
		info := InterfaceInfo{Name: name}
		dev, err := backend.GetInterface(ctx, name)
		if err != nil {
			info.Error = err.Error()
			failed++
			infos = append(infos, info)
			continue
		}
		if !dev.PublicKey.IsZero() {
			info.PublicKey = dev.PublicKey.String()
		}
		info.ListenPort = dev.ListenPort.Value()
		info.PeerCount = len(dev.Peers)
		for i := range dev.Peers {
			p := &dev.Peers[i]
			if p.Online(now) {
				info.PeersOnline++
			}
			info.TransferRx += p.ReceiveBytes
			info.TransferTx += p.TransmitBytes
		}
		dev.Wipe()
		infos = append(infos, info)
	}

	if failed > 0 {
		return infos, CheckResult{"backend", StatusWarn,
			fmt.Sprintf("Backend %s: %d of %d interfaces unreadable", backend.Name(), failed, len(names)), ""}
	}
	return infos, CheckResult{"backend", StatusPass,
		fmt.Sprintf("Backend %s: %d interfaces", backend.Name(), len(names)), ""}
}

// DetectKernelVersion returns the running kernel version string.
func DetectKernelVersion() string {
	data, err := os.ReadFile("/proc/version")
	if err != nil {
		return "unknown"
	}
	fields := strings.Fields(string(data))
	if len(fields) >= 3 {
		return fields[2]
	}
	return "unknown"
}

func writeTextReport(w io.Writer, r *Report) error {
	fmt.Fprintf(w, "\nwgsync doctor\n")
	fmt.Fprintf(w, "=============\n")
	fmt.Fprintf(w, "Version:     %s\n", r.Version)
	fmt.Fprintf(w, "Go:          %s\n", r.GoVersion)
	fmt.Fprintf(w, "OS:          %s/%s\n", r.OS, r.Arch)
	fmt.Fprintf(w, "Kernel:      %s\n", r.Kernel)
	if r.Backend != "" {
		fmt.Fprintf(w, "Backend:     %s\n", r.Backend)
	}
	fmt.Fprintf(w, "\n")

	for _, c := range r.Checks {
		fmt.Fprintf(w, "[%s] %s\n", c.Status, c.Message)
		if c.Hint != "" && c.Status != StatusPass {
			fmt.Fprintf(w, "       hint: %s\n", c.Hint)
		}
	}
	fmt.Fprintf(w, "\n")

	for _, iface := range r.Interfaces {
		fmt.Fprintf(w, "Interface %s:\n", iface.Name)
		if iface.Error != "" {
			fmt.Fprintf(w, "  Error:       %s\n\n", iface.Error)
			continue
		}
		if iface.PublicKey != "" {
			fmt.Fprintf(w, "  Public key:  %s\n", iface.PublicKey)
		}
		fmt.Fprintf(w, "  Listen port: %d\n", iface.ListenPort)
		fmt.Fprintf(w, "  Peers:       %d configured, %d online\n", iface.PeerCount, iface.PeersOnline)
		fmt.Fprintf(w, "  Transfer:    %d B received, %d B sent\n", iface.TransferRx, iface.TransferTx)
		fmt.Fprintf(w, "\n")
	}

	if r.DBStats.Accessible {
		fmt.Fprintf(w, "Database stats:\n")
		fmt.Fprintf(w, "  Path:            %s\n", r.DBStats.Path)
		tables := make([]string, 0, len(r.DBStats.Tables))
		for t := range r.DBStats.Tables {
			tables = append(tables, t)
		}
		sort.Strings(tables)
		for _, t := range tables {
			fmt.Fprintf(w, "  %-16s %d rows\n", t+":", r.DBStats.Tables[t])
		}
	}
	return nil
}
