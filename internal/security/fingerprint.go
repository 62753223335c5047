package security

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"sync"
	"time"
)

// Sentinel values substituted when an individual hardware source cannot be
// read. A fingerprint built from sentinels alone is the constant
// "unknown machine" digest, so callers can always distinguish it.
const (
	sentinelMAC  = "unknown-mac"
	sentinelDisk = "unknown-disk"
	sentinelCPU  = "unknown-cpu"
)

// FingerprintLength is the hex length of every digest this package produces.
const FingerprintLength = 64

// Fingerprint represents a stable machine identity derived from hardware
// attributes. Confidence counts the sources that were actually readable; a
// low-confidence fingerprint should not be trusted for cache binding.
type Fingerprint struct {
	Digest      string    `json:"digest"`
	MACAddress  string    `json:"mac_address"`
	DiskSerial  string    `json:"disk_serial"`
	CPUID       string    `json:"cpu_id"`
	Confidence  int       `json:"confidence"`
	GeneratedAt time.Time `json:"generated_at"`
}

// Unknown reports whether this fingerprint was built entirely from sentinel
// values, meaning no hardware source could be read.
func (f Fingerprint) Unknown() bool {
	return f.Confidence == 0
}

// FingerprintGenerator derives machine fingerprints with short-lived caching,
// since the underlying sources do not change while the process runs.
type FingerprintGenerator struct {
	logger        *slog.Logger
	cache         *Fingerprint
	cacheMutex    sync.RWMutex
	cacheExpiry   time.Time
	cacheDuration time.Duration
}

// NewFingerprintGenerator creates a fingerprint generator.
func NewFingerprintGenerator(logger *slog.Logger) *FingerprintGenerator {
	if logger == nil {
		logger = slog.Default()
	}
	return &FingerprintGenerator{
		logger:        logger.With(slog.String("component", "fingerprint")),
		cacheDuration: 1 * time.Hour,
	}
}

// Generate derives the machine fingerprint. It never fails: unreadable
// sources are replaced with sentinels and the digest is still returned.
// Identical inputs always produce an identical digest.
func (g *FingerprintGenerator) Generate() Fingerprint {
	g.cacheMutex.RLock()
	if g.cache != nil && time.Now().Before(g.cacheExpiry) {
		cached := *g.cache
		g.cacheMutex.RUnlock()
		return cached
	}
	g.cacheMutex.RUnlock()

	confidence := 0

	mac, err := g.macAddress()
	if err != nil {
		mac = sentinelMAC
		g.logger.Warn("failed to read MAC address, using sentinel",
			slog.String("error", err.Error()))
	} else {
		confidence++
	}

	disk, err := g.diskSerial()
	if err != nil {
		disk = sentinelDisk
		g.logger.Warn("failed to read disk serial, using sentinel",
			slog.String("error", err.Error()))
	} else {
		confidence++
	}

	cpu, err := g.cpuID()
	if err != nil {
		cpu = sentinelCPU
		g.logger.Warn("failed to read CPU ID, using sentinel",
			slog.String("error", err.Error()))
	} else {
		confidence++
	}

	digest := computeDigest(mac, disk, cpu)

	fp := Fingerprint{
		Digest:      digest,
		MACAddress:  mac,
		DiskSerial:  disk,
		CPUID:       cpu,
		Confidence:  confidence,
		GeneratedAt: time.Now(),
	}

	g.cacheMutex.Lock()
	g.cache = &fp
	g.cacheExpiry = time.Now().Add(g.cacheDuration)
	g.cacheMutex.Unlock()

	g.logger.Debug("machine fingerprint generated",
		slog.String("digest", MaskDigest(digest)),
		slog.Int("confidence", confidence))

	return fp
}

// computeDigest combines the hardware factors into the fixed-length digest.
// Both producers and consumers use the full sha256 hex form; it is never
// truncated.
func computeDigest(mac, disk, cpu string) string {
	combined := strings.Join([]string{mac, disk, cpu, runtime.GOOS, runtime.GOARCH}, "|")
	sum := sha256.Sum256([]byte(combined))
	return hex.EncodeToString(sum[:])
}

// UnknownMachineDigest returns the constant digest produced when every
// hardware source is unavailable.
func UnknownMachineDigest() string {
	return computeDigest(sentinelMAC, sentinelDisk, sentinelCPU)
}

// macAddress retrieves the primary network interface MAC address.
func (g *FingerprintGenerator) macAddress() (string, error) {
	interfaces, err := net.Interfaces()
	if err != nil {
		return "", fmt.Errorf("failed to get network interfaces: %w", err)
	}

	// Prefer an up, non-loopback interface.
	for _, iface := range interfaces {
		if iface.Flags&net.FlagLoopback != 0 || iface.Flags&net.FlagUp == 0 {
			continue
		}
		if mac := iface.HardwareAddr.String(); mac != "" && mac != "00:00:00:00:00:00" {
			return mac, nil
		}
	}

	// Fallback: any interface with a MAC address.
	for _, iface := range interfaces {
		if mac := iface.HardwareAddr.String(); mac != "" && mac != "00:00:00:00:00:00" {
			return mac, nil
		}
	}

	return "", fmt.Errorf("no valid MAC address found")
}

// diskSerial retrieves a stable storage/system identifier (OS-specific).
func (g *FingerprintGenerator) diskSerial() (string, error) {
	switch runtime.GOOS {
	case "linux":
		// machine-id survives reboots and is stable per installation.
		for _, path := range []string{"/etc/machine-id", "/var/lib/dbus/machine-id", "/sys/class/dmi/id/product_uuid"} {
			if data, err := os.ReadFile(path); err == nil {
				id := strings.TrimSpace(string(data))
				if id != "" {
					return normalizeComponent(id), nil
				}
			}
		}
		return "", fmt.Errorf("no machine id source readable")
	case "windows":
		// The volume serial is surfaced through the registry-backed env on
		// provisioned installs; fall back to the system drive root creation
		// identity via SYSTEMDRIVE metadata.
		if serial := os.Getenv("POSPAL_DISK_SERIAL"); serial != "" {
			return normalizeComponent(serial), nil
		}
		drive := os.Getenv("SYSTEMDRIVE")
		if drive == "" {
			return "", fmt.Errorf("SYSTEMDRIVE not set")
		}
		info, err := os.Stat(drive + `\`)
		if err != nil {
			return "", fmt.Errorf("failed to stat system drive: %w", err)
		}
		return normalizeComponent(fmt.Sprintf("%s-%d", drive, info.ModTime().Unix())), nil
	case "darwin":
		// The IOKit platform UUID is the stable per-machine identity on macOS.
		out, err := exec.Command("ioreg", "-rd1", "-c", "IOPlatformExpertDevice").Output()
		if err != nil {
			return "", fmt.Errorf("failed to query platform registry: %w", err)
		}
		uuid, err := platformUUIDFromRegistry(out)
		if err != nil {
			return "", err
		}
		return normalizeComponent(uuid), nil
	default:
		return "", fmt.Errorf("unsupported OS: %s", runtime.GOOS)
	}
}

// platformUUIDFromRegistry extracts the IOPlatformUUID value from ioreg
// output. Lines look like:
//
//	"IOPlatformUUID" = "564D9E8C-0A3F-41B2-9E77-1C4F0E5A2B18"
func platformUUIDFromRegistry(out []byte) (string, error) {
	for _, line := range strings.Split(string(out), "\n") {
		if !strings.Contains(line, "IOPlatformUUID") {
			continue
		}
		parts := strings.SplitN(line, "= ", 2)
		if len(parts) != 2 {
			continue
		}
		uuid := strings.Trim(strings.TrimSpace(parts[1]), `"`)
		if uuid != "" {
			return uuid, nil
		}
	}
	return "", fmt.Errorf("platform UUID not present in registry output")
}

// cpuID retrieves CPU identification information (OS-specific).
func (g *FingerprintGenerator) cpuID() (string, error) {
	switch runtime.GOOS {
	case "windows":
		if procID := os.Getenv("PROCESSOR_IDENTIFIER"); procID != "" {
			return normalizeComponent(procID), nil
		}
		return "", fmt.Errorf("PROCESSOR_IDENTIFIER not set")
	case "linux":
		data, err := os.ReadFile("/proc/cpuinfo")
		if err != nil {
			return "", fmt.Errorf("failed to read cpuinfo: %w", err)
		}
		for _, line := range strings.Split(string(data), "\n") {
			if strings.HasPrefix(line, "model name") || strings.HasPrefix(line, "cpu family") {
				return normalizeComponent(line), nil
			}
		}
		return "", fmt.Errorf("no cpu model found in cpuinfo")
	default:
		return normalizeComponent(fmt.Sprintf("%s-%s", runtime.GOOS, runtime.GOARCH)), nil
	}
}

// normalizeComponent hashes a raw component so every source contributes a
// value of uniform shape regardless of its native format.
func normalizeComponent(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:8])
}

// MaskDigest shortens a digest for log output.
func MaskDigest(digest string) string {
	if len(digest) <= 12 {
		return digest
	}
	return digest[:8] + "..." + digest[len(digest)-4:]
}

// ClearCache clears the cached fingerprint, forcing regeneration.
func (g *FingerprintGenerator) ClearCache() {
	g.cacheMutex.Lock()
	defer g.cacheMutex.Unlock()
	g.cache = nil
	g.cacheExpiry = time.Time{}
}
