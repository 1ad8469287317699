package edgesync

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"time"

	"github.com/google/uuid"
)

// DefaultDeviceID returns a stable identifier for this machine, used when
// EDGESYNC_DEVICE_ID is not set. It hashes the platform machine id so the
// raw value never leaves the device, falling back to the hostname and
// finally to a random id.
func DefaultDeviceID() string {
	if id := machineID(); id != "" {
		return "dev-" + shortHash(id)
	}
	if host, err := os.Hostname(); err == nil && strings.TrimSpace(host) != "" {
		return "host-" + sanitizeID(host)
	}
	return "dev-" + uuid.NewString()
}

func machineID() string {
	switch runtime.GOOS {
	case "darwin":
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		out, err := exec.CommandContext(ctx, "bash", "-c", "system_profiler SPHardwareDataType | awk '/Hardware UUID/ {print $3}'").Output()
		if err != nil {
			return ""
		}
		return strings.TrimSpace(string(out))
	case "linux":
		for _, path := range []string{"/etc/machine-id", "/var/lib/dbus/machine-id", "/sys/class/dmi/id/product_uuid"} {
			if id := readSystemFile(path); id != "" {
				return id
			}
		}
	}
	return ""
}

func readSystemFile(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

func shortHash(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:6])
}

func sanitizeID(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(strings.TrimSpace(s)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	return b.String()
}
