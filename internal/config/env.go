package config

import (
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ordermesh/edgesync/internal/env"
)

var dotenvOnce sync.Once

// lookup returns the trimmed value of key. The nearest .env file is loaded
// before the first read so CLI defaults can live next to the binary.
func lookup(key string) (string, bool) {
	dotenvOnce.Do(func() { _ = env.Ensure() })
	val := strings.TrimSpace(os.Getenv(key))
	return val, val != ""
}

// String returns the variable or fallback when unset.
func String(key, fallback string) string {
	if val, ok := lookup(key); ok {
		return val
	}
	return fallback
}

// Duration parses values like "500ms". Unparseable and non-positive values
// fall back.
func Duration(key string, fallback time.Duration) time.Duration {
	val, ok := lookup(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(val)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

func Int(key string, fallback int) int {
	val, ok := lookup(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return fallback
	}
	return n
}

// Bool accepts strconv.ParseBool forms plus yes/no and on/off.
func Bool(key string, fallback bool) bool {
	val, ok := lookup(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(val) {
	case "yes", "on":
		return true
	case "no", "off":
		return false
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return fallback
	}
	return b
}
