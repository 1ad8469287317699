package env

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

// EnvFile points at an explicit dotenv file and disables the upward search.
const EnvFile = "EDGESYNC_ENV_FILE"

var (
	loadOnce   sync.Once
	loadedPath string
	loadErr    error
)

// Ensure loads EDGESYNC_ENV_FILE when set, otherwise the first .env file found
// from the current working directory up to the filesystem root. Variables that
// are already present in the process environment win. Subsequent calls are
// no-ops.
func Ensure() error {
	// Keep unit tests hermetic: a terminal's .env must not leak device ids or
	// server URLs into `go test`. Opt in with GOTEST_LOAD_DOTENV=1.
	if runningUnderGoTest() && os.Getenv("GOTEST_LOAD_DOTENV") != "1" {
		return nil
	}
	loadOnce.Do(func() {
		path, err := resolveDotEnv()
		if err != nil {
			loadErr = err
			log.Debug().Err(err).Msg("edgesync: search .env failed")
			return
		}
		if path == "" {
			return
		}
		if err := godotenv.Load(path); err != nil {
			loadErr = err
			log.Warn().Err(err).Str("dotenv", path).Msg("edgesync: load .env failed")
			return
		}
		loadedPath = path
		log.Debug().Str("dotenv", path).Msg("edgesync: loaded .env")
	})
	return loadErr
}

// LoadedPath returns the resolved .env path if one was loaded, otherwise "".
func LoadedPath() string {
	return loadedPath
}

func runningUnderGoTest() bool {
	if strings.HasSuffix(os.Args[0], ".test") {
		return true
	}
	for _, arg := range os.Args[1:] {
		if strings.HasPrefix(arg, "-test.") {
			return true
		}
	}
	return false
}

func resolveDotEnv() (string, error) {
	if explicit := strings.TrimSpace(os.Getenv(EnvFile)); explicit != "" {
		info, err := os.Stat(explicit)
		if err != nil {
			return "", err
		}
		if info.IsDir() {
			return "", errors.New(explicit + " is a directory")
		}
		return explicit, nil
	}
	return findDotEnv()
}

// findDotEnv walks from the working directory toward the root and returns
// the first regular .env file.
func findDotEnv() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", err
	}
	for prev := ""; dir != prev; prev, dir = dir, filepath.Dir(dir) {
		candidate := filepath.Join(dir, ".env")
		info, statErr := os.Stat(candidate)
		switch {
		case statErr == nil && info.Mode().IsRegular():
			return candidate, nil
		case statErr != nil && !errors.Is(statErr, fs.ErrNotExist):
			return "", statErr
		}
	}
	return "", nil
}
