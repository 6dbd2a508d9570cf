package util

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"time"

	"brb/internal/logging"
	"brb/internal/pathcodec"
)

var ErrInvalidDuration = errors.New("invalid duration")

var durationPattern = regexp.MustCompile(`^([1-9][0-9]*)([SMHdwmy])$`)

var durationUnits = map[string]time.Duration{
	"S": time.Second,
	"M": time.Minute,
	"H": time.Hour,
	"d": 24 * time.Hour,
	"w": 7 * 24 * time.Hour,
	"m": 4 * 7 * 24 * time.Hour,
	"y": 52 * 7 * 24 * time.Hour,
}

// ParseDuration parses retention strings such as "30d" or "6m". A month is
// four weeks and a year 52 weeks.
func ParseDuration(s string) (time.Duration, error) {
	m := durationPattern.FindStringSubmatch(s)
	if m == nil {
		return 0, fmt.Errorf("%w: %q (expected e.g. 12H, 3d, 2w, 6m)", ErrInvalidDuration, s)
	}
	n, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q: %v", ErrInvalidDuration, s, err)
	}
	return time.Duration(n) * durationUnits[m[2]], nil
}

// RealPath returns the absolute form of path with symlinks resolved. Missing
// trailing components are kept as given.
func RealPath(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err == nil {
		return resolved, nil
	}
	if !os.IsNotExist(err) {
		return "", err
	}
	parent := filepath.Dir(abs)
	if parent == abs {
		return abs, nil
	}
	resolvedParent, err := RealPath(parent)
	if err != nil {
		return "", err
	}
	return filepath.Join(resolvedParent, filepath.Base(abs)), nil
}

func RunDir(baseDir string) string {
	return filepath.Join(baseDir, "run")
}

func JournalDir(baseDir string) string {
	return filepath.Join(baseDir, "run", "journal")
}

func LogDir(baseDir string) string {
	return filepath.Join(baseDir, "logs")
}

// LockPath names the lock file guarding a source repository.
func LockPath(baseDir, repository string) string {
	return filepath.Join(RunDir(baseDir), pathcodec.Encode(repository)+".lock")
}

func LogPath(baseDir string, now time.Time) string {
	return filepath.Join(LogDir(baseDir), now.Format("2006-01-02")+".log")
}

func SetupDirectories(dirs ...string) error {
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}

func SetupLogging(logPath string, consoleLevel slog.Level) (*slog.Logger, *os.File, error) {
	logDir := filepath.Dir(logPath)
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	logger, logFile, err := logging.NewLogger(logPath, consoleLevel)
	if err != nil {
		return nil, nil, err
	}

	return logger, logFile, nil
}
