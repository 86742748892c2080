// Package profile resolves a profile name to an ordered list of source
// descriptor lines and parses the profile file's line format.
package profile

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// Dirs supplies the directories consulted while resolving a profile name.
type Dirs struct {
	SysconfDir  string   // e.g. /etc
	XDGDataDirs []string // e.g. /usr/local/share, /usr/share
	RuntimeDir  string   // $XDG_RUNTIME_DIR
	MandatoryFile func(uid string) string // e.g. /run/dconf/user/<uid>
}

// DefaultDirs builds Dirs from the environment, matching the conventional
// XDG locations.
func DefaultDirs() Dirs {
	xdgDataHome := os.Getenv("XDG_DATA_DIRS")
	var dataDirs []string
	if xdgDataHome != "" {
		dataDirs = strings.Split(xdgDataHome, ":")
	} else {
		dataDirs = []string{"/usr/local/share", "/usr/share"}
	}
	return Dirs{
		SysconfDir:  envOr("SYSCONFDIR", "/etc"),
		XDGDataDirs: dataDirs,
		RuntimeDir:  os.Getenv("XDG_RUNTIME_DIR"),
		MandatoryFile: func(uid string) string {
			return filepath.Join("/run/dconf/user", uid)
		},
	}
}

func envOr(name, fallback string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return fallback
}

// defaultProfile is synthesized when no other resolution step succeeds.
var defaultProfile = []string{"user-db:user"}

// Resolve returns the ordered list of source descriptor lines for the named
// profile (empty name means "use default resolution"). It never returns an
// error: a profile that cannot be found resolves to the empty list (the
// "null profile"), with a warning logged for a profile that was explicitly
// named but not found.
func Resolve(name string, dirs Dirs) []string {
	if name == "" {
		if lines, ok := tryMandatory(dirs); ok {
			return lines
		}
		if env := os.Getenv("DCONF_PROFILE"); env != "" {
			name = env
		}
	}
	if name == "" {
		if lines, ok := tryRuntimeProfile(dirs); ok {
			return lines
		}
		if lines, ok := tryChain(dirs, "user"); ok {
			return lines
		}
		return defaultProfile
	}

	if filepath.IsAbs(name) {
		lines, err := readProfileFile(name)
		if err != nil {
			slog.Warn("profile: named profile file could not be opened", "path", name, "err", err)
			return nil
		}
		return lines
	}
	if lines, ok := tryChain(dirs, name); ok {
		return lines
	}
	slog.Warn("profile: named profile could not be resolved", "name", name)
	return nil
}

func tryMandatory(dirs Dirs) ([]string, bool) {
	if dirs.MandatoryFile == nil {
		return nil, false
	}
	path := dirs.MandatoryFile(fmt.Sprintf("%d", os.Getuid()))
	lines, err := readProfileFile(path)
	if err != nil {
		return nil, false
	}
	return lines, true
}

func tryRuntimeProfile(dirs Dirs) ([]string, bool) {
	if dirs.RuntimeDir == "" {
		return nil, false
	}
	path := filepath.Join(dirs.RuntimeDir, "dconf", "profile")
	lines, err := readProfileFile(path)
	if err != nil {
		return nil, false
	}
	return lines, true
}

// tryChain probes SYSCONFDIR/dconf/profile/<name> then each
// XDG_DATA_DIRS/dconf/profile/<name>, stopping at the first file that opens
// successfully; a non-ENOENT error still stops the chain (the file exists
// but could not be read).
func tryChain(dirs Dirs, name string) ([]string, bool) {
	candidates := make([]string, 0, 1+len(dirs.XDGDataDirs))
	if dirs.SysconfDir != "" {
		candidates = append(candidates, filepath.Join(dirs.SysconfDir, "dconf", "profile", name))
	}
	for _, d := range dirs.XDGDataDirs {
		candidates = append(candidates, filepath.Join(d, "dconf", "profile", name))
	}
	for _, path := range candidates {
		lines, err := readProfileFile(path)
		if err == nil {
			return lines, true
		}
		if !os.IsNotExist(err) {
			break
		}
	}
	return nil, false
}

// readProfileFile reads and parses one profile file.
func readProfileFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return parseLines(f), nil
}

// parseLines parses profile file content from r into an ordered list of
// source descriptor lines: blank lines and '#' comments are dropped,
// leading/trailing whitespace is trimmed, and lines that are present but
// not valid source descriptors are warned about and skipped by the caller
// (Resolve does not validate descriptor syntax; internal/source.New does,
// at engine construction time).
func parseLines(r interface{ Read([]byte) (int, error) }) []string {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 4096), 1<<20)
	var lines []string
	for scanner.Scan() {
		line := scanner.Text()
		if idx := strings.IndexByte(line, '#'); idx >= 0 {
			line = line[:idx]
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		lines = append(lines, line)
	}
	return lines
}
