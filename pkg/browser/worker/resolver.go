package worker

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
)

// Candidate is one resolvable worker launch target. A Candidate with an
// Interpreter is an entry script run as `interpreter path`; without one it
// is a native executable.
type Candidate struct {
	Path        string
	Interpreter string
}

// IsScript reports whether the candidate needs an interpreter.
func (c Candidate) IsScript() bool {
	return c.Interpreter != ""
}

// containerBinaryDir is where container images place the compiled worker.
const containerBinaryDir = "/app/binaries"

// workerBinaryName returns the platform-specific compiled worker filename.
func workerBinaryName() string {
	name := fmt.Sprintf("browser-worker-%s-%s", runtime.GOOS, runtime.GOARCH)
	if runtime.GOOS == "windows" {
		name += ".exe"
	}
	return name
}

// Candidates returns the ordered launch targets probed by Resolve. The
// order is stable across calls: bundled platform binary first, then the
// container deployment path, then the interpreted entry script.
func Candidates(cfg Config) []Candidate {
	binary := workerBinaryName()
	list := make([]Candidate, 0, 3)
	if cfg.BinaryDir != "" {
		list = append(list, Candidate{Path: filepath.Join(cfg.BinaryDir, binary)})
	}
	list = append(list, Candidate{Path: filepath.Join(containerBinaryDir, binary)})
	if cfg.EntryScript != "" {
		list = append(list, Candidate{Path: cfg.EntryScript, Interpreter: cfg.Interpreter})
	}
	return list
}

// Resolve probes the candidate list and returns the first target that
// exists on the filesystem. The second return is false when nothing was
// found, signaling the caller to fail fast rather than spawn garbage.
func Resolve(cfg Config) (Candidate, bool) {
	for _, candidate := range Candidates(cfg) {
		if fileExists(candidate.Path) {
			return candidate, true
		}
	}
	return Candidate{}, false
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return !info.IsDir()
}
