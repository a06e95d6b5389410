package process

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/loykin/coreshell/internal/logger"
)

// DefaultName labels the worker in log lines and mirror files when Spec.Name is empty.
const DefaultName = "core"

// Spec describes one launch of the proxy core.
type Spec struct {
	Name       string        `json:"name"`
	Executable string        `json:"executable"`  // path (or PATH-resolvable name) of the core binary
	ConfigPath string        `json:"config_path"` // passed as `run -c <path>`
	Args       []string      `json:"args"`        // replaces the default arguments when non-empty
	WorkDir    string        `json:"work_dir"`
	Env        []string      `json:"env"` // complete environment; nil inherits ours
	Log        logger.Config `json:"log"`
}

func (s Spec) name() string {
	if s.Name == "" {
		return DefaultName
	}
	return s.Name
}

// Arguments returns the arguments handed to the executable.
func (s Spec) Arguments() []string {
	if len(s.Args) > 0 {
		return append([]string(nil), s.Args...)
	}
	return []string{"run", "-c", s.ConfigPath}
}

// Command builds the *exec.Cmd for this spec. Standard streams and platform
// attributes are left to the Supervisor.
func (s Spec) Command() *exec.Cmd {
	// #nosec G204 -- the executable is chosen by the local user
	cmd := exec.Command(s.Executable, s.Arguments()...)
	if s.WorkDir != "" {
		cmd.Dir = s.WorkDir
	}
	if len(s.Env) > 0 {
		cmd.Env = s.Env
	}
	return cmd
}

// resolveExecutable checks the executable exists without spawning anything.
// Bare names are looked up in PATH.
func (s Spec) resolveExecutable() (string, error) {
	exe := strings.TrimSpace(s.Executable)
	if exe == "" {
		return "", fmt.Errorf("%w: no executable configured", ErrNotFound)
	}
	if !strings.ContainsAny(exe, `/\`) {
		p, err := exec.LookPath(exe)
		if err != nil {
			return "", fmt.Errorf("%w: %s", ErrNotFound, exe)
		}
		return p, nil
	}
	fi, err := os.Stat(exe)
	if err != nil || fi.IsDir() {
		return "", fmt.Errorf("%w: %s", ErrNotFound, filepath.Clean(exe))
	}
	return exe, nil
}
