package session

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/matheus3301/imcore/internal/lock"
)

// EnvHome overrides the base directory, mostly for tests.
const EnvHome = "IMCORE_HOME"

// BaseDir returns ~/.imcore, or $IMCORE_HOME when set.
func BaseDir() string {
	if dir := os.Getenv(EnvHome); dir != "" {
		return dir
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".imcore")
}

// ConfigPath returns the global config file path.
func ConfigPath() string {
	return filepath.Join(BaseDir(), "config.toml")
}

func sessionsDir() string {
	return filepath.Join(BaseDir(), "sessions")
}

// Layout is the on-disk layout of one session. Every daemon artifact for the
// session lives under Dir.
type Layout struct {
	Name    string
	Dir     string
	Socket  string
	Archive string
	Env     string
	LogDir  string
	Log     string
}

// For returns the layout of the named session. Nothing is created.
func For(name string) Layout {
	dir := filepath.Join(sessionsDir(), name)
	logs := filepath.Join(dir, "logs")
	return Layout{
		Name:    name,
		Dir:     dir,
		Socket:  filepath.Join(dir, "daemon.sock"),
		Archive: filepath.Join(dir, "archive.db"),
		Env:     filepath.Join(dir, ".env"),
		LogDir:  logs,
		Log:     filepath.Join(logs, "imd.log"),
	}
}

// Ensure creates the session directory tree, readable only by the owner.
func (l Layout) Ensure() error {
	for _, d := range []string{l.Dir, l.LogDir} {
		if err := os.MkdirAll(d, 0700); err != nil {
			return err
		}
	}
	return nil
}

// Info describes a session found on disk.
type Info struct {
	Name    string    `json:"name"`
	Dir     string    `json:"dir"`
	Running bool      `json:"running"`
	Holder  lock.Info `json:"holder,omitzero"`
}

// List returns every session directory with a valid name, sorted by name,
// and whether a daemon currently holds it.
func List() ([]Info, error) {
	entries, err := os.ReadDir(sessionsDir())
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []Info
	for _, e := range entries {
		if !e.IsDir() || ValidateName(e.Name()) != nil {
			continue
		}
		l := For(e.Name())
		holder, held, err := lock.Holder(l.Dir)
		if err != nil {
			return nil, err
		}
		out = append(out, Info{Name: l.Name, Dir: l.Dir, Running: held, Holder: holder})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}
