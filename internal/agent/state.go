package agent

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/vesaa/talonscope/internal/store"
	"gopkg.in/yaml.v3"
)

// State is what the agent remembers between runs.
type State struct {
	ServerURL string `yaml:"server_url"`
	Slug      string `yaml:"slug"`
	Token     string `yaml:"token"`
	MachineID string `yaml:"machine_id"`
}

// LoadState reads path. A missing file yields an empty state.
func LoadState(path string) (*State, error) {
	raw, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return &State{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading agent state: %w", err)
	}
	var st State
	if err := yaml.Unmarshal(raw, &st); err != nil {
		return nil, fmt.Errorf("parsing agent state %s: %w", path, err)
	}
	return &st, nil
}

// Save writes the state readable by the owner only. The file is replaced
// atomically so a crash never leaves a truncated token behind.
func (s *State) Save(path string) error {
	raw, err := yaml.Marshal(s)
	if err != nil {
		return err
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("saving agent state: %w", err)
		}
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".talonscope-state-*")
	if err != nil {
		return fmt.Errorf("saving agent state: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		return fmt.Errorf("saving agent state: %w", err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("saving agent state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("saving agent state: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("saving agent state: %w", err)
	}
	return nil
}

// machineIDFiles are read in order for a stable host identity.
var machineIDFiles = []string{"/etc/machine-id", "/var/lib/dbus/machine-id"}

// resolveMachineID returns the first valid id found in files, then the one
// cached in st, and finally a new random one. It reports whether st changed.
func resolveMachineID(st *State, files []string) (string, bool) {
	for _, f := range files {
		raw, err := os.ReadFile(f)
		if err != nil {
			continue
		}
		if id := strings.TrimSpace(string(raw)); store.ValidMachineID(id) {
			if st.MachineID == id {
				return id, false
			}
			st.MachineID = id
			return id, true
		}
	}
	if store.ValidMachineID(st.MachineID) {
		return st.MachineID, false
	}
	st.MachineID = uuid.NewString()
	return st.MachineID, true
}
