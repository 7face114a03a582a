package settings

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	jsonpatch "github.com/evanphx/json-patch/v5"
)

// ErrInvalid wraps rejected settings and malformed patches
var ErrInvalid = errors.New("invalid settings")

// FileStore persists settings as JSON on disk. Load reads the file each time
// so edits made by another process take effect on the next request.
type FileStore struct {
	path string
	mu   sync.Mutex
}

// stored mirrors Settings with optional fields so partial files keep defaults
type stored struct {
	IP       *string `json:"ip"`
	Port     *int    `json:"port"`
	Endpoint *string `json:"endpoint"`
}

// NewFileStore creates a store backed by path
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Path returns the backing file
func (f *FileStore) Path() string {
	return f.path
}

// Load reads the settings file, falling back to defaults for a missing file or field
func (f *FileStore) Load() (Settings, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.load()
}

func (f *FileStore) load() (Settings, error) {
	s := Default()

	data, err := os.ReadFile(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return s, fmt.Errorf("read settings: %w", err)
	}

	var st stored
	if err := json.Unmarshal(data, &st); err != nil {
		return s, fmt.Errorf("parse settings %s: %w", f.path, err)
	}
	return merge(s, st), nil
}

// Save validates and writes the settings
func (f *FileStore) Save(s Settings) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.save(s)
}

func (f *FileStore) save(s Settings) error {
	if err := s.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return fmt.Errorf("create settings dir: %w", err)
	}

	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}

	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write settings: %w", err)
	}
	return os.Rename(tmp, f.path)
}

// Patch applies an RFC 7386 merge patch to the stored settings and saves the result
func (f *FileStore) Patch(patch []byte) (Settings, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	current, err := f.load()
	if err != nil {
		return current, err
	}

	original, err := json.Marshal(current)
	if err != nil {
		return current, err
	}

	patched, err := jsonpatch.MergePatch(original, patch)
	if err != nil {
		return current, fmt.Errorf("%w: bad merge patch: %v", ErrInvalid, err)
	}

	var st stored
	if err := json.Unmarshal(patched, &st); err != nil {
		return current, fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	// null in a merge patch removes the field, which resets it to the default
	next := merge(Default(), st)
	if err := f.save(next); err != nil {
		return current, err
	}
	return next, nil
}

func merge(base Settings, st stored) Settings {
	merged := base
	if st.IP != nil {
		merged.IP = *st.IP
	}
	if st.Port != nil {
		merged.Port = *st.Port
	}
	if st.Endpoint != nil {
		merged.Endpoint = *st.Endpoint
	}
	return merged
}
