package credential

import (
	"bytes"
	"crypto/sha256"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/Laisky/errors/v2"
)

// Store owns the on-disk credentials file, preserving whichever of the two
// accepted shapes (legacy single object, or current array) it was loaded
// from (§3: "the persisted form matches the loaded form").
type Store struct {
	path string

	mu           sync.Mutex
	lastSavedSum [sha256.Size]byte
	hasSaved     bool
}

// NewStore returns a Store bound to path. The first Save always writes;
// that write establishes the baseline later Saves are compared against.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Load reads the credentials file, accepting either a single JSON object
// (legacy) or a JSON array (current). It assigns stable ids in insertion
// order to any entry missing one.
func Load(path string) (entries []*Credential, isArray bool, err error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, false, errors.Wrapf(err, "read credentials file %q", path)
	}

	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil, true, nil
	}

	switch trimmed[0] {
	case '[':
		if err := json.Unmarshal(trimmed, &entries); err != nil {
			return nil, false, errors.Wrapf(err, "parse credentials array %q", path)
		}
		isArray = true
	case '{':
		var single Credential
		if err := json.Unmarshal(trimmed, &single); err != nil {
			return nil, false, errors.Wrapf(err, "parse credentials object %q", path)
		}
		entries = []*Credential{&single}
		isArray = false
	default:
		return nil, false, errors.Errorf("credentials file %q is neither an object nor an array", path)
	}

	var maxID int64
	for _, c := range entries {
		if c.ID > maxID {
			maxID = c.ID
		}
	}
	nextID := maxID + 1
	for _, c := range entries {
		if c.ID == 0 {
			c.ID = nextID
			nextID++
		}
		if err := ValidateRefreshToken(c.RefreshToken); err != nil {
			return nil, false, errors.Wrapf(err, "credential %d", c.ID)
		}
	}

	return entries, isArray, nil
}

// Save serializes entries in the shape named by isArray and atomically
// replaces the file (write to a sibling temp file, then rename). A save is
// skipped entirely when the serialized content is identical to the last
// successful save.
func (s *Store) Save(entries []Credential, isArray bool) error {
	var data []byte
	var err error
	if isArray {
		data, err = json.MarshalIndent(entries, "", "  ")
	} else {
		var single Credential
		if len(entries) > 0 {
			single = entries[0]
		}
		data, err = json.MarshalIndent(single, "", "  ")
	}
	if err != nil {
		return errors.Wrap(err, "marshal credentials")
	}

	sum := sha256.Sum256(data)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.hasSaved && sum == s.lastSavedSum {
		return nil
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".credentials-*.tmp")
	if err != nil {
		return errors.Wrap(err, "create temp credentials file")
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return errors.Wrap(err, "write temp credentials file")
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, "close temp credentials file")
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		return errors.Wrap(err, "replace credentials file")
	}

	s.lastSavedSum = sum
	s.hasSaved = true
	return nil
}
