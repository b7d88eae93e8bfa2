package store

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/ResistanceIsUseless/ProxyScout/internal/errors"
	"github.com/ResistanceIsUseless/ProxyScout/internal/harvest"
	"github.com/ResistanceIsUseless/ProxyScout/internal/proxy"
)

// poolDocument is the on-disk pool format: records keyed by proxy
// identity so the document round-trips the pool faithfully.
type poolDocument struct {
	SavedAt time.Time                `json:"saved_at"`
	Proxies map[string]*proxy.Record `json:"proxies"`
}

// sourcesDocument is the on-disk sources format
type sourcesDocument struct {
	SavedAt time.Time         `json:"saved_at"`
	Sources []*harvest.Source `json:"sources"`
}

// Store persists pools and sources as JSON documents on disk. Writes
// are atomic (temp file + rename) so a crash mid-save never corrupts
// the previous state.
type Store struct {
	proxiesPath string
	sourcesPath string
}

// New creates a Store rooted at the given paths
func New(proxiesPath, sourcesPath string) *Store {
	return &Store{
		proxiesPath: proxiesPath,
		sourcesPath: sourcesPath,
	}
}

// SavePool writes all records keyed by identity
func (s *Store) SavePool(records []*proxy.Record) error {
	document := poolDocument{
		SavedAt: time.Now(),
		Proxies: make(map[string]*proxy.Record, len(records)),
	}
	for _, record := range records {
		document.Proxies[record.URL()] = record
	}
	return s.writeJSON(s.proxiesPath, document)
}

// LoadPool reads records back from disk. A missing file is an empty
// pool, not an error.
func (s *Store) LoadPool() ([]*proxy.Record, error) {
	data, err := os.ReadFile(s.proxiesPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.NewStoreError(errors.ErrorStoreReadFailed,
			"failed to read pool file", s.proxiesPath, err)
	}

	var document poolDocument
	if err := json.Unmarshal(data, &document); err != nil {
		return nil, errors.NewStoreError(errors.ErrorStoreCorrupt,
			"pool file is not valid JSON", s.proxiesPath, err)
	}

	records := make([]*proxy.Record, 0, len(document.Proxies))
	for _, record := range document.Proxies {
		records = append(records, record)
	}
	return records, nil
}

// SaveSources writes the harvester source list
func (s *Store) SaveSources(sources []*harvest.Source) error {
	return s.writeJSON(s.sourcesPath, sourcesDocument{
		SavedAt: time.Now(),
		Sources: sources,
	})
}

// LoadSources reads the harvester source list. A missing file is an
// empty list, not an error.
func (s *Store) LoadSources() ([]*harvest.Source, error) {
	data, err := os.ReadFile(s.sourcesPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.NewStoreError(errors.ErrorStoreReadFailed,
			"failed to read sources file", s.sourcesPath, err)
	}

	var document sourcesDocument
	if err := json.Unmarshal(data, &document); err != nil {
		return nil, errors.NewStoreError(errors.ErrorStoreCorrupt,
			"sources file is not valid JSON", s.sourcesPath, err)
	}
	return document.Sources, nil
}

// writeJSON marshals v and atomically replaces path with it
func (s *Store) writeJSON(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errors.NewStoreError(errors.ErrorStoreWriteFailed,
			"failed to encode document", path, err)
	}

	dir := filepath.Dir(path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return errors.NewStoreError(errors.ErrorStoreWriteFailed,
				"failed to create storage directory", path, err)
		}
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return errors.NewStoreError(errors.ErrorStoreWriteFailed,
			"failed to create temp file", path, err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return errors.NewStoreError(errors.ErrorStoreWriteFailed,
			"failed to write temp file", path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return errors.NewStoreError(errors.ErrorStoreWriteFailed,
			"failed to close temp file", path, err)
	}

	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return errors.NewStoreError(errors.ErrorStoreWriteFailed,
			"failed to replace document", path, err)
	}
	return nil
}
