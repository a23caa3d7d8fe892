package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"killchain-advisor/internal/schema"

	"gopkg.in/yaml.v3"
)

var (
	errEmptyCaseID   = errors.New("case_id is required")
	errEmptyEntityID = errors.New("entity type and id are required")
)

// Snapshot is a point-in-time copy of both stores.
type Snapshot struct {
	Cases    []schema.Case   `json:"cases" yaml:"cases"`
	Entities []schema.Entity `json:"entities" yaml:"entities"`
}

// DecodeSnapshot decodes a JSON or YAML snapshot. The format is chosen by
// the file extension; anything other than .yaml/.yml is treated as JSON.
func DecodeSnapshot(name string, data []byte) (*Snapshot, error) {
	snap := &Snapshot{}
	if len(strings.TrimSpace(string(data))) == 0 {
		return snap, nil
	}

	var err error
	switch strings.ToLower(filepath.Ext(name)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, snap)
	default:
		err = json.Unmarshal(data, snap)
	}
	if err != nil {
		return nil, WrapInvalidDataError("DecodeSnapshot", name, err)
	}
	return snap, nil
}

// EncodeSnapshot encodes a snapshot in the format implied by name.
func EncodeSnapshot(name string, snap *Snapshot) ([]byte, error) {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".yaml", ".yml":
		return yaml.Marshal(snap)
	default:
		return json.MarshalIndent(snap, "", "  ")
	}
}

// LoadSnapshot reads a snapshot file. A missing file yields an empty snapshot.
func LoadSnapshot(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Snapshot{}, nil
		}
		return nil, &StorageError{Op: "LoadSnapshot", Table: path, Err: err}
	}
	return DecodeSnapshot(path, data)
}

// ValidateSnapshot drops records that cannot be addressed (no id, unknown
// status or entity type) and returns an error for each dropped record.
// Records missing optional fields are kept.
func ValidateSnapshot(v *schema.Validator, snap *Snapshot) []error {
	var errs []error

	cases := snap.Cases[:0]
	for i := range snap.Cases {
		if err := v.ValidateStoredCase(&snap.Cases[i]); err != nil {
			errs = append(errs, err)
			continue
		}
		cases = append(cases, snap.Cases[i])
	}
	snap.Cases = cases

	entities := snap.Entities[:0]
	for i := range snap.Entities {
		if err := v.ValidateStoredEntity(&snap.Entities[i]); err != nil {
			errs = append(errs, err)
			continue
		}
		entities = append(entities, snap.Entities[i])
	}
	snap.Entities = entities

	return errs
}

// LintSnapshot applies the ingest rules to every record without changing
// the snapshot. It returns the number of invalid cases and entities and one
// error per invalid record.
func LintSnapshot(v *schema.Validator, snap *Snapshot) (badCases, badEntities int, errs []error) {
	for i := range snap.Cases {
		if err := v.ValidateCase(&snap.Cases[i]); err != nil {
			badCases++
			errs = append(errs, err)
		}
	}
	for i := range snap.Entities {
		if err := v.ValidateEntity(&snap.Entities[i]); err != nil {
			badEntities++
			errs = append(errs, err)
		}
	}
	return badCases, badEntities, errs
}

// FileStore persists both stores in a single snapshot file. It implements
// CaseStore and EntityStore. Reads return an ErrInvalidData error when the
// file cannot be decoded; a missing file reads as empty.
type FileStore struct {
	path      string
	validator *schema.Validator
	mu        sync.Mutex
}

// NewFileStore creates a store backed by the snapshot file at path.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path, validator: schema.NewValidator()}
}

// Path returns the snapshot file path.
func (s *FileStore) Path() string {
	return s.path
}

func (s *FileStore) load() (*Snapshot, error) {
	snap, err := LoadSnapshot(s.path)
	if err != nil {
		return nil, err
	}
	for _, verr := range ValidateSnapshot(s.validator, snap) {
		slog.Warn("skipping invalid snapshot record", "path", s.path, "error", verr)
	}
	return snap, nil
}

// ListCases returns every addressable case in the snapshot file.
func (s *FileStore) ListCases(_ context.Context) ([]schema.Case, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap, err := s.load()
	if err != nil {
		return nil, err
	}
	return snap.Cases, nil
}

// ListEntities returns every addressable entity in the snapshot file.
func (s *FileStore) ListEntities(_ context.Context) ([]schema.Entity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap, err := s.load()
	if err != nil {
		return nil, err
	}
	return snap.Entities, nil
}

// UpsertCase inserts or replaces a case in the snapshot file. Other records
// are written back as they were read.
func (s *FileStore) UpsertCase(_ context.Context, c schema.Case) error {
	if c.ID == "" {
		return WrapInvalidDataError("UpsertCase", s.path, errEmptyCaseID)
	}
	return s.update("UpsertCase", func(snap *Snapshot) {
		for i := range snap.Cases {
			if snap.Cases[i].ID == c.ID {
				snap.Cases[i] = c
				return
			}
		}
		snap.Cases = append(snap.Cases, c)
	})
}

// UpsertEntity merges an entity observation into the snapshot file.
func (s *FileStore) UpsertEntity(_ context.Context, e schema.Entity) error {
	e.Normalize()
	return s.foldEntity("UpsertEntity", e, mergeFold(e))
}

// ObserveEntity records an entity observation in the snapshot file.
func (s *FileStore) ObserveEntity(_ context.Context, e schema.Entity, riskDelta int) error {
	e.Normalize()
	return s.foldEntity("ObserveEntity", e, observeFold(e, riskDelta))
}

func (s *FileStore) foldEntity(op string, e schema.Entity, fold entityFold) error {
	key := e.Key()
	if key == "" {
		return WrapInvalidDataError(op, s.path, errEmptyEntityID)
	}
	return s.update(op, func(snap *Snapshot) {
		for i := range snap.Entities {
			if snap.Entities[i].Key() == key {
				snap.Entities[i] = fold(snap.Entities[i], true)
				return
			}
		}
		snap.Entities = append(snap.Entities, fold(schema.Entity{}, false))
	})
}

// update applies one change to the decoded file. It works on the raw
// snapshot: records the read path would skip stay in the file.
func (s *FileStore) update(op string, apply func(*Snapshot)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap, err := LoadSnapshot(s.path)
	if err != nil {
		return err
	}
	apply(snap)
	sort.SliceStable(snap.Cases, func(i, j int) bool { return snap.Cases[i].ID < snap.Cases[j].ID })
	sort.SliceStable(snap.Entities, func(i, j int) bool { return snap.Entities[i].Key() < snap.Entities[j].Key() })

	data, err := EncodeSnapshot(s.path, snap)
	if err != nil {
		return &StorageError{Op: op, Table: s.path, Err: err}
	}
	if err := writeFileAtomic(s.path, data); err != nil {
		return &StorageError{Op: op, Table: s.path, Err: err}
	}
	return nil
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".snapshot-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("rename snapshot: %w", err)
	}
	return nil
}
