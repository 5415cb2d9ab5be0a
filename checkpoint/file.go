package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
)

var (
	ErrNotADirectory   = errors.New("checkpoint root is not a directory")
	ErrUnsafeNamespace = errors.New("checkpoint namespace contains characters outside [A-Za-z0-9_.-]")
	ErrOutsideRoot     = errors.New("resolved checkpoint path escapes the configured root")
)

// FileStore keeps one JSON file per migration (an array of attempts) under
// root/namespace. The namespace comes from configuration, so it is validated
// against path escaping and every resolved path is verified to stay within
// the root.
type FileStore struct {
	dir string

	mu sync.Mutex
}

func NewFileStore(root, namespace string) (*FileStore, error) {
	stat, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("failed to stat checkpoint root: %w", err)
	}
	if !stat.IsDir() {
		return nil, ErrNotADirectory
	}

	if err := validateNamespace(namespace); err != nil {
		return nil, err
	}

	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve checkpoint root: %w", err)
	}

	dir := filepath.Join(absRoot, namespace)
	if !within(absRoot, dir) {
		return nil, ErrOutsideRoot
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create checkpoint directory: %w", err)
	}

	return &FileStore{dir: dir}, nil
}

func (s *FileStore) Write(ctx context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	path, err := s.pathFor(rec.MigrationID)
	if err != nil {
		return &Error{Op: "write", Err: err}
	}

	attempts, err := readAttempts(path)
	if err != nil {
		return &Error{Op: "write", Err: err}
	}

	if rec.Status == StatusPending || len(attempts) == 0 {
		rec.Attempt = len(attempts) + 1
		attempts = append(attempts, rec)
	} else {
		rec.Attempt = attempts[len(attempts)-1].Attempt
		attempts[len(attempts)-1] = rec
	}

	if err := writeAttempts(path, attempts); err != nil {
		return &Error{Op: "write", Err: err}
	}
	return nil
}

func (s *FileStore) Read(ctx context.Context, migrationID uint64) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	path, err := s.pathFor(migrationID)
	if err != nil {
		return nil, &Error{Op: "read", Err: err}
	}

	attempts, err := readAttempts(path)
	if err != nil {
		return nil, &Error{Op: "read", Err: err}
	}
	if len(attempts) == 0 {
		return nil, nil
	}

	latest := attempts[len(attempts)-1]
	return &latest, nil
}

func (s *FileStore) ListIncomplete(ctx context.Context) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, &Error{Op: "list", Err: err}
	}

	var incomplete []Record
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		if _, err := strconv.ParseUint(strings.TrimSuffix(entry.Name(), ".json"), 10, 64); err != nil {
			continue // foreign file
		}

		attempts, err := readAttempts(filepath.Join(s.dir, entry.Name()))
		if err != nil {
			return nil, &Error{Op: "list", Err: err}
		}
		if len(attempts) == 0 {
			continue
		}

		latest := attempts[len(attempts)-1]
		if !latest.Status.Settled() {
			incomplete = append(incomplete, latest)
		}
	}

	sort.Slice(incomplete, func(i, j int) bool {
		return incomplete[i].MigrationID < incomplete[j].MigrationID
	})
	return incomplete, nil
}

// pathFor names the migration's file and re-verifies root confinement.
func (s *FileStore) pathFor(migrationID uint64) (string, error) {
	path := filepath.Join(s.dir, strconv.FormatUint(migrationID, 10)+".json")
	if !within(s.dir, path) {
		return "", ErrOutsideRoot
	}
	return path, nil
}

func readAttempts(path string) ([]Record, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint file: %w", err)
	}

	var attempts []Record
	if err := json.Unmarshal(data, &attempts); err != nil {
		return nil, fmt.Errorf("failed to decode checkpoint file %s: %w", filepath.Base(path), err)
	}
	return attempts, nil
}

// writeAttempts persists through a temp file and rename so a crash mid-write
// never corrupts an existing checkpoint.
func writeAttempts(path string, attempts []Record) error {
	data, err := json.MarshalIndent(attempts, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode checkpoint: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write checkpoint file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to persist checkpoint file: %w", err)
	}
	return nil
}

func validateNamespace(namespace string) error {
	if namespace == "" {
		return ErrUnsafeNamespace
	}
	for _, c := range namespace {
		switch {
		case c >= 'a' && c <= 'z':
		case c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9':
		case c == '_' || c == '.' || c == '-':
		default:
			return ErrUnsafeNamespace
		}
	}
	// ".." passes the charset check but escapes the root.
	if strings.Contains(namespace, "..") {
		return ErrUnsafeNamespace
	}
	return nil
}

func within(root, path string) bool {
	rel, err := filepath.Rel(root, filepath.Clean(path))
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
