package plan

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/felixgeelhaar/fortify/retry"
)

// Store persists plans. The JSON plan is the source of truth; markdown is
// always derived from it.
type Store interface {
	// Get returns the plan or ErrNotFound.
	Get(id string) (*Plan, error)

	// Save creates or replaces the plan.
	Save(p *Plan) error

	// Delete removes the plan or returns ErrNotFound.
	Delete(id string) error

	// List returns every stored plan.
	List() ([]*Plan, error)
}

var validID = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]{0,127}$`)

// ValidID reports whether id is safe to use as a plan identifier.
func ValidID(id string) bool {
	return validID.MatchString(id) && !strings.Contains(id, "..")
}

// FileStore keeps one <id>.json file per plan plus a rendered <id>.md next
// to it. The markdown is written after the JSON, so a crash between the two
// leaves a stale rendering that the next save repairs.
type FileStore struct {
	dir         string
	retryConfig retry.Config
}

// NewFileStore creates the plans directory if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create plans dir %s: %w", dir, err)
	}
	return &FileStore{
		dir: dir,
		retryConfig: retry.Config{
			MaxAttempts:   3,
			InitialDelay:  20 * time.Millisecond,
			BackoffPolicy: retry.BackoffExponential,
		},
	}, nil
}

// Dir returns the plans directory.
func (s *FileStore) Dir() string { return s.dir }

func (s *FileStore) jsonPath(id string) string { return filepath.Join(s.dir, id+".json") }

// MarkdownPath returns where the rendered markdown for id lives.
func (s *FileStore) MarkdownPath(id string) string { return filepath.Join(s.dir, id+".md") }

// Get reads a plan, retrying transient read failures.
func (s *FileStore) Get(id string) (*Plan, error) {
	if !ValidID(id) {
		return nil, ErrNotFound
	}
	retryer := retry.New[*Plan](s.retryConfig)
	p, err := retryer.Do(context.Background(), func(ctx context.Context) (*Plan, error) {
		data, err := os.ReadFile(s.jsonPath(id))
		if errors.Is(err, os.ErrNotExist) {
			// absence is not worth retrying
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("read plan %s: %w", id, err)
		}
		var p Plan
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("decode plan %s: %w", id, err)
		}
		return &p, nil
	})
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, ErrNotFound
	}
	return p, nil
}

// Save writes the JSON plan and then its markdown rendering.
func (s *FileStore) Save(p *Plan) error {
	if !ValidID(p.ID) {
		return fmt.Errorf("invalid plan id %q", p.ID)
	}
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return fmt.Errorf("encode plan %s: %w", p.ID, err)
	}
	if err := writeFileAtomic(s.jsonPath(p.ID), data); err != nil {
		return fmt.Errorf("write plan %s: %w", p.ID, err)
	}
	if err := writeFileAtomic(s.MarkdownPath(p.ID), []byte(Render(p))); err != nil {
		return fmt.Errorf("write plan markdown %s: %w", p.ID, err)
	}
	return nil
}

// Delete removes both files of a plan.
func (s *FileStore) Delete(id string) error {
	if !ValidID(id) {
		return ErrNotFound
	}
	if err := os.Remove(s.jsonPath(id)); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return ErrNotFound
		}
		return fmt.Errorf("delete plan %s: %w", id, err)
	}
	if err := os.Remove(s.MarkdownPath(id)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("delete plan markdown %s: %w", id, err)
	}
	return nil
}

// List loads every plan in the directory. Unreadable files are skipped and
// reported in the returned error alongside the plans that did load.
func (s *FileStore) List() ([]*Plan, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("list plans: %w", err)
	}
	var (
		plans []*Plan
		errs  []error
	)
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || filepath.Ext(name) != ".json" {
			continue
		}
		p, err := s.Get(strings.TrimSuffix(name, ".json"))
		if err != nil {
			errs = append(errs, err)
			continue
		}
		plans = append(plans, p)
	}
	return plans, errors.Join(errs...)
}

// writeFileAtomic writes data to a temp file in the same directory and
// renames it over path.
func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}
