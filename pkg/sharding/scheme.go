// Package sharding maps invoice identity (key, issue date, document number)
// to a deterministic on-disk path, sharding by date and capping entries per
// directory so no single directory exceeds what the filesystem handles
// comfortably. Once a day directory fills up, new files spill into numbered
// sibling buckets named {DD}_pasta_{n}. The bucket an existing file lives in
// depends on write order, so reads must probe the base directory and every
// bucket; write and read resolution are deliberately separate operations.
package sharding

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// DefaultDirCap is the per-directory entry ceiling. NTFS and ext4 both
// degrade well before their theoretical limits; 10k keeps directory scans
// and ZIP batching workable.
const DefaultDirCap = 10000

// Scheme resolves invoice document paths under a root directory.
type Scheme struct {
	// Root is the base output directory (e.g. "resultado").
	Root string

	// DirCap is the maximum number of entries allowed in a single day
	// directory or bucket. Defaults to DefaultDirCap.
	DirCap int

	// mu serializes bucket selection. The next writable bucket is derived
	// by scanning directory contents, so two concurrent writers could
	// otherwise both claim the last free slot.
	mu sync.Mutex
}

// NewScheme creates a Scheme rooted at root with the default directory cap.
func NewScheme(root string) *Scheme {
	return &Scheme{Root: root, DirCap: DefaultDirCap}
}

// dayDir returns root/YYYY/MM/DD for the given date.
func (s *Scheme) dayDir(t time.Time) string {
	return filepath.Join(s.Root, t.Format("2006"), t.Format("01"), t.Format("02"))
}

// bucketName returns the numbered sibling bucket name for a day.
func bucketName(t time.Time, n int) string {
	return fmt.Sprintf("%s_pasta_%d", t.Format("02"), n)
}

// ResolveForWrite computes the directory and file path a new document should
// be written to, creating the directory and an empty placeholder file while
// still holding the lock. The placeholder claims the directory slot
// immediately, so concurrent resolutions that write later cannot push a
// directory past the cap. If the file already exists in the base day
// directory or any bucket, its current location is returned so re-runs stay
// idempotent.
func (s *Scheme) ResolveForWrite(key, issueDate, documentNumber string) (string, string, error) {
	t, err := NormalizeDate(issueDate)
	if err != nil {
		return "", "", err
	}
	name, err := FileName(key, t, documentNumber)
	if err != nil {
		return "", "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Existing file wins regardless of current bucket occupancy.
	if existing, ok := s.probe(t, name); ok {
		return filepath.Dir(existing), existing, nil
	}

	dir, err := s.nextWritableDir(t)
	if err != nil {
		return "", "", err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", "", fmt.Errorf("create shard directory: %w", err)
	}

	path := filepath.Join(dir, name)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return dir, path, nil
		}
		return "", "", fmt.Errorf("reserve shard slot: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", "", fmt.Errorf("reserve shard slot: %w", err)
	}
	return dir, path, nil
}

// Locate checks whether a document file already exists, probing the base
// day directory and all numbered buckets for that day. ok is false when the
// file is absent everywhere.
func (s *Scheme) Locate(key, issueDate, documentNumber string) (string, bool, error) {
	t, err := NormalizeDate(issueDate)
	if err != nil {
		return "", false, err
	}
	name, err := FileName(key, t, documentNumber)
	if err != nil {
		return "", false, err
	}

	path, ok := s.probe(t, name)
	return path, ok, nil
}

// probe looks for name in the day directory and every sibling bucket.
func (s *Scheme) probe(t time.Time, name string) (string, bool) {
	day := s.dayDir(t)

	candidate := filepath.Join(day, name)
	if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
		return candidate, true
	}

	entries, err := os.ReadDir(day)
	if err != nil {
		return "", false
	}
	prefix := t.Format("02") + "_pasta_"
	for _, entry := range entries {
		if !entry.IsDir() || !strings.HasPrefix(entry.Name(), prefix) {
			continue
		}
		candidate := filepath.Join(day, entry.Name(), name)
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate, true
		}
	}
	return "", false
}

// nextWritableDir picks the base day directory if it has room, otherwise
// the first numbered bucket under the cap, opening a new bucket when all
// existing ones are full.
func (s *Scheme) nextWritableDir(t time.Time) (string, error) {
	limit := s.DirCap
	if limit <= 0 {
		limit = DefaultDirCap
	}

	day := s.dayDir(t)
	n, err := fileCount(day)
	if err != nil {
		return "", err
	}
	if n < limit {
		return day, nil
	}

	for i := 1; ; i++ {
		bucket := filepath.Join(day, bucketName(t, i))
		n, err := fileCount(bucket)
		if err != nil {
			return "", err
		}
		if n < limit {
			return bucket, nil
		}
	}
}

// fileCount counts file entries toward the cap; bucket subdirectories do
// not consume slots. A missing directory counts as empty.
func fileCount(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("scan shard directory: %w", err)
	}
	n := 0
	for _, entry := range entries {
		if !entry.IsDir() {
			n++
		}
	}
	return n, nil
}
