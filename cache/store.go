package cache

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"
)

// Validation strategies for deciding whether a stored artifact is still good.
type Strategy string

const (
	// StrategyAgeAndVersion invalidates on version change OR age exceedance.
	StrategyAgeAndVersion Strategy = "age_and_version"
	// StrategyVersionOnly invalidates only on version change.
	StrategyVersionOnly Strategy = "version_only"
	// StrategyAgeOnly invalidates only on age exceedance.
	StrategyAgeOnly Strategy = "age_only"
	// StrategyAlwaysRevalidate never serves from cache.
	StrategyAlwaysRevalidate Strategy = "always_revalidate"
)

// ledgerFile tracks the current version per filename, co-located with the cache.
const ledgerFile = "cache_versions.json"

// Metadata is the sibling document persisted next to every cached body.
type Metadata struct {
	URL          string    `json:"url"`
	CachedAt     time.Time `json:"cached_at"`
	Size         int64     `json:"size"`
	Version      string    `json:"version"`
	ContentType  string    `json:"content_type,omitempty"`
	ETag         string    `json:"etag,omitempty"`
	LastModified string    `json:"last_modified,omitempty"`
}

// LedgerEntry records the tracked version for a filename.
type LedgerEntry struct {
	Version   string    `json:"version"`
	URL       string    `json:"url"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ArtifactStatus is one row of the diagnostics listing.
type ArtifactStatus struct {
	Filename string        `json:"filename"`
	Version  string        `json:"version"`
	Size     int64         `json:"size"`
	Age      time.Duration `json:"age"`
}

// Options configures a Store.
type Options struct {
	Dir            string
	MaxMemoryBytes int64         // L1 bound; default 100 MB
	MaxAge         time.Duration // default 24h
	Strategy       Strategy      // default StrategyAgeAndVersion
}

type memEntry struct {
	body []byte
	meta Metadata
}

// Store is a two-level content cache: an in-memory write-through mirror (L1)
// over a filesystem tier (L2, the source of truth). Artifacts are keyed by
// filename plus the version token extracted from the URL path, so a changed
// upstream build identifier is a miss even for an identical filename.
//
// Safe for concurrent use: an in-process mutex guards L1 and the version
// ledger; a file-level advisory lock serializes disk I/O across processes.
type Store struct {
	dir      string
	maxMem   int64
	maxAge   time.Duration
	strategy Strategy

	mu       sync.Mutex
	mem      map[string]*memEntry // keyed by filename
	order    []string             // FIFO insertion order of filenames
	memBytes int64
	ledger   map[string]LedgerEntry

	lockFile *os.File
}

// New opens (or creates) the cache directory and loads the version ledger.
func New(opts Options) (*Store, error) {
	if opts.MaxMemoryBytes <= 0 {
		opts.MaxMemoryBytes = 100 * 1024 * 1024
	}
	if opts.MaxAge <= 0 {
		opts.MaxAge = 24 * time.Hour
	}
	if opts.Strategy == "" {
		opts.Strategy = StrategyAgeAndVersion
	}

	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("cache: create dir: %w", err)
	}
	lf, err := os.OpenFile(filepath.Join(opts.Dir, ".lock"), os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("cache: open lock file: %w", err)
	}

	s := &Store{
		dir:      opts.Dir,
		maxMem:   opts.MaxMemoryBytes,
		maxAge:   opts.MaxAge,
		strategy: opts.Strategy,
		mem:      make(map[string]*memEntry),
		ledger:   make(map[string]LedgerEntry),
		lockFile: lf,
	}
	if err := s.loadLedger(); err != nil {
		return nil, err
	}
	return s, nil
}

// Close releases the advisory lock file.
func (s *Store) Close() error {
	return s.lockFile.Close()
}

// Load returns the cached body and metadata for a URL, or ok=false when the
// artifact is absent, expired, or version-mismatched. L1 is consulted first;
// a disk hit populates L1.
func (s *Store) Load(rawURL string) ([]byte, Metadata, bool) {
	filename, version, err := SplitVersioned(rawURL)
	if err != nil {
		return nil, Metadata{}, false
	}
	if s.strategy == StrategyAlwaysRevalidate {
		return nil, Metadata{}, false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.mem[filename]; ok && s.valid(filename, e.meta, version) {
		return e.body, e.meta, true
	}

	body, meta, ok := s.loadDisk(filename, version)
	if !ok || !s.valid(filename, meta, version) {
		return nil, Metadata{}, false
	}
	s.insertMem(filename, body, meta)
	return body, meta, true
}

// Save persists a body under the URL's filename+version key, writing the body
// and its metadata document atomically (temp file + rename), replacing any
// other version of the same filename on disk, updating the version ledger, and
// mirroring into L1. A URL with no extractable version segment is refused.
func (s *Store) Save(rawURL string, body []byte, hdr http.Header) error {
	filename, version, err := SplitVersioned(rawURL)
	if err != nil {
		return fmt.Errorf("cache: refusing to persist %q: %w", rawURL, err)
	}

	meta := Metadata{
		URL:      rawURL,
		CachedAt: time.Now(),
		Size:     int64(len(body)),
		Version:  version,
	}
	if hdr != nil {
		meta.ContentType = hdr.Get("Content-Type")
		meta.ETag = hdr.Get("ETag")
		meta.LastModified = hdr.Get("Last-Modified")
	}

	metaBytes, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("cache: marshal metadata: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.flock(); err != nil {
		return err
	}
	defer s.funlock()

	name := diskName(filename, version)
	if err := writeAtomic(filepath.Join(s.dir, name), body); err != nil {
		return fmt.Errorf("cache: write body: %w", err)
	}
	if err := writeAtomic(filepath.Join(s.dir, name+".meta"), metaBytes); err != nil {
		return fmt.Errorf("cache: write metadata: %w", err)
	}
	s.removeOtherVersions(filename, version)

	s.ledger[filename] = LedgerEntry{Version: version, URL: rawURL, UpdatedAt: time.Now()}
	if err := s.persistLedger(); err != nil {
		return err
	}

	s.insertMem(filename, body, meta)
	return nil
}

// Status lists every artifact currently on disk, for diagnostics.
func (s *Store) Status() []ArtifactStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil
	}

	var out []ArtifactStatus
	for _, de := range entries {
		name := de.Name()
		if de.IsDir() || strings.HasSuffix(name, ".meta") || !strings.Contains(name, "_v_") {
			continue
		}
		metaBytes, err := os.ReadFile(filepath.Join(s.dir, name+".meta"))
		if err != nil {
			continue
		}
		var meta Metadata
		if err := json.Unmarshal(metaBytes, &meta); err != nil {
			continue
		}
		idx := strings.LastIndex(name, "_v_")
		out = append(out, ArtifactStatus{
			Filename: name[:idx],
			Version:  meta.Version,
			Size:     meta.Size,
			Age:      time.Since(meta.CachedAt),
		})
	}
	return out
}

// MemoryBytes reports the current L1 footprint.
func (s *Store) MemoryBytes() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.memBytes
}

// valid applies the configured validation strategy. Callers hold s.mu.
func (s *Store) valid(filename string, meta Metadata, requested string) bool {
	ageOK := time.Since(meta.CachedAt) <= s.maxAge
	versionOK := meta.Version == requested
	if tracked, ok := s.ledger[filename]; ok {
		versionOK = versionOK && tracked.Version == requested
	}

	switch s.strategy {
	case StrategyVersionOnly:
		return versionOK
	case StrategyAgeOnly:
		return ageOK
	case StrategyAlwaysRevalidate:
		return false
	default: // StrategyAgeAndVersion
		return ageOK && versionOK
	}
}

// loadDisk reads an artifact from L2. Callers hold s.mu.
func (s *Store) loadDisk(filename, version string) ([]byte, Metadata, bool) {
	if err := s.flock(); err != nil {
		return nil, Metadata{}, false
	}
	defer s.funlock()

	name := diskName(filename, version)
	metaBytes, err := os.ReadFile(filepath.Join(s.dir, name+".meta"))
	if err != nil {
		return nil, Metadata{}, false
	}
	var meta Metadata
	if err := json.Unmarshal(metaBytes, &meta); err != nil {
		return nil, Metadata{}, false
	}
	body, err := os.ReadFile(filepath.Join(s.dir, name))
	if err != nil {
		return nil, Metadata{}, false
	}
	return body, meta, true
}

// insertMem writes through to L1 and evicts FIFO past the memory bound.
// Callers hold s.mu.
func (s *Store) insertMem(filename string, body []byte, meta Metadata) {
	if prev, ok := s.mem[filename]; ok {
		s.memBytes -= int64(len(prev.body))
	} else {
		s.order = append(s.order, filename)
	}
	s.mem[filename] = &memEntry{body: body, meta: meta}
	s.memBytes += int64(len(body))

	for s.memBytes > s.maxMem && len(s.order) > 0 {
		oldest := s.order[0]
		s.order = s.order[1:]
		if e, ok := s.mem[oldest]; ok {
			s.memBytes -= int64(len(e.body))
			delete(s.mem, oldest)
		}
	}
}

// removeOtherVersions deletes stale on-disk bodies of a filename after a new
// version replaced them. Callers hold s.mu and the file lock.
func (s *Store) removeOtherVersions(filename, keep string) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return
	}
	prefix := filename + "_v_"
	keepName := diskName(filename, keep)
	for _, de := range entries {
		name := de.Name()
		if !strings.HasPrefix(name, prefix) {
			continue
		}
		if name == keepName || name == keepName+".meta" {
			continue
		}
		_ = os.Remove(filepath.Join(s.dir, name))
	}
}

func (s *Store) loadLedger() error {
	data, err := os.ReadFile(filepath.Join(s.dir, ledgerFile))
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("cache: read ledger: %w", err)
	}
	if err := json.Unmarshal(data, &s.ledger); err != nil {
		return fmt.Errorf("cache: parse ledger: %w", err)
	}
	return nil
}

// persistLedger writes the ledger atomically. Callers hold s.mu and the file lock.
func (s *Store) persistLedger() error {
	data, err := json.MarshalIndent(s.ledger, "", "  ")
	if err != nil {
		return fmt.Errorf("cache: marshal ledger: %w", err)
	}
	if err := writeAtomic(filepath.Join(s.dir, ledgerFile), data); err != nil {
		return fmt.Errorf("cache: write ledger: %w", err)
	}
	return nil
}

// flock takes the advisory lock serializing disk I/O across processes.
func (s *Store) flock() error {
	if err := syscall.Flock(int(s.lockFile.Fd()), syscall.LOCK_EX); err != nil {
		return fmt.Errorf("cache: flock: %w", err)
	}
	return nil
}

func (s *Store) funlock() {
	_ = syscall.Flock(int(s.lockFile.Fd()), syscall.LOCK_UN)
}

// writeAtomic writes data to a temp file in the target directory and renames
// it into place, so concurrent readers never observe a partial file.
func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}
