package cache

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

const (
	bodySuffix = ".body"
	metaSuffix = ".json"
)

// NewStorage 以 basePath 为根目录构建站点级缓存集合，每个站点复用一份实例。
func NewStorage(basePath string) (Storage, error) {
	if basePath == "" {
		return nil, errors.New("storage path required")
	}

	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("resolve storage path: %w", err)
	}

	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create storage path: %w", err)
	}

	return &fileStorage{
		basePath: abs,
		stores:   make(map[string]*fileStore),
	}, nil
}

// fileStorage 记录已打开的代际句柄，Delete 时先让句柄失效再删目录。
type fileStorage struct {
	basePath string

	mu     sync.Mutex
	stores map[string]*fileStore
}

func (s *fileStorage) Open(ctx context.Context, name string) (Store, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := validateGenerationName(name); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing := s.stores[name]; existing != nil && !existing.isRetired() {
		return existing, nil
	}

	dir := filepath.Join(s.basePath, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create generation %s: %w", name, err)
	}

	store := &fileStore{
		name:  name,
		dir:   dir,
		locks: make(map[string]*entryLock),
	}
	s.stores[name] = store
	return store, nil
}

func (s *fileStorage) Names(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(s.basePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)
	return names, nil
}

func (s *fileStorage) Delete(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if err := validateGenerationName(name); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if store := s.stores[name]; store != nil {
		store.retire()
		delete(s.stores, name)
	}

	dir := filepath.Join(s.basePath, name)
	info, err := os.Stat(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	if !info.IsDir() {
		return false, nil
	}
	if err := os.RemoveAll(dir); err != nil {
		return false, err
	}
	return true, nil
}

func validateGenerationName(name string) error {
	if name == "" || name == "." || name == ".." {
		return fmt.Errorf("invalid generation name %q", name)
	}
	if strings.ContainsAny(name, `/\`) {
		return fmt.Errorf("invalid generation name %q", name)
	}
	return nil
}

// fileStore 通过 entryLock 串行化同一 Key 的读写；life 读写锁保证 retire 之后不再有写入落盘。
type fileStore struct {
	name string
	dir  string

	life    sync.RWMutex
	retired bool

	mu    sync.Mutex
	locks map[string]*entryLock
}

type entryLock struct {
	mu   sync.Mutex
	refs int
}

// entryMeta 是 .json 侧文件的内容；Size 用于识别正文与元数据不一致的残缺条目。
type entryMeta struct {
	Key  Key `json:"key"`
	Snapshot
	Size int `json:"size"`
}

func (s *fileStore) Name() string {
	return s.name
}

func (s *fileStore) Match(ctx context.Context, key Key) (*Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.life.RLock()
	defer s.life.RUnlock()
	if s.retired {
		return nil, ErrNotFound
	}

	unlock := s.lockEntry(key)
	defer unlock()

	base := s.entryBase(key)
	rawMeta, err := os.ReadFile(base + metaSuffix)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var meta entryMeta
	if err := json.Unmarshal(rawMeta, &meta); err != nil {
		return nil, fmt.Errorf("decode cache metadata: %w", err)
	}
	if meta.Key != key {
		return nil, ErrNotFound
	}

	body, err := os.ReadFile(base + bodySuffix)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if len(body) != meta.Size {
		return nil, ErrNotFound
	}

	snapshot := meta.Snapshot
	snapshot.Body = body
	if snapshot.Header == nil {
		snapshot.Header = make(map[string][]string)
	}
	return &snapshot, nil
}

func (s *fileStore) Put(ctx context.Context, key Key, snapshot *Snapshot) error {
	if snapshot == nil {
		return errors.New("snapshot required")
	}

	s.life.RLock()
	defer s.life.RUnlock()
	if s.retired {
		return ErrStoreRetired
	}

	unlock := s.lockEntry(key)
	defer unlock()

	base := s.entryBase(key)
	if err := s.writeAtomic(ctx, base+bodySuffix, bytes.NewReader(snapshot.Body)); err != nil {
		return err
	}

	meta := entryMeta{Key: key, Snapshot: *snapshot, Size: len(snapshot.Body)}
	rawMeta, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("encode cache metadata: %w", err)
	}
	return s.writeAtomic(ctx, base+metaSuffix, bytes.NewReader(rawMeta))
}

func (s *fileStore) Keys(ctx context.Context) ([]Key, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.life.RLock()
	defer s.life.RUnlock()
	if s.retired {
		return nil, nil
	}

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	keys := make([]Key, 0, len(entries)/2)
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), metaSuffix) || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(s.dir, entry.Name()))
		if err != nil {
			continue
		}
		var meta entryMeta
		if err := json.Unmarshal(raw, &meta); err != nil {
			continue
		}
		keys = append(keys, meta.Key)
	}
	sort.Slice(keys, func(i, j int) bool {
		return keys[i].String() < keys[j].String()
	})
	return keys, nil
}

func (s *fileStore) isRetired() bool {
	s.life.RLock()
	defer s.life.RUnlock()
	return s.retired
}

// retire 等待进行中的读写结束后标记失效。
func (s *fileStore) retire() {
	s.life.Lock()
	s.retired = true
	s.life.Unlock()
}

func (s *fileStore) writeAtomic(ctx context.Context, target string, body io.Reader) error {
	tempFile, err := os.CreateTemp(s.dir, ".cache-*")
	if err != nil {
		return err
	}
	tempName := tempFile.Name()

	_, err = copyWithContext(ctx, tempFile, body)
	closeErr := tempFile.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tempName)
		return err
	}

	if err := os.Rename(tempName, target); err != nil {
		os.Remove(tempName)
		return err
	}
	return nil
}

func (s *fileStore) lockEntry(key Key) func() {
	id := key.String()
	s.mu.Lock()
	lock := s.locks[id]
	if lock == nil {
		lock = &entryLock{}
		s.locks[id] = lock
	}
	lock.refs++
	s.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		s.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(s.locks, id)
		}
		s.mu.Unlock()
	}
}

func (s *fileStore) entryBase(key Key) string {
	sum := sha1.Sum([]byte(key.String()))
	return filepath.Join(s.dir, hex.EncodeToString(sum[:]))
}

func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	var copied int64
	buf := make([]byte, 32*1024)
	for {
		if err := ctx.Err(); err != nil {
			return copied, err
		}
		n, err := src.Read(buf)
		if n > 0 {
			w, wErr := dst.Write(buf[:n])
			copied += int64(w)
			if wErr != nil {
				return copied, wErr
			}
			if w < n {
				return copied, io.ErrShortWrite
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return copied, nil
			}
			return copied, err
		}
	}
}
