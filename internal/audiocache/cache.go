// Package audiocache keeps synthesized utterances on disk so repeated phrases
// skip the backend.
package audiocache

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/klauspost/compress/zstd"
	"github.com/loqalabs/loqa-mascot/internal/config"
	"github.com/loqalabs/loqa-mascot/internal/speech"
)

const entryExt = ".zst"

// Entry is a cached audio query and its rendering.
type Entry struct {
	Query speech.AudioQuery
	WAV   []byte
}

// Cache is a size-bounded directory of zstd-compressed entries. A nil *Cache
// is valid and never hits.
type Cache struct {
	dir      string
	maxBytes int64
	enc      *zstd.Encoder
	dec      *zstd.Decoder
	logger   *slog.Logger
	mu       sync.Mutex
}

// Open prepares cfg.Dir. It returns a nil *Cache when caching is disabled.
func Open(cfg config.CacheConfig, log *slog.Logger) (*Cache, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}
	level := zstd.EncoderLevelFromZstd(cfg.CompressionLevel)
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(level))
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}
	return &Cache{
		dir:      cfg.Dir,
		maxBytes: cfg.MaxBytes,
		enc:      enc,
		dec:      dec,
		logger:   log.With(slog.String("component", "audio-cache")),
	}, nil
}

func (c *Cache) Close() {
	if c == nil {
		return
	}
	c.enc.Close()
	c.dec.Close()
}

// Key identifies an utterance for one voice of one backend. backendID
// separates renderings from different engines, e.g. "mock" and
// "http:http://127.0.0.1:10101".
func Key(backendID string, speakerID int, text string) string {
	sum := sha256.Sum256([]byte(backendID + "\x00" + strconv.Itoa(speakerID) + "\x00" + text))
	return hex.EncodeToString(sum[:])
}

// Get returns the entry for key. A missing or unreadable entry is a miss.
func (c *Cache) Get(key string) (Entry, bool) {
	if c == nil {
		return Entry{}, false
	}
	path := c.path(key)
	data, err := os.ReadFile(path)
	if err != nil {
		return Entry{}, false
	}
	entry, err := c.decode(data)
	if err != nil {
		c.logger.Warn("dropping corrupt cache entry", slog.String("key", key), slog.String("error", err.Error()))
		_ = os.Remove(path)
		return Entry{}, false
	}
	now := time.Now()
	_ = os.Chtimes(path, now, now)
	return entry, true
}

// Put stores entry under key and evicts the least recently used entries
// when the cache grows past its limit.
func (c *Cache) Put(key string, entry Entry) error {
	if c == nil {
		return nil
	}
	data, err := c.encode(entry)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	tmp, err := os.CreateTemp(c.dir, "put_*")
	if err != nil {
		return fmt.Errorf("create cache temp: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write cache entry: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close cache entry: %w", err)
	}
	if err := os.Rename(tmp.Name(), c.path(key)); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("commit cache entry: %w", err)
	}
	c.logger.Debug("cached utterance",
		slog.String("key", key),
		slog.String("wav", humanize.Bytes(uint64(len(entry.WAV)))),
		slog.String("stored", humanize.Bytes(uint64(len(data)))))
	return c.evictLocked()
}

func (c *Cache) path(key string) string {
	return filepath.Join(c.dir, key+entryExt)
}

// entry layout before compression: uint32 query length, query JSON, WAV bytes.
func (c *Cache) encode(entry Entry) ([]byte, error) {
	query, err := json.Marshal(entry.Query)
	if err != nil {
		return nil, fmt.Errorf("encode query: %w", err)
	}
	raw := make([]byte, 4, 4+len(query)+len(entry.WAV))
	binary.BigEndian.PutUint32(raw, uint32(len(query)))
	raw = append(raw, query...)
	raw = append(raw, entry.WAV...)
	return c.enc.EncodeAll(raw, nil), nil
}

func (c *Cache) decode(data []byte) (Entry, error) {
	raw, err := c.dec.DecodeAll(data, nil)
	if err != nil {
		return Entry{}, fmt.Errorf("decompress: %w", err)
	}
	if len(raw) < 4 {
		return Entry{}, errors.New("entry too short")
	}
	n := int(binary.BigEndian.Uint32(raw))
	if len(raw) < 4+n {
		return Entry{}, errors.New("truncated query")
	}
	query, err := speech.ParseAudioQuery(raw[4 : 4+n])
	if err != nil {
		return Entry{}, fmt.Errorf("decode query: %w", err)
	}
	return Entry{Query: query, WAV: raw[4+n:]}, nil
}

func (c *Cache) evictLocked() error {
	if c.maxBytes <= 0 {
		return nil
	}
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return err
	}
	type item struct {
		path string
		size int64
		mod  time.Time
	}
	var items []item
	var total int64
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != entryExt {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		items = append(items, item{path: filepath.Join(c.dir, e.Name()), size: info.Size(), mod: info.ModTime()})
		total += info.Size()
	}
	if total <= c.maxBytes {
		return nil
	}
	sort.Slice(items, func(i, j int) bool { return items[i].mod.Before(items[j].mod) })
	for _, it := range items {
		if total <= c.maxBytes {
			break
		}
		if err := os.Remove(it.path); err != nil {
			continue
		}
		total -= it.size
		c.logger.Debug("evicted cache entry", slog.String("path", it.path))
	}
	return nil
}
