package worker

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"time"

	"github.com/bifrosthq/bifrost/internal/domain/models"
	"github.com/bifrosthq/bifrost/internal/pkg/objectstore"
	pkgredis "github.com/bifrosthq/bifrost/internal/pkg/redis"
	"github.com/dop251/goja"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

var ErrModuleNotFound = errors.New("module not found")

const moduleIndexKey = "bifrost:module:index"

func moduleKey(path string) string {
	return "bifrost:module:" + path
}

// moduleEntry is the shared cache representation written by the file-index
// service and read here. Hash identifies the content for program memoization.
type moduleEntry struct {
	Content string `json:"content"`
	Hash    string `json:"hash"`
}

// ObjectGetter is the slice of the object store the loader reads through on
// a cache miss.
type ObjectGetter interface {
	Get(ctx context.Context, key string) ([]byte, error)
}

// ModuleLoader resolves workflow code by path: module cache in Redis first,
// object store on miss with cache repopulation. Compiled programs are
// memoized in-process keyed by content hash, so a recompile only happens
// when the module content actually changes.
type ModuleLoader struct {
	redis    *pkgredis.Client
	store    ObjectGetter
	ttl      time.Duration
	programs *lru.Cache[string, *goja.Program]
}

func NewModuleLoader(redisClient *pkgredis.Client, store ObjectGetter, ttl time.Duration, programCacheSize int) (*ModuleLoader, error) {
	if programCacheSize <= 0 {
		programCacheSize = 128
	}
	programs, err := lru.New[string, *goja.Program](programCacheSize)
	if err != nil {
		return nil, err
	}
	return &ModuleLoader{
		redis:    redisClient,
		store:    store,
		ttl:      ttl,
		programs: programs,
	}, nil
}

// Load returns the compiled program for the module at path. A missing
// module yields ErrModuleNotFound; content that does not compile is a user
// code fault, not an infrastructure one.
func (l *ModuleLoader) Load(ctx context.Context, path string) (*goja.Program, error) {
	entry, err := l.fetch(ctx, path)
	if err != nil {
		return nil, err
	}

	if program, ok := l.programs.Get(entry.Hash); ok {
		return program, nil
	}

	program, err := goja.Compile(path, entry.Content, true)
	if err != nil {
		return nil, execErrorf(models.ErrTypeUserFailure, "module %s failed to compile: %v", path, err)
	}
	l.programs.Add(entry.Hash, program)
	return program, nil
}

func (l *ModuleLoader) fetch(ctx context.Context, path string) (*moduleEntry, error) {
	data, err := l.redis.Get(ctx, moduleKey(path)).Bytes()
	switch {
	case err == nil:
		var entry moduleEntry
		if jsonErr := json.Unmarshal(data, &entry); jsonErr == nil && entry.Content != "" {
			if entry.Hash == "" {
				entry.Hash = contentHash([]byte(entry.Content))
			}
			return &entry, nil
		}
		// Unreadable cache entry, treat as a miss.
	case !errors.Is(err, redis.Nil):
		return nil, err
	}

	content, err := l.store.Get(ctx, path)
	if err != nil {
		if errors.Is(err, objectstore.ErrNotFound) {
			return nil, ErrModuleNotFound
		}
		return nil, err
	}

	entry := &moduleEntry{Content: string(content), Hash: contentHash(content)}
	l.repopulate(ctx, path, entry)
	return entry, nil
}

func (l *ModuleLoader) repopulate(ctx context.Context, path string, entry *moduleEntry) {
	data, err := json.Marshal(entry)
	if err != nil {
		return
	}

	pipe := l.redis.Pipeline()
	pipe.Set(ctx, moduleKey(path), data, l.ttl)
	pipe.SAdd(ctx, moduleIndexKey, path)
	if _, err := pipe.Exec(ctx); err != nil {
		log.Warn().Err(err).Str("path", path).Msg("Module cache repopulate failed")
	}
}

// InvalidateCompiled drops every memoized program. Called when a package
// installation lands so subsequent loads recompile fresh content.
func (l *ModuleLoader) InvalidateCompiled() {
	l.programs.Purge()
}

func contentHash(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}
