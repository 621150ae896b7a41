// Package scriptloader fetches and sandbox-evaluates per-dialect pixel-ID
// extractor scripts.
//
// Some client dialects don't ship a fixed lookup table; instead they
// publish a small JavaScript extractor that, when run, produces a mapping
// from pixel string ID to that dialect's native numeric ID (scraped from
// the client's own source at publish time). pixelconv.Converter.Build
// intersects this mapping with the lookup table's string IDs to populate
// its numeric conversion tables. The loader fetches the extractor over HTTP,
// caches it on disk for 24 hours, and evaluates it in a goja VM with no
// file, environment, or network access — the isolation contract spec.md
// requires, since this is the one place the relay runs code it didn't
// write.
package scriptloader

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dop251/goja"
)

// Error taxonomy (spec.md §7): every failure mode the loader can hit maps
// to one of these sentinels so callers can errors.Is/As and apply the
// propagation policy without parsing message text.
var (
	ErrFetchFailed  = errors.New("scriptloader: external fetch failed")
	ErrCacheCorrupt = errors.New("scriptloader: cache entry is corrupt")
	ErrScriptFailed = errors.New("scriptloader: extractor script failed")
)

const defaultTTL = 24 * time.Hour

// evalTimeout bounds how long a single extractor script may run before the
// VM is interrupted; a script that hangs (accidentally or adversarially)
// must not block the loader goroutine forever.
const evalTimeout = 2 * time.Second

// Loader fetches, caches, and sandbox-evaluates dialect extractor scripts.
type Loader struct {
	cacheDir string
	ttl      time.Duration
	client   *http.Client
}

// New creates a Loader that caches fetched scripts under cacheDir.
func New(cacheDir string) (*Loader, error) {
	if err := os.MkdirAll(cacheDir, 0o755); err != nil {
		return nil, fmt.Errorf("scriptloader: create cache dir: %w", err)
	}
	return &Loader{
		cacheDir: cacheDir,
		ttl:      defaultTTL,
		client:   &http.Client{Timeout: 10 * time.Second},
	}, nil
}

// Load returns the dialect's stringId -> dialectNumericId mapping, fetching
// and caching the extractor script from url if the cache is missing or
// stale. A stub dialect (url == "") returns an empty, non-error mapping
// per Open Question #3 — an unsupported dialect is silently empty, not a
// failure.
func (l *Loader) Load(ctx context.Context, dialect, url string) (map[string]string, error) {
	if url == "" {
		return map[string]string{}, nil
	}

	source, err := l.readCache(dialect)
	if err != nil {
		source, err = l.fetch(ctx, url)
		if err != nil {
			return nil, err
		}
		if err := l.writeCache(dialect, source); err != nil {
			slog.Warn("scriptloader cache write failed", "dialect", dialect, "err", err)
		}
	}

	if trimmed(source) {
		return map[string]string{}, nil
	}

	mapping, err := evaluate(source)
	if err != nil {
		return nil, fmt.Errorf("%w: dialect %s: %v", ErrScriptFailed, dialect, err)
	}
	return mapping, nil
}

func (l *Loader) cachePath(dialect string) string {
	return filepath.Join(l.cacheDir, dialect+".extractor.js")
}

func (l *Loader) readCache(dialect string) (string, error) {
	path := l.cachePath(dialect)
	info, err := os.Stat(path)
	if err != nil {
		return "", err
	}
	if time.Since(info.ModTime()) > l.ttl {
		return "", fmt.Errorf("scriptloader: cache expired for %s", dialect)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrCacheCorrupt, err)
	}
	return string(data), nil
}

// writeCache uses a write-to-temp-then-rename so a concurrent reader never
// observes a partially written script file.
func (l *Loader) writeCache(dialect, source string) error {
	tmp, err := os.CreateTemp(l.cacheDir, ".extractor-write-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.WriteString(source); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return os.Rename(tmpPath, l.cachePath(dialect))
}

func (l *Loader) fetch(ctx context.Context, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrFetchFailed, err)
	}
	resp, err := l.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrFetchFailed, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: status %d", ErrFetchFailed, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrFetchFailed, err)
	}
	return string(body), nil
}

// evaluate runs source in a fresh goja VM with no host bindings — no
// require, no fs, no net, no process/env access — then reads the result of
// the script's final expression, expected to be a flat JS object mapping a
// pixel string ID to the dialect's native numeric ID (as a string).
func evaluate(source string) (mapping map[string]string, err error) {
	vm := goja.New()

	timer := time.AfterFunc(evalTimeout, func() {
		vm.Interrupt("extractor script exceeded time budget")
	})
	defer timer.Stop()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("extractor script panicked: %v", r)
		}
	}()

	value, runErr := vm.RunString(source)
	if runErr != nil {
		return nil, runErr
	}

	exported := value.Export()
	raw, marshalErr := json.Marshal(exported)
	if marshalErr != nil {
		return nil, fmt.Errorf("extractor script result is not JSON-representable: %w", marshalErr)
	}

	var asMap map[string]any
	if err := json.Unmarshal(raw, &asMap); err != nil {
		return nil, fmt.Errorf("extractor script must evaluate to a flat object: %w", err)
	}

	mapping = make(map[string]string, len(asMap))
	for k, v := range asMap {
		mapping[k] = fmt.Sprint(v)
	}
	return mapping, nil
}

// LoadAll fetches every configured dialect's extractor mapping, keyed by
// dialect name, ready to hand to pixelconv.Converter.Build. A dialect whose
// Load fails is logged and omitted rather than failing the whole build —
// per spec.md §7 an ExternalFetchError degrades that one dialect, it
// doesn't abort startup.
func (l *Loader) LoadAll(ctx context.Context, urls map[string]string) map[string]map[string]string {
	out := make(map[string]map[string]string, len(urls))
	for dialect, url := range urls {
		mapping, err := l.Load(ctx, dialect, url)
		if err != nil {
			slog.Warn("scriptloader: dialect extractor failed, dialect disabled", "dialect", dialect, "err", err)
			continue
		}
		out[dialect] = mapping
	}
	return out
}

// trimmed reports whether source is empty after whitespace trimming, used
// to short-circuit obviously-empty stub scripts without spinning up a VM.
func trimmed(source string) bool {
	return strings.TrimSpace(source) == ""
}
