// Package modelfetch resolves model locators to local files. Relative paths are
// searched for with Locate; http and https URLs are downloaded once into a cache
// directory.
package modelfetch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"DnnBridge/logger"
)

const DefaultTimeout = 2 * time.Minute

type Fetcher struct {
	dir    string
	search []string
	client *resty.Client
	log    *zap.Logger

	mu sync.Mutex // one download at a time
}

// New returns a Fetcher caching into dir. Relative local paths are also looked up
// under search.
func New(dir string, log *zap.Logger, search ...string) *Fetcher {
	return &Fetcher{
		dir:    dir,
		search: search,
		client: resty.New().SetTimeout(DefaultTimeout).SetRetryCount(2),
		log:    logger.OrDefault(log).Named("modelfetch"),
	}
}

// IsRemote reports whether locator is a URL this package downloads.
func IsRemote(locator string) bool {
	return strings.HasPrefix(locator, "http://") || strings.HasPrefix(locator, "https://")
}

// Resolve returns a local path for locator, downloading it when needed.
func (f *Fetcher) Resolve(ctx context.Context, locator string) (string, error) {
	if !IsRemote(locator) {
		p, err := Locate(locator, f.search...)
		if err != nil {
			// Left for the engine to report as a missing resource.
			f.log.Debug("model not located", zap.Error(err))
			return locator, nil
		}
		return p, nil
	}
	u, err := url.Parse(locator)
	if err != nil {
		return "", errors.Wrapf(err, "parse %s", locator)
	}
	sum := sha256.Sum256([]byte(locator))
	name := hex.EncodeToString(sum[:8]) + "-" + path.Base(u.Path)
	dst := filepath.Join(f.dir, name)

	f.mu.Lock()
	defer f.mu.Unlock()
	if info, err := os.Stat(dst); err == nil && info.Size() > 0 {
		return dst, nil
	}
	if err := os.MkdirAll(f.dir, 0o755); err != nil {
		return "", errors.Wrap(err, "create model cache")
	}

	tmp := dst + ".part"
	start := time.Now()
	resp, err := f.client.R().SetContext(ctx).SetOutput(tmp).Get(locator)
	if err != nil {
		_ = os.Remove(tmp)
		return "", errors.Wrapf(err, "download %s", locator)
	}
	if resp.IsError() {
		_ = os.Remove(tmp)
		return "", errors.Errorf("download %s: %s", locator, resp.Status())
	}
	if err := os.Rename(tmp, dst); err != nil {
		return "", errors.Wrap(err, "store model")
	}
	f.log.Info("model downloaded", zap.String("url", locator), zap.String("path", dst),
		zap.Int64("bytes", resp.Size()), zap.Duration("took", time.Since(start)))
	return dst, nil
}

// ResolvePair resolves a topology and a weights locator.
func (f *Fetcher) ResolvePair(ctx context.Context, cfg, weights string) (string, string, error) {
	c, err := f.Resolve(ctx, cfg)
	if err != nil {
		return "", "", errors.Wrap(err, "topology")
	}
	w, err := f.Resolve(ctx, weights)
	if err != nil {
		return "", "", errors.Wrap(err, "weights")
	}
	return c, w, nil
}
