// Package attachment resolves attachment locators and caches their content.
package attachment

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"regexp"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/weiawesome/wes-io-live/messenger-client/internal/api"
	"github.com/weiawesome/wes-io-live/messenger-client/internal/domain"
	"github.com/weiawesome/wes-io-live/messenger-client/pkg/storage"
)

var absoluteURL = regexp.MustCompile(`(?i)^https?://`)

// ResolveURL maps a storage locator to a fetchable URL. Absolute http(s)
// locators pass through; anything else is joined to base.
func ResolveURL(storageKey, base string) string {
	if absoluteURL.MatchString(storageKey) {
		return storageKey
	}
	rel := "/" + strings.TrimLeft(storageKey, "/")
	return strings.TrimRight(base, "/") + rel
}

var unsafeName = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// CacheKey is where an attachment is cached:
// <conversation>/<message>/<attachment>-<filename>.
func CacheKey(conversationID, messageID string, a domain.Attachment) string {
	name := path.Base("/" + a.Filename)
	if name == "/" || name == "." || name == ".." {
		name = "file"
	}
	name = unsafeName.ReplaceAllString(name, "_")
	return path.Join(segment(conversationID), segment(messageID), segment(a.ID)+"-"+name)
}

func segment(s string) string {
	s = unsafeName.ReplaceAllString(s, "_")
	if s == "" || s == "." || s == ".." {
		return "_"
	}
	return s
}

// Downloader fetches attachments into a storage backend.
type Downloader struct {
	base    string
	client  *http.Client
	tokens  api.TokenSource
	storage storage.Storage
	logger  zerolog.Logger
	sf      singleflight.Group
}

func NewDownloader(base string, client *http.Client, tokens api.TokenSource, st storage.Storage, logger zerolog.Logger) *Downloader {
	if client == nil {
		client = http.DefaultClient
	}
	return &Downloader{
		base:    base,
		client:  client,
		tokens:  tokens,
		storage: st,
		logger:  logger.With().Str("component", "attachment").Logger(),
	}
}

// URL resolves a against the configured base.
func (d *Downloader) URL(a domain.Attachment) string {
	return ResolveURL(a.StorageKey, d.base)
}

// Download caches a and returns its cache key. Cached attachments are not
// fetched again; attachments are immutable.
func (d *Downloader) Download(ctx context.Context, conversationID, messageID string, a domain.Attachment) (string, error) {
	key := CacheKey(conversationID, messageID, a)
	_, err, _ := d.sf.Do(key, func() (interface{}, error) {
		ok, err := d.storage.Exists(ctx, key)
		if err != nil {
			return nil, err
		}
		if ok {
			return nil, nil
		}
		return nil, d.fetch(ctx, key, a)
	})
	if err != nil {
		return "", err
	}
	return key, nil
}

func (d *Downloader) fetch(ctx context.Context, key string, a domain.Attachment) error {
	url := d.URL(a)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if d.tokens != nil {
		if tok, err := d.tokens.Token(ctx); err == nil && tok != "" {
			req.Header.Set("Authorization", "Bearer "+tok)
		}
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("download %s: %w", a.Filename, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return &domain.APIError{StatusCode: resp.StatusCode, Detail: strings.TrimSpace(string(data))}
	}

	size := resp.ContentLength
	if size < 0 && a.SizeBytes > 0 {
		size = a.SizeBytes
	}
	contentType := a.MIME
	if contentType == "" {
		contentType = resp.Header.Get("Content-Type")
	}

	body := io.Reader(resp.Body)
	if a.SizeBytes > 0 {
		body = io.LimitReader(resp.Body, a.SizeBytes+1)
	}
	counter := &countingReader{r: body}
	if err := d.storage.Write(ctx, key, counter, size, contentType); err != nil {
		return fmt.Errorf("cache %s: %w", a.Filename, err)
	}
	if a.SizeBytes > 0 && counter.n != a.SizeBytes {
		_ = d.storage.Delete(ctx, key)
		return fmt.Errorf("download %s: got %s, want %s", a.Filename,
			humanize.IBytes(uint64(counter.n)), humanize.IBytes(uint64(a.SizeBytes)))
	}

	d.logger.Debug().Str("key", key).Str("size", humanize.IBytes(uint64(counter.n))).Msg("attachment cached")
	return nil
}

// Open reads a cached attachment.
func (d *Downloader) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	rc, err := d.storage.Read(ctx, key)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", domain.ErrNotFound, key)
	}
	return rc, err
}

// Cached lists cached attachments of one conversation.
func (d *Downloader) Cached(ctx context.Context, conversationID string) ([]storage.FileInfo, error) {
	return d.storage.List(ctx, segment(conversationID)+"/")
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}
