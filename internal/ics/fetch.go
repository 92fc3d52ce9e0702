package ics

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	appLog "inkcal/internal/log"
	"inkcal/internal/model"
)

// SourceKind selects the protocol used to load a Source.
type SourceKind int

const (
	// KindICS is a plain iCalendar feed fetched with GET.
	KindICS SourceKind = iota
	// KindCalDAV is a CalDAV server; every calendar of the current user
	// principal is queried.
	KindCalDAV
)

// ParseSourceKind maps "ics" (or "") and "caldav" to a SourceKind.
func ParseSourceKind(s string) (SourceKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "ics":
		return KindICS, nil
	case "caldav":
		return KindCalDAV, nil
	default:
		return KindICS, fmt.Errorf("%w: unknown source type %q", model.ErrInvalidInput, s)
	}
}

// Source represents a single calendar source.
type Source struct {
	// ID is an internal identifier (e.g., config ICS ID).
	ID string
	// URL is the ICS endpoint, the CalDAV server root, or a file:// URL for
	// documents loaded from disk.
	URL string
	// Kind defaults to KindICS.
	Kind SourceKind
	// Calendars optionally restricts a CalDAV source to the named
	// calendars (case-insensitive).
	Calendars []string
}

// Credentials are HTTP Basic Auth credentials for protected feeds.
type Credentials struct {
	Username string
	Password string
}

func (c *Credentials) set() bool {
	return c != nil && (c.Username != "" || c.Password != "")
}

// FetchResult contains the outcome of fetching a single ICS source.
type FetchResult struct {
	Source    Source
	Body      []byte // ICS payload (either freshly fetched or from cache)
	FromCache bool   // true if we reused cached body due to 304
}

// cacheEntry holds HTTP cache metadata for a single ICS URL.
type cacheEntry struct {
	URL          string    `json:"url"`
	ETag         string    `json:"etag,omitempty"`
	LastModified string    `json:"last_modified,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Fetcher fetches ICS feeds with HTTP caching (ETag / Last-Modified) backed
// by a disk cache, and parses them into Documents.
type Fetcher struct {
	client   *http.Client
	cacheDir string

	// StaleOnError serves the cached body when the network fails or the
	// server answers with a non-OK status. Off by default so failures reach
	// the caller.
	StaleOnError bool
}

// NewFetcher creates a new ICS Fetcher.
//
// cacheDir is the base directory where per-URL cache subdirectories and
// metadata will be stored. Example: "/var/lib/inkcal/ics-cache".
func NewFetcher(cacheDir string) *Fetcher {
	if cacheDir == "" {
		// Caller should set this explicitly; we fallback to a relative dir
		// so that development runs without root permissions.
		cacheDir = "./var/ics-cache"
	}
	return &Fetcher{
		client: &http.Client{
			Timeout: 15 * time.Second,
		},
		cacheDir: cacheDir,
	}
}

// Fetch fetches and parses one source.
func (f *Fetcher) Fetch(ctx context.Context, src Source, creds *Credentials) (*Document, error) {
	if src.Kind == KindCalDAV {
		return f.FetchCalDAV(ctx, src, creds)
	}
	res, err := f.FetchOne(ctx, src, creds)
	if err != nil {
		return nil, err
	}
	return Parse(res.Source, res.Body)
}

// FetchOne fetches a single ICS source, honoring ETag and Last-Modified.
// It uses a disk cache under f.cacheDir keyed by a hash of the URL.
//
// Transport failures and non-OK statuses are reported as model.ErrNetwork;
// 401 and 403 as model.ErrAuth.
func (f *Fetcher) FetchOne(ctx context.Context, src Source, creds *Credentials) (FetchResult, error) {
	if src.URL == "" {
		return FetchResult{}, fmt.Errorf("%w: source URL is empty", model.ErrInvalidInput)
	}

	user := ""
	if creds != nil {
		user = creds.Username
	}
	cachePath, err := f.cachePathForURL(src.URL, user)
	if err != nil {
		return FetchResult{}, err
	}

	if err := os.MkdirAll(cachePath, 0o700); err != nil {
		return FetchResult{}, fmt.Errorf("%w: %v", model.ErrIO, err)
	}

	meta, _ := f.loadCacheMeta(cachePath)
	cachedBody, _ := f.loadCacheBody(cachePath)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src.URL, nil)
	if err != nil {
		return FetchResult{}, fmt.Errorf("%w: %v", model.ErrInvalidInput, err)
	}

	if creds.set() {
		req.SetBasicAuth(creds.Username, creds.Password)
	}

	// Conditional headers only make sense when we can serve the cached body.
	if len(cachedBody) > 0 {
		if meta.ETag != "" {
			req.Header.Set("If-None-Match", meta.ETag)
		}
		if meta.LastModified != "" {
			req.Header.Set("If-Modified-Since", meta.LastModified)
		}
	}

	appLog.Info("ics fetch start", "id", src.ID, "url", redactURL(src.URL))

	resp, err := f.client.Do(req)
	if err != nil {
		if f.StaleOnError && len(cachedBody) > 0 {
			appLog.Error("ics fetch network error, using cached body", err, "id", src.ID, "url", redactURL(src.URL))
			return FetchResult{Source: src, Body: cachedBody, FromCache: true}, nil
		}
		return FetchResult{}, fmt.Errorf("%w: %s: %v", model.ErrNetwork, redactURL(src.URL), err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		body, readErr := io.ReadAll(resp.Body)
		if readErr != nil {
			return FetchResult{}, fmt.Errorf("%w: read body: %v", model.ErrNetwork, readErr)
		}

		newMeta := cacheEntry{
			URL:          src.URL,
			ETag:         resp.Header.Get("ETag"),
			LastModified: resp.Header.Get("Last-Modified"),
		}

		if err := f.saveCache(cachePath, newMeta, body); err != nil {
			// Log but still return the freshly fetched body.
			appLog.Error("ics cache save failed", err, "id", src.ID, "url", redactURL(src.URL))
		}

		appLog.Info("ics fetch success", "id", src.ID, "url", redactURL(src.URL), "status", resp.StatusCode, "from_cache", false)
		return FetchResult{Source: src, Body: body}, nil

	case http.StatusNotModified:
		if len(cachedBody) == 0 {
			return FetchResult{}, fmt.Errorf("%w: received 304 Not Modified but no cached body available", model.ErrNetwork)
		}
		appLog.Info("ics fetch not modified; using cache", "id", src.ID, "url", redactURL(src.URL))
		return FetchResult{Source: src, Body: cachedBody, FromCache: true}, nil

	case http.StatusUnauthorized, http.StatusForbidden:
		return FetchResult{}, fmt.Errorf("%w: %s: %s", model.ErrAuth, redactURL(src.URL), resp.Status)

	default:
		if f.StaleOnError && len(cachedBody) > 0 {
			appLog.Error("ics fetch non-OK, using cached body", errors.New(resp.Status), "id", src.ID, "url", redactURL(src.URL), "status", resp.StatusCode)
			return FetchResult{Source: src, Body: cachedBody, FromCache: true}, nil
		}
		return FetchResult{}, fmt.Errorf("%w: %s: %s", model.ErrNetwork, redactURL(src.URL), resp.Status)
	}
}

// LoadFile reads and parses an ICS file from disk. Read failures are
// reported as model.ErrIO.
func LoadFile(path string) (*Document, error) {
	if path == "" {
		return nil, fmt.Errorf("%w: empty path", model.ErrInvalidInput)
	}
	body, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrIO, err)
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	return Parse(Source{ID: filepath.Base(path), URL: "file://" + abs}, body)
}

func (f *Fetcher) cachePathForURL(rawURL, user string) (string, error) {
	if rawURL == "" {
		return "", errors.New("empty url")
	}
	sum := sha256.Sum256([]byte(user + "\x00" + rawURL))
	// Use first 16 hex chars as directory name.
	dir := hex.EncodeToString(sum[:8])
	return filepath.Join(f.cacheDir, dir), nil
}

func (f *Fetcher) loadCacheMeta(cachePath string) (cacheEntry, error) {
	var meta cacheEntry
	metaFile := filepath.Join(cachePath, "meta.json")

	data, err := os.ReadFile(metaFile)
	if err != nil {
		return meta, err
	}
	if err := json.Unmarshal(data, &meta); err != nil {
		return cacheEntry{}, err
	}
	return meta, nil
}

func (f *Fetcher) loadCacheBody(cachePath string) ([]byte, error) {
	bodyFile := filepath.Join(cachePath, "body.ics")
	return os.ReadFile(bodyFile)
}

func (f *Fetcher) saveCache(cachePath string, meta cacheEntry, body []byte) error {
	metaFile := filepath.Join(cachePath, "meta.json")
	bodyFile := filepath.Join(cachePath, "body.ics")

	// Write body first so meta never points at missing body.
	if err := os.WriteFile(bodyFile, body, 0o600); err != nil {
		return err
	}

	meta.UpdatedAt = time.Now().UTC()
	data, err := json.MarshalIndent(&meta, "", "  ")
	if err != nil {
		return err
	}

	if err := os.WriteFile(metaFile, data, 0o600); err != nil {
		return err
	}

	return nil
}

// redactURL hides the path, query and user info of an ICS URL for logging,
// e.g. https://user:pw@example.com/private.ics?token=abcd becomes
// https://example.com/...(redacted).
func redactURL(u string) string {
	const redactedSuffix = "/...(redacted)"

	parsed, err := url.Parse(u)
	if err != nil || parsed.Scheme == "" {
		return "ics://...(redacted)"
	}
	if parsed.Scheme == "file" {
		return "file://" + redactedSuffix[1:]
	}
	return parsed.Scheme + "://" + parsed.Host + redactedSuffix
}
