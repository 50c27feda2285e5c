package framesource

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/time/rate"

	"github.com/abworrall/starfield-align/pkg/starfield"
)

var ErrFetchBudget = errors.New("fetch budget used up")

type ArchiveConfig struct {
	PageURL     string        // index page URL, with a %d for the page number (pages start at 1)
	ImagePrefix string        // full size image URLs are this + the thumbnail path
	CacheDir    string        // downloaded images live here, named by timestamp
	MinInterval time.Duration // minimum gap between requests, so we don't hammer the server
	MaxFetches  int           // hard cap on HTTP requests per Archive; 0 means no cap
}

func NewArchiveConfig() ArchiveConfig {
	return ArchiveConfig{
		MinInterval: time.Second,
		MaxFetches:  1000,
	}
}

// An Archive is a FrameSource backed by a remote image archive. The
// index is scraped into a Store, and images are downloaded into a
// cache dir the first time they're needed. It is not safe for
// concurrent use.
type Archive struct {
	ArchiveConfig
	Store  *Store
	Client *http.Client
	Log    *slog.Logger

	limiter *rate.Limiter
	fetches int
}

var _ starfield.FrameSource = (*Archive)(nil)

func NewArchive(cfg ArchiveConfig, store *Store, log *slog.Logger) *Archive {
	if log == nil {
		log = slog.Default()
	}
	limit := rate.Inf
	if cfg.MinInterval > 0 {
		limit = rate.Every(cfg.MinInterval)
	}
	return &Archive{
		ArchiveConfig: cfg,
		Store:         store,
		Client:        &http.Client{Timeout: time.Minute},
		Log:           log,
		limiter:       rate.NewLimiter(limit, 1),
	}
}

// Fetches is how many HTTP requests have been made so far.
func (a *Archive) Fetches() int { return a.fetches }

func (a *Archive) get(ctx context.Context, url string) ([]byte, error) {
	if a.MaxFetches > 0 && a.fetches >= a.MaxFetches {
		return nil, fmt.Errorf("%w: %d requests made", ErrFetchBudget, a.fetches)
	}
	if err := a.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	a.fetches++

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := a.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("get %s: status %s", url, resp.Status)
	}
	return io.ReadAll(resp.Body)
}

// indexPage fetches one index page and parses its entries. A page
// without an index line means we've run off the end of the index.
func (a *Archive) indexPage(ctx context.Context, page int) ([]Entry, bool, error) {
	body, err := a.get(ctx, fmt.Sprintf(a.PageURL, page))
	if err != nil {
		return nil, false, err
	}

	sc := bufio.NewScanner(bytes.NewReader(body))
	sc.Buffer(make([]byte, 64*1024), len(body)+1)
	for sc.Scan() {
		if line := sc.Text(); IsIndexLine(line) {
			entries, err := ParseIndexLine(line, a.ImagePrefix)
			return entries, true, err
		}
	}
	return nil, false, sc.Err()
}

// UpdateIndex scrapes index pages, newest first, until it reaches an
// entry the store already has (or the end of the index). It returns
// how many new entries were added.
func (a *Archive) UpdateIndex(ctx context.Context) (int, error) {
	newest, haveAny, err := a.Store.Newest(ctx)
	if err != nil {
		return 0, fmt.Errorf("index newest: %w", err)
	}

	updates := []Entry{}
scrape:
	for page := 1; ; page++ {
		a.Log.Debug("fetching index page", "page", page)
		entries, ok, err := a.indexPage(ctx, page)
		if err != nil {
			return 0, fmt.Errorf("index page %d: %w", page, err)
		}
		if !ok || len(entries) == 0 {
			break
		}
		for _, e := range entries {
			if haveAny && e.Timestamp.Equal(newest.Timestamp) {
				break scrape
			}
			updates = append(updates, e)
		}
	}

	if err := a.Store.AddEntries(ctx, updates); err != nil {
		return 0, err
	}
	a.Log.Info("index updated", "new_entries", len(updates), "fetches", a.fetches)
	return len(updates), nil
}

// Fetch returns the frames in the window, downloading any that are not
// yet in the cache. Frames that fail to download or decode come back
// with an Err wrapping ErrFetchFailure.
func (a *Archive) Fetch(ctx context.Context, window starfield.TimeRange) ([]starfield.Acquired, error) {
	entries, err := a.Store.Entries(ctx, window)
	if err != nil {
		return nil, fmt.Errorf("index entries %s: %w", window, err)
	}
	if err := os.MkdirAll(a.CacheDir, 0755); err != nil {
		return nil, fmt.Errorf("cachedir: %w", err)
	}

	out := []starfield.Acquired{}
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return out, err
		}

		acq := starfield.Acquired{Name: e.Filename(), Timestamp: e.Timestamp}
		f, err := a.loadEntry(ctx, e)
		if err != nil {
			acq.Err = fmt.Errorf("%w: %s: %w", starfield.ErrFetchFailure, e.Filename(), err)
			a.Log.Warn("fetch failed", "entry", e.String(), "error", err)
		} else {
			acq.Frame = f
		}
		out = append(out, acq)
	}

	return out, nil
}

func (a *Archive) loadEntry(ctx context.Context, e Entry) (*starfield.Frame, error) {
	path := filepath.Join(a.CacheDir, e.Filename())

	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		if err := a.download(ctx, e, path); err != nil {
			return nil, err
		}
	} else if err != nil {
		return nil, err
	}

	img, err := decodeImage(path)
	if err != nil {
		return nil, err
	}
	return starfield.FrameFromImage(img, e.Filename(), e.Timestamp), nil
}

func (a *Archive) download(ctx context.Context, e Entry, path string) error {
	a.Log.Debug("downloading", "url", e.URL, "path", path)

	body, err := a.get(ctx, e.URL)
	if err == nil {
		// Write then rename; the cache never holds a partial image
		tmp := path + ".part"
		if err = os.WriteFile(tmp, body, 0644); err == nil {
			err = os.Rename(tmp, path)
		}
	}

	if recErr := a.Store.RecordDownload(ctx, e, path, int64(len(body)), err); recErr != nil {
		a.Log.Debug("record download failed", "error", recErr)
	}
	return err
}
