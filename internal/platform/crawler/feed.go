package crawler

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/valyala/fasttemplate"

	"airscrapy/internal/core/spider"
	"airscrapy/internal/platform/settings"
)

// FeedStorage receives a finished feed for a non-local FEED_URI.
type FeedStorage interface {
	Store(ctx context.Context, target *url.URL, contentType string, body io.Reader) error
}

var (
	feedStoragesMu sync.RWMutex
	feedStorages   = map[string]FeedStorage{}
)

// RegisterFeedStorage routes FEED_URI values with the given scheme to s.
func RegisterFeedStorage(scheme string, s FeedStorage) {
	feedStoragesMu.Lock()
	defer feedStoragesMu.Unlock()
	feedStorages[scheme] = s
}

func feedStorage(scheme string) (FeedStorage, bool) {
	feedStoragesMu.RLock()
	defer feedStoragesMu.RUnlock()
	s, ok := feedStorages[scheme]
	return s, ok
}

const feedTimeLayout = "2006-01-02T15-04-05"

// feedExporter serializes accepted items. It runs last in the pipeline chain.
type feedExporter struct {
	uri    string
	format string
	now    func() time.Time

	target  *url.URL
	storage FeedStorage
	file    *os.File
	buf     *bytes.Buffer
	w       *bufio.Writer
	count   int
}

func newFeedExporter(s settings.Settings) (*feedExporter, error) {
	uri, err := s.GetString("FEED_URI")
	if err != nil || uri == "" {
		return nil, err
	}
	format, err := s.GetString("FEED_FORMAT")
	if err != nil {
		return nil, err
	}
	switch format {
	case "", "jsonlines", "jl":
		format = "jsonlines"
	case "json":
	default:
		return nil, fmt.Errorf("unsupported FEED_FORMAT %q", format)
	}
	return &feedExporter{uri: uri, format: format, now: time.Now}, nil
}

// expandFeedURI fills the {name} and {time} placeholders.
func expandFeedURI(uri, name string, at time.Time) string {
	return fasttemplate.ExecuteString(uri, "{", "}", map[string]interface{}{
		"name": name,
		"time": at.UTC().Format(feedTimeLayout),
	})
}

func (f *feedExporter) Open(sp spider.Spider) error {
	raw := expandFeedURI(f.uri, sp.Name(), f.now())
	target, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("parse FEED_URI %q: %w", raw, err)
	}
	f.target = target

	switch target.Scheme {
	case "", "file":
		path := raw
		if target.Scheme == "file" {
			path = target.Path
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return fmt.Errorf("create feed dir: %w", err)
		}
		file, err := os.Create(path)
		if err != nil {
			return fmt.Errorf("create feed file: %w", err)
		}
		f.file = file
		f.w = bufio.NewWriter(file)
	default:
		storage, ok := feedStorage(target.Scheme)
		if !ok {
			return fmt.Errorf("no feed storage registered for scheme %q", target.Scheme)
		}
		f.storage = storage
		f.buf = &bytes.Buffer{}
		f.w = bufio.NewWriter(f.buf)
	}

	if f.format == "json" {
		_, err = f.w.WriteString("[")
	}
	return err
}

func (f *feedExporter) Process(item spider.Item) (spider.Item, error) {
	b, err := json.Marshal(item)
	if err != nil {
		return nil, fmt.Errorf("encode item: %w", err)
	}
	switch f.format {
	case "json":
		sep := "\n"
		if f.count > 0 {
			sep = ",\n"
		}
		_, err = f.w.WriteString(sep)
		if err == nil {
			_, err = f.w.Write(b)
		}
	default:
		_, err = f.w.Write(b)
		if err == nil {
			err = f.w.WriteByte('\n')
		}
	}
	if err != nil {
		return nil, fmt.Errorf("write feed: %w", err)
	}
	f.count++
	return item, nil
}

func (f *feedExporter) Close() error {
	if f.w == nil {
		return nil
	}
	if f.format == "json" {
		if _, err := f.w.WriteString("\n]\n"); err != nil {
			return err
		}
	}
	if err := f.w.Flush(); err != nil {
		return fmt.Errorf("flush feed: %w", err)
	}
	if f.file != nil {
		return f.file.Close()
	}
	return f.storage.Store(context.Background(), f.target, f.contentType(), f.buf)
}

func (f *feedExporter) contentType() string {
	if f.format == "json" {
		return "application/json"
	}
	return "application/x-ndjson"
}

// String describes the feed destination for logs.
func (f *feedExporter) String() string {
	if f.target == nil {
		return f.uri
	}
	return strings.TrimSuffix(f.target.String(), "/")
}
