package utils

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/sipeed/maxbridge/pkg/logger"
)

// SizeLimitError reports a download larger than the configured ceiling.
// Exact is false when the body was cut off and Size is only a lower bound.
type SizeLimitError struct {
	Limit int64
	Size  int64
	Exact bool
}

func (e *SizeLimitError) Error() string {
	if e.Exact {
		return fmt.Sprintf("file is %s, limit is %s", humanize.IBytes(uint64(e.Size)), humanize.IBytes(uint64(e.Limit)))
	}
	return fmt.Sprintf("file exceeds %s", humanize.IBytes(uint64(e.Limit)))
}

// DownloadOptions tune a Downloader.
type DownloadOptions struct {
	MaxBytes     int64
	Timeout      time.Duration
	UserAgent    string
	LoggerPrefix string
}

// Downloader fetches files into memory through one shared HTTP client.
type Downloader struct {
	client *http.Client
	opts   DownloadOptions
}

func NewDownloader(opts DownloadOptions) *Downloader {
	if opts.LoggerPrefix == "" {
		opts.LoggerPrefix = "download"
	}
	return &Downloader{
		client: &http.Client{Timeout: opts.Timeout},
		opts:   opts,
	}
}

func (d *Downloader) MaxBytes() int64 { return d.opts.MaxBytes }

// Download is a fully buffered file.
type Download struct {
	Data        []byte
	Name        string
	ContentType string
}

// Fetch downloads rawURL into memory. Files above MaxBytes fail with a
// *SizeLimitError; when the server announces the length up front the body is
// not read at all.
func (d *Downloader) Fetch(ctx context.Context, rawURL string) (*Download, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	if d.opts.UserAgent != "" {
		req.Header.Set("User-Agent", d.opts.UserAgent)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to download: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("failed to download: unexpected status %s", resp.Status)
	}

	limit := d.opts.MaxBytes
	if limit > 0 && resp.ContentLength > limit {
		return nil, &SizeLimitError{Limit: limit, Size: resp.ContentLength, Exact: true}
	}

	var body io.Reader = resp.Body
	if limit > 0 {
		body = io.LimitReader(resp.Body, limit+1)
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("failed to read body: %w", err)
	}
	if limit > 0 && int64(len(data)) > limit {
		return nil, &SizeLimitError{Limit: limit, Size: int64(len(data)), Exact: false}
	}

	logger.DebugCF(d.opts.LoggerPrefix, "Downloaded file", map[string]any{
		"url":  Truncate(rawURL, 80),
		"size": humanize.IBytes(uint64(len(data))),
	})

	return &Download{
		Data:        data,
		Name:        filenameFrom(resp, rawURL),
		ContentType: resp.Header.Get("Content-Type"),
	}, nil
}

// IsSizeLimit reports whether err is a *SizeLimitError.
func IsSizeLimit(err error) (*SizeLimitError, bool) {
	var sizeErr *SizeLimitError
	if errors.As(err, &sizeErr) {
		return sizeErr, true
	}
	return nil, false
}

func filenameFrom(resp *http.Response, rawURL string) string {
	if cd := resp.Header.Get("Content-Disposition"); cd != "" {
		if _, params, err := mime.ParseMediaType(cd); err == nil && params["filename"] != "" {
			return path.Base(params["filename"])
		}
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	base := path.Base(u.Path)
	if base == "." || base == "/" {
		return ""
	}
	return base
}

// Truncate shortens s to at most n runes, marking the cut with "...".
func Truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	if n <= 3 {
		return string(runes[:n])
	}
	return strings.TrimSpace(string(runes[:n-3])) + "..."
}
