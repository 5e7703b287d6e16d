package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/sethvargo/go-retry"
)

// ErrTransport is returned for unrecoverable network or IO failures
// during download. A fresh attempt is safe after the cause is resolved.
var ErrTransport = errors.New("transport failure")

// ProgressFunc is called after every received chunk with the bytes
// written so far and the expected total.
type ProgressFunc func(downloaded, total int64)

// Downloader fetches artifacts into the inactive slot with byte-range
// resume. A partial file smaller than the expected size is continued
// with a Range request; a file at or above the expected size is treated
// as already complete.
type Downloader struct {
	Client      *http.Client
	ChunkSize   int
	MaxRetries  uint64
	BaseBackoff time.Duration
}

// NewDownloader returns a Downloader with production defaults.
func NewDownloader(client *http.Client) *Downloader {
	if client == nil {
		client = &http.Client{Timeout: 0} // cancellation comes from ctx
	}
	return &Downloader{
		Client:      client,
		ChunkSize:   8192,
		MaxRetries:  3,
		BaseBackoff: time.Second,
	}
}

// Download fetches url into dest, resuming from an existing partial
// file. Transient failures are retried with exponential backoff; a
// retried attempt re-stats the file so it continues from wherever the
// previous attempt stopped. Context cancellation aborts immediately and
// leaves the partial file in place for a later resume.
func (d *Downloader) Download(ctx context.Context, url, dest string, expectedSize int64, progress ProgressFunc) error {
	backoff := retry.WithMaxRetries(d.MaxRetries, retry.NewExponential(d.BaseBackoff))

	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		return d.downloadOnce(ctx, url, dest, expectedSize, progress)
	})
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}
	return nil
}

func (d *Downloader) downloadOnce(ctx context.Context, url, dest string, expectedSize int64, progress ProgressFunc) error {
	var offset int64
	if info, err := os.Stat(dest); err == nil {
		offset = info.Size()
	}
	if offset >= expectedSize {
		// Already downloaded (possibly by an earlier interrupted attempt)
		if progress != nil {
			progress(offset, expectedSize)
		}
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("%w: build request: %v", ErrTransport, err)
	}
	if offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	}

	resp, err := d.Client.Do(req)
	if err != nil {
		return retry.RetryableError(fmt.Errorf("%w: %v", ErrTransport, err))
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusPartialContent:
		// Resuming at the requested offset
	case resp.StatusCode == http.StatusOK:
		// Server ignored the Range header; start over from zero
		if offset > 0 {
			if err := os.Truncate(dest, 0); err != nil {
				return fmt.Errorf("%w: truncate for restart: %v", ErrTransport, err)
			}
			offset = 0
		}
	case resp.StatusCode >= 500:
		return retry.RetryableError(fmt.Errorf("%w: server returned %s", ErrTransport, resp.Status))
	default:
		return fmt.Errorf("%w: server returned %s", ErrTransport, resp.Status)
	}

	f, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("%w: open %s: %v", ErrTransport, dest, err)
	}
	defer f.Close()

	buf := make([]byte, d.ChunkSize)
	written := offset
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if _, err := f.Write(buf[:n]); err != nil {
				return fmt.Errorf("%w: write %s: %v", ErrTransport, dest, err)
			}
			written += int64(n)
			if progress != nil {
				progress(written, expectedSize)
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			// Connection dropped mid-body; the partial file is kept and
			// the retry resumes from its new size.
			return retry.RetryableError(fmt.Errorf("%w: read body: %v", ErrTransport, readErr))
		}
	}

	if written < expectedSize {
		return retry.RetryableError(fmt.Errorf("%w: short body: got %d of %d bytes", ErrTransport, written, expectedSize))
	}
	if written > expectedSize {
		return fmt.Errorf("%w: oversized body: got %d, expected %d bytes", ErrTransport, written, expectedSize)
	}
	return nil
}
