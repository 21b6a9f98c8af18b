package backend

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"
)

type httpDoer interface {
	Do(*http.Request) (*http.Response, error)
}

func defaultDownloadClient() *http.Client {
	// No overall timeout: large archives on slow links. Cancellation is
	// cooperative via the request context.
	return &http.Client{Timeout: 0}
}

const downloadChunk = 64 * 1024

// Download fetches the server executable for a backend into the install root.
// progress, if non-nil, is invoked after every chunk with bytes done and the
// total (-1 when unknown). Cancellation is checked between chunks via ctx.
func (c *Catalog) Download(ctx context.Context, id string, progress func(done, total int64)) error {
	if !isKnown(id) {
		return fmt.Errorf("unknown backend: %s", id)
	}
	if c.urlTemplate == "" {
		return fmt.Errorf("no backend download url configured")
	}
	url := fmt.Sprintf(c.urlTemplate, id)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("download %s: %w", id, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download %s: unexpected status %s", id, resp.Status)
	}

	dir := filepath.Join(c.root, id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	// Write to a temp file first so a cancelled download never leaves a
	// half-written executable behind.
	tmp, err := os.CreateTemp(dir, exeName()+".part*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	total := resp.ContentLength
	var done int64
	buf := make([]byte, downloadChunk)
	start := time.Now()
	for {
		if err := ctx.Err(); err != nil {
			tmp.Close()
			return err
		}
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := tmp.Write(buf[:n]); werr != nil {
				tmp.Close()
				return werr
			}
			done += int64(n)
			if progress != nil {
				progress(done, total)
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			tmp.Close()
			return fmt.Errorf("download %s: %w", id, rerr)
		}
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	exe := filepath.Join(dir, exeName())
	if err := os.Rename(tmp.Name(), exe); err != nil {
		return err
	}
	if err := os.Chmod(exe, 0o755); err != nil {
		return err
	}
	if v := strings.Trim(resp.Header.Get("ETag"), `"`); v != "" {
		_ = os.WriteFile(filepath.Join(dir, "version.txt"), []byte(v+"\n"), 0o644)
	}
	c.log.Info().Str("backend", id).Int64("bytes", done).Dur("dur", time.Since(start)).Msg("backend downloaded")
	c.Refresh()
	return nil
}

func isKnown(id string) bool {
	for _, b := range known {
		if b.ID == id {
			return true
		}
	}
	return false
}
