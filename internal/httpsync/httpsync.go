// Package httpsync downloads pack archives served over HTTP.
package httpsync

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/propack/propack/internal/config"
	"github.com/propack/propack/internal/logging"
	"github.com/propack/propack/internal/metrics"
)

var ErrSync = errors.New("http synchronizer")

// Synchronizer keeps a local copy of a remote zip archive. The entity tag
// of the last download is stored next to the archive so unchanged archives
// are not downloaded again.
type Synchronizer struct {
	path   string // The path where the archive will be saved
	config config.HTTP
	pack   string
	client *http.Client
	log    *logging.Logger
}

func New(path string, cfg config.HTTP, pack string) *Synchronizer {
	return &Synchronizer{path: path, config: cfg, pack: pack, client: http.DefaultClient, log: logging.NewNop()}
}

func (s *Synchronizer) WithLogger(log *logging.Logger) *Synchronizer {
	s.log = log
	return s
}

func (s *Synchronizer) WithClient(c *http.Client) *Synchronizer {
	s.client = c
	return s
}

func (s *Synchronizer) Execute(ctx context.Context) error {
	startTime := time.Now()
	if err := s.execute(ctx); err != nil {
		metrics.HTTPSyncFailed(s.pack, s.config.URL)
		return fmt.Errorf("pack %q: %w: %v: %w", s.pack, ErrSync, s.config.URL, err)
	}
	metrics.HTTPSyncSucceeded(s.pack, s.config.URL, startTime)
	return nil
}

func (s *Synchronizer) execute(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, os.ExpandEnv(s.config.URL), nil)
	if err != nil {
		return err
	}
	for name, value := range s.config.Headers {
		if value = os.ExpandEnv(value); value != "" {
			req.Header.Set(name, value)
		}
	}
	if err := s.authorize(ctx, req); err != nil {
		return err
	}

	etagFile := s.path + ".etag"
	if _, err := os.Stat(s.path); err == nil {
		if etag, err := os.ReadFile(etagFile); err == nil && len(etag) > 0 {
			req.Header.Set("If-None-Match", string(etag))
		}
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotModified {
		s.log.Debugf("pack %q: %s not modified", s.pack, s.config.URL)
		return nil
	}
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return fmt.Errorf("unsuccessful status code %d", resp.StatusCode)
	}

	// Download next to the archive so the previous copy survives failures.
	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".download-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	n, err := io.Copy(tmp, resp.Body)
	if err := errors.Join(err, tmp.Close()); err != nil {
		return err
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return err
	}
	s.log.Debugf("pack %q: downloaded %d bytes from %s", s.pack, n, s.config.URL)

	if etag := resp.Header.Get("ETag"); etag != "" {
		return os.WriteFile(etagFile, []byte(etag), 0o644)
	}
	if err := os.Remove(etagFile); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (s *Synchronizer) authorize(ctx context.Context, req *http.Request) error {
	if s.config.Credentials == nil {
		return nil
	}

	secret, err := s.config.Credentials.Resolve(ctx)
	if err != nil {
		return err
	}

	switch secret := secret.(type) {
	case config.SecretBasicAuth:
		req.SetBasicAuth(secret.Username, secret.Password)
		for _, header := range secret.Headers {
			name, value, ok := strings.Cut(header, ":")
			if !ok {
				continue
			}
			req.Header.Set(strings.TrimSpace(name), strings.TrimSpace(value))
		}
	case config.SecretTokenAuth:
		req.Header.Set("Authorization", "Bearer "+secret.Token)
	default:
		return fmt.Errorf("unsupported secret type for http sync: %T", secret)
	}
	return nil
}
