package metrics_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/propack/propack/internal/metrics"
)

func TestWriteToTextfile(t *testing.T) {
	metrics.BuildSucceeded("base", time.Now())
	metrics.BuildFailed("base", "processing")
	metrics.CacheHit()
	metrics.CacheMiss()
	metrics.AssetProcessed("texture", time.Now())
	metrics.HTTPSyncFailed("overlay", "https://example.com/overlay.zip")

	path := filepath.Join(t.TempDir(), "metrics.prom")
	if err := prometheus.WriteToTextfile(path, prometheus.DefaultGatherer); err != nil {
		t.Fatal(err)
	}
	bs, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}

	for _, exp := range []string{
		`propack_build_failed_total{pack="base",stage="processing"} 1`,
		`propack_cache_lookups_total{result="hit"} 1`,
		`propack_assets_processed_total{kind="texture"} 1`,
		`propack_http_sync_failed_total{pack="overlay",url="https://example.com/overlay.zip"} 1`,
	} {
		if !strings.Contains(string(bs), exp) {
			t.Errorf("missing %q", exp)
		}
	}
}
