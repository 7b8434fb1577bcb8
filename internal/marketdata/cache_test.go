package marketdata_test

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/sixbtc/pipeline/internal/marketdata"
	"github.com/sixbtc/pipeline/pkg/types"
)

func bar(ts time.Time, close float64) types.OHLCV {
	d := decimal.NewFromFloat(close)
	return types.OHLCV{Timestamp: ts, Open: d, High: d, Low: d, Close: d, Volume: decimal.Zero}
}

func TestCacheSaveAndLoadRoundTrip(t *testing.T) {
	c, err := marketdata.New(zap.NewNop(), t.TempDir(), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	bars := []types.OHLCV{
		bar(start, 100),
		bar(start.Add(time.Hour), 101),
		bar(start.Add(2*time.Hour), 102),
	}

	if err := c.Save("BTC-PERP", types.Timeframe1h, bars); err != nil {
		t.Fatalf("Save: %v", err)
	}

	c.ClearCache()

	got, err := c.Load(context.Background(), "BTC-PERP", types.Timeframe1h, start, start.Add(3*time.Hour))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 bars from disk, got %d", len(got))
	}
}

type stubFetcher struct {
	fetched []types.OHLCV
}

func (s *stubFetcher) FetchOHLCV(ctx context.Context, symbol string, tf types.Timeframe, start, end time.Time) ([]types.OHLCV, error) {
	return s.fetched, nil
}

func TestCacheHealsGap(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	fetcher := &stubFetcher{fetched: []types.OHLCV{bar(start.Add(time.Hour), 150)}}

	c, err := marketdata.New(zap.NewNop(), t.TempDir(), fetcher)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	bars := []types.OHLCV{
		bar(start, 100),
		bar(start.Add(2*time.Hour), 102), // missing the 1h bar
	}
	if err := c.Save("BTC-PERP", types.Timeframe1h, bars); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := c.Load(context.Background(), "BTC-PERP", types.Timeframe1h, start, start.Add(3*time.Hour))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected gap to be healed to 3 bars, got %d", len(got))
	}
}

// scriptedFetcher returns one scripted response per call, in order, then
// empties out.
type scriptedFetcher struct {
	responses [][]types.OHLCV
	calls     int
}

func (s *scriptedFetcher) FetchOHLCV(ctx context.Context, symbol string, tf types.Timeframe, start, end time.Time) ([]types.OHLCV, error) {
	s.calls++
	if len(s.responses) == 0 {
		return nil, nil
	}
	next := s.responses[0]
	s.responses = s.responses[1:]
	return next, nil
}

func TestTruncatedArtefactRedownloaded(t *testing.T) {
	dir := t.TempDir()
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	// A single-byte candle file is a write that never finished.
	if err := os.WriteFile(filepath.Join(dir, "BTC-PERP_1h.json"), []byte("["), 0o644); err != nil {
		t.Fatalf("write truncated artefact: %v", err)
	}

	fetched := []types.OHLCV{bar(start, 100), bar(start.Add(time.Hour), 101)}
	fetcher := &scriptedFetcher{responses: [][]types.OHLCV{fetched}}
	c, err := marketdata.New(zap.NewNop(), dir, fetcher)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	got, err := c.Load(context.Background(), "BTC-PERP", types.Timeframe1h, start, start.Add(2*time.Hour))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected a truncated artefact to be re-downloaded, got %d bars", len(got))
	}
	if fetcher.calls == 0 {
		t.Fatal("expected the fetcher to be asked for replacement candles")
	}

	// The artefact on disk must now be the healthy re-download.
	data, err := os.ReadFile(filepath.Join(dir, "BTC-PERP_1h.json"))
	if err != nil {
		t.Fatalf("read rewritten artefact: %v", err)
	}
	var onDisk []types.OHLCV
	if err := json.Unmarshal(data, &onDisk); err != nil {
		t.Fatalf("rewritten artefact is not valid JSON: %v", err)
	}
	if len(onDisk) != 2 {
		t.Fatalf("expected 2 bars persisted after re-download, got %d", len(onDisk))
	}
}

func TestMissingSidecarRebuilt(t *testing.T) {
	dir := t.TempDir()
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	// A legacy artefact: healthy candles, no sidecar next to them.
	bars := []types.OHLCV{bar(start, 100), bar(start.Add(time.Hour), 101)}
	data, err := json.Marshal(bars)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "ETH-PERP_1h.json"), data, 0o644); err != nil {
		t.Fatalf("write legacy artefact: %v", err)
	}

	c, err := marketdata.New(zap.NewNop(), dir, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	got, err := c.Load(context.Background(), "ETH-PERP", types.Timeframe1h, start, start.Add(2*time.Hour))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 bars from the legacy artefact, got %d", len(got))
	}

	meta, ok := c.Metadata("ETH-PERP", types.Timeframe1h)
	if !ok {
		t.Fatal("expected the sidecar to be rebuilt in memory")
	}
	if meta.BarCount != 2 || !meta.FirstBar.Equal(start) {
		t.Errorf("rebuilt sidecar wrong: %+v", meta)
	}
	if _, err := os.Stat(filepath.Join(dir, "ETH-PERP_1h.meta.json")); err != nil {
		t.Errorf("expected the sidecar file written to disk: %v", err)
	}
}

func TestEmptyHeadProbeMarksFullHistory(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	listed := start.Add(5 * time.Hour)

	// The probe for [start, listed) comes back empty: nothing traded
	// before the first cached candle, so that candle is the listing.
	fetcher := &scriptedFetcher{responses: [][]types.OHLCV{nil}}
	c, err := marketdata.New(zap.NewNop(), t.TempDir(), fetcher)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	bars := []types.OHLCV{bar(listed, 100), bar(listed.Add(time.Hour), 101)}
	if err := c.Save("SOL-PERP", types.Timeframe1h, bars); err != nil {
		t.Fatalf("Save: %v", err)
	}

	if _, err := c.Load(context.Background(), "SOL-PERP", types.Timeframe1h, start, listed.Add(2*time.Hour)); err != nil {
		t.Fatalf("Load: %v", err)
	}

	meta, ok := c.Metadata("SOL-PERP", types.Timeframe1h)
	if !ok {
		t.Fatal("expected sidecar metadata")
	}
	if !meta.IsFullHistory {
		t.Error("an empty head probe must mark the artefact full-history")
	}
	if !meta.ListingDate.Equal(listed) {
		t.Errorf("listing date = %v, want %v", meta.ListingDate, listed)
	}

	// A second load must not probe again.
	calls := fetcher.calls
	if _, err := c.Load(context.Background(), "SOL-PERP", types.Timeframe1h, start, listed.Add(2*time.Hour)); err != nil {
		t.Fatalf("second Load: %v", err)
	}
	if fetcher.calls != calls {
		t.Errorf("full-history artefact must skip the head probe, fetch calls %d -> %d", calls, fetcher.calls)
	}
}

func TestHeadBackfillExtendsHistory(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	head := []types.OHLCV{bar(start, 98), bar(start.Add(time.Hour), 99)}
	fetcher := &scriptedFetcher{responses: [][]types.OHLCV{head}}
	c, err := marketdata.New(zap.NewNop(), t.TempDir(), fetcher)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	bars := []types.OHLCV{bar(start.Add(2*time.Hour), 100), bar(start.Add(3*time.Hour), 101)}
	if err := c.Save("BTC-PERP", types.Timeframe1h, bars); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := c.Load(context.Background(), "BTC-PERP", types.Timeframe1h, start, start.Add(4*time.Hour))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(got) != 4 {
		t.Fatalf("expected the head backfill merged in, got %d bars", len(got))
	}
	meta, _ := c.Metadata("BTC-PERP", types.Timeframe1h)
	if !meta.FirstBar.Equal(start) {
		t.Errorf("sidecar first bar = %v, want %v", meta.FirstBar, start)
	}
}
