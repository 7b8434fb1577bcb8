// Package marketdata implements MarketDataCache: an on-disk OHLCV store
// with atomic temp+rename writes, sidecar metadata, and auto-heal on read.
// Three conditions trigger a repair before bars are returned: a truncated
// artefact (size below the minimum), a candle file with no sidecar (legacy
// artefact), and an internal gap between consecutive bars. Corrupt
// artefacts are deleted and re-fetched rather than patched in place.
package marketdata

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sixbtc/pipeline/internal/pipelineerr"
	"github.com/sixbtc/pipeline/pkg/types"
)

// minArtefactBytes is the smallest valid candle file: an empty JSON array.
// Anything shorter is a write that never finished.
const minArtefactBytes = 2

// CandleFetcher backfills missing candles from the exchange when a gap is
// detected. Implemented by internal/exchange.Client.
type CandleFetcher interface {
	FetchOHLCV(ctx context.Context, symbol string, tf types.Timeframe, start, end time.Time) ([]types.OHLCV, error)
}

// SidecarMetadata is persisted next to each candle file so a restart can
// decide whether the cached range is fresh without re-reading the candles.
// ListingDate is the first moment the symbol traded, learned when a
// head-of-history probe comes back empty; once FirstBar reaches it,
// IsFullHistory marks the artefact complete and later loads skip the probe.
type SidecarMetadata struct {
	Symbol        string          `json:"symbol"`
	Timeframe     types.Timeframe `json:"timeframe"`
	FirstBar      time.Time       `json:"firstBar"`
	LastBar       time.Time       `json:"lastBar"`
	BarCount      int             `json:"barCount"`
	IsFullHistory bool            `json:"isFullHistory"`
	ListingDate   time.Time       `json:"listingDate"`
	UpdatedAt     time.Time       `json:"updatedAt"`
}

// Cache is the MarketDataCache: a directory of "<symbol>_<timeframe>.json"
// candle files plus "<symbol>_<timeframe>.meta.json" sidecars, fronted by
// an in-memory cache guarded by a RWMutex.
type Cache struct {
	mu       sync.RWMutex
	logger   *zap.Logger
	dataDir  string
	fetcher  CandleFetcher
	bars     map[string][]types.OHLCV
	metadata map[string]*SidecarMetadata

	// GapTolerance is added to the timeframe's nominal bar duration before
	// a delta between consecutive bars is flagged as a gap. Zero means half
	// the bar duration.
	GapTolerance time.Duration
}

// New creates a Cache rooted at dataDir, creating it if necessary.
func New(logger *zap.Logger, dataDir string, fetcher CandleFetcher) (*Cache, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, &pipelineerr.DataError{Op: "mkdir", Err: err}
	}
	return &Cache{
		logger:       logger,
		dataDir:      dataDir,
		fetcher:      fetcher,
		bars:         make(map[string][]types.OHLCV),
		metadata:     make(map[string]*SidecarMetadata),
		GapTolerance: 0,
	}, nil
}

func cacheKey(symbol string, tf types.Timeframe) string {
	return fmt.Sprintf("%s_%s", symbol, tf)
}

func (c *Cache) candlePath(symbol string, tf types.Timeframe) string {
	return filepath.Join(c.dataDir, cacheKey(symbol, tf)+".json")
}

func (c *Cache) metaPath(symbol string, tf types.Timeframe) string {
	return filepath.Join(c.dataDir, cacheKey(symbol, tf)+".meta.json")
}

// Load returns bars in [start, end), reading through the in-memory cache to
// disk and auto-healing before returning: a truncated artefact is deleted
// and re-fetched, a sidecar-less artefact gets its sidecar rebuilt, a
// missing head of history is probed back toward the listing date, and any
// internal gap is backfilled from the fetcher.
func (c *Cache) Load(ctx context.Context, symbol string, tf types.Timeframe, start, end time.Time) ([]types.OHLCV, error) {
	key := cacheKey(symbol, tf)

	c.mu.RLock()
	bars, ok := c.bars[key]
	c.mu.RUnlock()

	if !ok {
		loaded, meta, err := c.readFromDisk(symbol, tf)
		if err != nil {
			return nil, err
		}
		if loaded != nil && meta == nil {
			// Legacy artefact: candles without a sidecar. Re-saving
			// rebuilds the sidecar from the candles themselves.
			c.logger.Info("rebuilding missing sidecar",
				zap.String("symbol", symbol), zap.String("timeframe", string(tf)))
			if err := c.Save(symbol, tf, loaded); err != nil {
				return nil, err
			}
		} else {
			c.mu.Lock()
			c.bars[key] = loaded
			if meta != nil {
				c.metadata[key] = meta
			}
			c.mu.Unlock()
		}
		bars = loaded
	}

	if len(bars) == 0 && c.fetcher != nil {
		fetched, err := c.fetcher.FetchOHLCV(ctx, symbol, tf, start, end)
		if err != nil {
			return nil, &pipelineerr.DataError{Symbol: symbol, Op: "initial fetch", Err: err}
		}
		if len(fetched) > 0 {
			if err := c.Save(symbol, tf, fetched); err != nil {
				return nil, err
			}
			bars = fetched
		}
	}

	if c.fetcher != nil {
		extended, err := c.ensureHeadHistory(ctx, symbol, tf, bars, start)
		if err != nil {
			return nil, err
		}
		bars = extended

		healed, err := c.healGaps(ctx, symbol, tf, bars)
		if err != nil {
			return nil, err
		}
		bars = healed
	}

	return filterRange(bars, start, end), nil
}

// Metadata returns the sidecar for (symbol, timeframe) if one is loaded.
func (c *Cache) Metadata(symbol string, tf types.Timeframe) (*SidecarMetadata, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	meta, ok := c.metadata[cacheKey(symbol, tf)]
	return meta, ok
}

// readFromDisk loads the candle artefact and its sidecar. A truncated or
// unparsable artefact is deleted (along with its sidecar) and reported as
// absent so the caller's fetch path re-downloads it. A healthy artefact
// with no sidecar returns a nil SidecarMetadata for the caller to rebuild.
func (c *Cache) readFromDisk(symbol string, tf types.Timeframe) ([]types.OHLCV, *SidecarMetadata, error) {
	path := c.candlePath(symbol, tf)

	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, &pipelineerr.DataError{Symbol: symbol, Op: "stat", Err: err}
	}
	if info.Size() < minArtefactBytes {
		c.logger.Warn("truncated candle artefact, deleting for re-download",
			zap.String("symbol", symbol),
			zap.String("timeframe", string(tf)),
			zap.Int64("bytes", info.Size()))
		c.deleteArtefact(symbol, tf)
		return nil, nil, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, &pipelineerr.DataError{Symbol: symbol, Op: "read", Err: err}
	}

	var bars []types.OHLCV
	if err := json.Unmarshal(data, &bars); err != nil {
		c.logger.Warn("corrupt candle artefact, deleting for re-download",
			zap.String("symbol", symbol),
			zap.String("timeframe", string(tf)),
			zap.Error(err))
		c.deleteArtefact(symbol, tf)
		return nil, nil, nil
	}

	metaData, err := os.ReadFile(c.metaPath(symbol, tf))
	if os.IsNotExist(err) {
		return bars, nil, nil
	}
	if err != nil {
		return nil, nil, &pipelineerr.DataError{Symbol: symbol, Op: "read meta", Err: err}
	}
	var meta SidecarMetadata
	if err := json.Unmarshal(metaData, &meta); err != nil {
		// A corrupt sidecar is treated the same as a missing one: the
		// candles are still good, only the metadata needs rebuilding.
		return bars, nil, nil
	}
	return bars, &meta, nil
}

func (c *Cache) deleteArtefact(symbol string, tf types.Timeframe) {
	_ = os.Remove(c.candlePath(symbol, tf))
	_ = os.Remove(c.metaPath(symbol, tf))
	c.mu.Lock()
	delete(c.bars, cacheKey(symbol, tf))
	delete(c.metadata, cacheKey(symbol, tf))
	c.mu.Unlock()
}

// Save writes bars atomically: marshal, write to a temp file in the same
// directory, then rename over the target, so a crash mid-write never leaves
// a truncated candle file behind. The sidecar carries over a previously
// learned listing date, and the artefact is marked full-history once its
// first bar reaches that date.
func (c *Cache) Save(symbol string, tf types.Timeframe, bars []types.OHLCV) error {
	sort.Slice(bars, func(i, j int) bool { return bars[i].Timestamp.Before(bars[j].Timestamp) })

	data, err := json.Marshal(bars)
	if err != nil {
		return &pipelineerr.DataError{Symbol: symbol, Op: "marshal", Err: err}
	}

	path := c.candlePath(symbol, tf)
	if err := atomicWrite(path, data); err != nil {
		return &pipelineerr.DataError{Symbol: symbol, Op: "write", Err: err}
	}

	key := cacheKey(symbol, tf)
	c.mu.RLock()
	prev := c.metadata[key]
	c.mu.RUnlock()

	meta := &SidecarMetadata{
		Symbol:    symbol,
		Timeframe: tf,
		BarCount:  len(bars),
		UpdatedAt: time.Now(),
	}
	if prev != nil {
		meta.ListingDate = prev.ListingDate
	}
	if len(bars) > 0 {
		meta.FirstBar = bars[0].Timestamp
		meta.LastBar = bars[len(bars)-1].Timestamp
		if !meta.ListingDate.IsZero() && !meta.FirstBar.After(meta.ListingDate.Add(tf.Duration())) {
			meta.IsFullHistory = true
		}
	}
	metaData, err := json.Marshal(meta)
	if err != nil {
		return &pipelineerr.DataError{Symbol: symbol, Op: "marshal meta", Err: err}
	}
	if err := atomicWrite(c.metaPath(symbol, tf), metaData); err != nil {
		return &pipelineerr.DataError{Symbol: symbol, Op: "write meta", Err: err}
	}

	c.mu.Lock()
	c.bars[key] = bars
	c.metadata[key] = meta
	c.mu.Unlock()

	return nil
}

func atomicWrite(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// ensureHeadHistory backfills [start, FirstBar) when the artefact is not
// yet known to reach the symbol's listing. A probe that comes back empty
// means nothing traded before the first cached candle: the sidecar records
// FirstBar as the listing date and the artefact is marked full-history so
// later loads skip the probe entirely.
func (c *Cache) ensureHeadHistory(ctx context.Context, symbol string, tf types.Timeframe, bars []types.OHLCV, start time.Time) ([]types.OHLCV, error) {
	if len(bars) == 0 {
		return bars, nil
	}

	key := cacheKey(symbol, tf)
	c.mu.RLock()
	meta := c.metadata[key]
	c.mu.RUnlock()
	if meta == nil || meta.IsFullHistory {
		return bars, nil
	}

	probeStart := start
	if !meta.ListingDate.IsZero() && meta.ListingDate.After(probeStart) {
		probeStart = meta.ListingDate
	}
	if !probeStart.Before(meta.FirstBar) {
		return bars, nil
	}

	head, err := c.fetcher.FetchOHLCV(ctx, symbol, tf, probeStart, meta.FirstBar)
	if err != nil {
		return nil, &pipelineerr.DataError{Symbol: symbol, Op: "head backfill", Err: err}
	}

	if len(head) == 0 {
		c.mu.Lock()
		if m := c.metadata[key]; m != nil {
			m.ListingDate = m.FirstBar
		}
		c.mu.Unlock()
		if err := c.Save(symbol, tf, bars); err != nil {
			return nil, err
		}
		return bars, nil
	}

	merged := append(append([]types.OHLCV{}, head...), bars...)
	if err := c.Save(symbol, tf, merged); err != nil {
		return nil, err
	}
	return merged, nil
}

// healGaps detects intervals between consecutive bars larger than the
// timeframe's nominal duration plus tolerance and backfills them from the
// fetcher, comparing expected interval against observed delta rather than
// keeping a fixed hole list.
func (c *Cache) healGaps(ctx context.Context, symbol string, tf types.Timeframe, bars []types.OHLCV) ([]types.OHLCV, error) {
	if len(bars) < 2 {
		return bars, nil
	}

	expected := tf.Duration()
	if expected == 0 {
		return bars, nil
	}
	tolerance := c.GapTolerance
	if tolerance == 0 {
		tolerance = expected / 2
	}

	healed := bars
	for i := 1; i < len(healed); i++ {
		delta := healed[i].Timestamp.Sub(healed[i-1].Timestamp)
		if delta <= expected+tolerance {
			continue
		}

		c.logger.Warn("market data gap detected, backfilling",
			zap.String("symbol", symbol),
			zap.Time("from", healed[i-1].Timestamp),
			zap.Time("to", healed[i].Timestamp))

		fill, err := c.fetcher.FetchOHLCV(ctx, symbol, tf, healed[i-1].Timestamp.Add(expected), healed[i].Timestamp)
		if err != nil {
			return nil, &pipelineerr.DataError{Symbol: symbol, Op: "heal gap", Err: err}
		}
		if len(fill) == 0 {
			continue
		}

		merged := append(append([]types.OHLCV{}, healed[:i]...), fill...)
		merged = append(merged, healed[i:]...)
		healed = merged
		i += len(fill) - 1
	}

	if len(healed) != len(bars) {
		if err := c.Save(symbol, tf, healed); err != nil {
			return nil, err
		}
	}
	return healed, nil
}

func filterRange(bars []types.OHLCV, start, end time.Time) []types.OHLCV {
	out := make([]types.OHLCV, 0, len(bars))
	for _, b := range bars {
		if !b.Timestamp.Before(start) && b.Timestamp.Before(end) {
			out = append(out, b)
		}
	}
	return out
}

// ClearCache drops the in-memory candle and sidecar cache; disk contents
// are untouched.
func (c *Cache) ClearCache() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bars = make(map[string][]types.OHLCV)
	c.metadata = make(map[string]*SidecarMetadata)
}
