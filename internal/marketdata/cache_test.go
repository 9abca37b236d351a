package marketdata

import (
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"control_plane/internal/models"
)

func TestCachePutGet(t *testing.T) {
	c := NewCache()

	_, ok := c.Get("NSE", "SBIN")
	assert.False(t, ok)

	c.Put(models.MarketDataRow{
		Exchange: "NSE", Symbol: "SBIN", LTP: decimal.NewFromFloat(812.4),
	})

	row, ok := c.Get("NSE", "SBIN")
	require.True(t, ok)
	assert.Equal(t, "812.4", row.LTP.String())
	assert.False(t, row.LastUpdated.IsZero())

	ltp, ok := c.LTP("NSE", "SBIN")
	require.True(t, ok)
	assert.Equal(t, "812.4", ltp.String())

	_, ok = c.LTP("NSE", "TCS")
	assert.False(t, ok)
}

func TestCachePutReplacesWholeRow(t *testing.T) {
	c := NewCache()
	c.Put(models.MarketDataRow{
		Exchange: "NSE", Symbol: "SBIN",
		LTP: decimal.NewFromInt(100), Volume: 500,
	})
	c.Put(models.MarketDataRow{
		Exchange: "NSE", Symbol: "SBIN",
		LTP: decimal.NewFromInt(101),
	})

	row, ok := c.Get("NSE", "SBIN")
	require.True(t, ok)
	assert.Equal(t, "101", row.LTP.String())
	assert.Zero(t, row.Volume)
}

func TestCachePutDropsStaleRow(t *testing.T) {
	c := NewCache()
	now := time.Now()
	c.Put(models.MarketDataRow{
		Exchange: "NSE", Symbol: "SBIN",
		LTP: decimal.NewFromInt(101), LastUpdated: now,
	})
	// A slow poller delivering an older quote must not win.
	c.Put(models.MarketDataRow{
		Exchange: "NSE", Symbol: "SBIN",
		LTP: decimal.NewFromInt(100), LastUpdated: now.Add(-time.Second),
	})

	row, ok := c.Get("NSE", "SBIN")
	require.True(t, ok)
	assert.Equal(t, "101", row.LTP.String())
	assert.True(t, row.LastUpdated.Equal(now))
}

func TestCacheSnapshotOrdered(t *testing.T) {
	c := NewCache()
	c.Put(models.MarketDataRow{Exchange: "NSE", Symbol: "TCS"})
	c.Put(models.MarketDataRow{Exchange: "NFO", Symbol: "NIFTYFUT"})
	c.Put(models.MarketDataRow{Exchange: "NSE", Symbol: "SBIN"})

	snap := c.Snapshot()
	require.Len(t, snap, 3)
	assert.Equal(t, "NFO", snap[0].Exchange)
	assert.Equal(t, "SBIN", snap[1].Symbol)
	assert.Equal(t, "TCS", snap[2].Symbol)
}

func TestCacheWarm(t *testing.T) {
	c := NewCache()
	c.Warm([]*models.MarketDataRow{
		{Exchange: "NSE", Symbol: "SBIN", LTP: decimal.NewFromInt(800)},
	})
	ltp, ok := c.LTP("NSE", "SBIN")
	require.True(t, ok)
	assert.Equal(t, "800", ltp.String())
}

func TestCacheConcurrentAccess(t *testing.T) {
	c := NewCache()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				c.Put(models.MarketDataRow{
					Exchange: "NSE", Symbol: "SBIN",
					LTP: decimal.NewFromInt(int64(j)),
				})
			}
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				c.Get("NSE", "SBIN")
				c.Snapshot()
			}
		}()
	}
	wg.Wait()
}
