// Package storage provides SQLite persistence for the field agent: plots,
// markers, the offline sync queue and the response cache pools.
package storage

import "time"

// Stats summarizes the database contents
type Stats struct {
	Plots        int     `json:"plots"`
	Markers      int     `json:"markers"`
	Queued       int     `json:"queued"`
	CachePools   int     `json:"cache_pools"`
	CacheEntries int     `json:"cache_entries"`
	TotalAreaSqm float64 `json:"total_area_sqm"`
}

// CachePoolInfo describes one cache pool
type CachePoolInfo struct {
	Name      string    `json:"name"`
	Entries   int       `json:"entries"`
	Bytes     int64     `json:"bytes"`
	CreatedAt time.Time `json:"created_at"`
}
