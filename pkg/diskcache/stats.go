package diskcache

import (
	"strings"

	"github.com/KevoDB/diskcache/pkg/stats"
)

// Ensure Cache provides statistics
var _ stats.Provider = (*Cache)(nil)

// Statistics describes a region at a point in time.
type Statistics struct {
	Region         string
	State          State
	Alive          bool
	Policy         string
	KeyCount       int
	ContentSizeKB  int
	DataFileLength int64
	BlockSize      int
	BlockCount     uint32
	FreeBlocks     uint64
	AveragePutSize int64
	PutCount       int64
	DoubleFrees    uint64
	Evictions      uint64
}

// Statistics returns the diagnostics of the region.
func (c *Cache) Statistics() Statistics {
	c.mu.RLock()
	defer c.mu.RUnlock()

	disk := c.disk.Stats()
	state := c.State()
	return Statistics{
		Region:         c.name,
		State:          state,
		Alive:          state == StateAlive,
		Policy:         c.keys.Policy().String(),
		KeyCount:       c.keys.Size(),
		ContentSizeKB:  c.keys.ContentSizeKB(),
		DataFileLength: disk.FileLength,
		BlockSize:      disk.BlockSize,
		BlockCount:     disk.BlockCount,
		FreeBlocks:     disk.FreeBlocks,
		AveragePutSize: disk.AveragePutSize,
		PutCount:       disk.PutCount,
		DoubleFrees:    disk.DoubleFrees,
		Evictions:      c.keys.Evictions(),
	}
}

// GetStats returns the region statistics merged with the operation counters.
func (c *Cache) GetStats() map[string]interface{} {
	out := c.stats.GetStats()

	s := c.Statistics()
	out["region"] = s.Region
	out["state"] = s.State.String()
	out["alive"] = s.Alive
	out["policy"] = s.Policy
	out["key_count"] = s.KeyCount
	out["content_size_kb"] = s.ContentSizeKB
	out["data_file_length"] = s.DataFileLength
	out["block_size"] = s.BlockSize
	out["block_count"] = s.BlockCount
	out["free_blocks"] = s.FreeBlocks
	out["average_put_size"] = s.AveragePutSize
	out["double_frees"] = s.DoubleFrees
	return out
}

// GetStatsFiltered returns the statistics whose name starts with prefix.
func (c *Cache) GetStatsFiltered(prefix string) map[string]interface{} {
	filtered := make(map[string]interface{})
	for key, value := range c.GetStats() {
		if strings.HasPrefix(key, prefix) {
			filtered[key] = value
		}
	}
	return filtered
}
