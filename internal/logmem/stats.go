package logmem

// Stats are the per-shard counters the worker aggregates to answer
// the memcached "stats" command.
// The JSON tags are the memcached stat names the worker exposes.
type Stats struct {
	Gets      uint64 `json:"cmd_get"`
	Hits      uint64 `json:"get_hits"`
	Misses    uint64 `json:"get_misses"`
	Sets      uint64 `json:"cmd_set"`
	Deletes   uint64 `json:"cmd_delete"`
	Evictions uint64 `json:"evictions"`
	Expired   uint64 `json:"expired_unfetched"`
	BytesUsed uint64 `json:"bytes"`
	BytesLive uint64 `json:"bytes_live"`
	Keys      uint64 `json:"curr_items"`
}
