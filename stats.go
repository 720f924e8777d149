package sphinxd

import (
	"sort"

	"github.com/sugawarayuuta/sonnet"

	"github.com/zyh329/sphinxd/internal/logmem"
)

// StatsSnapshot is one worker's contribution to the "stats" command:
// its shard counters plus the connection accounting only the worker
// knows. The JSON tags are the wire stat names; the same struct can
// be dumped as JSON by operational tooling without a second
// representation.
type StatsSnapshot struct {
	logmem.Stats

	CurrConnections  uint64 `json:"curr_connections"`
	TotalConnections uint64 `json:"total_connections"`
	Threads          uint64 `json:"threads"`
}

func (w *worker) localStats() StatsSnapshot {
	return StatsSnapshot{
		Stats:            w.shard.Stats(),
		CurrConnections:  uint64(len(w.conns)),
		TotalConnections: w.connsTotal,
		Threads:          uint64(w.n),
	}
}

// merge sums counters across workers. Threads is process-wide and
// identical on every worker, so it is kept, not summed.
func (a StatsSnapshot) merge(b StatsSnapshot) StatsSnapshot {
	a.Gets += b.Gets
	a.Hits += b.Hits
	a.Misses += b.Misses
	a.Sets += b.Sets
	a.Deletes += b.Deletes
	a.Evictions += b.Evictions
	a.Expired += b.Expired
	a.BytesUsed += b.BytesUsed
	a.BytesLive += b.BytesLive
	a.Keys += b.Keys
	a.CurrConnections += b.CurrConnections
	a.TotalConnections += b.TotalConnections
	return a
}

// appendStatsResponse flattens the snapshot into the memcached
// "STAT <name> <value>" block. Marshalling through JSON keeps the
// stat names defined once, on the struct tags.
func appendStatsResponse(b []byte, s StatsSnapshot) []byte {
	data, err := sonnet.Marshal(s)
	if err != nil {
		panic(err) // A fixed struct of uint64s cannot fail to marshal.
	}
	var flat map[string]uint64
	if err := sonnet.Unmarshal(data, &flat); err != nil {
		panic(err)
	}
	names := make([]string, 0, len(flat))
	for name := range flat {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		b = append(b, StatResponse...)
		b = append(b, ' ')
		b = append(b, name...)
		b = append(b, ' ')
		b = appendUint(b, flat[name])
		b = append(b, Separator...)
	}
	return append(b, endBytes...)
}

// statsAgg collects one stats command's fan-out: the local snapshot
// plus one response per peer worker.
type statsAgg struct {
	slot      *replySlot
	acc       StatsSnapshot
	remaining int
	reqID     uint64
}

// completeOne accounts for one peer (answered or given up on) and
// fills the reply slot when all are in.
func (a *statsAgg) completeOne(w *worker) {
	a.remaining--
	if a.remaining > 0 {
		return
	}
	delete(w.pendingStats, a.reqID)
	a.slot.fillCopy(appendStatsResponse(nil, a.acc))
}

func (w *worker) handleStats(sink replySink) {
	slot := sink.pushSlot()
	agg := &statsAgg{slot: slot, acc: w.localStats(), remaining: w.n - 1}
	if agg.remaining == 0 {
		slot.fillCopy(appendStatsResponse(nil, agg.acc))
		return
	}
	reqID := w.nextReqID
	w.nextReqID++
	agg.reqID = reqID
	w.pendingStats[reqID] = agg
	for peer := 0; peer < w.n; peer++ {
		if peer == w.id {
			continue
		}
		w.trySend(peer, &message{kind: msgStatsRequest, from: w.id, reqID: reqID}, 0)
	}
}
