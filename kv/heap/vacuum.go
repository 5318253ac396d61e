package heap

import (
	"github.com/google/btree"
	"github.com/tinypg/tinypg/kv/metrics"
	"github.com/tinypg/tinypg/kv/transaction/clog"
	"github.com/tinypg/tinypg/kv/transaction/xid"
	"github.com/tinypg/tinypg/log"
)

type VacuumStats struct {
	Chains  int
	Pruned  int
	Frozen  int
	Removed int
	// Skipped counts chains that were busy or failed. Their ids were not looked at.
	Skipped int
	// OldestXid is the oldest unfrozen id left in the chains vacuumed, capped by the horizon.
	OldestXid xid.TxnID
}

// Vacuum prunes versions nobody can see any more and freezes old ids.
//
// horizon is the oldest id any live or future snapshot may treat as running.
// A version is pruned when its creator aborted, or when it is not the newest
// one and its deleter committed before horizon. Ids preceding both freezeLimit
// and horizon are replaced by the frozen id. Chains a writer holds are skipped.
func (s *Store) Vacuum(horizon, freezeLimit xid.TxnID) VacuumStats {
	limit := xid.Min(horizon, freezeLimit)
	stats := VacuumStats{OldestXid: horizon}

	var chains []*chain
	s.mu.RLock()
	s.index.Ascend(func(item btree.Item) bool {
		chains = append(chains, item.(*chain))
		return true
	})
	s.mu.RUnlock()

	for _, c := range chains {
		keys := [][]byte{c.key}
		if !s.latches.TryAcquireLatches(keys) {
			stats.Skipped++
			continue
		}
		res, err := s.vacuumChain(c, horizon, limit)
		if err != nil {
			s.latches.ReleaseLatches(keys)
			log.Warnf("vacuum skipped key %q: %v", c.key, err)
			stats.Skipped++
			continue
		}
		stats.Chains++
		stats.Pruned += res.pruned
		stats.Frozen += res.frozen
		stats.OldestXid = xid.Min(stats.OldestXid, res.oldest)
		if res.pruned > 0 || res.frozen > 0 || res.cleared > 0 {
			s.markDirty(c.key)
		}
		if res.empty && s.removeIfEmpty(c) {
			stats.Removed++
		}
		s.latches.ReleaseLatches(keys)
	}

	metrics.VacuumVersionsCounter.WithLabelValues("pruned").Add(float64(stats.Pruned))
	metrics.VacuumVersionsCounter.WithLabelValues("frozen").Add(float64(stats.Frozen))
	return stats
}

type chainVacuum struct {
	pruned  int
	frozen  int
	cleared int
	oldest  xid.TxnID
	empty   bool
}

func (s *Store) vacuumChain(c *chain, horizon, limit xid.TxnID) (chainVacuum, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	res := chainVacuum{oldest: horizon}

	// versions of aborted transactions first, so newest is final below
	for i := c.oldest; i != nilIndex; {
		next := c.arena[i].next
		aborted, err := s.clog.IsAborted(c.arena[i].creator)
		if err != nil {
			return res, err
		}
		if aborted {
			c.unlink(i)
			res.pruned++
		}
		i = next
	}

	for i := c.oldest; i != nilIndex; {
		next := c.arena[i].next
		v := c.at(i)
		if v.deleter.IsNormal() {
			st, err := s.clog.Status(v.deleter)
			if err != nil {
				return res, err
			}
			switch {
			case st == clog.StatusAborted:
				v.deleter = xid.InvalidTxnID
				res.cleared++
			case st == clog.StatusCommitted && v.deleter.Precedes(horizon):
				if i != c.newest {
					c.unlink(i)
					res.pruned++
					i = next
					continue
				}
				if v.deleter.Precedes(limit) {
					v.deleter = xid.FrozenTxnID
					res.frozen++
				}
			}
		}
		if v.creator.IsNormal() && v.creator.Precedes(limit) {
			v.creator = xid.FrozenTxnID
			res.frozen++
		}
		for _, id := range []xid.TxnID{v.creator, v.deleter} {
			if id.IsNormal() {
				res.oldest = xid.Min(res.oldest, id)
			}
		}
		i = next
	}
	c.compact()
	res.empty = c.empty()
	return res, nil
}

func (s *Store) removeIfEmpty(c *chain) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.empty() {
		return false
	}
	s.index.Delete(c)
	return true
}
