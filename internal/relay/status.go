package relay

import (
	"sort"
	"time"
)

const maxStatusFailures = 50

// JobStatus tracks one queued relay.
type JobStatus struct {
	ID        string
	Origin    int64
	MessageID int64
	Network   string
	Skipped   SkipReason
	Total     int
	Failed    int
	// Failures lists the channels that did not receive the copy (capped).
	Failures  []int64
	Err       string
	CreatedAt time.Time
	StartedAt time.Time
	DoneAt    time.Time
	Running   bool
	// Abandoned is set when the relay stopped before the job ran.
	Abandoned bool
}

func (s *Service) Status(id string) (JobStatus, bool) {
	s.statusMu.RLock()
	defer s.statusMu.RUnlock()
	st, ok := s.status[id]
	if !ok || st == nil {
		return JobStatus{}, false
	}
	cp := *st
	cp.Failures = append([]int64(nil), st.Failures...)
	return cp, true
}

func (s *Service) putStatus(st *JobStatus) {
	s.statusMu.Lock()
	s.status[st.ID] = st
	s.statusMu.Unlock()
}

func (s *Service) dropStatus(id string) {
	s.statusMu.Lock()
	delete(s.status, id)
	s.statusMu.Unlock()
}

func (s *Service) abandon(id string, now time.Time) {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	if st := s.status[id]; st != nil {
		st.Abandoned = true
		st.DoneAt = now
		st.Err = "relay stopped before the job ran"
	}
}

func (s *Service) markRunning(id string, now time.Time) {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	if st := s.status[id]; st != nil {
		st.StartedAt = now
		st.Running = true
	}
}

func (s *Service) finish(id string, out Outcome, err error, now time.Time) {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	st := s.status[id]
	if st == nil {
		return
	}
	st.Running = false
	st.DoneAt = now
	st.Network = out.Network
	st.Skipped = out.Skipped
	st.Total = len(out.Results)
	for _, r := range out.Results {
		if r.Err == nil {
			continue
		}
		st.Failed++
		if len(st.Failures) < maxStatusFailures {
			st.Failures = append(st.Failures, r.ChannelID)
		}
	}
	if err == nil {
		err = out.Err()
	}
	if err != nil {
		st.Err = err.Error()
	}
}

// PruneStatus applies the TTL and size bound now and returns how many
// entries were removed.
func (s *Service) PruneStatus() int { return s.pruneStatus(s.now()) }

func (s *Service) pruneStatus(now time.Time) int {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	if len(s.status) == 0 {
		return 0
	}
	before := len(s.status)

	for id, st := range s.status {
		if st == nil {
			delete(s.status, id)
			continue
		}
		if st.Running {
			continue
		}
		ref := st.DoneAt
		if ref.IsZero() {
			ref = st.CreatedAt
		}
		if !ref.IsZero() && now.Sub(ref) > s.statusTTL {
			delete(s.status, id)
		}
	}

	if excess := len(s.status) - s.statusMax; excess > 0 {
		type kv struct {
			id string
			t  time.Time
		}
		items := make([]kv, 0, len(s.status))
		for id, st := range s.status {
			if st.Running {
				continue
			}
			t := st.DoneAt
			if t.IsZero() {
				t = st.CreatedAt
			}
			items = append(items, kv{id: id, t: t})
		}
		sort.Slice(items, func(i, j int) bool { return items[i].t.Before(items[j].t) })
		for i := 0; i < excess && i < len(items); i++ {
			delete(s.status, items[i].id)
		}
	}
	return before - len(s.status)
}
