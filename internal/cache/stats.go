package cache

type counters struct {
	hits      int64
	misses    int64
	sets      int64
	deletes   int64
	evictions int64
}

// Stats is the per-namespace observability snapshot.
type Stats struct {
	Namespace        Namespace `json:"namespace"`
	Hits             int64     `json:"hits"`
	Misses           int64     `json:"misses"`
	Sets             int64     `json:"sets"`
	Deletes          int64     `json:"deletes"`
	Evictions        int64     `json:"evictions"`
	Entries          int       `json:"entries"`
	MemoryUsageBytes int64     `json:"memory_usage_bytes"`
	HitRate          float64   `json:"hit_rate"`
}

// Stats returns the snapshot for one namespace.
func (s *Store) Stats(ns Namespace) Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statsLocked(ns)
}

// AllStats returns snapshots for every namespace.
func (s *Store) AllStats() []Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Stats, 0, len(s.entries))
	for _, ns := range Namespaces() {
		out = append(out, s.statsLocked(ns))
	}
	return out
}

func (s *Store) statsLocked(ns Namespace) Stats {
	c := s.stats[ns]
	if c == nil {
		c = &counters{}
	}
	m := s.entries[ns]

	var memory int64
	for _, e := range m {
		memory += e.sizeBytes
	}

	hitRate := 0.0
	if total := c.hits + c.misses; total > 0 {
		hitRate = float64(c.hits) / float64(total)
	}

	return Stats{
		Namespace:        ns,
		Hits:             c.hits,
		Misses:           c.misses,
		Sets:             c.sets,
		Deletes:          c.deletes,
		Evictions:        c.evictions,
		Entries:          len(m),
		MemoryUsageBytes: memory,
		HitRate:          hitRate,
	}
}
