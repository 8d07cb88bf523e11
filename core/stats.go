package core

import (
	"encoding/json"
	"fmt"

	"github.com/searchktools/super-server/core/pools"
)

// Stats is a point-in-time view of the server's pools
type Stats struct {
	Connections    int                   `json:"connections"`
	Workers        pools.WorkerPoolStats `json:"workers"`
	ConnectionPool ConnectionPoolStats   `json:"connection_pool"`
	Scratch        pools.BytePoolStats   `json:"scratch"`
}

type ConnectionPoolStats struct {
	Gets    uint64  `json:"gets"`
	Puts    uint64  `json:"puts"`
	HitRate float64 `json:"hit_rate"`
}

// Stats is safe to call from any goroutine
func (s *Server) Stats() Stats {
	stats := Stats{
		Connections: int(s.active.Load()),
	}
	if s.scratch != nil {
		stats.Scratch = s.scratch.Stats()
	}
	if s.workers != nil {
		stats.Workers = s.workers.Stats()
	}
	if s.connPool != nil {
		gets, puts, hitRate := s.connPool.Stats()
		stats.ConnectionPool = ConnectionPoolStats{Gets: gets, Puts: puts, HitRate: hitRate}
	}
	return stats
}

// StatsJSON returns Stats as indented JSON
func (s *Server) StatsJSON() string {
	data, _ := json.MarshalIndent(s.Stats(), "", "  ")
	return string(data)
}

// StatsText returns Stats as a one-line summary for the log
func (s *Server) StatsText() string {
	st := s.Stats()
	return fmt.Sprintf("connections=%d workers=%d submitted=%d completed=%d panicked=%d conn_pool_gets=%d puts=%d hit=%.2f%% scratch_gets=%d",
		st.Connections, st.Workers.NumWorkers, st.Workers.TasksSubmitted, st.Workers.TasksCompleted,
		st.Workers.TasksPanicked, st.ConnectionPool.Gets, st.ConnectionPool.Puts, st.ConnectionPool.HitRate*100,
		st.Scratch.TotalGets)
}
