package edge

import (
	"math"
	"sync/atomic"
)

// Outcomes reported in the X-Scarlet-Edge header.
const (
	outcomeHit        = "hit"
	outcomeMiss       = "miss"
	outcomeNetwork    = "network"
	outcomeFallback   = "fallback"
	outcomeOffline    = "offline"
	outcomeBypass     = "bypass"
	outcomeBadGateway = "bad-gateway"
)

type statsCollector struct {
	hits       atomic.Uint64
	misses     atomic.Uint64
	network    atomic.Uint64
	fallbacks  atomic.Uint64
	offline    atomic.Uint64
	bypass     atomic.Uint64
	badGateway atomic.Uint64

	totalResponses atomic.Uint64
	totalRespBytes atomic.Uint64
	minRespBytes   atomic.Uint64
	maxRespBytes   atomic.Uint64
}

func newStatsCollector() *statsCollector {
	s := &statsCollector{}
	s.minRespBytes.Store(math.MaxUint64)
	return s
}

// Observe records one served response.
func (s *statsCollector) Observe(outcome string, respBytes int) {
	switch outcome {
	case outcomeHit:
		s.hits.Add(1)
	case outcomeMiss:
		s.misses.Add(1)
	case outcomeNetwork:
		s.network.Add(1)
	case outcomeFallback:
		s.fallbacks.Add(1)
	case outcomeOffline:
		s.offline.Add(1)
	case outcomeBypass:
		s.bypass.Add(1)
	case outcomeBadGateway:
		s.badGateway.Add(1)
		return
	}

	if respBytes < 0 {
		respBytes = 0
	}
	n := uint64(respBytes)
	s.totalResponses.Add(1)
	s.totalRespBytes.Add(n)

	for {
		cur := s.minRespBytes.Load()
		if n >= cur || s.minRespBytes.CompareAndSwap(cur, n) {
			break
		}
	}
	for {
		cur := s.maxRespBytes.Load()
		if n <= cur || s.maxRespBytes.CompareAndSwap(cur, n) {
			break
		}
	}
}

type statsSnapshot struct {
	Hits       uint64 `json:"hits"`
	Misses     uint64 `json:"misses"`
	Network    uint64 `json:"network"`
	Fallbacks  uint64 `json:"fallbacks"`
	Offline    uint64 `json:"offline"`
	Bypass     uint64 `json:"bypass"`
	BadGateway uint64 `json:"badGateway"`

	TotalResponses uint64 `json:"totalResponses"`
	TotalRespBytes uint64 `json:"totalRespBytes"`
	MinRespBytes   uint64 `json:"minRespBytes"`
	MaxRespBytes   uint64 `json:"maxRespBytes"`
	AvgRespBytes   uint64 `json:"avgRespBytes"`
}

func (s *statsCollector) Snapshot() statsSnapshot {
	ss := statsSnapshot{
		Hits:           s.hits.Load(),
		Misses:         s.misses.Load(),
		Network:        s.network.Load(),
		Fallbacks:      s.fallbacks.Load(),
		Offline:        s.offline.Load(),
		Bypass:         s.bypass.Load(),
		BadGateway:     s.badGateway.Load(),
		TotalResponses: s.totalResponses.Load(),
		TotalRespBytes: s.totalRespBytes.Load(),
		MaxRespBytes:   s.maxRespBytes.Load(),
	}
	if ss.TotalResponses == 0 {
		return ss
	}
	if minv := s.minRespBytes.Load(); minv != math.MaxUint64 {
		ss.MinRespBytes = minv
	}
	ss.AvgRespBytes = ss.TotalRespBytes / ss.TotalResponses
	return ss
}
