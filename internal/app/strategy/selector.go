// Package strategy ranks checkout calling conventions by observed success rate and latency.
package strategy

import (
	"sort"
	"strings"
	"sync"

	"github.com/coachpo/paywatch/internal/domain/payment"
)

// DefaultLedgerLimit bounds the number of attempts retained for diagnostics.
const DefaultLedgerLimit = 1024

// Ranking is one strategy's position in the fallback chain.
type Ranking struct {
	payment.StrategyStats
	Score       float64 `json:"score"`
	SuccessRate float64 `json:"successRate"`
	AvgLatency  float64 `json:"avgLatencyMillis"`
}

// Selector tracks attempt outcomes per strategy. It is safe for concurrent use.
type Selector struct {
	mu          sync.RWMutex
	order       []string
	stats       map[string]*payment.StrategyStats
	ledger      []payment.CheckoutAttempt
	ledgerLimit int
}

// Option customises a Selector.
type Option func(*Selector)

// WithLedgerLimit caps the retained attempt history. Aggregates are unaffected by the cap.
func WithLedgerLimit(n int) Option {
	return func(s *Selector) {
		if n > 0 {
			s.ledgerLimit = n
		}
	}
}

// NewSelector registers names in order; registration order breaks score ties.
func NewSelector(names []string, opts ...Option) *Selector {
	s := &Selector{
		stats:       make(map[string]*payment.StrategyStats),
		ledgerLimit: DefaultLedgerLimit,
	}
	for _, opt := range opts {
		opt(s)
	}
	for _, name := range names {
		s.Register(name)
	}
	return s
}

// Register adds a strategy with empty stats. It reports false for blank or duplicate names.
func (s *Selector) Register(name string) bool {
	name = strings.TrimSpace(name)
	if name == "" {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.registerLocked(name)
}

func (s *Selector) registerLocked(name string) bool {
	if _, exists := s.stats[name]; exists {
		return false
	}
	s.order = append(s.order, name)
	s.stats[name] = &payment.StrategyStats{Strategy: name}
	return true
}

// Names returns the registered strategies in registration order.
func (s *Selector) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.order...)
}

// Record folds an attempt into the strategy aggregate. Unknown strategies are registered on first sight.
func (s *Selector) Record(attempt payment.CheckoutAttempt) {
	name := strings.TrimSpace(attempt.Strategy)
	if name == "" {
		return
	}
	attempt.Strategy = name
	s.mu.Lock()
	defer s.mu.Unlock()
	s.registerLocked(name)
	s.stats[name].Add(attempt)
	s.ledger = append(s.ledger, attempt)
	if overflow := len(s.ledger) - s.ledgerLimit; overflow > 0 {
		s.ledger = append(s.ledger[:0:0], s.ledger[overflow:]...)
	}
}

// Rank returns every registered strategy ordered by descending score.
func (s *Selector) Rank() []string {
	rankings := s.Rankings()
	names := make([]string, len(rankings))
	for i, r := range rankings {
		names[i] = r.Strategy
	}
	return names
}

// Best returns the top-ranked strategy, or false when none are registered.
func (s *Selector) Best() (string, bool) {
	ranked := s.Rank()
	if len(ranked) == 0 {
		return "", false
	}
	return ranked[0], true
}

// Rankings returns stats and scores in rank order.
func (s *Selector) Rankings() []Ranking {
	s.mu.RLock()
	out := make([]Ranking, len(s.order))
	for i, name := range s.order {
		out[i] = newRanking(*s.stats[name])
	}
	s.mu.RUnlock()
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out
}

// Stats returns a copy of the aggregate for every registered strategy.
func (s *Selector) Stats() map[string]payment.StrategyStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]payment.StrategyStats, len(s.stats))
	for name, stats := range s.stats {
		out[name] = *stats
	}
	return out
}

// Ledger returns a copy of the retained attempt history, oldest first.
func (s *Selector) Ledger() []payment.CheckoutAttempt {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]payment.CheckoutAttempt(nil), s.ledger...)
}

// Aggregate recomputes per-strategy stats from a ledger. The result does not depend on ledger order.
func Aggregate(attempts []payment.CheckoutAttempt) map[string]payment.StrategyStats {
	out := make(map[string]payment.StrategyStats)
	for _, attempt := range attempts {
		name := strings.TrimSpace(attempt.Strategy)
		if name == "" {
			continue
		}
		stats := out[name]
		stats.Strategy = name
		stats.Add(attempt)
		out[name] = stats
	}
	return out
}

// BestOf returns the highest-scoring strategy in stats, breaking ties by the order of names.
func BestOf(names []string, stats map[string]payment.StrategyStats) (string, bool) {
	best, found := "", false
	bestScore := 0.0
	for _, name := range names {
		score := stats[name].Score()
		if !found || score > bestScore {
			best, bestScore, found = name, score, true
		}
	}
	return best, found
}

func newRanking(stats payment.StrategyStats) Ranking {
	return Ranking{
		StrategyStats: stats,
		Score:         stats.Score(),
		SuccessRate:   stats.SuccessRate(),
		AvgLatency:    stats.AvgLatencyMillis(),
	}
}
