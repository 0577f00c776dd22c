package payment

import "time"

// CheckoutAttempt records one dispatch attempt against a single calling convention.
type CheckoutAttempt struct {
	Strategy       string    `json:"strategy"`
	Success        bool      `json:"success"`
	DurationMillis int64     `json:"durationMillis"`
	ErrorMessage   string    `json:"errorMessage,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

// StrategyStats aggregates attempts for one calling convention.
type StrategyStats struct {
	Strategy            string `json:"strategy"`
	Attempts            int64  `json:"attempts"`
	Successes           int64  `json:"successes"`
	TotalDurationMillis int64  `json:"totalDurationMillis"`
}

// Add folds an attempt into the aggregate.
func (s *StrategyStats) Add(attempt CheckoutAttempt) {
	s.Attempts++
	if attempt.Success {
		s.Successes++
	}
	if attempt.DurationMillis > 0 {
		s.TotalDurationMillis += attempt.DurationMillis
	}
}

// SuccessRate returns successes/attempts, or 0 without attempts.
func (s StrategyStats) SuccessRate() float64 {
	if s.Attempts == 0 {
		return 0
	}
	return float64(s.Successes) / float64(s.Attempts)
}

// AvgLatencyMillis returns the mean attempt duration, or 0 without attempts.
func (s StrategyStats) AvgLatencyMillis() float64 {
	if s.Attempts == 0 {
		return 0
	}
	return float64(s.TotalDurationMillis) / float64(s.Attempts)
}

// Score ranks a strategy: one point per percent of success, minus one point per 100ms of mean latency.
// Strategies without attempts score 0.
func (s StrategyStats) Score() float64 {
	if s.Attempts == 0 {
		return 0
	}
	return s.SuccessRate()*100 - s.AvgLatencyMillis()/100
}
