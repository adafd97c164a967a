package routing

import (
	"log/slog"
	"math/rand"
	"sort"

	"github.com/smsterm/gateway/internal/gateway/domain"
)

// Candidate is the view of a terminal the selector needs.
type Candidate interface {
	Name() string
	Connected() bool
	Options() domain.TerminalOptions
}

// Selector picks the terminal that should execute an activity. Candidates
// restricted to operators that match the destination get an extra entry in
// the pool, so the random tie-break is biased toward operator-matched
// terminals.
type Selector struct {
	resolver *Resolver
	logger   *slog.Logger
	randIntn func(n int) int
}

func NewSelector(resolver *Resolver, logger *slog.Logger) *Selector {
	return &Selector{resolver: resolver, logger: logger, randIntn: rand.Intn}
}

// Eligible returns the candidate pool for the activity, operator-matched
// candidates duplicated. The pool may contain the same terminal twice; that
// weighting is deliberate.
func (s *Selector) Eligible(t domain.ActivityType, address, group string, candidates []Candidate) []Candidate {
	var result []Candidate
	var priorities []Candidate
	for _, c := range candidates {
		if !c.Connected() {
			continue
		}
		opts := c.Options()
		if group != "" && opts.Group != group {
			continue
		}
		if t == domain.ActivityCall && !opts.AllowCall {
			continue
		}
		if t == domain.ActivitySMS && !opts.SendMessage {
			continue
		}
		if len(opts.Operators) > 0 && t != domain.ActivityUSSD {
			op, err := s.resolver.Resolve(address)
			if err != nil {
				s.logger.Error("Operator resolution failed", "address", address, "error", err)
				continue
			}
			if op == "" || !opts.HasOperator(op) {
				continue
			}
			// operator-matched terminals get the extra weighted entry
			priorities = append(priorities, c)
		}
		result = append(result, c)
	}
	if len(result) > 1 && len(priorities) > 0 {
		result = append(result, priorities...)
	}
	return result
}

// Pick selects one terminal from candidates, or nil when none is eligible.
func (s *Selector) Pick(t domain.ActivityType, address, group string, candidates []Candidate) Candidate {
	pool := s.Eligible(t, address, group, candidates)
	if len(pool) == 0 {
		return nil
	}
	index := 0
	if len(pool) > 1 {
		sort.SliceStable(pool, func(i, j int) bool {
			return pool[i].Options().Priority < pool[j].Options().Priority
		})
		index = s.randIntn(len(pool))
	}
	return pool[index]
}
