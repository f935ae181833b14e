// Package sampler deduplicates masked queries and admits a deterministic
// fraction of each query shape for replay.
package sampler

import (
	"fmt"

	"querycheck/internal/domain"
	"querycheck/internal/sqlmask"
)

// Policy selects how an occurrence count maps onto the ten sampling slots.
type Policy string

const (
	// PolicyZeroBased admits occurrence i when (i-1) mod 10 < p, so the
	// first p of every ten occurrences replay.
	PolicyZeroBased Policy = "zero-based"
	// PolicyOriginal admits occurrence i when i mod 10 < p. It skips the
	// p-th occurrence and admits the tenth.
	PolicyOriginal Policy = "original"
)

// ParsePolicy converts a configuration value into a Policy. Empty selects
// PolicyZeroBased.
func ParsePolicy(s string) (Policy, error) {
	switch p := Policy(s); p {
	case "":
		return PolicyZeroBased, nil
	case PolicyZeroBased, PolicyOriginal:
		return p, nil
	default:
		return "", domain.ErrValidation("unknown sampling policy %q", s)
	}
}

// slot returns the position of the count-th occurrence in its window of ten.
func (p Policy) slot(count int64) int64 {
	if p == PolicyOriginal {
		return count % 10
	}
	return (count - 1) % 10
}

// Decision is the sampler's verdict on one observed entry.
type Decision struct {
	// Sample is set on the first occurrence of a hash within the run.
	Sample *domain.SampleRecord
	// Admit reports whether the entry should be replayed.
	Admit bool
	// Count is the occurrence number of this entry's hash, starting at 1.
	Count int64
}

// Sampler owns the occurrence counter for one WorkItem. It is not safe for
// concurrent use; decoding and sampling run sequentially.
type Sampler struct {
	taskID       string
	checkPercent int64
	rerun        bool
	policy       Policy

	counts map[string]int64
}

// New returns a Sampler with an empty counter.
func New(taskID string, checkPercent int, rerun bool, policy Policy) (*Sampler, error) {
	if checkPercent < domain.MinCheckPercent || checkPercent > domain.MaxCheckPercent {
		return nil, domain.ErrValidation("check_percent must be between %d and %d, got %d",
			domain.MinCheckPercent, domain.MaxCheckPercent, checkPercent)
	}
	if policy == "" {
		policy = PolicyZeroBased
	}
	if policy != PolicyZeroBased && policy != PolicyOriginal {
		return nil, fmt.Errorf("new sampler: %w", domain.ErrValidation("unknown sampling policy %q", policy))
	}
	return &Sampler{
		taskID:       taskID,
		checkPercent: int64(checkPercent),
		rerun:        rerun,
		policy:       policy,
		counts:       make(map[string]int64),
	}, nil
}

// Observe counts entry under its SQLHash. The entry must already carry its
// mask and hash.
func (s *Sampler) Observe(entry domain.LogEntry) Decision {
	s.counts[entry.SQLHash]++
	count := s.counts[entry.SQLHash]

	d := Decision{Count: count}
	if count == 1 {
		d.Sample = &domain.SampleRecord{
			TaskID:   s.taskID,
			SQLHash:  entry.SQLHash,
			SQLMask:  entry.SQLMask,
			RawQuery: entry.RawQuery,
			Database: entry.Database,
		}
	}
	d.Admit = s.rerun &&
		s.policy.slot(count) < s.checkPercent &&
		sqlmask.IsReadQuery(entry.SQLMask)
	return d
}

// Distinct returns the number of distinct hashes observed.
func (s *Sampler) Distinct() int { return len(s.counts) }

// Count returns the occurrences observed for hash.
func (s *Sampler) Count(hash string) int64 { return s.counts[hash] }
