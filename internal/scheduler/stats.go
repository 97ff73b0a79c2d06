package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/docrelay/extraction-service/internal/scheduler/domain"
)

// StatsStore is the slice of the job store the stats service needs.
type StatsStore interface {
	CountByStatus(ctx context.Context) (map[domain.Status]int, error)
	// CompletedSince counts jobs that reached COMPLETED at or after the
	// given time.
	CompletedSince(ctx context.Context, since time.Time) (int, error)
	AvgExecutionTime(ctx context.Context, since time.Time) (time.Duration, error)
}

// Snapshot is a read-only view over the store; nothing here mutates jobs.
type Snapshot struct {
	Counts            map[domain.Status]int
	Window            time.Duration
	CompletedInWindow int
	ThroughputPerMin  float64
	AvgExecution      time.Duration
}

// StatsService computes queue statistics for operators.
type StatsService struct {
	store StatsStore
	now   func() time.Time
}

// NewStatsService constructs the stats service.
func NewStatsService(store StatsStore) *StatsService {
	return &StatsService{store: store, now: time.Now}
}

// Snapshot gathers counts by status plus throughput and average execution
// time over the trailing window.
func (s *StatsService) Snapshot(ctx context.Context, window time.Duration) (*Snapshot, error) {
	if window <= 0 {
		window = time.Hour
	}

	counts, err := s.store.CountByStatus(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to count jobs by status: %w", err)
	}

	since := s.now().Add(-window)

	completed, err := s.store.CompletedSince(ctx, since)
	if err != nil {
		return nil, fmt.Errorf("failed to compute throughput: %w", err)
	}

	avg, err := s.store.AvgExecutionTime(ctx, since)
	if err != nil {
		return nil, fmt.Errorf("failed to compute average execution time: %w", err)
	}

	return &Snapshot{
		Counts:            counts,
		Window:            window,
		CompletedInWindow: completed,
		ThroughputPerMin:  float64(completed) / window.Minutes(),
		AvgExecution:      avg,
	}, nil
}
