package operations

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"stockpulse/pkg/contracts/domain"
)

// recordingPublisher keeps every published snapshot in order
type recordingPublisher struct {
	mu    sync.Mutex
	snaps []*domain.ProgressSnapshot
	fail  bool
}

func (p *recordingPublisher) Publish(ctx context.Context, snap *domain.ProgressSnapshot) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail {
		return errors.New("fast backend down")
	}
	p.snaps = append(p.snaps, snap.Clone())
	return nil
}

func (p *recordingPublisher) all() []*domain.ProgressSnapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*domain.ProgressSnapshot(nil), p.snaps...)
}

func (p *recordingPublisher) last() *domain.ProgressSnapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.snaps) == 0 {
		return nil
	}
	return p.snaps[len(p.snaps)-1]
}

// fakeClock advances only when told to
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 4, 1, 9, 30, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func testInput() domain.JobInput {
	return domain.JobInput{SubjectID: "600519", Category: domain.CategoryAShare}
}

func newTestTracker(pub Publisher, clock *fakeClock) (*Job, *ProgressTracker) {
	table := MustStageTable(DefaultStageWeights())
	job := newJob("job-1", testInput(), table, clock.Now())
	tr := NewProgressTracker(job, pub)
	tr.now = clock.Now
	return job, tr
}
