// Package filter evaluates the active filter rules against every event before
// it is persisted.
package filter

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/telhawk-systems/telhawk-syslog/common/database"
	"github.com/telhawk-systems/telhawk-syslog/common/logging"
	"github.com/telhawk-systems/telhawk-syslog/syslog/internal/match"
	"github.com/telhawk-systems/telhawk-syslog/syslog/internal/metrics"
	"github.com/telhawk-systems/telhawk-syslog/syslog/internal/models"
	"github.com/telhawk-systems/telhawk-syslog/syslog/internal/repository"
)

// Result is the accumulated outcome of every matching rule.
type Result struct {
	Drop    bool
	Alert   bool
	Forward bool
	Tags    []string
	// Matched holds the names of the rules that counted a match.
	Matched []string
}

type rule struct {
	filter  *models.Filter
	matcher *match.Matcher
}

type ruleset struct {
	drops  []rule
	others []rule
}

// Engine holds the compiled rules as an immutable snapshot that Refresh
// swaps atomically, so Evaluate never takes a lock on the rules.
type Engine struct {
	repo    repository.FilterRepository
	tracker *metrics.Tracker
	logger  *logging.Logger

	rules atomic.Pointer[ruleset]

	mu     sync.Mutex
	counts map[string]int64
}

func NewEngine(repo repository.FilterRepository, tracker *metrics.Tracker, logger *logging.Logger) *Engine {
	e := &Engine{
		repo:    repo,
		tracker: tracker,
		logger:  logging.OrNop(logger).Component("filter"),
		counts:  make(map[string]int64),
	}
	e.rules.Store(&ruleset{})
	return e
}

// Load compiles filters and replaces the active rules. Inactive or invalid
// filters are skipped; the returned error lists the invalid ones.
func (e *Engine) Load(filters []*models.Filter) error {
	next := &ruleset{}
	var invalid []string
	for _, f := range filters {
		if !f.IsActive {
			continue
		}
		if err := f.Validate(); err != nil {
			invalid = append(invalid, err.Error())
			continue
		}
		m, err := match.Compile(f.Criteria)
		if err != nil {
			invalid = append(invalid, fmt.Sprintf("filter %q: %v", f.Name, err))
			continue
		}
		r := rule{filter: f, matcher: m}
		if f.Action == models.ActionDrop {
			next.drops = append(next.drops, r)
		} else {
			next.others = append(next.others, r)
		}
	}
	e.rules.Store(next)
	if len(invalid) > 0 {
		return fmt.Errorf("skipped %d invalid filters: %v", len(invalid), invalid)
	}
	return nil
}

// Refresh reloads the active filters from the repository. On a read error
// the current rules stay in place.
func (e *Engine) Refresh(ctx context.Context) error {
	ctx, cancel := database.QueryContext(ctx)
	defer cancel()

	filters, err := e.repo.ListActiveFilters(ctx)
	if err != nil {
		return fmt.Errorf("failed to list filters: %w", err)
	}
	if err := e.Load(filters); err != nil {
		e.logger.Warn("ignoring invalid filters", logging.Error(err))
	}
	return nil
}

// Rules returns the number of active rules.
func (e *Engine) Rules() int {
	rs := e.rules.Load()
	return len(rs.drops) + len(rs.others)
}

// Evaluate runs ev through the active rules. Any matching drop rule wins: only
// drop rules are counted and no other action is reported.
func (e *Engine) Evaluate(ev *models.Event) Result {
	rs := e.rules.Load()

	var res Result
	for _, r := range rs.drops {
		if r.matcher.Match(ev) {
			res.Drop = true
			res.Matched = append(res.Matched, r.filter.Name)
			e.count(r.filter)
		}
	}
	if res.Drop {
		return res
	}

	for _, r := range rs.others {
		if !r.matcher.Match(ev) {
			continue
		}
		res.Matched = append(res.Matched, r.filter.Name)
		e.count(r.filter)
		switch r.filter.Action {
		case models.ActionAlert:
			res.Alert = true
		case models.ActionForward:
			res.Forward = true
		case models.ActionTag:
			res.Tags = appendUnique(res.Tags, r.filter.TagValue())
		}
	}
	return res
}

func (e *Engine) count(f *models.Filter) {
	e.mu.Lock()
	e.counts[f.ID]++
	e.mu.Unlock()
	if e.tracker != nil {
		e.tracker.FilterMatch(string(f.Action))
	}
}

// PendingCounts returns the match counts not yet written back.
func (e *Engine) PendingCounts() map[string]int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]int64, len(e.counts))
	for id, n := range e.counts {
		out[id] = n
	}
	return out
}

// FlushCounts writes accumulated match counts to the repository. Counts that
// fail to write are kept for the next flush.
func (e *Engine) FlushCounts(ctx context.Context) error {
	e.mu.Lock()
	pending := e.counts
	e.counts = make(map[string]int64)
	e.mu.Unlock()

	if len(pending) == 0 {
		return nil
	}

	ctx, cancel := database.WriteContext(ctx)
	defer cancel()

	if err := e.repo.IncrementMatchCounts(ctx, pending); err != nil {
		e.mu.Lock()
		for id, n := range pending {
			e.counts[id] += n
		}
		e.mu.Unlock()
		return fmt.Errorf("failed to flush filter match counts: %w", err)
	}
	return nil
}

// Run refreshes rules every reloadInterval and flushes counts every
// flushInterval until ctx is done, then flushes once more.
func (e *Engine) Run(ctx context.Context, reloadInterval, flushInterval time.Duration) {
	reload := time.NewTicker(reloadInterval)
	defer reload.Stop()
	flush := time.NewTicker(flushInterval)
	defer flush.Stop()

	for {
		select {
		case <-ctx.Done():
			if err := e.FlushCounts(context.Background()); err != nil {
				e.logger.Error("final filter count flush failed", logging.Error(err))
			}
			return
		case <-reload.C:
			if err := e.Refresh(ctx); err != nil {
				e.logger.Error("filter reload failed", logging.Error(err))
			}
		case <-flush.C:
			if err := e.FlushCounts(ctx); err != nil {
				e.logger.Warn("filter count flush failed", logging.Error(err))
			}
		}
	}
}

func appendUnique(tags []string, tag string) []string {
	for _, t := range tags {
		if t == tag {
			return tags
		}
	}
	return append(tags, tag)
}
