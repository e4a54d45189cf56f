package model

import (
	"sort"
	"sync"
	"time"
)

// RunStatus is the terminal status of a pipeline run.
type RunStatus string

// Run statuses.
const (
	RunCompleted           RunStatus = "completed"
	RunCompletedWithErrors RunStatus = "completed_with_errors"
	RunFailed              RunStatus = "failed"
)

// SourceSummary holds per-source counters.
type SourceSummary struct {
	Name               string `json:"name"`
	FilesProcessed     int    `json:"files_processed"`
	RecordsExtracted   int64  `json:"records_extracted"`
	RecordsValidated   int64  `json:"records_validated_ok"`
	RecordsRejected    int64  `json:"records_rejected"`
	RecordsQuarantined int64  `json:"records_quarantined,omitempty"`
	RowErrors          int64  `json:"row_errors"`
	Failed             bool   `json:"failed"`
	Error              string `json:"error,omitempty"`
}

// ReviewItem surfaces a needs_review group for manual follow-up.
type ReviewItem struct {
	GroupID     string   `json:"group_id"`
	IdentityKey string   `json:"identity_key"`
	Sources     []string `json:"sources"`
	Note        string   `json:"note"`
}

// BatchFailure describes a batch skipped after its retry failed.
type BatchFailure struct {
	Batch  int    `json:"batch"`
	Groups int    `json:"groups"`
	Error  string `json:"error"`
}

// RunSummary accumulates statistics through every phase of a run and is
// finalized once at the end. Source merges may come from concurrent workers.
type RunSummary struct {
	mu sync.Mutex

	RunID              string          `json:"run_id"`
	Status             RunStatus       `json:"status"`
	StartedAt          time.Time       `json:"started_at"`
	Duration           time.Duration   `json:"duration"`
	FilesProcessed     int             `json:"files_processed"`
	RecordsExtracted   int64           `json:"records_extracted"`
	RecordsValidated   int64           `json:"records_validated_ok"`
	RecordsRejected    int64           `json:"records_rejected"`
	RecordsQuarantined int64           `json:"records_quarantined"`
	RecordsInserted    int64           `json:"records_inserted"`
	RowErrors          int64           `json:"row_errors"`
	DuplicateGroups    int             `json:"duplicate_groups"`
	GroupsByReason     map[string]int  `json:"groups_by_reason"`
	Sources            []SourceSummary `json:"sources"`
	SourceErrors       map[string]int  `json:"source_errors"`
	Reviews            []ReviewItem    `json:"reviews,omitempty"`
	BatchesWritten     int             `json:"batches_written"`
	BatchFailures      []BatchFailure  `json:"batch_failures,omitempty"`
	Failure            string          `json:"failure,omitempty"`
	Cancelled          bool            `json:"cancelled,omitempty"`
}

// NewRunSummary creates an empty accumulator.
func NewRunSummary(runID string, startedAt time.Time) *RunSummary {
	return &RunSummary{
		RunID:          runID,
		StartedAt:      startedAt,
		GroupsByReason: make(map[string]int),
		SourceErrors:   make(map[string]int),
	}
}

// AddSource merges one source's counters. Safe for concurrent use.
func (s *RunSummary) AddSource(src SourceSummary) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.Sources = append(s.Sources, src)
	s.FilesProcessed += src.FilesProcessed
	s.RecordsExtracted += src.RecordsExtracted
	s.RecordsValidated += src.RecordsValidated
	s.RecordsRejected += src.RecordsRejected
	s.RecordsQuarantined += src.RecordsQuarantined
	s.RowErrors += src.RowErrors
	if src.RowErrors > 0 || src.Failed {
		errs := int(src.RowErrors)
		if src.Failed {
			errs++
		}
		s.SourceErrors[src.Name] += errs
	}
}

// AddGroups records the resolver output.
func (s *RunSummary) AddGroups(groups []DuplicateGroup) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.DuplicateGroups += len(groups)
	for _, g := range groups {
		s.GroupsByReason[string(g.Reason)]++
		if g.Reason == ReasonNeedsReview {
			s.Reviews = append(s.Reviews, ReviewItem{
				GroupID:     g.GroupID,
				IdentityKey: g.IdentityKey,
				Sources:     g.SourceNames(),
				Note:        g.ReviewNote,
			})
		}
	}
}

// AddBatch records a committed batch.
func (s *RunSummary) AddBatch(inserted int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.BatchesWritten++
	s.RecordsInserted += inserted
}

// AddBatchFailure records a batch that failed after its retry.
func (s *RunSummary) AddBatchFailure(f BatchFailure) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.BatchFailures = append(s.BatchFailures, f)
}

// MarkCancelled records that the run stopped early on cancellation.
func (s *RunSummary) MarkCancelled() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Cancelled = true
}

// Fail marks the run as a RunFailure.
func (s *RunSummary) Fail(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Failure = reason
	s.Status = RunFailed
}

// SucceededSources returns the number of sources that did not fail.
func (s *RunSummary) SucceededSources() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, src := range s.Sources {
		if !src.Failed {
			n++
		}
	}
	return n
}

// Finalize sets the duration and terminal status. A failed status set earlier is kept.
func (s *RunSummary) Finalize(duration time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.Duration = duration
	sort.Slice(s.Sources, func(i, j int) bool { return s.Sources[i].Name < s.Sources[j].Name })

	if s.Status == RunFailed {
		return
	}
	if len(s.SourceErrors) > 0 || len(s.BatchFailures) > 0 || len(s.Reviews) > 0 || s.Cancelled {
		s.Status = RunCompletedWithErrors
		return
	}
	s.Status = RunCompleted
}

// Source returns the summary for a named source.
func (s *RunSummary) Source(name string) (SourceSummary, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, src := range s.Sources {
		if src.Name == name {
			return src, true
		}
	}
	return SourceSummary{}, false
}
