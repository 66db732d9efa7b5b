// Package memory maintains per-(user, mode) conversational logs under a
// token budget. Entries are appended durably; when the log outgrows the
// budget the oldest entries are folded into a rolling summary.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/supermd/syncd/pkg/logger"
	"github.com/supermd/syncd/pkg/storage"
)

// Entry is one appended log item.
type Entry = storage.MemoryEntry

// Summary is the rolling summary of folded entries, at most one per
// (user, mode) log.
type Summary = storage.MemorySummary

// Window is the retrievable state of a log: the summary, if any, followed
// by the surviving entries in creation order.
type Window struct {
	Summary *Summary `json:"summary,omitempty"`
	Entries []*Entry `json:"entries"`
}

// Tokens returns the window's total token cost.
func (w *Window) Tokens() int {
	total := 0
	if w.Summary != nil {
		total += w.Summary.Tokens
	}
	for _, e := range w.Entries {
		total += e.Tokens
	}
	return total
}

// Summarizer folds a batch of entries into a new summary, carrying the
// prior summary text forward. A nil Summarizer degrades trimming to
// lossy truncation.
type Summarizer interface {
	Summarize(ctx context.Context, prior string, batch []*Entry) (string, error)
}

// Metrics receives trim instrumentation. Implemented by
// pkg/metrics.Manager; nil disables instrumentation.
type Metrics interface {
	TrimPass(folded int, duration time.Duration)
	SummarizeFailed()
}

// Config holds the compaction tunables.
type Config struct {
	// MaxTokens is the log's token ceiling.
	MaxTokens int
	// MinBatch is the minimum number of entries folded per summarization,
	// so each LLM call amortizes over enough content.
	MinBatch int
	// MaxTrimPasses caps the trim loop.
	MaxTrimPasses int
	// SummarizeTimeout bounds a single summarizer call.
	SummarizeTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.MaxTokens <= 0 {
		c.MaxTokens = 1600
	}
	if c.MinBatch <= 0 {
		c.MinBatch = 4
	}
	if c.MaxTrimPasses <= 0 {
		c.MaxTrimPasses = 16
	}
	if c.SummarizeTimeout <= 0 {
		c.SummarizeTimeout = 30 * time.Second
	}
}

type logKey struct {
	userID string
	mode   string
}

// Service owns the append/load/trim lifecycle of memory logs. Trims for
// the same (user, mode) are serialized by a keyed mutex; different logs
// trim concurrently.
type Service struct {
	log        logger.Logger
	store      storage.MemoryStore
	summarizer Summarizer
	metrics    Metrics
	cfg        Config
	estimate   func(string) int

	mu    sync.Mutex
	locks map[logKey]*sync.Mutex
}

// ServiceOption configures optional service collaborators.
type ServiceOption func(*Service)

// WithSummarizer wires an LLM summarizer for trim folding.
func WithSummarizer(s Summarizer) ServiceOption {
	return func(svc *Service) { svc.summarizer = s }
}

// WithMetrics wires trim instrumentation.
func WithMetrics(m Metrics) ServiceOption {
	return func(svc *Service) { svc.metrics = m }
}

// WithEstimator replaces the token estimator.
func WithEstimator(f func(string) int) ServiceOption {
	return func(svc *Service) { svc.estimate = f }
}

// NewService creates a memory service.
func NewService(log logger.Logger, store storage.MemoryStore, cfg Config, opts ...ServiceOption) *Service {
	cfg.applyDefaults()
	if log == nil {
		log = logger.Nop()
	}
	svc := &Service{
		log:      log,
		store:    store,
		cfg:      cfg,
		estimate: EstimateTokens,
		locks:    make(map[logKey]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(svc)
	}
	return svc
}

// Append durably appends entries to a log, then trims it back under the
// budget. The append is committed before trimming starts, so a trim
// failure never loses appended entries.
func (s *Service) Append(ctx context.Context, userID, mode string, entries []*Entry) error {
	if userID == "" || mode == "" {
		return fmt.Errorf("memory: user id and mode are required")
	}
	if len(entries) == 0 {
		return nil
	}

	now := time.Now().UTC()
	for _, e := range entries {
		e.UserID = userID
		e.Mode = mode
		if e.ID == "" {
			e.ID = uuid.NewString()
		}
		if e.Tokens <= 0 {
			e.Tokens = s.estimate(e.Content)
		}
		if e.CreatedAt.IsZero() {
			e.CreatedAt = now
		}
	}

	if err := s.store.AppendEntries(ctx, entries); err != nil {
		return fmt.Errorf("memory: append entries: %w", err)
	}

	if err := s.Trim(ctx, userID, mode); err != nil {
		// Entries are already durable; the next append or explicit trim
		// retries compaction.
		s.log.WarnContext(ctx, "trim after append failed", "user", userID, "mode", mode, "error", err)
	}
	return nil
}

// Load returns the log's current window. An unavailable store degrades to
// an empty window so agent context retrieval keeps working without memory
// rather than failing the request.
func (s *Service) Load(ctx context.Context, userID, mode string) (*Window, error) {
	w := &Window{Entries: []*Entry{}}

	entries, err := s.store.ListEntries(ctx, userID, mode)
	if err != nil {
		s.log.WarnContext(ctx, "memory log unavailable, serving empty window",
			"user", userID, "mode", mode, "error", err)
		return w, nil
	}
	w.Entries = entries

	summary, err := s.store.GetSummary(ctx, userID, mode)
	switch {
	case err == nil:
		w.Summary = summary
	case isNotFound(err):
		// No folded history yet.
	default:
		s.log.WarnContext(ctx, "memory summary unavailable",
			"user", userID, "mode", mode, "error", err)
	}
	return w, nil
}

// Trim folds the oldest entries into the summary until the log fits the
// token budget. Each pass re-reads the log, folds one batch, and
// re-checks; the pass cap bounds the loop if folding cannot make
// progress.
func (s *Service) Trim(ctx context.Context, userID, mode string) error {
	mu := s.logLock(userID, mode)
	mu.Lock()
	defer mu.Unlock()

	for pass := 0; pass < s.cfg.MaxTrimPasses; pass++ {
		done, err := s.trimOnce(ctx, userID, mode)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
	}
	s.log.WarnContext(ctx, "trim pass cap reached", "user", userID, "mode", mode)
	return nil
}

// trimOnce performs a single fold pass. It reports done when the log is
// within budget or nothing more can be folded.
func (s *Service) trimOnce(ctx context.Context, userID, mode string) (bool, error) {
	start := time.Now()

	entries, err := s.store.ListEntries(ctx, userID, mode)
	if err != nil {
		return false, fmt.Errorf("memory: list entries: %w", err)
	}

	var summary *Summary
	current, err := s.store.GetSummary(ctx, userID, mode)
	switch {
	case err == nil:
		summary = current
	case isNotFound(err):
	default:
		return false, fmt.Errorf("memory: get summary: %w", err)
	}

	total := 0
	if summary != nil {
		total += summary.Tokens
	}
	for _, e := range entries {
		total += e.Tokens
	}
	if total <= s.cfg.MaxTokens {
		return true, nil
	}

	// Fold oldest-first until the batch covers the overflow and is large
	// enough to be worth a summarizer call.
	overflow := total - s.cfg.MaxTokens
	batch := make([]*Entry, 0, s.cfg.MinBatch)
	folded := 0
	for _, e := range entries {
		if folded >= overflow && len(batch) >= s.cfg.MinBatch {
			break
		}
		batch = append(batch, e)
		folded += e.Tokens
	}
	if len(batch) == 0 {
		// Over budget on the summary alone; nothing left to fold.
		return true, nil
	}

	prior := ""
	if summary != nil {
		prior = summary.Content
	}

	if s.summarizer != nil {
		sctx, cancel := context.WithTimeout(ctx, s.cfg.SummarizeTimeout)
		content, serr := s.summarizer.Summarize(sctx, prior, batch)
		cancel()
		if serr != nil {
			// Lossy fallback: drop the batch, keep the prior summary.
			s.log.WarnContext(ctx, "summarization failed, dropping folded entries",
				"user", userID, "mode", mode, "entries", len(batch), "error", serr)
			if s.metrics != nil {
				s.metrics.SummarizeFailed()
			}
		} else {
			next := &Summary{
				UserID:    userID,
				Mode:      mode,
				Content:   content,
				Tokens:    s.estimate(content),
				UpdatedAt: time.Now().UTC(),
			}
			if err := s.store.PutSummary(ctx, next); err != nil {
				return false, fmt.Errorf("memory: put summary: %w", err)
			}
		}
	} else {
		s.log.DebugContext(ctx, "no summarizer configured, dropping folded entries",
			"user", userID, "mode", mode, "entries", len(batch))
	}

	ids := make([]string, len(batch))
	for i, e := range batch {
		ids[i] = e.ID
	}
	if err := s.store.DeleteEntries(ctx, userID, mode, ids); err != nil {
		return false, fmt.Errorf("memory: delete folded entries: %w", err)
	}

	if s.metrics != nil {
		s.metrics.TrimPass(len(batch), time.Since(start))
	}
	s.log.DebugContext(ctx, "folded memory entries",
		"user", userID, "mode", mode, "entries", len(batch), "tokens", folded)
	return false, nil
}

func (s *Service) logLock(userID, mode string) *sync.Mutex {
	key := logKey{userID: userID, mode: mode}
	s.mu.Lock()
	defer s.mu.Unlock()
	mu, ok := s.locks[key]
	if !ok {
		mu = &sync.Mutex{}
		s.locks[key] = mu
	}
	return mu
}

func isNotFound(err error) bool {
	var nf *storage.NotFoundError
	return errors.As(err, &nf)
}
