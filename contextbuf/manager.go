package contextbuf

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// ErrCompressionFailed wraps a summarizer failure. The manager recovers by
// truncating the least-recently-used half of recent_messages, the only
// sanctioned use of truncation.
var ErrCompressionFailed = errors.New("context compression failed")

// Counter counts tokens for recorded content.
type Counter interface {
	CountText(text string) int
}

// Summarizer produces a digest of a batch of fragments. Implemented by the
// model backend; tests supply fakes.
type Summarizer interface {
	Summarize(ctx context.Context, fragments []Fragment) (string, error)
}

// Fragment is one unit of recorded context.
type Fragment struct {
	ID       string   `json:"id"`
	Category Category `json:"category"`
	// Key, when set, makes a later Record with the same key replace this
	// fragment instead of appending. Used for file contents.
	Key     string `json:"key,omitempty"`
	Content string `json:"content"`
	Tokens  int    `json:"tokens"`
	// Depth is the digest recursion level: 0 for verbatim content, n+1 for
	// a digest over fragments of maximum depth n.
	Depth int `json:"depth"`
	Seq   int `json:"seq"`
}

// CompressionEvent reports the outcome of one compression pass.
type CompressionEvent struct {
	BeforeTokens int  `json:"before_tokens"`
	AfterTokens  int  `json:"after_tokens"`
	Digests      int  `json:"digests"`
	// Truncated is set when the summarizer failed and the manager fell back
	// to dropping the oldest half of recent_messages.
	Truncated bool `json:"truncated"`
}

// Manager owns the categorized context buffer. All methods are safe for
// concurrent use; one Manager serves one engine session.
type Manager struct {
	mu         sync.Mutex
	cfg        Config
	counter    Counter
	summarizer Summarizer
	fragments  map[Category][]Fragment
	seq        int
}

// NewManager creates a Manager. The config is validated once here and the
// budget is fixed thereafter.
func NewManager(cfg Config, counter Counter, summarizer Summarizer) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if counter == nil {
		return nil, errors.New("context manager: counter is required")
	}
	m := &Manager{
		cfg:        cfg,
		counter:    counter,
		summarizer: summarizer,
		fragments:  make(map[Category][]Fragment),
	}
	return m, nil
}

// Config returns the manager's fixed configuration.
func (m *Manager) Config() Config { return m.cfg }

// Record appends content to a category and returns the stored fragment.
func (m *Manager) Record(category Category, content string) Fragment {
	return m.RecordKeyed(category, "", content)
}

// RecordKeyed appends content, or replaces the fragment with the same key
// when key is non-empty. Active file contents use the file path as key so a
// re-read does not duplicate the file in the buffer.
func (m *Manager) RecordKeyed(category Category, key, content string) Fragment {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.seq++
	frag := Fragment{
		ID:       uuid.NewString(),
		Category: category,
		Key:      key,
		Content:  content,
		Tokens:   m.counter.CountText(content),
		Seq:      m.seq,
	}

	if key != "" {
		for i, existing := range m.fragments[category] {
			if existing.Key == key {
				m.fragments[category][i] = frag
				return frag
			}
		}
	}
	m.fragments[category] = append(m.fragments[category], frag)
	return frag
}

// Usage returns the total live token count across all categories.
func (m *Manager) Usage() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.usageLocked()
}

func (m *Manager) usageLocked() int {
	total := 0
	for _, frags := range m.fragments {
		for _, f := range frags {
			total += f.Tokens
		}
	}
	return total
}

// CategoryUsage returns the live token count for one category.
func (m *Manager) CategoryUsage(category Category) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.categoryUsageLocked(category)
}

func (m *Manager) categoryUsageLocked(category Category) int {
	total := 0
	for _, f := range m.fragments[category] {
		total += f.Tokens
	}
	return total
}

// View returns the model-facing fragment list: categories in fixed order,
// fragments within a category in insertion order.
func (m *Manager) View() []Fragment {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Fragment
	for _, cat := range viewOrder {
		out = append(out, m.fragments[cat]...)
	}
	return out
}

// MaybeCompress runs at most one compression pass. It returns nil when usage
// is below the trigger threshold. When the summarizer fails, the manager
// truncates the oldest half of recent_messages and reports the degradation
// on the returned event alongside an ErrCompressionFailed-wrapped error.
func (m *Manager) MaybeCompress(ctx context.Context) (*CompressionEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	before := m.usageLocked()
	if before < m.cfg.TriggerTokens() {
		return nil, nil
	}

	event := &CompressionEvent{BeforeTokens: before}
	target := m.cfg.TargetTokens()

	// Summarize in the fixed tie-break order, stopping once the target is
	// met. recent_messages digests land in compressed_history; the other
	// categories digest in place. compressed_history additionally digests
	// recursively whenever it outgrows its own share.
	underTarget := func() bool { return m.usageLocked() <= target }
	historyWithinShare := func() bool {
		return m.categoryUsageLocked(CompressedHistory) <= m.cfg.ShareBudget(CompressedHistory)
	}

	var sumErr error
	sumErr = m.compressCategory(ctx, RecentMessages, CompressedHistory, underTarget, event)
	if sumErr == nil && !historyWithinShare() {
		sumErr = m.compressCategory(ctx, CompressedHistory, CompressedHistory, func() bool {
			return underTarget() && historyWithinShare()
		}, event)
	}
	if sumErr == nil && !underTarget() {
		sumErr = m.compressCategory(ctx, ProcessedFiles, ProcessedFiles, underTarget, event)
	}

	if sumErr != nil {
		m.truncateOldestHalf(RecentMessages)
		event.Truncated = true
		event.AfterTokens = m.usageLocked()
		return event, fmt.Errorf("%w: %v", ErrCompressionFailed, sumErr)
	}

	event.AfterTokens = m.usageLocked()
	return event, nil
}

// compressCategory summarizes the oldest fragments of src until done reports
// true or nothing compressible remains. The most recent fragment is always
// preserved verbatim, and fragments already at the digest depth bound are
// never re-digested.
func (m *Manager) compressCategory(ctx context.Context, src, dst Category, done func() bool, event *CompressionEvent) error {
	for !done() {
		batch := m.oldestCompressible(src)
		if len(batch) == 0 {
			return nil
		}

		if m.summarizer == nil {
			return errors.New("no summarizer configured")
		}
		digest, err := m.summarizer.Summarize(ctx, batch)
		if err != nil {
			return err
		}

		maxDepth := 0
		taken := make(map[string]bool, len(batch))
		for _, f := range batch {
			taken[f.ID] = true
			if f.Depth > maxDepth {
				maxDepth = f.Depth
			}
		}

		remaining := m.fragments[src][:0]
		for _, f := range m.fragments[src] {
			if !taken[f.ID] {
				remaining = append(remaining, f)
			}
		}
		m.fragments[src] = remaining

		m.seq++
		m.fragments[dst] = append(m.fragments[dst], Fragment{
			ID:       uuid.NewString(),
			Category: dst,
			Content:  digest,
			Tokens:   m.counter.CountText(digest),
			Depth:    maxDepth + 1,
			Seq:      m.seq,
		})
		event.Digests++
	}
	return nil
}

// oldestCompressible returns the oldest half of a category's fragments,
// excluding the single most recent fragment and anything at the depth bound.
func (m *Manager) oldestCompressible(category Category) []Fragment {
	frags := m.fragments[category]
	if len(frags) < 2 {
		return nil
	}
	eligible := frags[:len(frags)-1]
	n := (len(eligible) + 1) / 2
	var batch []Fragment
	for _, f := range eligible[:n] {
		if f.Depth < m.cfg.MaxDigestDepth {
			batch = append(batch, f)
		}
	}
	return batch
}

// RebalanceActiveFiles demotes the least recently touched active files into
// processed_files head summaries until active_files fits its share. The most
// recently touched file always stays verbatim. Demotions replace any earlier
// summary of the same file.
func (m *Manager) RebalanceActiveFiles() {
	m.mu.Lock()
	defer m.mu.Unlock()

	share := m.cfg.ShareBudget(ActiveFiles)
	for m.categoryUsageLocked(ActiveFiles) > share && len(m.fragments[ActiveFiles]) > 1 {
		active := m.fragments[ActiveFiles]
		oldest := 0
		for i, f := range active {
			if f.Seq < active[oldest].Seq {
				oldest = i
			}
		}
		demoted := active[oldest]
		m.fragments[ActiveFiles] = append(active[:oldest], active[oldest+1:]...)

		summary := headSummary(demoted.Content)
		m.seq++
		frag := Fragment{
			ID:       uuid.NewString(),
			Category: ProcessedFiles,
			Key:      demoted.Key,
			Content:  summary,
			Tokens:   m.counter.CountText(summary),
			Seq:      m.seq,
		}
		replaced := false
		if frag.Key != "" {
			for i, existing := range m.fragments[ProcessedFiles] {
				if existing.Key == frag.Key {
					m.fragments[ProcessedFiles][i] = frag
					replaced = true
					break
				}
			}
		}
		if !replaced {
			m.fragments[ProcessedFiles] = append(m.fragments[ProcessedFiles], frag)
		}
	}
}

// headSummary keeps the leading lines of demoted file content so the model
// still knows what the file contains.
func headSummary(content string) string {
	const maxLines = 40
	lines := strings.Split(content, "\n")
	if len(lines) <= maxLines {
		return content
	}
	return strings.Join(lines[:maxLines], "\n") +
		fmt.Sprintf("\n... (%d more lines)", len(lines)-maxLines)
}

// truncateOldestHalf drops the least recently recorded half of a category.
func (m *Manager) truncateOldestHalf(category Category) {
	frags := m.fragments[category]
	if len(frags) < 2 {
		return
	}
	keep := len(frags) / 2
	m.fragments[category] = append([]Fragment(nil), frags[len(frags)-keep:]...)
}

// snapshot is the serialized form of the buffer.
type snapshot struct {
	Budget    int                     `json:"budget"`
	Seq       int                     `json:"seq"`
	Fragments map[Category][]Fragment `json:"fragments"`
}

// Snapshot serializes the full buffer losslessly.
func (m *Manager) Snapshot() ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return json.MarshalIndent(snapshot{
		Budget:    m.cfg.Budget,
		Seq:       m.seq,
		Fragments: m.fragments,
	}, "", "  ")
}

// RestoreSnapshot replaces the buffer contents from a prior Snapshot. The
// snapshot must come from a manager with the same budget.
func (m *Manager) RestoreSnapshot(data []byte) error {
	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("restore context snapshot: %w", err)
	}
	if snap.Budget != m.cfg.Budget {
		return fmt.Errorf("restore context snapshot: budget mismatch (snapshot %d, manager %d)", snap.Budget, m.cfg.Budget)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq = snap.Seq
	m.fragments = snap.Fragments
	if m.fragments == nil {
		m.fragments = make(map[Category][]Fragment)
	}
	return nil
}
