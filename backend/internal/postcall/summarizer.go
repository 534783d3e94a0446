// Package postcall summarises finished calls with the LLM vendor and stores
// the summary on the call record.
package postcall

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jacky-htg/hospital-voice-bridge/backend/internal/bridge"
	"github.com/jacky-htg/hospital-voice-bridge/libs/interfaces"
)

const defaultTimeout = 2 * time.Minute

// Store is where summaries are written.
type Store interface {
	UpdateCallSummary(ctx context.Context, id, summary string) error
}

// Summarizer coordinates the LLM and the store for finished calls.
type Summarizer struct {
	llm     interfaces.LLM
	store   Store
	log     *zap.Logger
	timeout time.Duration
	wg      sync.WaitGroup
}

// New constructs a Summarizer. A nil llm disables summaries.
func New(llm interfaces.LLM, s Store, log *zap.Logger) *Summarizer {
	if log == nil {
		log = zap.NewNop()
	}
	return &Summarizer{llm: llm, store: s, log: log, timeout: defaultTimeout}
}

// Handle is the session end hook. It summarises in the background; Wait
// blocks until pending summaries are written.
func (s *Summarizer) Handle(sum bridge.Summary) {
	if s.llm == nil || !sum.HumanDetected || len(sum.Transcript) == 0 {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		defer cancel()
		if _, err := s.Summarize(ctx, sum); err != nil {
			s.log.Warn("post-call summary", zap.String("call_id", sum.CallID), zap.Error(err))
		}
	}()
}

// Summarize asks the LLM for a summary of the call and stores it.
func (s *Summarizer) Summarize(ctx context.Context, sum bridge.Summary) (string, error) {
	if s.llm == nil {
		return "", fmt.Errorf("llm not configured")
	}
	out, err := s.llm.Generate(ctx, Prompt(sum))
	if err != nil {
		return "", fmt.Errorf("llm generate: %w", err)
	}
	out = strings.TrimSpace(out)
	if out == "" {
		return "", fmt.Errorf("llm returned an empty summary")
	}
	if err := s.store.UpdateCallSummary(ctx, sum.CallID, out); err != nil {
		return "", fmt.Errorf("store summary: %w", err)
	}
	s.log.Info("call summarised", zap.String("call_id", sum.CallID), zap.Int("chars", len(out)))
	return out, nil
}

// Wait blocks until background summaries finish.
func (s *Summarizer) Wait() { s.wg.Wait() }

// Prompt renders the summarisation prompt for a call.
func Prompt(sum bridge.Summary) string {
	var b strings.Builder
	b.WriteString("Summarise this hospital reception phone call in English in at most three sentences. ")
	b.WriteString("Mention the caller's problem, any patient or appointment ids that were created, and anything left unresolved.\n")
	if sum.Language != "" {
		fmt.Fprintf(&b, "The caller spoke %s.\n", sum.Language)
	}
	b.WriteString("\nTranscript:\n")
	for _, l := range sum.Transcript {
		fmt.Fprintf(&b, "%s: %s\n", l.Role, l.Text)
	}
	return b.String()
}
