// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package sync_engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// =============================================================================
// Arbitration Requests
// =============================================================================

// ArbitrationOption is one choice presented to the human arbiter. Each
// option carries the strategy that implements it, so the UI layer never
// needs to know resolution internals.
type ArbitrationOption struct {
	ID       string         `json:"id"`
	Label    string         `json:"label"`
	Strategy string         `json:"strategy"`
	Payload  map[string]any `json:"payload,omitempty"`
}

// ArbitrationRequest is the human-readable prompt raised for a conflict.
type ArbitrationRequest struct {
	ConflictID      string              `json:"conflict_id"`
	Message         string              `json:"message"`
	Options         []ArbitrationOption `json:"options"`
	DefaultOptionID string              `json:"default_option_id"`
	ExpiresAt       time.Time           `json:"expires_at"`
}

// PromptCallback receives arbitration requests as they are raised.
type PromptCallback func(ArbitrationRequest)

// =============================================================================
// Prompt Manager
// =============================================================================

// pendingPrompt is a single-owner response slot. The first writer wins:
// either the human response or the timeout, never both.
type pendingPrompt struct {
	response chan *UserChoice
	once     sync.Once
	timer    TimerHandle
}

// resolve delivers the outcome exactly once. A nil choice means timeout.
func (p *pendingPrompt) resolve(choice *UserChoice) {
	p.once.Do(func() {
		p.response <- choice
		close(p.response)
	})
}

// promptManager tracks prompts awaiting a human response.
//
// # Description
//
// Replaces promise-racing with a channel owned by the waiting strategy:
// the manager holds a buffered response channel per conflict; Respond and
// the scheduler-armed timeout compete through a sync.Once, so a late
// response after timeout is rejected rather than double-resolving.
//
// # Thread Safety
//
// Safe for concurrent use.
type promptManager struct {
	mu        sync.Mutex
	pending   map[string]*pendingPrompt
	scheduler Scheduler
	logger    *slog.Logger

	callbackMu sync.RWMutex
	callbacks  []PromptCallback
}

func newPromptManager(scheduler Scheduler, logger *slog.Logger) *promptManager {
	return &promptManager{
		pending:   make(map[string]*pendingPrompt),
		scheduler: scheduler,
		logger:    logger,
	}
}

// onPrompt registers a callback for raised arbitration requests.
func (m *promptManager) onPrompt(cb PromptCallback) Unsubscribe {
	m.callbackMu.Lock()
	m.callbacks = append(m.callbacks, cb)
	idx := len(m.callbacks) - 1
	m.callbackMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.callbackMu.Lock()
			m.callbacks[idx] = nil
			m.callbackMu.Unlock()
		})
	}
}

// raise registers a prompt and arms its timeout. Returns the channel the
// waiting strategy blocks on.
func (m *promptManager) raise(req ArbitrationRequest, timeout time.Duration) (<-chan *UserChoice, error) {
	m.mu.Lock()
	if _, exists := m.pending[req.ConflictID]; exists {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrResolutionInFlight, req.ConflictID)
	}
	p := &pendingPrompt{response: make(chan *UserChoice, 1)}
	p.timer = m.scheduler.After(timeout, func() {
		m.timeout(req.ConflictID)
	})
	m.pending[req.ConflictID] = p
	m.mu.Unlock()

	m.callbackMu.RLock()
	callbacks := make([]PromptCallback, len(m.callbacks))
	copy(callbacks, m.callbacks)
	m.callbackMu.RUnlock()
	for _, cb := range callbacks {
		if cb != nil {
			cb(req)
		}
	}

	return p.response, nil
}

// respond delivers the human's choice. Errors if no prompt is waiting.
func (m *promptManager) respond(conflictID string, choice UserChoice) error {
	m.mu.Lock()
	p, ok := m.pending[conflictID]
	if ok {
		delete(m.pending, conflictID)
	}
	m.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: conflict %s", ErrNoPendingPrompt, conflictID)
	}
	m.scheduler.Cancel(p.timer)
	p.resolve(&choice)
	return nil
}

// timeout releases the waiting strategy with a nil choice.
func (m *promptManager) timeout(conflictID string) {
	m.mu.Lock()
	p, ok := m.pending[conflictID]
	if ok {
		delete(m.pending, conflictID)
	}
	m.mu.Unlock()

	if ok {
		m.logger.Warn("arbitration prompt timed out",
			slog.String("conflict_id", conflictID),
		)
		p.resolve(nil)
	}
}

// cancelAll releases every waiting strategy (engine shutdown).
func (m *promptManager) cancelAll() {
	m.mu.Lock()
	pending := m.pending
	m.pending = make(map[string]*pendingPrompt)
	m.mu.Unlock()

	for _, p := range pending {
		m.scheduler.Cancel(p.timer)
		p.resolve(nil)
	}
}

// =============================================================================
// User-Prompt Strategy
// =============================================================================

// userPromptStrategy solicits a human decision with a bounded timeout.
//
// If the arbiter responds in time, the chosen option's strategy (or payload)
// becomes the resolution. If the window elapses, the outcome is escalated
// and the resolver follows up with rollback.
type userPromptStrategy struct {
	prompts *promptManager
	timeout time.Duration
	clock   func() time.Time
}

func newUserPromptStrategy(prompts *promptManager, timeout time.Duration, clock func() time.Time) *userPromptStrategy {
	return &userPromptStrategy{prompts: prompts, timeout: timeout, clock: clock}
}

func (s *userPromptStrategy) Name() string  { return StrategyUserPrompt }
func (s *userPromptStrategy) Priority() int { return priorityUserPrompt }

func (s *userPromptStrategy) AppliesTo() []ConflictType {
	return []ConflictType{ConflictSemantic, ConflictStateDivergence, ConflictConcurrentEdit}
}

func (s *userPromptStrategy) Execute(ctx context.Context, conflict *Conflict) (*ConflictResolution, error) {
	req := s.buildRequest(conflict)
	responses, err := s.prompts.raise(req, s.timeout)
	if err != nil {
		return nil, err
	}

	select {
	case choice := <-responses:
		if choice == nil {
			return &ConflictResolution{
				Strategy:  StrategyUserPrompt,
				Outcome:   OutcomeEscalated,
				Reason:    "arbitration timed out with no response",
				Timestamp: s.clock(),
			}, nil
		}
		return s.applyChoice(conflict, choice), nil

	case <-ctx.Done():
		return &ConflictResolution{
			Strategy:  StrategyUserPrompt,
			Outcome:   OutcomeEscalated,
			Reason:    "arbitration cancelled: " + ctx.Err().Error(),
			Timestamp: s.clock(),
		}, nil
	}
}

// buildRequest renders the bounded option list for the UI layer.
func (s *userPromptStrategy) buildRequest(conflict *Conflict) ArbitrationRequest {
	options := make([]ArbitrationOption, 0, len(conflict.Events)+1)
	for i, e := range conflict.Events {
		options = append(options, ArbitrationOption{
			ID:       fmt.Sprintf("keep_%d", i),
			Label:    fmt.Sprintf("Keep the %s edit (%s)", e.Source, e.Kind),
			Strategy: StrategyLatestWins,
			Payload:  map[string]any{"event_id": e.ID},
		})
	}
	options = append(options, ArbitrationOption{
		ID:       "rollback",
		Label:    "Discard both and restore the earlier state",
		Strategy: StrategyRollback,
	})

	return ArbitrationRequest{
		ConflictID: conflict.ID,
		Message: fmt.Sprintf("%d edits from %d sources touched the same content (%s, severity %s). Choose which to keep.",
			len(conflict.Events), conflict.distinctSources(), conflict.Type, conflict.Severity),
		Options:         options,
		DefaultOptionID: "rollback",
		ExpiresAt:       s.clock().Add(s.timeout),
	}
}

// applyChoice turns the picked option into a resolution.
func (s *userPromptStrategy) applyChoice(conflict *Conflict, choice *UserChoice) *ConflictResolution {
	res := &ConflictResolution{
		Strategy:     StrategyUserPrompt,
		Outcome:      OutcomeResolved,
		UserChoice:   choice,
		Reason:       "user selected option " + choice.OptionID,
		Timestamp:    s.clock(),
		AutoResolved: false,
	}

	// keep_<n> selects that event verbatim; anything else falls back to
	// the rollback shape built by the rollback strategy.
	for i, e := range conflict.Events {
		if choice.OptionID == fmt.Sprintf("keep_%d", i) {
			res.ResolvedEvent = e.Clone()
			return res
		}
	}

	rollback := newRollbackStrategy(s.clock)
	rb, _ := rollback.Execute(context.Background(), conflict)
	res.ResolvedEvent = rb.ResolvedEvent
	res.Reason = "user selected rollback"
	return res
}
