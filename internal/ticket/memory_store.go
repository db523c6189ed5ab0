package ticket

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore implements Store using in-memory maps.
// Used by tests and when the server runs with --memory.
type MemoryStore struct {
	mu        sync.RWMutex
	seq       int64
	tickets   map[uuid.UUID]*Ticket
	replies   map[uuid.UUID][]Reply
	notes     map[uuid.UUID][]DiagnosticNote
	tasks     map[uuid.UUID][]Task
	runs      map[uuid.UUID]*Run
	steps     map[uuid.UUID]*RunStep
	documents []Document
	audit     []AuditEntry
}

// NewMemoryStore creates an empty in-memory ticket store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tickets: make(map[uuid.UUID]*Ticket),
		replies: make(map[uuid.UUID][]Reply),
		notes:   make(map[uuid.UUID][]DiagnosticNote),
		tasks:   make(map[uuid.UUID][]Task),
		runs:    make(map[uuid.UUID]*Run),
		steps:   make(map[uuid.UUID]*RunStep),
	}
}

func (s *MemoryStore) Create(_ context.Context, t *Ticket) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	if _, exists := s.tickets[t.ID]; exists {
		return fmt.Errorf("ticket %s already exists", t.ID)
	}
	now := time.Now().UTC()
	s.seq++
	t.SeqNum = s.seq
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
	if t.Status == "" {
		t.Status = StatusOpen
	}
	s.tickets[t.ID] = t.Clone()
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id uuid.UUID) (*Ticket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tickets[id]
	if !ok {
		return nil, fmt.Errorf("ticket %s: %w", id, ErrNotFound)
	}
	return t.Clone(), nil
}

func (s *MemoryStore) Update(_ context.Context, id uuid.UUID, patch Patch) (*Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tickets[id]
	if !ok {
		return nil, fmt.Errorf("ticket %s: %w", id, ErrNotFound)
	}
	patch.Apply(t)
	t.UpdatedAt = time.Now().UTC()
	return t.Clone(), nil
}

func (s *MemoryStore) ListByStatus(_ context.Context, status Status) ([]Ticket, error) {
	return s.filter(func(t *Ticket) bool { return t.Status == status }), nil
}

func (s *MemoryStore) Children(_ context.Context, parentID uuid.UUID) ([]Ticket, error) {
	return s.filter(func(t *Ticket) bool {
		return t.ParentTicketID != nil && *t.ParentTicketID == parentID
	}), nil
}

func (s *MemoryStore) Dependents(_ context.Context, blockerID uuid.UUID) ([]Ticket, error) {
	return s.filter(func(t *Ticket) bool {
		return t.BlockingTicketID != nil && *t.BlockingTicketID == blockerID
	}), nil
}

func (s *MemoryStore) filter(keep func(*Ticket) bool) []Ticket {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var result []Ticket
	for _, t := range s.tickets {
		if keep(t) {
			result = append(result, *t.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].SeqNum < result[j].SeqNum })
	return result
}

func (s *MemoryStore) AddReply(_ context.Context, ticketID uuid.UUID, author, body string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tickets[ticketID]; !ok {
		return fmt.Errorf("ticket %s: %w", ticketID, ErrNotFound)
	}
	s.replies[ticketID] = append(s.replies[ticketID], Reply{
		ID:        uuid.New(),
		TicketID:  ticketID,
		Author:    author,
		Body:      body,
		CreatedAt: time.Now().UTC(),
	})
	return nil
}

func (s *MemoryStore) Replies(_ context.Context, ticketID uuid.UUID) ([]Reply, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Reply(nil), s.replies[ticketID]...), nil
}

func (s *MemoryStore) AddDiagnosticNote(_ context.Context, ticketID uuid.UUID, note DiagnosticNote) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tickets[ticketID]; !ok {
		return fmt.Errorf("ticket %s: %w", ticketID, ErrNotFound)
	}
	note.ID = uuid.New()
	note.TicketID = ticketID
	note.CreatedAt = time.Now().UTC()
	note.SuggestedActions = append([]string(nil), note.SuggestedActions...)
	s.notes[ticketID] = append(s.notes[ticketID], note)
	return nil
}

func (s *MemoryStore) DiagnosticNotes(_ context.Context, ticketID uuid.UUID) ([]DiagnosticNote, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]DiagnosticNote(nil), s.notes[ticketID]...), nil
}

func (s *MemoryStore) CreateTask(_ context.Context, task *Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if task.ID == uuid.Nil {
		task.ID = uuid.New()
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now().UTC()
	}
	s.tasks[task.PlanID] = append(s.tasks[task.PlanID], *task)
	return nil
}

func (s *MemoryStore) TasksByPlan(_ context.Context, planID uuid.UUID) ([]Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Task(nil), s.tasks[planID]...), nil
}

func (s *MemoryStore) CreateRun(_ context.Context, run *Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if run.ID == uuid.Nil {
		run.ID = uuid.New()
	}
	cp := *run
	s.runs[run.ID] = &cp
	return nil
}

func (s *MemoryStore) CompleteRun(_ context.Context, runID uuid.UUID, status RunStatus, verdict, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok {
		return fmt.Errorf("run %s not found", runID)
	}
	now := time.Now().UTC()
	run.Status = status
	run.Verdict = verdict
	run.Error = errMsg
	run.CompletedAt = &now
	return nil
}

func (s *MemoryStore) CreateRunStep(_ context.Context, step *RunStep) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if step.ID == uuid.Nil {
		step.ID = uuid.New()
	}
	cp := *step
	s.steps[step.ID] = &cp
	return nil
}

func (s *MemoryStore) CompleteRunStep(_ context.Context, stepID uuid.UUID, status RunStatus, output, errMsg string, tokens int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	step, ok := s.steps[stepID]
	if !ok {
		return fmt.Errorf("run step %s not found", stepID)
	}
	now := time.Now().UTC()
	step.Status = status
	step.Output = output
	step.Error = errMsg
	step.TokensUsed = tokens
	step.CompletedAt = &now
	return nil
}

// Runs returns every run recorded for a ticket, oldest first.
func (s *MemoryStore) Runs(ticketID uuid.UUID) []Run {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var result []Run
	for _, r := range s.runs {
		if r.TicketID == ticketID {
			result = append(result, *r)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].StartedAt.Before(result[j].StartedAt) })
	return result
}

func (s *MemoryStore) SaveDocument(_ context.Context, doc *Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if doc.ID == uuid.Nil {
		doc.ID = uuid.New()
	}
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = time.Now().UTC()
	}
	s.documents = append(s.documents, *doc)
	return nil
}

// Documents returns all saved documents.
func (s *MemoryStore) Documents() []Document {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Document(nil), s.documents...)
}

func (s *MemoryStore) RecordAudit(_ context.Context, entry *AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	s.audit = append(s.audit, *entry)
	return nil
}

// AuditLog returns all audit entries in insertion order.
func (s *MemoryStore) AuditLog() []AuditEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]AuditEntry(nil), s.audit...)
}

// Compile-time check.
var _ Store = (*MemoryStore)(nil)
