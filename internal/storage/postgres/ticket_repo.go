package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/jkaninda/kazi/internal/ticket"
)

const ticketSequence = "tickets"

// TicketRepository implements ticket.Store with GORM. The same repository
// serves the SQLite backend.
type TicketRepository struct {
	db *gorm.DB
}

// NewTicketRepository creates a TicketRepository.
func NewTicketRepository(db *gorm.DB) *TicketRepository {
	return &TicketRepository{db: db}
}

// Create persists a new ticket, assigning its ID (if zero) and SeqNum.
func (r *TicketRepository) Create(ctx context.Context, t *ticket.Ticket) error {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	if t.Status == "" {
		t.Status = ticket.StatusOpen
	}
	now := time.Now().UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now

	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		seq, err := nextSequence(tx, ticketSequence)
		if err != nil {
			return fmt.Errorf("allocating ticket sequence: %w", err)
		}
		t.SeqNum = seq
		model := toTicketModel(t)
		if err := tx.Create(&model).Error; err != nil {
			return fmt.Errorf("creating ticket: %w", err)
		}
		return nil
	})
}

// nextSequence increments a named counter. The UPDATE holds the row lock
// until the surrounding transaction commits.
func nextSequence(tx *gorm.DB, name string) (int64, error) {
	if err := tx.Clauses(clause.OnConflict{DoNothing: true}).
		Create(&SequenceModel{Name: name}).Error; err != nil {
		return 0, err
	}
	if err := tx.Model(&SequenceModel{}).
		Where("name = ?", name).
		UpdateColumn("value", gorm.Expr("value + ?", 1)).Error; err != nil {
		return 0, err
	}
	var seq SequenceModel
	if err := tx.First(&seq, "name = ?", name).Error; err != nil {
		return 0, err
	}
	return seq.Value, nil
}

// Get retrieves a ticket by ID.
func (r *TicketRepository) Get(ctx context.Context, id uuid.UUID) (*ticket.Ticket, error) {
	var model TicketModel
	if err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("ticket %s: %w", id, ticket.ErrNotFound)
		}
		return nil, fmt.Errorf("getting ticket: %w", err)
	}
	return toTicketDomain(&model), nil
}

// Update applies a partial update inside a transaction and returns the
// stored result.
func (r *TicketRepository) Update(ctx context.Context, id uuid.UUID, patch ticket.Patch) (*ticket.Ticket, error) {
	var out *ticket.Ticket
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var model TicketModel
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&model, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("ticket %s: %w", id, ticket.ErrNotFound)
			}
			return err
		}

		cols := patchColumns(patch)
		cols["updated_at"] = time.Now().UTC()
		if err := tx.Model(&model).Updates(cols).Error; err != nil {
			return fmt.Errorf("updating ticket: %w", err)
		}
		if len(patch.AddReferences) > 0 {
			refs := append(model.References, patch.AddReferences...)
			if err := tx.Model(&model).Select("References").Updates(&TicketModel{References: refs}).Error; err != nil {
				return fmt.Errorf("updating ticket references: %w", err)
			}
		}

		if err := tx.First(&model, "id = ?", id).Error; err != nil {
			return err
		}
		out = toTicketDomain(&model)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ListByStatus returns tickets in a status ordered by sequence number.
func (r *TicketRepository) ListByStatus(ctx context.Context, status ticket.Status) ([]ticket.Ticket, error) {
	return r.list(ctx, "status = ?", string(status))
}

// Children returns tickets whose parent is parentID.
func (r *TicketRepository) Children(ctx context.Context, parentID uuid.UUID) ([]ticket.Ticket, error) {
	return r.list(ctx, "parent_ticket_id = ?", parentID)
}

// Dependents returns tickets blocked by blockerID.
func (r *TicketRepository) Dependents(ctx context.Context, blockerID uuid.UUID) ([]ticket.Ticket, error) {
	return r.list(ctx, "blocking_ticket_id = ?", blockerID)
}

func (r *TicketRepository) list(ctx context.Context, query string, args ...any) ([]ticket.Ticket, error) {
	var models []TicketModel
	if err := r.db.WithContext(ctx).
		Where(query, args...).
		Order("seq_num ASC").
		Find(&models).Error; err != nil {
		return nil, fmt.Errorf("listing tickets: %w", err)
	}
	result := make([]ticket.Ticket, len(models))
	for i := range models {
		result[i] = *toTicketDomain(&models[i])
	}
	return result, nil
}

func (r *TicketRepository) exists(ctx context.Context, id uuid.UUID) error {
	var count int64
	if err := r.db.WithContext(ctx).Model(&TicketModel{}).Where("id = ?", id).Count(&count).Error; err != nil {
		return err
	}
	if count == 0 {
		return fmt.Errorf("ticket %s: %w", id, ticket.ErrNotFound)
	}
	return nil
}

// AddReply appends a threaded message to a ticket.
func (r *TicketRepository) AddReply(ctx context.Context, ticketID uuid.UUID, author, body string) error {
	if err := r.exists(ctx, ticketID); err != nil {
		return err
	}
	model := ReplyModel{
		ID:        uuid.New(),
		TicketID:  ticketID,
		Author:    author,
		Body:      body,
		CreatedAt: time.Now().UTC(),
	}
	if err := r.db.WithContext(ctx).Create(&model).Error; err != nil {
		return fmt.Errorf("adding reply: %w", err)
	}
	return nil
}

// Replies returns a ticket's replies, oldest first.
func (r *TicketRepository) Replies(ctx context.Context, ticketID uuid.UUID) ([]ticket.Reply, error) {
	var models []ReplyModel
	if err := r.db.WithContext(ctx).
		Where("ticket_id = ?", ticketID).
		Order("created_at ASC").
		Find(&models).Error; err != nil {
		return nil, fmt.Errorf("listing replies: %w", err)
	}
	result := make([]ticket.Reply, len(models))
	for i := range models {
		result[i] = toReplyDomain(&models[i])
	}
	return result, nil
}

// AddDiagnosticNote attaches failure context to a ticket.
func (r *TicketRepository) AddDiagnosticNote(ctx context.Context, ticketID uuid.UUID, note ticket.DiagnosticNote) error {
	if err := r.exists(ctx, ticketID); err != nil {
		return err
	}
	model := DiagnosticNoteModel{
		ID:               uuid.New(),
		TicketID:         ticketID,
		Author:           note.Author,
		Note:             note.Note,
		ErrorContext:     note.ErrorContext,
		SuggestedActions: note.SuggestedActions,
		CreatedAt:        time.Now().UTC(),
	}
	if err := r.db.WithContext(ctx).Create(&model).Error; err != nil {
		return fmt.Errorf("adding diagnostic note: %w", err)
	}
	return nil
}

// DiagnosticNotes returns a ticket's notes, oldest first.
func (r *TicketRepository) DiagnosticNotes(ctx context.Context, ticketID uuid.UUID) ([]ticket.DiagnosticNote, error) {
	var models []DiagnosticNoteModel
	if err := r.db.WithContext(ctx).
		Where("ticket_id = ?", ticketID).
		Order("created_at ASC").
		Find(&models).Error; err != nil {
		return nil, fmt.Errorf("listing diagnostic notes: %w", err)
	}
	result := make([]ticket.DiagnosticNote, len(models))
	for i := range models {
		result[i] = toNoteDomain(&models[i])
	}
	return result, nil
}

// CreateTask stores a plan item.
func (r *TicketRepository) CreateTask(ctx context.Context, task *ticket.Task) error {
	if task.ID == uuid.Nil {
		task.ID = uuid.New()
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now().UTC()
	}
	model := PlanTaskModel{
		ID:        task.ID,
		PlanID:    task.PlanID,
		Title:     task.Title,
		Status:    task.Status,
		CreatedAt: task.CreatedAt,
	}
	if model.Status == "" {
		model.Status = "pending"
	}
	if err := r.db.WithContext(ctx).Create(&model).Error; err != nil {
		return fmt.Errorf("creating task: %w", err)
	}
	return nil
}

// TasksByPlan returns the items of a plan in creation order.
func (r *TicketRepository) TasksByPlan(ctx context.Context, planID uuid.UUID) ([]ticket.Task, error) {
	var models []PlanTaskModel
	if err := r.db.WithContext(ctx).
		Where("plan_id = ?", planID).
		Order("created_at ASC").
		Find(&models).Error; err != nil {
		return nil, fmt.Errorf("listing tasks: %w", err)
	}
	result := make([]ticket.Task, len(models))
	for i, m := range models {
		result[i] = ticket.Task{ID: m.ID, PlanID: m.PlanID, Title: m.Title, Status: m.Status, CreatedAt: m.CreatedAt}
	}
	return result, nil
}

// CreateRun records the start of a pipeline attempt.
func (r *TicketRepository) CreateRun(ctx context.Context, run *ticket.Run) error {
	if run.ID == uuid.Nil {
		run.ID = uuid.New()
	}
	model := RunModel{
		ID:        run.ID,
		TicketID:  run.TicketID,
		Strategy:  run.Strategy,
		Route:     run.Route,
		Status:    string(run.Status),
		StartedAt: run.StartedAt.UTC(),
	}
	if err := r.db.WithContext(ctx).Create(&model).Error; err != nil {
		return fmt.Errorf("creating run: %w", err)
	}
	return nil
}

// CompleteRun records the outcome of a pipeline attempt.
func (r *TicketRepository) CompleteRun(ctx context.Context, runID uuid.UUID, status ticket.RunStatus, verdict, errMsg string) error {
	res := r.db.WithContext(ctx).Model(&RunModel{}).Where("id = ?", runID).Updates(map[string]any{
		"status":       string(status),
		"verdict":      verdict,
		"error":        errMsg,
		"completed_at": time.Now().UTC(),
	})
	if res.Error != nil {
		return fmt.Errorf("completing run: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("run %s not found", runID)
	}
	return nil
}

// CreateRunStep records the start of one agent invocation.
func (r *TicketRepository) CreateRunStep(ctx context.Context, step *ticket.RunStep) error {
	if step.ID == uuid.Nil {
		step.ID = uuid.New()
	}
	model := RunStepModel{
		ID:        step.ID,
		RunID:     step.RunID,
		StepIndex: step.Index,
		Agent:     step.Agent,
		Stage:     step.Stage,
		Status:    string(step.Status),
		StartedAt: step.StartedAt.UTC(),
	}
	if err := r.db.WithContext(ctx).Create(&model).Error; err != nil {
		return fmt.Errorf("creating run step: %w", err)
	}
	return nil
}

// CompleteRunStep records the outcome of one agent invocation.
func (r *TicketRepository) CompleteRunStep(ctx context.Context, stepID uuid.UUID, status ticket.RunStatus, output, errMsg string, tokens int) error {
	res := r.db.WithContext(ctx).Model(&RunStepModel{}).Where("id = ?", stepID).Updates(map[string]any{
		"status":       string(status),
		"output":       output,
		"error":        errMsg,
		"tokens_used":  tokens,
		"completed_at": time.Now().UTC(),
	})
	if res.Error != nil {
		return fmt.Errorf("completing run step: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("run step %s not found", stepID)
	}
	return nil
}

// Runs returns every run recorded for a ticket, oldest first.
func (r *TicketRepository) Runs(ctx context.Context, ticketID uuid.UUID) ([]ticket.Run, error) {
	var models []RunModel
	if err := r.db.WithContext(ctx).
		Where("ticket_id = ?", ticketID).
		Order("started_at ASC").
		Find(&models).Error; err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}
	result := make([]ticket.Run, len(models))
	for i, m := range models {
		result[i] = ticket.Run{
			ID:          m.ID,
			TicketID:    m.TicketID,
			Strategy:    m.Strategy,
			Route:       m.Route,
			Status:      ticket.RunStatus(m.Status),
			Verdict:     m.Verdict,
			Error:       m.Error,
			StartedAt:   m.StartedAt,
			CompletedAt: m.CompletedAt,
		}
	}
	return result, nil
}

// SaveDocument stores a named artifact.
func (r *TicketRepository) SaveDocument(ctx context.Context, doc *ticket.Document) error {
	if doc.ID == uuid.Nil {
		doc.ID = uuid.New()
	}
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = time.Now().UTC()
	}
	model := DocumentModel{
		ID:        doc.ID,
		TicketID:  doc.TicketID,
		Title:     doc.Title,
		Content:   doc.Content,
		CreatedAt: doc.CreatedAt,
	}
	if err := r.db.WithContext(ctx).Create(&model).Error; err != nil {
		return fmt.Errorf("saving document: %w", err)
	}
	return nil
}

// RecordAudit appends an audit entry. There is no update or delete path.
func (r *TicketRepository) RecordAudit(ctx context.Context, entry *ticket.AuditEntry) error {
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	model := AuditEntryModel{
		ID:        entry.ID,
		TicketID:  entry.TicketID,
		Actor:     entry.Actor,
		Action:    entry.Action,
		Detail:    entry.Detail,
		CreatedAt: entry.CreatedAt,
	}
	if err := r.db.WithContext(ctx).Create(&model).Error; err != nil {
		return fmt.Errorf("appending audit entry: %w", err)
	}
	return nil
}

// AuditLog returns audit entries newest first. Limit defaults to 100.
func (r *TicketRepository) AuditLog(ctx context.Context, limit int) ([]ticket.AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	var models []AuditEntryModel
	if err := r.db.WithContext(ctx).
		Order("created_at DESC").
		Limit(limit).
		Find(&models).Error; err != nil {
		return nil, fmt.Errorf("querying audit entries: %w", err)
	}
	result := make([]ticket.AuditEntry, len(models))
	for i, m := range models {
		result[i] = ticket.AuditEntry{
			ID:        m.ID,
			TicketID:  m.TicketID,
			Actor:     m.Actor,
			Action:    m.Action,
			Detail:    m.Detail,
			CreatedAt: m.CreatedAt,
		}
	}
	return result, nil
}

var _ ticket.Store = (*TicketRepository)(nil)
