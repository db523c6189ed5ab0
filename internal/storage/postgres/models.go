package postgres

import (
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/kazi/internal/ticket"
)

// SequenceModel maps to the "sequences" table. It hands out ticket
// sequence numbers under the row lock of an UPDATE.
type SequenceModel struct {
	Name  string `gorm:"primaryKey"`
	Value int64  `gorm:"not null;default:0"`
}

func (SequenceModel) TableName() string { return "sequences" }

// TicketModel maps to the "tickets" table.
type TicketModel struct {
	ID                  uuid.UUID               `gorm:"type:uuid;primaryKey"`
	SeqNum              int64                   `gorm:"not null;uniqueIndex"`
	Title               string                  `gorm:"not null"`
	Body                string                  `gorm:"type:text"`
	Priority            string                  `gorm:"not null;default:'P2'"`
	Status              string                  `gorm:"not null;index"`
	ProcessingStatus    string                  `gorm:"index"`
	AssignedTeam        string                  `gorm:"index"`
	OperationType       string                  `gorm:"not null;default:'general'"`
	DeliverableType     string
	BlockingTicketID    *uuid.UUID              `gorm:"type:uuid;index"`
	ParentTicketID      *uuid.UUID              `gorm:"type:uuid;index"`
	VerificationRetries int                     `gorm:"not null;default:0"`
	ErrorRetries        int                     `gorm:"not null;default:0"`
	LastError           string                  `gorm:"type:text"`
	Category            string
	Stage               string
	TreeRoute           string
	Agent               string
	Criteria            *ticket.SuccessCriteria `gorm:"type:text;serializer:json"`
	References          []string                `gorm:"column:reference_links;type:text;serializer:json"`
	ApprovedForDispatch bool                    `gorm:"not null;default:false"`
	NeedsManualReview   bool                    `gorm:"not null;default:false"`
	Ghost               bool                    `gorm:"not null;default:false"`
	ProcessingStartedAt *time.Time
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

func (TicketModel) TableName() string { return "tickets" }

// ReplyModel maps to the "ticket_replies" table.
type ReplyModel struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	TicketID  uuid.UUID `gorm:"type:uuid;not null;index"`
	Author    string    `gorm:"not null"`
	Body      string    `gorm:"type:text;not null"`
	CreatedAt time.Time `gorm:"index"`
}

func (ReplyModel) TableName() string { return "ticket_replies" }

// DiagnosticNoteModel maps to the "diagnostic_notes" table.
type DiagnosticNoteModel struct {
	ID               uuid.UUID `gorm:"type:uuid;primaryKey"`
	TicketID         uuid.UUID `gorm:"type:uuid;not null;index"`
	Author           string    `gorm:"not null"`
	Note             string    `gorm:"type:text;not null"`
	ErrorContext     string    `gorm:"type:text"`
	SuggestedActions []string  `gorm:"type:text;serializer:json"`
	CreatedAt        time.Time `gorm:"index"`
}

func (DiagnosticNoteModel) TableName() string { return "diagnostic_notes" }

// PlanTaskModel maps to the "plan_tasks" table.
type PlanTaskModel struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	PlanID    uuid.UUID `gorm:"type:uuid;not null;index"`
	Title     string    `gorm:"not null"`
	Status    string    `gorm:"not null;default:'pending'"`
	CreatedAt time.Time
}

func (PlanTaskModel) TableName() string { return "plan_tasks" }

// RunModel maps to the "pipeline_runs" table.
type RunModel struct {
	ID          uuid.UUID `gorm:"type:uuid;primaryKey"`
	TicketID    uuid.UUID `gorm:"type:uuid;not null;index"`
	Strategy    string    `gorm:"not null"`
	Route       string
	Status      string `gorm:"not null"`
	Verdict     string `gorm:"type:text"`
	Error       string `gorm:"type:text"`
	StartedAt   time.Time
	CompletedAt *time.Time
}

func (RunModel) TableName() string { return "pipeline_runs" }

// RunStepModel maps to the "pipeline_steps" table.
type RunStepModel struct {
	ID          uuid.UUID `gorm:"type:uuid;primaryKey"`
	RunID       uuid.UUID `gorm:"type:uuid;not null;index"`
	StepIndex   int       `gorm:"not null"`
	Agent       string    `gorm:"not null"`
	Stage       string
	Status      string `gorm:"not null"`
	Output      string `gorm:"type:text"`
	Error       string `gorm:"type:text"`
	TokensUsed  int
	StartedAt   time.Time
	CompletedAt *time.Time
}

func (RunStepModel) TableName() string { return "pipeline_steps" }

// DocumentModel maps to the "documents" table.
type DocumentModel struct {
	ID        uuid.UUID  `gorm:"type:uuid;primaryKey"`
	TicketID  *uuid.UUID `gorm:"type:uuid;index"`
	Title     string     `gorm:"not null"`
	Content   string     `gorm:"type:text"`
	CreatedAt time.Time
}

func (DocumentModel) TableName() string { return "documents" }

// AuditEntryModel maps to the "audit_events" table.
// No UpdatedAt or DeletedAt: the audit log is append-only.
type AuditEntryModel struct {
	ID        uuid.UUID  `gorm:"type:uuid;primaryKey"`
	TicketID  *uuid.UUID `gorm:"type:uuid;index"`
	Actor     string     `gorm:"not null"`
	Action    string     `gorm:"not null;index"`
	Detail    string     `gorm:"type:text"`
	CreatedAt time.Time  `gorm:"index"`
}

func (AuditEntryModel) TableName() string { return "audit_events" }

// ApprovalModel maps to the "approvals" table.
type ApprovalModel struct {
	ID         string    `gorm:"primaryKey"`
	TicketID   uuid.UUID `gorm:"type:uuid;not null;index"`
	Kind       string    `gorm:"not null"`
	Reason     string    `gorm:"type:text"`
	Question   string    `gorm:"type:text"`
	Team       string
	Category   string
	Status     int16 `gorm:"not null;default:0;index"`
	ResolvedBy string
	CreatedAt  time.Time
	ExpiresAt  time.Time `gorm:"index"`
	ResolvedAt *time.Time
}

func (ApprovalModel) TableName() string { return "approvals" }

// Models lists every table in FK-dependency order for AutoMigrate.
func Models() []any {
	return []any{
		&SequenceModel{},
		&TicketModel{},
		&ReplyModel{},
		&DiagnosticNoteModel{},
		&PlanTaskModel{},
		&RunModel{},
		&RunStepModel{},
		&DocumentModel{},
		&AuditEntryModel{},
		&ApprovalModel{},
	}
}
