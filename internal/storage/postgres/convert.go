package postgres

import (
	"time"

	"github.com/jkaninda/kazi/internal/approval"
	"github.com/jkaninda/kazi/internal/ticket"
)

// --- Ticket ---

func toTicketModel(t *ticket.Ticket) TicketModel {
	return TicketModel{
		ID:                  t.ID,
		SeqNum:              t.SeqNum,
		Title:               t.Title,
		Body:                t.Body,
		Priority:            string(t.Priority),
		Status:              string(t.Status),
		ProcessingStatus:    string(t.ProcessingStatus),
		AssignedTeam:        string(t.AssignedTeam),
		OperationType:       string(t.OperationType),
		DeliverableType:     string(t.DeliverableType),
		BlockingTicketID:    t.BlockingTicketID,
		ParentTicketID:      t.ParentTicketID,
		VerificationRetries: t.VerificationRetries,
		ErrorRetries:        t.ErrorRetries,
		LastError:           t.LastError,
		Category:            t.Category,
		Stage:               t.Stage,
		TreeRoute:           t.TreeRoute,
		Agent:               t.Agent,
		Criteria:            t.Criteria,
		References:          t.References,
		ApprovedForDispatch: t.ApprovedForDispatch,
		NeedsManualReview:   t.NeedsManualReview,
		Ghost:               t.Ghost,
		ProcessingStartedAt: t.ProcessingStartedAt,
		CreatedAt:           t.CreatedAt,
		UpdatedAt:           t.UpdatedAt,
	}
}

func toTicketDomain(m *TicketModel) *ticket.Ticket {
	t := &ticket.Ticket{
		ID:                  m.ID,
		SeqNum:              m.SeqNum,
		Title:               m.Title,
		Body:                m.Body,
		Priority:            ticket.Priority(m.Priority),
		Status:              ticket.Status(m.Status),
		ProcessingStatus:    ticket.ProcessingStatus(m.ProcessingStatus),
		AssignedTeam:        ticket.Team(m.AssignedTeam),
		OperationType:       ticket.OperationType(m.OperationType),
		DeliverableType:     ticket.DeliverableType(m.DeliverableType),
		BlockingTicketID:    m.BlockingTicketID,
		ParentTicketID:      m.ParentTicketID,
		VerificationRetries: m.VerificationRetries,
		ErrorRetries:        m.ErrorRetries,
		LastError:           m.LastError,
		Category:            m.Category,
		Stage:               m.Stage,
		TreeRoute:           m.TreeRoute,
		Agent:               m.Agent,
		Criteria:            m.Criteria,
		References:          m.References,
		ApprovedForDispatch: m.ApprovedForDispatch,
		NeedsManualReview:   m.NeedsManualReview,
		Ghost:               m.Ghost,
		ProcessingStartedAt: m.ProcessingStartedAt,
		CreatedAt:           m.CreatedAt,
		UpdatedAt:           m.UpdatedAt,
	}
	return t.Clone()
}

// patchColumns turns a ticket.Patch into a column map for Updates.
// References are appended by the caller since they need the current value.
func patchColumns(p ticket.Patch) map[string]any {
	cols := map[string]any{}
	if p.Status != nil {
		cols["status"] = string(*p.Status)
	}
	if p.ProcessingStatus != nil {
		cols["processing_status"] = string(*p.ProcessingStatus)
	}
	if p.AssignedTeam != nil {
		cols["assigned_team"] = string(*p.AssignedTeam)
	}
	if p.Priority != nil {
		cols["priority"] = string(*p.Priority)
	}
	if p.ClearBlocking {
		cols["blocking_ticket_id"] = nil
	} else if p.BlockingTicketID != nil {
		cols["blocking_ticket_id"] = *p.BlockingTicketID
	}
	if p.VerificationRetries != nil {
		cols["verification_retries"] = *p.VerificationRetries
	}
	if p.ErrorRetries != nil {
		cols["error_retries"] = *p.ErrorRetries
	}
	if p.LastError != nil {
		cols["last_error"] = *p.LastError
	}
	if p.Stage != nil {
		cols["stage"] = *p.Stage
	}
	if p.TreeRoute != nil {
		cols["tree_route"] = *p.TreeRoute
	}
	if p.Agent != nil {
		cols["agent"] = *p.Agent
	}
	if p.ApprovedForDispatch != nil {
		cols["approved_for_dispatch"] = *p.ApprovedForDispatch
	}
	if p.NeedsManualReview != nil {
		cols["needs_manual_review"] = *p.NeedsManualReview
	}
	if p.ClearProcessingAt {
		cols["processing_started_at"] = nil
	} else if p.ProcessingStartedAt != nil {
		cols["processing_started_at"] = p.ProcessingStartedAt.UTC()
	}
	return cols
}

// --- Replies and notes ---

func toReplyDomain(m *ReplyModel) ticket.Reply {
	return ticket.Reply{
		ID:        m.ID,
		TicketID:  m.TicketID,
		Author:    m.Author,
		Body:      m.Body,
		CreatedAt: m.CreatedAt,
	}
}

func toNoteDomain(m *DiagnosticNoteModel) ticket.DiagnosticNote {
	return ticket.DiagnosticNote{
		ID:               m.ID,
		TicketID:         m.TicketID,
		Author:           m.Author,
		Note:             m.Note,
		ErrorContext:     m.ErrorContext,
		SuggestedActions: m.SuggestedActions,
		CreatedAt:        m.CreatedAt,
	}
}

// --- Approval ---

func toApprovalModel(req *approval.CreateRequest, id string, ttl time.Duration) ApprovalModel {
	now := time.Now().UTC()
	return ApprovalModel{
		ID:        id,
		TicketID:  req.TicketID,
		Kind:      string(req.Kind),
		Reason:    req.Reason,
		Question:  req.Question,
		Team:      req.Team,
		Category:  req.Category,
		Status:    int16(approval.StatusPending),
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
}

func toApprovalDomain(m *ApprovalModel) *approval.Request {
	return &approval.Request{
		ID:         m.ID,
		TicketID:   m.TicketID,
		Kind:       approval.Kind(m.Kind),
		Reason:     m.Reason,
		Question:   m.Question,
		Team:       m.Team,
		Category:   m.Category,
		Status:     approval.Status(m.Status),
		ResolvedBy: m.ResolvedBy,
		CreatedAt:  m.CreatedAt,
		ExpiresAt:  m.ExpiresAt,
		ResolvedAt: m.ResolvedAt,
	}
}
