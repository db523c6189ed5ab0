package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/kazi/internal/approval"
	"github.com/jkaninda/kazi/internal/directive"
	"github.com/jkaninda/kazi/internal/ticket"
)

// ErrNoApprovals is returned by Approve and Deny when no approval manager
// is configured.
var ErrNoApprovals = errors.New("approvals are not enabled")

// Submit creates a ticket and schedules it. Priority defaults to P2 and
// the operation to general. The stored ticket is written back into t.
func (s *Scheduler) Submit(ctx context.Context, t *ticket.Ticket) error {
	return s.do(ctx, func(ctx context.Context) error {
		if err := s.submit(ctx, t); err != nil {
			return err
		}
		s.kick(ctx)
		return nil
	})
}

// Enqueue schedules an existing ticket. Error-retry counters start over.
func (s *Scheduler) Enqueue(ctx context.Context, id uuid.UUID) error {
	return s.do(ctx, func(ctx context.Context) error {
		t, err := s.store.Get(ctx, id)
		if err != nil {
			return err
		}
		if err := s.enqueue(ctx, t, enqueueFresh); err != nil {
			return err
		}
		s.kick(ctx)
		return nil
	})
}

// Cancel cancels a ticket wherever it is. A result for an in-flight
// ticket is discarded when it arrives.
func (s *Scheduler) Cancel(ctx context.Context, id uuid.UUID, reason string) error {
	if reason == "" {
		reason = "cancelled by operator"
	}
	return s.do(ctx, func(ctx context.Context) error {
		if err := s.cancelTicket(ctx, id, reason); err != nil {
			return err
		}
		s.kick(ctx)
		return nil
	})
}

// Dispatch pushes a ticket past AI-mode gating and to the front of its
// queue.
func (s *Scheduler) Dispatch(ctx context.Context, id uuid.UUID) error {
	return s.do(ctx, func(ctx context.Context) error {
		if err := s.dispatchNow(ctx, id, ""); err != nil {
			return err
		}
		s.audit(ctx, &id, "operator", "dispatch.manual", "")
		s.kick(ctx)
		return nil
	})
}

// Hold parks a queued ticket until resource becomes active or the timeout
// elapses. A zero timeout uses the configured default.
func (s *Scheduler) Hold(ctx context.Context, id uuid.UUID, resource string, timeout time.Duration) error {
	return s.do(ctx, func(ctx context.Context) error {
		if err := s.hold(ctx, id, resource, timeout); err != nil {
			return err
		}
		s.kick(ctx)
		return nil
	})
}

// Release makes resource the active one and returns its held tickets to
// their queues.
func (s *Scheduler) Release(ctx context.Context, resource string) (int, error) {
	var n int
	err := s.do(ctx, func(ctx context.Context) error {
		if resource != s.activeResource {
			if err := s.switcher.Switch(ctx, s.activeResource, resource); err != nil {
				return fmt.Errorf("switching to %s: %w", resource, err)
			}
		}
		n = s.releaseResource(ctx, resource, "manual")
		s.kick(ctx)
		return nil
	})
	return n, err
}

// Execute applies one directive as the operator.
func (s *Scheduler) Execute(ctx context.Context, raw []byte) error {
	d, err := directive.Parse(raw)
	if err != nil {
		return err
	}
	return s.do(ctx, func(ctx context.Context) error {
		if err := s.applyDirective(ctx, d, "operator"); err != nil {
			return err
		}
		s.kick(ctx)
		return nil
	})
}

// Approve resolves an approval request. An approved dispatch lets the
// ticket run; an approved review resolves the ticket.
func (s *Scheduler) Approve(ctx context.Context, approvalID, approver string) (*approval.Request, error) {
	if s.approvals == nil {
		return nil, ErrNoApprovals
	}
	var req *approval.Request
	err := s.do(ctx, func(ctx context.Context) error {
		r, err := s.approvals.Approve(ctx, approvalID, approver)
		if err != nil {
			return err
		}
		req = r
		switch r.Kind {
		case approval.KindDispatch:
			s.auto.RecordManualApproval(r.Kind, r.Team, r.Category)
			if err := s.dispatchNow(ctx, r.TicketID, ""); err != nil {
				return err
			}
		case approval.KindReview:
			s.resolve(ctx, r.TicketID, false, approver)
		}
		s.audit(ctx, &r.TicketID, approver, "approval.approved", string(r.Kind))
		s.kick(ctx)
		return nil
	})
	return req, err
}

// Deny rejects an approval request. A denied dispatch cancels the ticket;
// a denied review sends it back for another attempt.
func (s *Scheduler) Deny(ctx context.Context, approvalID, denier string) (*approval.Request, error) {
	if s.approvals == nil {
		return nil, ErrNoApprovals
	}
	var req *approval.Request
	err := s.do(ctx, func(ctx context.Context) error {
		r, err := s.approvals.Deny(ctx, approvalID, denier)
		if err != nil {
			return err
		}
		req = r
		switch r.Kind {
		case approval.KindDispatch:
			if err := s.cancelTicket(ctx, r.TicketID, "dispatch denied by "+denier); err != nil {
				return err
			}
		case approval.KindReview:
			s.retryVerification(ctx, r.TicketID, "review denied by "+denier, "", nil)
		}
		s.audit(ctx, &r.TicketID, denier, "approval.denied", string(r.Kind))
		s.kick(ctx)
		return nil
	})
	return req, err
}

// SetAIMode changes dispatch gating.
func (s *Scheduler) SetAIMode(ctx context.Context, mode AIMode) error {
	m, err := ParseAIMode(string(mode))
	if err != nil {
		return err
	}
	return s.do(ctx, func(ctx context.Context) error {
		if s.aiMode != m {
			s.logger.InfoContext(ctx, "AI mode changed",
				slog.String("from", string(s.aiMode)),
				slog.String("to", string(m)),
			)
		}
		s.aiMode = m
		s.kick(ctx)
		return nil
	})
}

// SetAllocations replaces per-team slot allocations. Teams not listed get
// no allocation of their own.
func (s *Scheduler) SetAllocations(ctx context.Context, alloc map[ticket.Team]int) error {
	return s.do(ctx, func(ctx context.Context) error {
		if err := s.setAllocations(alloc); err != nil {
			return err
		}
		s.kick(ctx)
		return nil
	})
}
