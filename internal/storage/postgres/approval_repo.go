package postgres

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/jkaninda/kazi/internal/approval"
)

// ApprovalRepository implements approval.ApprovalStore with GORM.
type ApprovalRepository struct {
	db *gorm.DB
}

// NewApprovalRepository creates an ApprovalRepository.
func NewApprovalRepository(db *gorm.DB) *ApprovalRepository {
	return &ApprovalRepository{db: db}
}

// Create persists a new pending approval and returns its ID.
func (r *ApprovalRepository) Create(ctx context.Context, req *approval.CreateRequest, ttl time.Duration) (string, error) {
	id, err := generateApprovalID()
	if err != nil {
		return "", fmt.Errorf("generating approval ID: %w", err)
	}

	model := toApprovalModel(req, id, ttl)
	if err := r.db.WithContext(ctx).Create(&model).Error; err != nil {
		return "", fmt.Errorf("creating approval: %w", err)
	}
	return id, nil
}

// Get retrieves an approval by ID, marking it expired if past ExpiresAt.
func (r *ApprovalRepository) Get(ctx context.Context, id string) (*approval.Request, error) {
	var model ApprovalModel
	if err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, approval.ErrNotFound
		}
		return nil, fmt.Errorf("getting approval: %w", err)
	}

	r.expireOnRead(ctx, &model)
	return toApprovalDomain(&model), nil
}

// FindPending returns the newest pending approval of a kind for a ticket.
func (r *ApprovalRepository) FindPending(ctx context.Context, ticketID uuid.UUID, kind approval.Kind) (*approval.Request, error) {
	var model ApprovalModel
	err := r.db.WithContext(ctx).
		Where("ticket_id = ? AND kind = ? AND status = ?", ticketID, string(kind), int16(approval.StatusPending)).
		Order("created_at DESC").
		First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, approval.ErrNotFound
		}
		return nil, fmt.Errorf("finding pending approval: %w", err)
	}

	r.expireOnRead(ctx, &model)
	if model.Status != int16(approval.StatusPending) {
		return nil, approval.ErrNotFound
	}
	return toApprovalDomain(&model), nil
}

// ListByStatus returns approvals in a status, oldest first.
func (r *ApprovalRepository) ListByStatus(ctx context.Context, status approval.Status) ([]approval.Request, error) {
	if status == approval.StatusPending {
		if err := r.ExpireOld(ctx); err != nil {
			return nil, err
		}
	}
	var models []ApprovalModel
	if err := r.db.WithContext(ctx).
		Where("status = ?", int16(status)).
		Order("created_at ASC").
		Find(&models).Error; err != nil {
		return nil, fmt.Errorf("listing approvals: %w", err)
	}
	result := make([]approval.Request, len(models))
	for i := range models {
		result[i] = *toApprovalDomain(&models[i])
	}
	return result, nil
}

// Resolve transitions a pending approval to approved or denied.
func (r *ApprovalRepository) Resolve(ctx context.Context, id, resolverID string, status approval.Status) (*approval.Request, error) {
	var out *approval.Request
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var model ApprovalModel
		if err := tx.First(&model, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return approval.ErrNotFound
			}
			return err
		}

		now := time.Now().UTC()
		if model.Status == int16(approval.StatusPending) && now.After(model.ExpiresAt) {
			if err := tx.Model(&model).Update("status", int16(approval.StatusExpired)).Error; err != nil {
				return err
			}
			return approval.ErrExpired
		}
		if model.Status != int16(approval.StatusPending) {
			return approval.ErrAlreadyResolved
		}

		// The status guard makes a concurrent resolution lose cleanly.
		res := tx.Model(&ApprovalModel{}).
			Where("id = ? AND status = ?", id, int16(approval.StatusPending)).
			Updates(map[string]any{
				"status":      int16(status),
				"resolved_by": resolverID,
				"resolved_at": now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return approval.ErrAlreadyResolved
		}

		model.Status = int16(status)
		model.ResolvedBy = resolverID
		model.ResolvedAt = &now
		out = toApprovalDomain(&model)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ExpireOld bulk-updates status to expired for all pending rows past expires_at.
func (r *ApprovalRepository) ExpireOld(ctx context.Context) error {
	return r.db.WithContext(ctx).
		Model(&ApprovalModel{}).
		Where("status = ? AND expires_at < ?", int16(approval.StatusPending), time.Now().UTC()).
		Update("status", int16(approval.StatusExpired)).Error
}

// DeleteResolved removes resolved/expired rows older than the given age.
func (r *ApprovalRepository) DeleteResolved(ctx context.Context, olderThan time.Duration) error {
	cutoff := time.Now().UTC().Add(-olderThan)
	return r.db.WithContext(ctx).
		Where("status != ? AND created_at < ?", int16(approval.StatusPending), cutoff).
		Delete(&ApprovalModel{}).Error
}

func (r *ApprovalRepository) expireOnRead(ctx context.Context, model *ApprovalModel) {
	if model.Status == int16(approval.StatusPending) && time.Now().UTC().After(model.ExpiresAt) {
		r.db.WithContext(ctx).Model(model).Update("status", int16(approval.StatusExpired))
		model.Status = int16(approval.StatusExpired)
	}
}

func generateApprovalID() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

var _ approval.ApprovalStore = (*ApprovalRepository)(nil)
