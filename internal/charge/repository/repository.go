package repository

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/tokenmeter/internal/charge/domain"
	"github.com/smallbiznis/tokenmeter/pkg/db"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Repository persists tier charges. State transitions are conditional
// updates on the current status so concurrent writers cannot both win.
type Repository interface {
	InsertPending(ctx context.Context, conn *gorm.DB, charge *domain.TierCharge) (bool, error)
	Find(ctx context.Context, conn *gorm.DB, clientID, label string) (*domain.TierCharge, error)
	ListForClient(ctx context.Context, conn *gorm.DB, clientID string) ([]domain.TierCharge, error)
	ListStalePending(ctx context.Context, conn *gorm.DB, before time.Time, limit int) ([]domain.TierCharge, error)
	ListByClient(ctx context.Context, conn *gorm.DB, clientID string, beforeID snowflake.ID, limit int) ([]domain.TierCharge, error)

	ClaimFailed(ctx context.Context, conn *gorm.DB, id snowflake.ID, tokensUsed int64, now time.Time) (bool, error)
	ClaimStale(ctx context.Context, conn *gorm.DB, id snowflake.ID, staleBefore, now time.Time) (bool, error)
	MarkSucceeded(ctx context.Context, conn *gorm.DB, id snowflake.ID, reference string, now time.Time) (bool, error)
	MarkFailed(ctx context.Context, conn *gorm.DB, id snowflake.ID, reason, reference string, now time.Time) (bool, error)
	SetReference(ctx context.Context, conn *gorm.DB, id snowflake.ID, reference string) error
}

type repo struct{}

func Provide() Repository {
	return &repo{}
}

func (r *repo) InsertPending(ctx context.Context, conn *gorm.DB, charge *domain.TierCharge) (bool, error) {
	res := conn.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{
				{Name: "client_id"},
				{Name: "tier_label"},
			},
			DoNothing: true,
		}).
		Create(charge)
	if res.Error != nil {
		if db.IsDuplicateKeyErr(res.Error) {
			return false, nil
		}
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) Find(ctx context.Context, conn *gorm.DB, clientID, label string) (*domain.TierCharge, error) {
	q := conn.WithContext(ctx)
	if db.SupportsRowLocks(conn) {
		q = q.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var item domain.TierCharge
	err := q.Where("client_id = ? AND tier_label = ?", clientID, label).
		First(&item).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func (r *repo) ListForClient(ctx context.Context, conn *gorm.DB, clientID string) ([]domain.TierCharge, error) {
	var items []domain.TierCharge
	err := conn.WithContext(ctx).
		Where("client_id = ?", clientID).
		Order("tier_upper_bound_tokens ASC").
		Find(&items).Error
	return items, err
}

func (r *repo) ListStalePending(ctx context.Context, conn *gorm.DB, before time.Time, limit int) ([]domain.TierCharge, error) {
	var items []domain.TierCharge
	err := conn.WithContext(ctx).
		Where("status = ? AND updated_at < ?", domain.StatusPending, before).
		Order("updated_at ASC").
		Limit(limit).
		Find(&items).Error
	return items, err
}

func (r *repo) ListByClient(ctx context.Context, conn *gorm.DB, clientID string, beforeID snowflake.ID, limit int) ([]domain.TierCharge, error) {
	q := conn.WithContext(ctx).Where("client_id = ?", clientID)
	if beforeID != 0 {
		q = q.Where("id < ?", beforeID)
	}
	var items []domain.TierCharge
	err := q.Order("id DESC").Limit(limit).Find(&items).Error
	return items, err
}

func (r *repo) ClaimFailed(ctx context.Context, conn *gorm.DB, id snowflake.ID, tokensUsed int64, now time.Time) (bool, error) {
	res := conn.WithContext(ctx).Exec(
		`UPDATE tier_charges
		 SET status = ?, attempts = attempts + 1, tokens_used_at_charge_time = ?,
			failure_reason = '', updated_at = ?
		 WHERE id = ? AND status = ?`,
		domain.StatusPending,
		tokensUsed,
		now,
		id,
		domain.StatusFailed,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) ClaimStale(ctx context.Context, conn *gorm.DB, id snowflake.ID, staleBefore, now time.Time) (bool, error) {
	res := conn.WithContext(ctx).Exec(
		`UPDATE tier_charges
		 SET attempts = attempts + 1, updated_at = ?
		 WHERE id = ? AND status = ? AND updated_at < ?`,
		now,
		id,
		domain.StatusPending,
		staleBefore,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) MarkSucceeded(ctx context.Context, conn *gorm.DB, id snowflake.ID, reference string, now time.Time) (bool, error) {
	res := conn.WithContext(ctx).Exec(
		`UPDATE tier_charges
		 SET status = ?, payment_reference = ?, failure_reason = '', charged_at = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		domain.StatusSucceeded,
		reference,
		now,
		now,
		id,
		domain.StatusPending,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) MarkFailed(ctx context.Context, conn *gorm.DB, id snowflake.ID, reason, reference string, now time.Time) (bool, error) {
	res := conn.WithContext(ctx).Exec(
		`UPDATE tier_charges
		 SET status = ?, failure_reason = ?, payment_reference = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		domain.StatusFailed,
		reason,
		reference,
		now,
		id,
		domain.StatusPending,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) SetReference(ctx context.Context, conn *gorm.DB, id snowflake.ID, reference string) error {
	return conn.WithContext(ctx).Exec(
		`UPDATE tier_charges SET payment_reference = ? WHERE id = ? AND status = ?`,
		reference,
		id,
		domain.StatusPending,
	).Error
}
