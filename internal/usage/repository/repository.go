package repository

import (
	"context"
	"errors"
	"time"

	"github.com/smallbiznis/tokenmeter/internal/usage/domain"
	"github.com/smallbiznis/tokenmeter/pkg/db"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Repository persists billing accounts and usage reports. Every method takes
// the connection to run on so callers can compose them inside a transaction.
type Repository interface {
	LockAccount(ctx context.Context, conn *gorm.DB, clientID string) (*domain.BillingAccount, error)
	FindAccount(ctx context.Context, conn *gorm.DB, clientID string) (*domain.BillingAccount, error)
	FindByProviderCustomer(ctx context.Context, conn *gorm.DB, providerCustomerID string) (*domain.BillingAccount, error)
	InsertAccount(ctx context.Context, conn *gorm.DB, acct *domain.BillingAccount) (bool, error)
	SaveAccount(ctx context.Context, conn *gorm.DB, acct *domain.BillingAccount) error
	AddChargedAmount(ctx context.Context, conn *gorm.DB, clientID string, amountCents int64, now time.Time) error

	FindReport(ctx context.Context, conn *gorm.DB, clientID, idempotencyKey string) (*domain.UsageReport, error)
	InsertReport(ctx context.Context, conn *gorm.DB, report *domain.UsageReport) (bool, error)
}

type repo struct{}

func Provide() Repository {
	return &repo{}
}

// LockAccount selects the account row FOR UPDATE where the dialect supports it.
// SQLite serialises writers on the database lock instead.
func (r *repo) LockAccount(ctx context.Context, conn *gorm.DB, clientID string) (*domain.BillingAccount, error) {
	q := conn.WithContext(ctx)
	if db.SupportsRowLocks(conn) {
		q = q.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	return first(q.Where("client_id = ?", clientID))
}

func (r *repo) FindAccount(ctx context.Context, conn *gorm.DB, clientID string) (*domain.BillingAccount, error) {
	return first(conn.WithContext(ctx).Where("client_id = ?", clientID))
}

func (r *repo) FindByProviderCustomer(ctx context.Context, conn *gorm.DB, providerCustomerID string) (*domain.BillingAccount, error) {
	return first(conn.WithContext(ctx).Where("provider_customer_id = ?", providerCustomerID))
}

// InsertAccount reports false when another writer created the row first.
func (r *repo) InsertAccount(ctx context.Context, conn *gorm.DB, acct *domain.BillingAccount) (bool, error) {
	res := conn.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "client_id"}}, DoNothing: true}).
		Create(acct)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) SaveAccount(ctx context.Context, conn *gorm.DB, acct *domain.BillingAccount) error {
	return conn.WithContext(ctx).Save(acct).Error
}

func (r *repo) AddChargedAmount(ctx context.Context, conn *gorm.DB, clientID string, amountCents int64, now time.Time) error {
	res := conn.WithContext(ctx).
		Model(&domain.BillingAccount{}).
		Where("client_id = ?", clientID).
		Updates(map[string]any{
			"total_amount_charged_cents": gorm.Expr("total_amount_charged_cents + ?", amountCents),
			"updated_at":                 now,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return domain.ErrAccountNotFound
	}
	return nil
}

func (r *repo) FindReport(ctx context.Context, conn *gorm.DB, clientID, idempotencyKey string) (*domain.UsageReport, error) {
	var report domain.UsageReport
	err := conn.WithContext(ctx).
		Where("client_id = ? AND idempotency_key = ?", clientID, idempotencyKey).
		First(&report).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &report, nil
}

func (r *repo) InsertReport(ctx context.Context, conn *gorm.DB, report *domain.UsageReport) (bool, error) {
	res := conn.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "client_id"}, {Name: "idempotency_key"}},
			DoNothing: true,
		}).
		Create(report)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func first(q *gorm.DB) (*domain.BillingAccount, error) {
	var acct domain.BillingAccount
	err := q.First(&acct).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &acct, nil
}
