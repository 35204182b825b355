package services

import (
	"context"
	"errors"
	"fmt"

	"flowgate/pkg/models"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ErrInsufficientCredits is returned when a deduction would drive the
// balance negative. Permanent business error, never retried.
var ErrInsufficientCredits = errors.New("insufficient credits")

// Credit allocation modes for SetCredits
const (
	CreditModeAdd = "add"
	CreditModeSet = "set"
)

// CreditLedger is the source of truth for "can we send". All balance
// mutations go through atomic conditional updates; no read-then-write race
// is possible regardless of how many senders run concurrently.
type CreditLedger struct {
	db *gorm.DB
}

// NewCreditLedger creates a new credit ledger
func NewCreditLedger(db *gorm.DB) *CreditLedger {
	return &CreditLedger{db: db}
}

// CheckCredits reports whether the tenant's balance covers one message.
// Read-only and advisory: it is not a reservation.
func (l *CreditLedger) CheckCredits(ctx context.Context, tenantID uuid.UUID) (bool, error) {
	var tenant models.Tenant
	err := l.db.WithContext(ctx).
		Select("credit_balance", "cost_per_message").
		Where("id = ?", tenantID).
		First(&tenant).Error
	if err != nil {
		return false, fmt.Errorf("load tenant: %w", err)
	}
	return tenant.CreditBalance >= tenant.CostPerMessage, nil
}

// DeductCredit decrements the balance by amount (tenant's cost-per-message
// when amount <= 0), only if the balance covers it. The conditional UPDATE
// is the sole enforcement point. Returns the resulting balance.
func (l *CreditLedger) DeductCredit(ctx context.Context, tenantID uuid.UUID, amount int64) (int64, error) {
	var balanceAfter int64

	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if amount <= 0 {
			var tenant models.Tenant
			if err := tx.Select("cost_per_message").Where("id = ?", tenantID).First(&tenant).Error; err != nil {
				return fmt.Errorf("load tenant: %w", err)
			}
			amount = tenant.CostPerMessage
		}
		if amount == 0 {
			// Free sends still resolve the current balance for the caller
			var tenant models.Tenant
			if err := tx.Select("credit_balance").Where("id = ?", tenantID).First(&tenant).Error; err != nil {
				return err
			}
			balanceAfter = tenant.CreditBalance
			return nil
		}

		result := tx.Model(&models.Tenant{}).
			Where("id = ? AND credit_balance >= ?", tenantID, amount).
			Update("credit_balance", gorm.Expr("credit_balance - ?", amount))
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return ErrInsufficientCredits
		}

		var tenant models.Tenant
		if err := tx.Select("credit_balance").Where("id = ?", tenantID).First(&tenant).Error; err != nil {
			return err
		}
		balanceAfter = tenant.CreditBalance

		txn := models.CreditTransaction{
			BaseTenantModel: models.BaseTenantModel{TenantID: tenantID},
			Type:            "use",
			Amount:          amount,
			BalanceAfter:    balanceAfter,
			Description:     "message send",
		}
		return tx.Create(&txn).Error
	})
	if err != nil {
		return 0, err
	}
	return balanceAfter, nil
}

// SetCredits is the admin-level allocation operation. Mode "add" increments
// balance and total-allocated; mode "set" sets the balance to an absolute
// value and adjusts total-allocated by the positive delta only.
func (l *CreditLedger) SetCredits(ctx context.Context, tenantID uuid.UUID, value int64, mode string) (int64, error) {
	var balanceAfter int64

	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var tenant models.Tenant
		if err := tx.Where("id = ?", tenantID).First(&tenant).Error; err != nil {
			return fmt.Errorf("load tenant: %w", err)
		}

		switch mode {
		case CreditModeAdd:
			if value < 0 {
				return fmt.Errorf("add mode requires a non-negative value")
			}
			tenant.CreditBalance += value
			tenant.TotalAllocated += value
		case CreditModeSet:
			if value < 0 {
				return fmt.Errorf("set mode requires a non-negative value")
			}
			delta := value - tenant.CreditBalance
			if delta > 0 {
				tenant.TotalAllocated += delta
			}
			tenant.CreditBalance = value
		default:
			return fmt.Errorf("unknown credit mode %q", mode)
		}

		if err := tx.Model(&models.Tenant{}).Where("id = ?", tenantID).Updates(map[string]interface{}{
			"credit_balance":  tenant.CreditBalance,
			"total_allocated": tenant.TotalAllocated,
		}).Error; err != nil {
			return err
		}
		balanceAfter = tenant.CreditBalance

		txn := models.CreditTransaction{
			BaseTenantModel: models.BaseTenantModel{TenantID: tenantID},
			Type:            mode,
			Amount:          value,
			BalanceAfter:    balanceAfter,
			Description:     "admin credit allocation",
		}
		return tx.Create(&txn).Error
	})
	if err != nil {
		return 0, err
	}
	return balanceAfter, nil
}
