package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/plurahq/quotient/internal/audit/domain"
	"github.com/plurahq/quotient/internal/clock"
	"github.com/plurahq/quotient/internal/credit/domain"
	obsmetrics "github.com/plurahq/quotient/internal/observability/metrics"
	"github.com/plurahq/quotient/internal/tenant"
	"github.com/plurahq/quotient/pkg/db/pagination"
	"github.com/shopspring/decimal"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	AuditSvc   auditdomain.Service `optional:"true"`
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	clock      clock.Clock
	auditSvc   auditdomain.Service
	obsMetrics *obsmetrics.Metrics
	inTx       bool
}

func New(p Params) domain.Service {
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("credit.service"),
		genID:      p.GenID,
		clock:      p.Clock,
		auditSvc:   p.AuditSvc,
		obsMetrics: p.ObsMetrics,
	}
}

func (s *Service) WithTx(tx *gorm.DB) domain.Service {
	clone := *s
	clone.db = tx
	clone.inTx = true
	return &clone
}

func (s *Service) LockBalance(ctx context.Context, scope tenant.Scope, featureKey string) error {
	featureKey = strings.TrimSpace(featureKey)
	if err := scope.Validate(); err != nil || featureKey == "" {
		return domain.ErrInvalidCreditScope
	}
	_, err := s.fetchOrCreateBalance(ctx, s.db, scope, featureKey, s.clock.Now())
	return err
}

// transact runs fn inside a transaction, or directly when the service is
// already bound to one via WithTx.
func (s *Service) transact(ctx context.Context, fn func(tx *gorm.DB) error) error {
	if s.inTx {
		return fn(s.db)
	}
	return s.db.WithContext(ctx).Transaction(fn)
}

func (s *Service) Grant(ctx context.Context, req domain.GrantRequest) (decimal.Decimal, error) {
	featureKey, idempotencyKey, err := validateMutation(req.Scope, req.FeatureKey, req.IdempotencyKey)
	if err != nil {
		return decimal.Zero, err
	}
	if req.Amount.Sign() <= 0 {
		return decimal.Zero, domain.ErrInvalidAmount
	}

	now := s.clock.Now()
	var balanceAfter decimal.Decimal
	replayed := false

	err = s.transact(ctx, func(tx *gorm.DB) error {
		if prior, err := s.findEntry(ctx, tx, idempotencyKey); err != nil {
			return err
		} else if prior != nil {
			balanceAfter = prior.BalanceAfter
			replayed = true
			return nil
		}

		balance, err := s.fetchOrCreateBalance(ctx, tx, req.Scope, featureKey, now)
		if err != nil {
			return err
		}
		if err := s.applyPendingExpiry(ctx, tx, balance, now); err != nil {
			return err
		}

		balanceAfter = balance.Balance.Add(req.Amount)
		inserted, prior, err := s.appendEntry(ctx, tx, &domain.LedgerEntry{
			ID:             s.genID.Generate(),
			ScopeKind:      req.Scope.Kind,
			AgencyID:       req.Scope.AgencyID,
			SubAccountID:   req.Scope.SubAccountID,
			FeatureKey:     featureKey,
			Type:           domain.EntryGrant,
			Delta:          req.Amount,
			BalanceAfter:   balanceAfter,
			Reason:         strings.TrimSpace(req.Reason),
			IdempotencyKey: idempotencyKey,
			CreatedAt:      now,
		})
		if err != nil {
			return err
		}
		if !inserted {
			balanceAfter = prior.BalanceAfter
			replayed = true
			return nil
		}

		updates := map[string]any{"balance": balanceAfter, "updated_at": now}
		if req.ExpiresAt != nil {
			expiry := req.ExpiresAt.UTC()
			updates["expires_at"] = expiry
		}
		return tx.WithContext(ctx).Model(&domain.Balance{}).
			Where("id = ?", balance.ID).
			Updates(updates).Error
	})
	if err != nil {
		return decimal.Zero, err
	}

	if !replayed {
		s.obsMetrics.IncCreditsGranted()
		s.audit(ctx, req.Scope, auditdomain.ActionCreditGranted, featureKey, map[string]any{
			"amount":        req.Amount.String(),
			"balance_after": balanceAfter.String(),
			"reason":        req.Reason,
		})
	}
	return balanceAfter, nil
}

func (s *Service) Consume(ctx context.Context, req domain.ConsumeRequest) (domain.ConsumeResult, error) {
	featureKey, idempotencyKey, err := validateMutation(req.Scope, req.FeatureKey, req.IdempotencyKey)
	if err != nil {
		return domain.ConsumeResult{}, err
	}
	if req.Amount.Sign() <= 0 {
		return domain.ConsumeResult{}, domain.ErrInvalidAmount
	}

	now := s.clock.Now()
	var result domain.ConsumeResult
	replayed := false

	err = s.transact(ctx, func(tx *gorm.DB) error {
		if prior, err := s.findEntry(ctx, tx, idempotencyKey); err != nil {
			return err
		} else if prior != nil {
			result = domain.ConsumeResult{BalanceAfter: prior.BalanceAfter}
			replayed = true
			return nil
		}

		balance, err := s.fetchOrCreateBalance(ctx, tx, req.Scope, featureKey, now)
		if err != nil {
			return err
		}
		if err := s.applyPendingExpiry(ctx, tx, balance, now); err != nil {
			return err
		}

		if balance.Balance.LessThan(req.Amount) {
			return domain.ErrInsufficientCredits
		}

		balanceAfter := balance.Balance.Sub(req.Amount)
		inserted, prior, err := s.appendEntry(ctx, tx, &domain.LedgerEntry{
			ID:             s.genID.Generate(),
			ScopeKind:      req.Scope.Kind,
			AgencyID:       req.Scope.AgencyID,
			SubAccountID:   req.Scope.SubAccountID,
			FeatureKey:     featureKey,
			Type:           domain.EntryConsume,
			Delta:          req.Amount.Neg(),
			BalanceAfter:   balanceAfter,
			Reason:         strings.TrimSpace(req.Reason),
			IdempotencyKey: idempotencyKey,
			CreatedAt:      now,
		})
		if err != nil {
			return err
		}
		if !inserted {
			result = domain.ConsumeResult{BalanceAfter: prior.BalanceAfter}
			replayed = true
			return nil
		}

		result = domain.ConsumeResult{BalanceAfter: balanceAfter}
		return tx.WithContext(ctx).Model(&domain.Balance{}).
			Where("id = ?", balance.ID).
			Updates(map[string]any{"balance": balanceAfter, "updated_at": now}).Error
	})
	if err != nil {
		return domain.ConsumeResult{}, err
	}

	if !replayed {
		s.obsMetrics.IncCreditsConsumed()
		s.audit(ctx, req.Scope, auditdomain.ActionCreditConsumed, featureKey, map[string]any{
			"amount":        req.Amount.String(),
			"balance_after": result.BalanceAfter.String(),
			"reason":        req.Reason,
		})
	}
	return result, nil
}

func (s *Service) Adjust(ctx context.Context, req domain.AdjustRequest) (decimal.Decimal, error) {
	featureKey, idempotencyKey, err := validateMutation(req.Scope, req.FeatureKey, req.IdempotencyKey)
	if err != nil {
		return decimal.Zero, err
	}
	if req.Delta.IsZero() {
		return decimal.Zero, domain.ErrInvalidAmount
	}

	now := s.clock.Now()
	var balanceAfter decimal.Decimal
	replayed := false

	err = s.transact(ctx, func(tx *gorm.DB) error {
		if prior, err := s.findEntry(ctx, tx, idempotencyKey); err != nil {
			return err
		} else if prior != nil {
			balanceAfter = prior.BalanceAfter
			replayed = true
			return nil
		}

		balance, err := s.fetchOrCreateBalance(ctx, tx, req.Scope, featureKey, now)
		if err != nil {
			return err
		}
		if err := s.applyPendingExpiry(ctx, tx, balance, now); err != nil {
			return err
		}

		balanceAfter = balance.Balance.Add(req.Delta)
		if balanceAfter.Sign() < 0 {
			return domain.ErrInsufficientCredits
		}

		inserted, prior, err := s.appendEntry(ctx, tx, &domain.LedgerEntry{
			ID:             s.genID.Generate(),
			ScopeKind:      req.Scope.Kind,
			AgencyID:       req.Scope.AgencyID,
			SubAccountID:   req.Scope.SubAccountID,
			FeatureKey:     featureKey,
			Type:           domain.EntryAdjust,
			Delta:          req.Delta,
			BalanceAfter:   balanceAfter,
			Reason:         strings.TrimSpace(req.Reason),
			IdempotencyKey: idempotencyKey,
			CreatedAt:      now,
		})
		if err != nil {
			return err
		}
		if !inserted {
			balanceAfter = prior.BalanceAfter
			replayed = true
			return nil
		}

		return tx.WithContext(ctx).Model(&domain.Balance{}).
			Where("id = ?", balance.ID).
			Updates(map[string]any{"balance": balanceAfter, "updated_at": now}).Error
	})
	if err != nil {
		return decimal.Zero, err
	}

	if !replayed {
		s.audit(ctx, req.Scope, auditdomain.ActionCreditAdjusted, featureKey, map[string]any{
			"delta":         req.Delta.String(),
			"balance_after": balanceAfter.String(),
			"reason":        req.Reason,
		})
	}
	return balanceAfter, nil
}

func (s *Service) ExpireStale(ctx context.Context, now time.Time) (int, error) {
	if now.IsZero() {
		now = s.clock.Now()
	}
	now = now.UTC()

	expired := 0
	err := s.transact(ctx, func(tx *gorm.DB) error {
		stmt := tx.WithContext(ctx).Model(&domain.Balance{}).
			Where("expires_at IS NOT NULL AND expires_at <= ? AND balance > 0", now)
		if supportsRowLocks(tx) {
			stmt = stmt.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
		}

		var stale []domain.Balance
		if err := stmt.Find(&stale).Error; err != nil {
			return err
		}

		for _, balance := range stale {
			key := expireIdempotencyKey(balance.ID, *balance.ExpiresAt)
			inserted, _, err := s.appendEntry(ctx, tx, &domain.LedgerEntry{
				ID:             s.genID.Generate(),
				ScopeKind:      balance.ScopeKind,
				AgencyID:       balance.AgencyID,
				SubAccountID:   balance.SubAccountID,
				FeatureKey:     balance.FeatureKey,
				Type:           domain.EntryExpire,
				Delta:          balance.Balance.Neg(),
				BalanceAfter:   decimal.Zero,
				Reason:         "credit_expiry",
				IdempotencyKey: key,
				CreatedAt:      now,
			})
			if err != nil {
				return err
			}

			if err := tx.WithContext(ctx).Model(&domain.Balance{}).
				Where("id = ?", balance.ID).
				Updates(map[string]any{"balance": decimal.Zero, "expires_at": nil, "updated_at": now}).Error; err != nil {
				return err
			}
			if inserted {
				expired++
				s.audit(ctx, tenant.Scope{Kind: balance.ScopeKind, AgencyID: balance.AgencyID, SubAccountID: balance.SubAccountID},
					auditdomain.ActionCreditExpired, balance.FeatureKey, map[string]any{
						"amount": balance.Balance.String(),
					})
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	s.obsMetrics.AddCreditsExpired(expired)
	return expired, nil
}

func (s *Service) Available(ctx context.Context, scope tenant.Scope, featureKey string, at time.Time) (decimal.Decimal, error) {
	if err := scope.Validate(); err != nil {
		return decimal.Zero, domain.ErrInvalidCreditScope
	}
	if at.IsZero() {
		at = s.clock.Now()
	}

	var balance domain.Balance
	err := scopeWhere(s.db.WithContext(ctx).Model(&domain.Balance{}), scope).
		Where("feature_key = ?", featureKey).
		First(&balance).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return decimal.Zero, nil
		}
		return decimal.Zero, err
	}
	return balance.Available(at), nil
}

func (s *Service) Balances(ctx context.Context, scope tenant.Scope, at time.Time) ([]domain.BalanceView, error) {
	if err := scope.Validate(); err != nil {
		return nil, domain.ErrInvalidCreditScope
	}
	if at.IsZero() {
		at = s.clock.Now()
	}

	var balances []domain.Balance
	err := scopeWhere(s.db.WithContext(ctx).Model(&domain.Balance{}), scope).
		Order("feature_key").
		Find(&balances).Error
	if err != nil {
		return nil, err
	}

	views := make([]domain.BalanceView, 0, len(balances))
	for _, balance := range balances {
		views = append(views, domain.BalanceView{
			ScopeKind:  balance.ScopeKind,
			AgencyID:   balance.AgencyID,
			SubAccount: balance.SubAccountID,
			FeatureKey: balance.FeatureKey,
			Balance:    balance.Available(at),
			ExpiresAt:  balance.ExpiresAt,
		})
	}
	return views, nil
}

func (s *Service) Entries(ctx context.Context, req domain.ListEntriesRequest) (domain.ListEntriesResponse, error) {
	if err := req.Scope.Validate(); err != nil {
		return domain.ListEntriesResponse{}, domain.ErrInvalidCreditScope
	}
	pageSize := req.PageSize
	if pageSize <= 0 {
		pageSize = 50
	}

	stmt := scopeWhere(s.db.WithContext(ctx).Model(&domain.LedgerEntry{}), req.Scope)
	if key := strings.TrimSpace(req.FeatureKey); key != "" {
		stmt = stmt.Where("feature_key = ?", key)
	}
	if req.PageToken != "" {
		cursor, err := pagination.DecodeCursor(req.PageToken)
		if err != nil {
			return domain.ListEntriesResponse{}, err
		}
		stmt = stmt.Where("id < ?", cursor.ID)
	}

	var items []*domain.LedgerEntry
	if err := stmt.Order("id DESC").Limit(int(pageSize) + 1).Find(&items).Error; err != nil {
		return domain.ListEntriesResponse{}, err
	}

	pageInfo := pagination.BuildCursorPageInfo(items, pageSize, func(entry *domain.LedgerEntry) string {
		token, err := pagination.EncodeCursor(pagination.Cursor{ID: entry.ID.String()})
		if err != nil {
			return ""
		}
		return token
	})
	if pageInfo.HasMore && len(items) > int(pageSize) {
		items = items[:pageSize]
	}

	entries := make([]domain.LedgerEntry, 0, len(items))
	for _, item := range items {
		entries = append(entries, *item)
	}
	return domain.ListEntriesResponse{PageInfo: *pageInfo, Entries: entries}, nil
}

// fetchOrCreateBalance returns the balance row for (scope, featureKey),
// creating a zero row when none exists. On databases with row locks the row
// is locked FOR UPDATE for the rest of the transaction; sqlite serializes
// writers on its own.
func (s *Service) fetchOrCreateBalance(ctx context.Context, tx *gorm.DB, scope tenant.Scope, featureKey string, now time.Time) (*domain.Balance, error) {
	for attempt := 0; attempt < 2; attempt++ {
		var balance domain.Balance
		stmt := scopeWhere(tx.WithContext(ctx).Model(&domain.Balance{}), scope).
			Where("feature_key = ?", featureKey)
		if supportsRowLocks(tx) {
			stmt = stmt.Clauses(clause.Locking{Strength: "UPDATE"})
		}
		err := stmt.First(&balance).Error
		if err == nil {
			return &balance, nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, err
		}

		fresh := domain.Balance{
			ID:           s.genID.Generate(),
			ScopeKind:    scope.Kind,
			AgencyID:     scope.AgencyID,
			SubAccountID: scope.SubAccountID,
			FeatureKey:   featureKey,
			Balance:      decimal.Zero,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		result := tx.WithContext(ctx).Clauses(clause.OnConflict{
			Columns: []clause.Column{
				{Name: "scope_kind"}, {Name: "agency_id"}, {Name: "sub_account_id"}, {Name: "feature_key"},
			},
			DoNothing: true,
		}).Create(&fresh)
		if result.Error != nil {
			return nil, result.Error
		}
		if result.RowsAffected > 0 {
			return &fresh, nil
		}
		// Lost the insert race; loop once more to lock the winner's row.
	}
	return nil, gorm.ErrRecordNotFound
}

// applyPendingExpiry settles an expired-but-unswept balance before a new
// posting so the ledger-sum invariant survives grants that land between the
// expiry instant and the sweep. The EXPIRE entry uses the same deterministic
// key the sweep would, so whichever runs first wins and the other no-ops.
func (s *Service) applyPendingExpiry(ctx context.Context, tx *gorm.DB, balance *domain.Balance, now time.Time) error {
	if balance.ExpiresAt == nil || balance.ExpiresAt.After(now) {
		return nil
	}

	if balance.Balance.Sign() > 0 {
		_, _, err := s.appendEntry(ctx, tx, &domain.LedgerEntry{
			ID:             s.genID.Generate(),
			ScopeKind:      balance.ScopeKind,
			AgencyID:       balance.AgencyID,
			SubAccountID:   balance.SubAccountID,
			FeatureKey:     balance.FeatureKey,
			Type:           domain.EntryExpire,
			Delta:          balance.Balance.Neg(),
			BalanceAfter:   decimal.Zero,
			Reason:         "credit_expiry",
			IdempotencyKey: expireIdempotencyKey(balance.ID, *balance.ExpiresAt),
			CreatedAt:      now,
		})
		if err != nil {
			return err
		}
	}

	if err := tx.WithContext(ctx).Model(&domain.Balance{}).
		Where("id = ?", balance.ID).
		Updates(map[string]any{"balance": decimal.Zero, "expires_at": nil, "updated_at": now}).Error; err != nil {
		return err
	}
	balance.Balance = decimal.Zero
	balance.ExpiresAt = nil
	return nil
}

// appendEntry inserts a ledger entry, treating an idempotency-key conflict as
// a replay. Returns the prior entry when the insert was skipped.
func (s *Service) appendEntry(ctx context.Context, tx *gorm.DB, entry *domain.LedgerEntry) (bool, *domain.LedgerEntry, error) {
	result := tx.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "idempotency_key"}},
		DoNothing: true,
	}).Create(entry)
	if result.Error != nil {
		return false, nil, result.Error
	}
	if result.RowsAffected > 0 {
		return true, nil, nil
	}
	prior, err := s.findEntry(ctx, tx, entry.IdempotencyKey)
	if err != nil {
		return false, nil, err
	}
	if prior == nil {
		return false, nil, gorm.ErrRecordNotFound
	}
	return false, prior, nil
}

func (s *Service) findEntry(ctx context.Context, tx *gorm.DB, idempotencyKey string) (*domain.LedgerEntry, error) {
	var entry domain.LedgerEntry
	err := tx.WithContext(ctx).
		Where("idempotency_key = ?", idempotencyKey).
		First(&entry).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &entry, nil
}

func (s *Service) audit(ctx context.Context, scope tenant.Scope, action, featureKey string, metadata map[string]any) {
	if s.auditSvc == nil {
		return
	}
	s.auditSvc.Record(ctx, auditdomain.Entry{
		Scope:      scope,
		ActorType:  auditdomain.ActorTypeSystem,
		Action:     action,
		TargetType: "feature",
		TargetID:   featureKey,
		Metadata:   metadata,
	})
}

func validateMutation(scope tenant.Scope, featureKey, idempotencyKey string) (string, string, error) {
	if err := scope.Validate(); err != nil {
		return "", "", domain.ErrInvalidCreditScope
	}
	featureKey = strings.TrimSpace(featureKey)
	if featureKey == "" {
		return "", "", domain.ErrInvalidCreditScope
	}
	idempotencyKey = strings.TrimSpace(idempotencyKey)
	if idempotencyKey == "" {
		return "", "", domain.ErrMissingIdempotencyKey
	}
	return featureKey, idempotencyKey, nil
}

func scopeWhere(db *gorm.DB, scope tenant.Scope) *gorm.DB {
	db = db.Where("scope_kind = ?", scope.Kind)
	if scope.Kind == tenant.ScopeSubAccount {
		return db.Where("sub_account_id = ?", scope.SubAccountID)
	}
	return db.Where("agency_id = ?", scope.AgencyID)
}

func supportsRowLocks(db *gorm.DB) bool {
	return !strings.EqualFold(db.Dialector.Name(), "sqlite")
}

func expireIdempotencyKey(balanceID snowflake.ID, expiresAt time.Time) string {
	return fmt.Sprintf("expire:%s:%d", balanceID.String(), expiresAt.UTC().Unix())
}
