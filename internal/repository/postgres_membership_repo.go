package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/hitoshi/gatekeeper/internal/model"
)

// PostgresMembershipRepo はPostgreSQLを使用したメンバーシップリポジトリ。
type PostgresMembershipRepo struct {
	db *sql.DB
}

// NewPostgresMembershipRepo はPostgresMembershipRepoを生成する。
func NewPostgresMembershipRepo(db *sql.DB) *PostgresMembershipRepo {
	return &PostgresMembershipRepo{db: db}
}

// コンパイル時にインターフェースの実装を検証する。
var _ MembershipRepository = (*PostgresMembershipRepo)(nil)

const membershipColumns = `user_id, end_date, status, payment_reference, created_at, updated_at`

// rowScanner はsql.Rowとsql.Rowsの共通インターフェース。
type rowScanner interface {
	Scan(dest ...any) error
}

func scanMembership(s rowScanner) (*model.Membership, error) {
	m := &model.Membership{}
	var status string
	var ref sql.NullString
	if err := s.Scan(&m.UserID, &m.EndDate, &status, &ref, &m.CreatedAt, &m.UpdatedAt); err != nil {
		return nil, err
	}
	m.Status = model.MembershipStatus(status)
	m.PaymentReference = ref.String
	m.EndDate = model.NormalizeInstant(m.EndDate)
	m.CreatedAt = model.NormalizeInstant(m.CreatedAt)
	m.UpdatedAt = model.NormalizeInstant(m.UpdatedAt)
	return m, nil
}

// FindByUserID は指定ユーザーのメンバーシップを取得する。見つからない場合はnilを返す。
func (r *PostgresMembershipRepo) FindByUserID(ctx context.Context, userID int64) (*model.Membership, error) {
	m, err := scanMembership(r.db.QueryRowContext(ctx,
		`SELECT `+membershipColumns+` FROM memberships WHERE user_id = $1`,
		userID,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("メンバーシップの取得に失敗しました: %w", err)
	}
	return m, nil
}

// ConfirmPayment は支払い確定を同一トランザクションで台帳とメンバーシップに反映する。
// 台帳への挿入が競合した場合（確定済みの参照）はロールバックし、現在の状態を返す。
func (r *PostgresMembershipRepo) ConfirmPayment(ctx context.Context, userID int64, paymentRef string, endDate time.Time) (*model.Membership, bool, error) {
	endDate = model.NormalizeInstant(endDate)

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if paymentRef != "" {
		result, err := tx.ExecContext(ctx,
			`INSERT INTO membership_payments (payment_reference, user_id, end_date)
			 VALUES ($1, $2, $3)
			 ON CONFLICT (payment_reference) DO NOTHING`,
			paymentRef, userID, endDate,
		)
		if err != nil {
			return nil, false, fmt.Errorf("支払い台帳への登録に失敗しました: %w", err)
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return nil, false, fmt.Errorf("支払い台帳の更新件数の取得に失敗しました: %w", err)
		}
		if affected == 0 {
			// 確定済みの支払い。メンバーシップは変更しない。
			if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
				return nil, false, fmt.Errorf("failed to rollback transaction: %w", err)
			}
			m, err := r.findForDuplicate(ctx, userID, paymentRef)
			if err != nil {
				return nil, false, err
			}
			return m, false, nil
		}
	}

	m, err := scanMembership(tx.QueryRowContext(ctx,
		`INSERT INTO memberships (user_id, end_date, status, payment_reference, created_at, updated_at)
		 VALUES ($1, $2, 'active', NULLIF($3, ''), NOW(), NOW())
		 ON CONFLICT (user_id) DO UPDATE SET
			end_date = EXCLUDED.end_date,
			status = 'active',
			payment_reference = EXCLUDED.payment_reference,
			updated_at = NOW()
		 RETURNING `+membershipColumns,
		userID, endDate, paymentRef,
	))
	if err != nil {
		return nil, false, fmt.Errorf("メンバーシップのUPSERTに失敗しました: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("failed to commit transaction: %w", err)
	}

	return m, true, nil
}

// findForDuplicate は確定済み支払いに対応する現在のメンバーシップを返す。
// メンバーシップ行がない場合は台帳の内容から組み立てる。
func (r *PostgresMembershipRepo) findForDuplicate(ctx context.Context, userID int64, paymentRef string) (*model.Membership, error) {
	m, err := r.FindByUserID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if m != nil {
		return m, nil
	}

	var endDate, confirmedAt time.Time
	err = r.db.QueryRowContext(ctx,
		`SELECT end_date, confirmed_at FROM membership_payments WHERE payment_reference = $1`,
		paymentRef,
	).Scan(&endDate, &confirmedAt)
	if err != nil {
		return nil, fmt.Errorf("支払い台帳の取得に失敗しました: %w", err)
	}

	return &model.Membership{
		UserID:           userID,
		EndDate:          model.NormalizeInstant(endDate),
		Status:           model.MembershipStatusActive,
		PaymentReference: paymentRef,
		CreatedAt:        model.NormalizeInstant(confirmedAt),
		UpdatedAt:        model.NormalizeInstant(confirmedAt),
	}, nil
}

// ListExpiredActive はstatus=activeかつend_date < nowのメンバーシップをend_date昇順で返す。
func (r *PostgresMembershipRepo) ListExpiredActive(ctx context.Context, now time.Time) ([]*model.Membership, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+membershipColumns+`
		 FROM memberships
		 WHERE status = 'active' AND end_date < $1
		 ORDER BY end_date ASC`,
		model.NormalizeInstant(now),
	)
	if err != nil {
		return nil, fmt.Errorf("期限切れメンバーシップの取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var members []*model.Membership
	for rows.Next() {
		m, err := scanMembership(rows)
		if err != nil {
			return nil, fmt.Errorf("メンバーシップ行の読み取りに失敗しました: %w", err)
		}
		members = append(members, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("期限切れメンバーシップの走査に失敗しました: %w", err)
	}
	return members, nil
}

// MarkExpired はstatus=activeかつend_date < nowの場合に限りstatusをexpiredに更新する。
func (r *PostgresMembershipRepo) MarkExpired(ctx context.Context, userID int64, now time.Time) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE memberships
		 SET status = 'expired', updated_at = NOW()
		 WHERE user_id = $1 AND status = 'active' AND end_date < $2`,
		userID, model.NormalizeInstant(now),
	)
	if err != nil {
		return false, fmt.Errorf("メンバーシップの期限切れ更新に失敗しました: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("更新件数の取得に失敗しました: %w", err)
	}
	return affected > 0, nil
}
