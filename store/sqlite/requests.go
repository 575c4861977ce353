package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/warp/circle-engine/circle"
	"github.com/warp/circle-engine/generic"
)

// =============================================================================
// CONTRIBUTIONS
// =============================================================================

const contributionColumns = `id, group_id, circle_id, member_id, period_index, amount, expected_amount,
	status, rejection_reason, confirmed_by, confirmed_at, created_at, version`

func (q *queries) InsertContribution(ctx context.Context, c circle.Contribution) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO contributions (`+contributionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, c.ID, c.GroupID, c.CircleID, c.MemberID, c.PeriodIndex, formatMoney(c.Amount),
		formatMoney(c.ExpectedAmountSnapshot), c.Status, c.RejectionReason, c.ConfirmedBy,
		nullTime(c.ConfirmedAt), formatTime(c.CreatedAt), c.Version)
	if isUniqueConstraintError(err) {
		return fmt.Errorf("contribution %s already exists: %w", c.ID, generic.ErrDataIntegrity)
	}
	if err != nil {
		return fmt.Errorf("failed to insert contribution: %w", err)
	}
	return nil
}

func (q *queries) UpdateContribution(ctx context.Context, c circle.Contribution) error {
	res, err := q.db.ExecContext(ctx, `
		UPDATE contributions SET
			amount = ?, expected_amount = ?, status = ?, rejection_reason = ?,
			confirmed_by = ?, confirmed_at = ?, version = version + 1
		WHERE id = ? AND version = ?
	`, formatMoney(c.Amount), formatMoney(c.ExpectedAmountSnapshot), c.Status, c.RejectionReason,
		c.ConfirmedBy, nullTime(c.ConfirmedAt), c.ID, c.Version)
	if err != nil {
		return fmt.Errorf("failed to update contribution: %w", err)
	}
	return q.checkVersioned(ctx, res, "contributions", string(c.ID))
}

func (q *queries) GetContribution(ctx context.Context, id circle.ContributionID) (*circle.Contribution, error) {
	row := q.db.QueryRowContext(ctx, `SELECT `+contributionColumns+` FROM contributions WHERE id = ?`, id)
	c, err := scanContribution(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("contribution %s: %w", id, generic.ErrNotFound)
	}
	return c, err
}

func (q *queries) ListContributions(ctx context.Context, circleID generic.CircleID, memberID generic.MemberID) ([]circle.Contribution, error) {
	query := `SELECT ` + contributionColumns + ` FROM contributions WHERE circle_id = ?`
	args := []any{circleID}
	if memberID != "" {
		query += ` AND member_id = ?`
		args = append(args, memberID)
	}
	query += ` ORDER BY rowid`

	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list contributions: %w", err)
	}
	defer rows.Close()

	var out []circle.Contribution
	for rows.Next() {
		c, err := scanContribution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

func scanContribution(row scanner) (*circle.Contribution, error) {
	var (
		c                         circle.Contribution
		amount, expected, created string
		confirmed                 sql.NullString
	)
	if err := row.Scan(&c.ID, &c.GroupID, &c.CircleID, &c.MemberID, &c.PeriodIndex, &amount, &expected,
		&c.Status, &c.RejectionReason, &c.ConfirmedBy, &confirmed, &created, &c.Version); err != nil {
		return nil, err
	}
	var err error
	if c.Amount, err = generic.NewMoneyFromString(amount); err != nil {
		return nil, err
	}
	if c.ExpectedAmountSnapshot, err = generic.NewMoneyFromString(expected); err != nil {
		return nil, err
	}
	if c.ConfirmedAt, err = parseNullTime(confirmed); err != nil {
		return nil, err
	}
	if c.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	return &c, nil
}

// =============================================================================
// BENEFITS
// =============================================================================

const benefitColumns = `id, group_id, circle_id, member_id, type, requested_amount, status,
	waitlist_position, waitlisted_at, approved_at, paid_at, rejection_reason,
	created_at, updated_at, version`

func (q *queries) InsertBenefit(ctx context.Context, b circle.Benefit) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO benefits (`+benefitColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, b.ID, b.GroupID, b.CircleID, b.MemberID, b.Type, formatMoney(b.RequestedAmount), b.Status,
		nullInt(b.WaitlistPosition), nullTime(b.WaitlistedAt), nullTime(b.ApprovedAt), nullTime(b.PaidAt),
		b.RejectionReason, formatTime(b.CreatedAt), formatTime(b.UpdatedAt), b.Version)
	if isUniqueConstraintError(err) {
		return fmt.Errorf("benefit %s already exists: %w", b.ID, generic.ErrDataIntegrity)
	}
	if err != nil {
		return fmt.Errorf("failed to insert benefit: %w", err)
	}
	return nil
}

func (q *queries) UpdateBenefit(ctx context.Context, b circle.Benefit) error {
	res, err := q.db.ExecContext(ctx, `
		UPDATE benefits SET
			status = ?, waitlist_position = ?, waitlisted_at = ?, approved_at = ?, paid_at = ?,
			rejection_reason = ?, updated_at = ?, version = version + 1
		WHERE id = ? AND version = ?
	`, b.Status, nullInt(b.WaitlistPosition), nullTime(b.WaitlistedAt), nullTime(b.ApprovedAt),
		nullTime(b.PaidAt), b.RejectionReason, formatTime(b.UpdatedAt), b.ID, b.Version)
	if err != nil {
		return fmt.Errorf("failed to update benefit: %w", err)
	}
	return q.checkVersioned(ctx, res, "benefits", string(b.ID))
}

func (q *queries) GetBenefit(ctx context.Context, id circle.BenefitID) (*circle.Benefit, error) {
	row := q.db.QueryRowContext(ctx, `SELECT `+benefitColumns+` FROM benefits WHERE id = ?`, id)
	b, err := scanBenefit(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("benefit %s: %w", id, generic.ErrNotFound)
	}
	return b, err
}

func (q *queries) ListBenefits(ctx context.Context, circleID generic.CircleID, status circle.BenefitStatus) ([]circle.Benefit, error) {
	query := `SELECT ` + benefitColumns + ` FROM benefits WHERE circle_id = ?`
	args := []any{circleID}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY rowid`

	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list benefits: %w", err)
	}
	defer rows.Close()

	var out []circle.Benefit
	for rows.Next() {
		b, err := scanBenefit(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *b)
	}
	return out, rows.Err()
}

func scanBenefit(row scanner) (*circle.Benefit, error) {
	var (
		b                          circle.Benefit
		amount, created, updated   string
		position                   sql.NullInt64
		waitlisted, approved, paid sql.NullString
	)
	if err := row.Scan(&b.ID, &b.GroupID, &b.CircleID, &b.MemberID, &b.Type, &amount, &b.Status,
		&position, &waitlisted, &approved, &paid, &b.RejectionReason,
		&created, &updated, &b.Version); err != nil {
		return nil, err
	}
	var err error
	if b.RequestedAmount, err = generic.NewMoneyFromString(amount); err != nil {
		return nil, err
	}
	b.WaitlistPosition = intPtr(position)
	if b.WaitlistedAt, err = parseNullTime(waitlisted); err != nil {
		return nil, err
	}
	if b.ApprovedAt, err = parseNullTime(approved); err != nil {
		return nil, err
	}
	if b.PaidAt, err = parseNullTime(paid); err != nil {
		return nil, err
	}
	if b.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	if b.UpdatedAt, err = parseTime(updated); err != nil {
		return nil, err
	}
	return &b, nil
}

// =============================================================================
// LOANS
// =============================================================================

const loanColumns = `id, group_id, circle_id, borrower_id, principal, status, grace_period_days,
	disbursed_at, due_at, waitlist_position, waitlisted_at, closed_at, rejection_reason,
	created_at, updated_at, version`

func (q *queries) InsertLoan(ctx context.Context, l circle.Loan) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO loans (`+loanColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, l.ID, l.GroupID, l.CircleID, l.BorrowerID, formatMoney(l.Principal), l.Status, l.GracePeriodDays,
		nullTime(l.DisbursedAt), nullTime(l.DueAt), nullInt(l.WaitlistPosition), nullTime(l.WaitlistedAt),
		nullTime(l.ClosedAt), l.RejectionReason, formatTime(l.CreatedAt), formatTime(l.UpdatedAt), l.Version)
	if isUniqueConstraintError(err) {
		return fmt.Errorf("loan %s already exists: %w", l.ID, generic.ErrDataIntegrity)
	}
	if err != nil {
		return fmt.Errorf("failed to insert loan: %w", err)
	}
	return nil
}

func (q *queries) UpdateLoan(ctx context.Context, l circle.Loan) error {
	res, err := q.db.ExecContext(ctx, `
		UPDATE loans SET
			status = ?, grace_period_days = ?, disbursed_at = ?, due_at = ?, waitlist_position = ?,
			waitlisted_at = ?, closed_at = ?, rejection_reason = ?, updated_at = ?, version = version + 1
		WHERE id = ? AND version = ?
	`, l.Status, l.GracePeriodDays, nullTime(l.DisbursedAt), nullTime(l.DueAt), nullInt(l.WaitlistPosition),
		nullTime(l.WaitlistedAt), nullTime(l.ClosedAt), l.RejectionReason, formatTime(l.UpdatedAt), l.ID, l.Version)
	if err != nil {
		return fmt.Errorf("failed to update loan: %w", err)
	}
	return q.checkVersioned(ctx, res, "loans", string(l.ID))
}

func (q *queries) GetLoan(ctx context.Context, id circle.LoanID) (*circle.Loan, error) {
	row := q.db.QueryRowContext(ctx, `SELECT `+loanColumns+` FROM loans WHERE id = ?`, id)
	l, err := scanLoan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("loan %s: %w", id, generic.ErrNotFound)
	}
	return l, err
}

func (q *queries) ListLoans(ctx context.Context, circleID generic.CircleID, status circle.LoanStatus) ([]circle.Loan, error) {
	query := `SELECT ` + loanColumns + ` FROM loans WHERE circle_id = ?`
	args := []any{circleID}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY rowid`

	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list loans: %w", err)
	}
	defer rows.Close()

	var out []circle.Loan
	for rows.Next() {
		l, err := scanLoan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *l)
	}
	return out, rows.Err()
}

func scanLoan(row scanner) (*circle.Loan, error) {
	var (
		l                                  circle.Loan
		principal, created, updated        string
		position                           sql.NullInt64
		disbursed, due, waitlisted, closed sql.NullString
	)
	if err := row.Scan(&l.ID, &l.GroupID, &l.CircleID, &l.BorrowerID, &principal, &l.Status, &l.GracePeriodDays,
		&disbursed, &due, &position, &waitlisted, &closed, &l.RejectionReason,
		&created, &updated, &l.Version); err != nil {
		return nil, err
	}
	var err error
	if l.Principal, err = generic.NewMoneyFromString(principal); err != nil {
		return nil, err
	}
	l.WaitlistPosition = intPtr(position)
	for _, f := range []struct {
		dst **time.Time
		src sql.NullString
	}{
		{&l.DisbursedAt, disbursed},
		{&l.DueAt, due},
		{&l.WaitlistedAt, waitlisted},
		{&l.ClosedAt, closed},
	} {
		if *f.dst, err = parseNullTime(f.src); err != nil {
			return nil, err
		}
	}
	if l.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	if l.UpdatedAt, err = parseTime(updated); err != nil {
		return nil, err
	}
	return &l, nil
}

// =============================================================================
// LOAN PAYMENTS & WAITLIST SEQUENCE
// =============================================================================

func (q *queries) AppendLoanPayment(ctx context.Context, p circle.LoanPayment) error {
	var n int
	if err := q.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM loans WHERE id = ?`, p.LoanID).Scan(&n); err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("loan %s: %w", p.LoanID, generic.ErrNotFound)
	}
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO loan_payments (id, loan_id, amount, paid_at, recorded_by)
		VALUES (?, ?, ?, ?, ?)
	`, p.ID, p.LoanID, formatMoney(p.Amount), formatTime(p.PaidAt), p.RecordedBy)
	if isUniqueConstraintError(err) {
		return fmt.Errorf("loan payment %s already exists: %w", p.ID, generic.ErrDataIntegrity)
	}
	if err != nil {
		return fmt.Errorf("failed to append loan payment: %w", err)
	}
	return nil
}

func (q *queries) LoanPayments(ctx context.Context, loanID circle.LoanID) ([]circle.LoanPayment, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, loan_id, amount, paid_at, recorded_by
		FROM loan_payments WHERE loan_id = ? ORDER BY seq
	`, loanID)
	if err != nil {
		return nil, fmt.Errorf("failed to list loan payments: %w", err)
	}
	defer rows.Close()

	var out []circle.LoanPayment
	for rows.Next() {
		var (
			p            circle.LoanPayment
			amount, paid string
		)
		if err := rows.Scan(&p.ID, &p.LoanID, &amount, &paid, &p.RecordedBy); err != nil {
			return nil, err
		}
		if p.Amount, err = generic.NewMoneyFromString(amount); err != nil {
			return nil, err
		}
		if p.PaidAt, err = parseTime(paid); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (q *queries) NextWaitlistPosition(ctx context.Context, circleID generic.CircleID) (int64, error) {
	var pos int64
	err := q.db.QueryRowContext(ctx, `
		INSERT INTO waitlist_sequences (circle_id, last_position) VALUES (?, 1)
		ON CONFLICT(circle_id) DO UPDATE SET last_position = last_position + 1
		RETURNING last_position
	`, circleID).Scan(&pos)
	if err != nil {
		return 0, fmt.Errorf("failed to allocate waitlist position: %w", err)
	}
	return pos, nil
}
