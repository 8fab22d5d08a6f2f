package records

import (
	"context"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/meridianlaw/casebridge/internal/shared/errors"
)

// Repository provides database operations for case records
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a new records repository
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// --- Case Operations ---

// UpsertCase creates or refreshes a case record. Cases are keyed by the
// upstream's identifier, so a re-sync is an update.
func (r *Repository) UpsertCase(ctx context.Context, c *Case) error {
	query := `
		INSERT INTO cases (
			id, patient_name, status, fees_taken, savings, revenue,
			emails_received, emails_sent, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())
		ON CONFLICT (id) DO UPDATE SET
			patient_name = $2, status = $3, fees_taken = $4, savings = $5,
			revenue = $6, emails_received = $7, emails_sent = $8, updated_at = NOW()`

	_, err := r.pool.Exec(ctx, query,
		c.ID, c.PatientName, c.Status, c.FeesTaken, c.Savings, c.Revenue,
		c.EmailsReceived, c.EmailsSent,
	)
	if err != nil {
		return errors.Wrap(err, "failed to upsert case")
	}

	return nil
}

// GetCase retrieves a case by ID
func (r *Repository) GetCase(ctx context.Context, id string) (*Case, error) {
	query := `
		SELECT id, patient_name, status, fees_taken, savings, revenue,
			emails_received, emails_sent, created_at, updated_at
		FROM cases
		WHERE id = $1`

	c := &Case{}
	err := r.pool.QueryRow(ctx, query, id).Scan(
		&c.ID, &c.PatientName, &c.Status, &c.FeesTaken, &c.Savings, &c.Revenue,
		&c.EmailsReceived, &c.EmailsSent, &c.CreatedAt, &c.UpdatedAt,
	)

	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("case", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get case")
	}

	return c, nil
}

// ListCases retrieves cases, optionally filtered by status
func (r *Repository) ListCases(ctx context.Context, status string, limit, offset int) ([]*Case, error) {
	query := `
		SELECT id, patient_name, status, fees_taken, savings, revenue,
			emails_received, emails_sent, created_at, updated_at
		FROM cases`
	args := []interface{}{}

	if status != "" {
		query += ` WHERE status = $1`
		args = append(args, status)
	}
	query += ` ORDER BY updated_at DESC`

	if limit > 0 {
		args = append(args, limit, offset)
		query += ` LIMIT $` + strconv.Itoa(len(args)-1) + ` OFFSET $` + strconv.Itoa(len(args))
	}

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list cases")
	}
	defer rows.Close()

	var cases []*Case
	for rows.Next() {
		c := &Case{}
		err := rows.Scan(
			&c.ID, &c.PatientName, &c.Status, &c.FeesTaken, &c.Savings, &c.Revenue,
			&c.EmailsReceived, &c.EmailsSent, &c.CreatedAt, &c.UpdatedAt,
		)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan case")
		}
		cases = append(cases, c)
	}

	return cases, rows.Err()
}

// --- Negotiation Operations ---

// CreateNegotiation records a negotiation email
func (r *Repository) CreateNegotiation(ctx context.Context, n *Negotiation) error {
	if n.ID == uuid.Nil {
		n.ID = uuid.New()
	}

	query := `
		INSERT INTO negotiations (
			id, case_id, negotiation_type, recipient, email_body, sent_on,
			actual_bill, offered_bill, sent_by_us, result
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

	_, err := r.pool.Exec(ctx, query,
		n.ID, n.CaseID, n.Type, n.Recipient, n.EmailBody, n.SentOn,
		n.ActualBill, n.OfferedBill, n.SentByUs, n.Result,
	)
	if err != nil {
		if strings.Contains(err.Error(), "violates foreign key") {
			return errors.NotFound("case", n.CaseID)
		}
		return errors.Wrap(err, "failed to create negotiation")
	}

	return nil
}

// ListNegotiations retrieves the negotiations of a case
func (r *Repository) ListNegotiations(ctx context.Context, caseID string) ([]*Negotiation, error) {
	query := `
		SELECT id, case_id, negotiation_type, recipient, email_body, sent_on,
			actual_bill, offered_bill, sent_by_us, result, created_at
		FROM negotiations
		WHERE case_id = $1
		ORDER BY created_at DESC`

	rows, err := r.pool.Query(ctx, query, caseID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list negotiations")
	}
	defer rows.Close()

	var items []*Negotiation
	for rows.Next() {
		n := &Negotiation{}
		err := rows.Scan(
			&n.ID, &n.CaseID, &n.Type, &n.Recipient, &n.EmailBody, &n.SentOn,
			&n.ActualBill, &n.OfferedBill, &n.SentByUs, &n.Result, &n.CreatedAt,
		)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan negotiation")
		}
		items = append(items, n)
	}

	return items, rows.Err()
}

// --- Classification Operations ---

// CreateClassification records a classification run
func (r *Repository) CreateClassification(ctx context.Context, c *Classification) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}

	query := `
		INSERT INTO classifications (
			id, case_id, ocr_performed, number_of_documents, confidence
		) VALUES ($1, $2, $3, $4, $5)`

	_, err := r.pool.Exec(ctx, query,
		c.ID, c.CaseID, c.OCRPerformed, c.NumberOfDocuments, c.Confidence,
	)
	if err != nil {
		if strings.Contains(err.Error(), "violates foreign key") {
			return errors.NotFound("case", c.CaseID)
		}
		return errors.Wrap(err, "failed to create classification")
	}

	return nil
}

// ListClassifications retrieves the classification runs of a case
func (r *Repository) ListClassifications(ctx context.Context, caseID string) ([]*Classification, error) {
	query := `
		SELECT id, case_id, ocr_performed, number_of_documents, confidence, created_at
		FROM classifications
		WHERE case_id = $1
		ORDER BY created_at DESC`

	rows, err := r.pool.Query(ctx, query, caseID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list classifications")
	}
	defer rows.Close()

	var items []*Classification
	for rows.Next() {
		c := &Classification{}
		err := rows.Scan(&c.ID, &c.CaseID, &c.OCRPerformed, &c.NumberOfDocuments, &c.Confidence, &c.CreatedAt)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan classification")
		}
		items = append(items, c)
	}

	return items, rows.Err()
}

// --- Reminder Operations ---

// CreateReminder records a scheduled follow-up
func (r *Repository) CreateReminder(ctx context.Context, rem *Reminder) error {
	if rem.ID == uuid.Nil {
		rem.ID = uuid.New()
	}

	query := `
		INSERT INTO reminders (id, case_id, reminder_number, reminder_date, email_body)
		VALUES ($1, $2, $3, $4, $5)`

	_, err := r.pool.Exec(ctx, query,
		rem.ID, rem.CaseID, rem.ReminderNumber, rem.ReminderDate, rem.EmailBody,
	)
	if err != nil {
		if strings.Contains(err.Error(), "violates foreign key") {
			return errors.NotFound("case", rem.CaseID)
		}
		return errors.Wrap(err, "failed to create reminder")
	}

	return nil
}

// ListReminders retrieves the reminders of a case
func (r *Repository) ListReminders(ctx context.Context, caseID string) ([]*Reminder, error) {
	query := `
		SELECT id, case_id, reminder_number, reminder_date, email_body, created_at
		FROM reminders
		WHERE case_id = $1
		ORDER BY reminder_number ASC`

	rows, err := r.pool.Query(ctx, query, caseID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list reminders")
	}
	defer rows.Close()

	var items []*Reminder
	for rows.Next() {
		rem := &Reminder{}
		err := rows.Scan(&rem.ID, &rem.CaseID, &rem.ReminderNumber, &rem.ReminderDate, &rem.EmailBody, &rem.CreatedAt)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan reminder")
		}
		items = append(items, rem)
	}

	return items, rows.Err()
}

// --- Token Usage Operations ---

// CreateTokenUsage records one model call
func (r *Repository) CreateTokenUsage(ctx context.Context, u *TokenUsage) error {
	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}

	query := `
		INSERT INTO token_usage (id, tokens_used, cost, model_name)
		VALUES ($1, $2, $3, $4)`

	_, err := r.pool.Exec(ctx, query, u.ID, u.TokensUsed, u.Cost, u.ModelName)
	if err != nil {
		return errors.Wrap(err, "failed to create token usage")
	}

	return nil
}

// TokenUsageSummary aggregates token spend per model
func (r *Repository) TokenUsageSummary(ctx context.Context) (map[string]float64, error) {
	query := `SELECT model_name, SUM(cost) FROM token_usage GROUP BY model_name`

	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, errors.Wrap(err, "failed to summarize token usage")
	}
	defer rows.Close()

	summary := make(map[string]float64)
	for rows.Next() {
		var model string
		var cost float64
		if err := rows.Scan(&model, &cost); err != nil {
			return nil, errors.Wrap(err, "failed to scan token usage")
		}
		summary[model] = cost
	}

	return summary, rows.Err()
}
