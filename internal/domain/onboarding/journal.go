package onboarding

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Journal remembers finished submissions so a resubmission for an email that
// already produced an account can be flagged.
type Journal interface {
	PriorSubmissions(ctx context.Context, email string) (int, error)
	Record(ctx context.Context, s *Submission) error
}

// NopJournal is used when no database is configured.
type NopJournal struct{}

func (NopJournal) PriorSubmissions(context.Context, string) (int, error) { return 0, nil }
func (NopJournal) Record(context.Context, *Submission) error             { return nil }

type journalPG struct {
	pool *pgxpool.Pool
}

func NewJournalPG(pool *pgxpool.Pool) Journal {
	return &journalPG{pool: pool}
}

// PriorSubmissions counts earlier submissions for email that created an account.
func (j *journalPG) PriorSubmissions(ctx context.Context, email string) (int, error) {
	var n int
	err := j.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM onboarding_submission WHERE lower(email) = lower($1) AND phase = $2`,
		email, string(PhaseDone),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count prior submissions: %w", err)
	}
	return n, nil
}

func (j *journalPG) Record(ctx context.Context, s *Submission) error {
	var userID *string
	if s.UserID != "" {
		userID = &s.UserID
	}
	warnings := s.Warnings
	if warnings == nil {
		warnings = []string{}
	}
	_, err := j.pool.Exec(ctx, `
		INSERT INTO onboarding_submission (id, email, user_id, phase, warnings, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		s.ID, s.Email, userID, string(s.Phase), warnings, s.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("record submission: %w", err)
	}
	return nil
}
