package db

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
)

// EncryptionStatus counts account rows per (encryption_version, encryption_key_id).
type EncryptionStatus struct {
	Version int
	KeyID   string
	Count   int
}

// TokenStatus reports how stored tokens are protected.
func (s *Store) TokenStatus(ctx context.Context) ([]EncryptionStatus, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT COALESCE(encryption_version, 0), COALESCE(encryption_key_id, ''), COUNT(*)
		 FROM accounts GROUP BY 1, 2 ORDER BY 1, 2`)
	if err != nil {
		return nil, fmt.Errorf("query token status: %w", err)
	}
	defer func() {
		if err := rows.Close(); err != nil {
			slog.Warn("failed to close rows", slog.Any("err", err))
		}
	}()
	var out []EncryptionStatus
	for rows.Next() {
		var st EncryptionStatus
		if err := rows.Scan(&st.Version, &st.KeyID, &st.Count); err != nil {
			return nil, fmt.Errorf("scan token status: %w", err)
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// ResealReport summarizes a Reseal run.
type ResealReport struct {
	Candidates int
	Resealed   int
	Errors     int
}

type tokenRow struct {
	id                     string
	access, refresh, idTok sql.NullString
	version                int
	keyID                  sql.NullString
}

// Reseal re-encrypts account tokens under the primary key. With plaintextOnly it touches
// only encryption_version=0 rows; otherwise every row not already sealed by the primary
// key. dryRun counts candidates without writing.
func (s *Store) Reseal(ctx context.Context, plaintextOnly, dryRun bool) (ResealReport, error) {
	var report ResealReport
	if s.keys == nil {
		return report, fmt.Errorf("ENCRYPTION_KEY is required to reseal tokens")
	}

	query := `SELECT id, access_token, refresh_token, id_token, COALESCE(encryption_version, 0), encryption_key_id
		FROM accounts WHERE COALESCE(encryption_version, 0) = 0`
	args := []any{}
	if !plaintextOnly {
		query += ` OR COALESCE(encryption_key_id, '') <> $1`
		args = append(args, s.keys.PrimaryKeyID())
	}
	query += ` ORDER BY id`

	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return report, fmt.Errorf("query tokens: %w", err)
	}
	var candidates []tokenRow
	for rows.Next() {
		var r tokenRow
		if err := rows.Scan(&r.id, &r.access, &r.refresh, &r.idTok, &r.version, &r.keyID); err != nil {
			_ = rows.Close()
			return report, fmt.Errorf("scan token row: %w", err)
		}
		candidates = append(candidates, r)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return report, fmt.Errorf("iterate token rows: %w", err)
	}
	_ = rows.Close()

	report.Candidates = len(candidates)
	if dryRun {
		return report, nil
	}

	for i, r := range candidates {
		logger := slog.With(slog.String("account", r.id), slog.Int("index", i+1), slog.Int("total", len(candidates)))
		if err := s.resealRow(ctx, r); err != nil {
			logger.Error("failed to reseal token", slog.Any("err", err))
			report.Errors++
			continue
		}
		logger.Info("resealed token")
		report.Resealed++
	}
	if report.Errors > 0 {
		return report, fmt.Errorf("reseal completed with %d errors", report.Errors)
	}
	return report, nil
}

func (s *Store) resealRow(ctx context.Context, r tokenRow) error {
	plain := make([]string, 0, 3)
	for _, v := range []sql.NullString{r.access, r.refresh, r.idTok} {
		p, err := s.open(v.String, r.version, r.keyID.String)
		if err != nil {
			return err
		}
		plain = append(plain, p)
	}
	sealed, version, keyID, err := s.sealAll(plain...)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, s.q(
		`UPDATE accounts SET access_token = $1, refresh_token = $2, id_token = $3,
		   encryption_version = $4, encryption_key_id = $5, updated_at = CURRENT_TIMESTAMP
		 WHERE id = $6 AND COALESCE(encryption_version, 0) = $7`),
		sealed[0], sealed[1], sealed[2], version, keyID, r.id, r.version)
	if err != nil {
		return fmt.Errorf("update token: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if n != 1 {
		return fmt.Errorf("expected 1 row updated, got %d (row may have been modified concurrently)", n)
	}
	return nil
}
