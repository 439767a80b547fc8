package daily

import (
	"context"
	"database/sql"
)

// Play is one finished solo puzzle recorded on this machine.
type Play struct {
	Identity string `json:"identity"`
	Date     string `json:"date"` // DateKey in the civil zone
	Seconds  int    `json:"seconds"`
	PlayedAt string `json:"playedAt"` // RFC3339, UTC
}

// Store records solo plays in the local state database. Guests have no
// backend stats row, so this is what holds them to one puzzle per day.
type Store struct{ db *sql.DB }

func NewStore(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) AlreadyPlayed(ctx context.Context, identity, date string) (bool, error) {
	var cnt int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(1) FROM solo_plays WHERE identity=? AND date=?",
		identity, date,
	).Scan(&cnt)
	return cnt > 0, err
}

func (s *Store) Record(ctx context.Context, p Play) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO solo_plays(identity, date, seconds, played_at)
VALUES(?,?,?,?)`, p.Identity, p.Date, p.Seconds, p.PlayedAt,
	)
	return err
}

// Recent lists this machine's latest plays, newest first.
func (s *Store) Recent(ctx context.Context, identity string, limit int) ([]Play, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT identity, date, seconds, played_at
FROM solo_plays
WHERE identity=?
ORDER BY played_at DESC
LIMIT ?`, identity, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Play
	for rows.Next() {
		var p Play
		if err := rows.Scan(&p.Identity, &p.Date, &p.Seconds, &p.PlayedAt); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
