package storage

import (
	"database/sql"
	"fmt"
	"time"
)

const turnColumns = `id, session_id, seq, role, text, state, update_valid, pending_update, raw_update, coerced_update, error, created_at`

// SaveTurn inserts a new turn. Seq must be unique within the session.
func (s *Store) SaveTurn(t Turn) error {
	createdAt := t.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err := s.db.Exec(`INSERT INTO chat_turns (`+turnColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.SessionID, t.Seq, t.Role, t.Text, t.State,
		nullBool(t.UpdateValid), nullString(t.PendingUpdate),
		t.RawUpdate, t.CoercedUpdate, t.Error,
		createdAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("saving turn %s: %w", t.ID, err)
	}
	return nil
}

// UpdateTurn rewrites the mutable columns of an existing turn.
func (s *Store) UpdateTurn(t Turn) error {
	res, err := s.db.Exec(`
		UPDATE chat_turns
		SET text = ?, state = ?, update_valid = ?, pending_update = ?, raw_update = ?, coerced_update = ?, error = ?
		WHERE id = ?`,
		t.Text, t.State, nullBool(t.UpdateValid), nullString(t.PendingUpdate),
		t.RawUpdate, t.CoercedUpdate, t.Error, t.ID,
	)
	if err != nil {
		return fmt.Errorf("updating turn %s: %w", t.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListTurns returns a session's turns in conversation order.
func (s *Store) ListTurns(sessionID string) ([]Turn, error) {
	rows, err := s.db.Query(`SELECT `+turnColumns+` FROM chat_turns WHERE session_id = ? ORDER BY seq ASC`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var turns []Turn
	for rows.Next() {
		var (
			t         Turn
			valid     sql.NullBool
			pending   sql.NullString
			createdAt string
		)
		if err := rows.Scan(&t.ID, &t.SessionID, &t.Seq, &t.Role, &t.Text, &t.State,
			&valid, &pending, &t.RawUpdate, &t.CoercedUpdate, &t.Error, &createdAt); err != nil {
			return nil, err
		}
		if valid.Valid {
			v := valid.Bool
			t.UpdateValid = &v
		}
		t.PendingUpdate = pending.String
		if t.CreatedAt, err = parseTime("created_at", createdAt); err != nil {
			return nil, err
		}
		turns = append(turns, t)
	}
	return turns, rows.Err()
}

// DeleteSession removes every turn of a session.
func (s *Store) DeleteSession(sessionID string) error {
	_, err := s.db.Exec(`DELETE FROM chat_turns WHERE session_id = ?`, sessionID)
	return err
}

func nullBool(b *bool) sql.NullBool {
	if b == nil {
		return sql.NullBool{}
	}
	return sql.NullBool{Bool: *b, Valid: true}
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
