package storage

import (
	"database/sql"
	"fmt"
	"time"
)

const footprintColumns = `id, source, kind, title, raw, content, status, error, created_at`

func (s *Store) SaveFootprintDoc(doc FootprintDoc) error {
	createdAt := doc.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	status := doc.Status
	if status == "" {
		status = FootprintQueued
	}
	_, err := s.db.Exec(`INSERT INTO footprint_docs (`+footprintColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		doc.ID, doc.Source, doc.Kind, doc.Title, doc.Raw, doc.Content, status, doc.Error,
		createdAt.UTC().Format(time.RFC3339),
	)
	return err
}

func (s *Store) GetFootprintDoc(id string) (FootprintDoc, error) {
	row := s.db.QueryRow(`SELECT `+footprintColumns+` FROM footprint_docs WHERE id = ?`, id)
	d, err := scanFootprint(row)
	if err == sql.ErrNoRows {
		return FootprintDoc{}, ErrNotFound
	}
	return d, err
}

// ListFootprintDocs returns documents newest first.
func (s *Store) ListFootprintDocs(limit, offset int) ([]FootprintDoc, error) {
	rows, err := s.db.Query(`SELECT `+footprintColumns+` FROM footprint_docs
		ORDER BY created_at DESC, id ASC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, err
	}
	return collectFootprints(rows)
}

// ReadyFootprintDocs returns up to limit extracted documents, newest first.
func (s *Store) ReadyFootprintDocs(limit int) ([]FootprintDoc, error) {
	rows, err := s.db.Query(`SELECT `+footprintColumns+` FROM footprint_docs
		WHERE status = ? ORDER BY created_at DESC, id ASC LIMIT ?`, FootprintReady, limit)
	if err != nil {
		return nil, err
	}
	return collectFootprints(rows)
}

// SetFootprintResult records the outcome of text extraction.
func (s *Store) SetFootprintResult(id, content, status, errMsg string) error {
	res, err := s.db.Exec(`UPDATE footprint_docs SET content = ?, status = ?, error = ? WHERE id = ?`,
		content, status, errMsg, id)
	if err != nil {
		return err
	}
	return expectOneRow(res)
}

func (s *Store) DeleteFootprintDoc(id string) error {
	res, err := s.db.Exec(`DELETE FROM footprint_docs WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return expectOneRow(res)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanFootprint(row rowScanner) (FootprintDoc, error) {
	var d FootprintDoc
	var createdAt string
	if err := row.Scan(&d.ID, &d.Source, &d.Kind, &d.Title, &d.Raw, &d.Content, &d.Status, &d.Error, &createdAt); err != nil {
		return FootprintDoc{}, err
	}
	t, err := parseTime("created_at", createdAt)
	if err != nil {
		return FootprintDoc{}, err
	}
	d.CreatedAt = t
	return d, nil
}

func collectFootprints(rows *sql.Rows) ([]FootprintDoc, error) {
	defer rows.Close()
	var docs []FootprintDoc
	for rows.Next() {
		d, err := scanFootprint(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning footprint doc: %w", err)
		}
		docs = append(docs, d)
	}
	return docs, rows.Err()
}

func expectOneRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
