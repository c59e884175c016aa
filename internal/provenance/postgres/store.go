// Package postgres persists the provenance chain. Records, nodes, and
// scanned files are insert-only; no update statements exist for these
// tables.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mipflow-labs/mipflow-go/internal/provenance"
)

type DB interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
}

var ErrNodeNotFound = errors.New("provenance_node_not_found")

type Store struct {
	db DB
}

func NewStore(db DB) *Store {
	if db == nil {
		return nil
	}
	return &Store{db: db}
}

const (
	insertRecordQuery = `INSERT INTO provenance_records (
		record_id, dataset, fn_called, fn_version, others, created_at
	) VALUES ($1,$2,$3,$4,$5,$6)`

	insertNodeQuery = `INSERT INTO provenance_nodes (
		node_id, dataset, task_id, output_dir, record_id, previous_node_id,
		boost, session_id_by_patient, created_at
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`

	insertFileQuery = `INSERT INTO provenance_files (
		node_id, path, size_bytes, sha256, participant_id, session_id
	) VALUES ($1,$2,$3,$4,$5,$6)`

	selectNodeColumns = `node_id, dataset, task_id, output_dir, record_id,
		previous_node_id, boost, session_id_by_patient, created_at`
)

func (s *Store) CreateRecord(ctx context.Context, record provenance.Record) (string, error) {
	if s == nil || s.db == nil {
		return "", errors.New("provenance store not initialized")
	}
	dataset := strings.TrimSpace(record.Dataset)
	fnCalled := strings.TrimSpace(record.FnCalled)
	if dataset == "" {
		return "", errors.New("dataset is required")
	}
	if fnCalled == "" {
		return "", errors.New("fn_called is required")
	}
	fnVersion := strings.TrimSpace(record.FnVersion)
	if fnVersion == "" {
		fnVersion = "latest"
	}

	id := strings.TrimSpace(record.ID)
	if id == "" {
		id = uuid.NewString()
	}
	createdAt := record.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, insertRecordQuery,
		id, dataset, fnCalled, fnVersion, nullIfEmpty(record.Others), createdAt.UTC())
	if err != nil {
		return "", fmt.Errorf("insert provenance record: %w", err)
	}
	return id, nil
}

// AppendNode inserts the node and its scanned files in one transaction, so
// a node is either fully recorded or absent.
func (s *Store) AppendNode(ctx context.Context, node provenance.Node, files []provenance.ScannedFile) (string, error) {
	if s == nil || s.db == nil {
		return "", errors.New("provenance store not initialized")
	}
	dataset := strings.TrimSpace(node.Dataset)
	taskID := strings.TrimSpace(node.TaskID)
	recordID := strings.TrimSpace(node.RecordID)
	if dataset == "" {
		return "", errors.New("dataset is required")
	}
	if taskID == "" {
		return "", errors.New("task id is required")
	}
	if recordID == "" {
		return "", errors.New("record id is required")
	}

	id := strings.TrimSpace(node.ID)
	if id == "" {
		id = uuid.NewString()
	}
	createdAt := node.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, insertNodeQuery,
		id, dataset, taskID, strings.TrimSpace(node.OutputDir), recordID,
		nullIfEmpty(node.PreviousNodeID), node.Boost, node.SessionIDByPatient, createdAt.UTC())
	if err != nil {
		return "", fmt.Errorf("insert provenance node: %w", err)
	}

	for _, f := range files {
		_, err = tx.ExecContext(ctx, insertFileQuery,
			id, f.Path, f.SizeBytes, nullIfEmpty(f.SHA256),
			nullIfEmpty(f.ParticipantID), nullIfEmpty(f.SessionID))
		if err != nil {
			return "", fmt.Errorf("insert provenance file %s: %w", f.Path, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit: %w", err)
	}
	return id, nil
}

func (s *Store) GetNode(ctx context.Context, nodeID string) (provenance.Node, error) {
	if s == nil || s.db == nil {
		return provenance.Node{}, errors.New("provenance store not initialized")
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT `+selectNodeColumns+` FROM provenance_nodes WHERE node_id = $1`,
		strings.TrimSpace(nodeID))
	node, err := scanNode(row)
	if errors.Is(err, sql.ErrNoRows) {
		return provenance.Node{}, ErrNodeNotFound
	}
	if err != nil {
		return provenance.Node{}, fmt.Errorf("select provenance node: %w", err)
	}
	return node, nil
}

// ListNodes returns a dataset's nodes newest first. A non-empty beforeNodeID
// restricts the page to nodes created before that node.
func (s *Store) ListNodes(ctx context.Context, dataset string, limit int, beforeNodeID string) ([]provenance.Node, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("provenance store not initialized")
	}
	if limit < 1 {
		limit = 100
	}

	query := `SELECT ` + selectNodeColumns + ` FROM provenance_nodes WHERE dataset = $1`
	args := []any{strings.TrimSpace(dataset)}

	if strings.TrimSpace(beforeNodeID) != "" {
		args = append(args, strings.TrimSpace(beforeNodeID))
		query += fmt.Sprintf(" AND created_at < (SELECT created_at FROM provenance_nodes WHERE node_id = $%d)", len(args))
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d", len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select provenance nodes: %w", err)
	}
	defer rows.Close()

	nodes := make([]provenance.Node, 0, limit)
	for rows.Next() {
		node, err := scanNode(rows)
		if err != nil {
			return nil, fmt.Errorf("scan provenance node: %w", err)
		}
		nodes = append(nodes, node)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate provenance nodes: %w", err)
	}
	return nodes, nil
}

func (s *Store) ListFiles(ctx context.Context, nodeID string) ([]provenance.ScannedFile, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("provenance store not initialized")
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT path, size_bytes, sha256, participant_id, session_id
		 FROM provenance_files WHERE node_id = $1 ORDER BY path ASC`,
		strings.TrimSpace(nodeID))
	if err != nil {
		return nil, fmt.Errorf("select provenance files: %w", err)
	}
	defer rows.Close()

	var files []provenance.ScannedFile
	for rows.Next() {
		var (
			f             provenance.ScannedFile
			sha           sql.NullString
			participantID sql.NullString
			sessionID     sql.NullString
		)
		if err := rows.Scan(&f.Path, &f.SizeBytes, &sha, &participantID, &sessionID); err != nil {
			return nil, fmt.Errorf("scan provenance file: %w", err)
		}
		f.SHA256 = sha.String
		f.ParticipantID = participantID.String
		f.SessionID = sessionID.String
		files = append(files, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate provenance files: %w", err)
	}
	return files, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanNode(row rowScanner) (provenance.Node, error) {
	var (
		node       provenance.Node
		previousID sql.NullString
	)
	err := row.Scan(
		&node.ID,
		&node.Dataset,
		&node.TaskID,
		&node.OutputDir,
		&node.RecordID,
		&previousID,
		&node.Boost,
		&node.SessionIDByPatient,
		&node.CreatedAt,
	)
	if err != nil {
		return provenance.Node{}, err
	}
	node.PreviousNodeID = previousID.String
	return node, nil
}

func nullIfEmpty(s string) sql.NullString {
	s = strings.TrimSpace(s)
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
