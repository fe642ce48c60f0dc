package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
)

const uniqueViolation = "23505"

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping db: %w", err)
	}
	return nil
}

const nodeColumns = `
	n.id, n.name, n.kind, n.parent_id, n.organization_id, n.path,
	COALESCE(fc.version, 0), n.created_at, n.updated_at
`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanNode(row rowScanner) (Node, error) {
	var (
		node     Node
		parentID sql.NullString
	)
	if err := row.Scan(&node.ID, &node.Name, &node.Kind, &parentID, &node.OrganizationID, &node.Path,
		&node.Version, &node.CreatedAt, &node.UpdatedAt); err != nil {
		return Node{}, err
	}
	if parentID.Valid {
		id := parentID.String
		node.ParentID = &id
	}
	return node, nil
}

func (s *PostgresStore) queryNodes(ctx context.Context, what, query string, args ...any) ([]Node, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", what, err)
	}
	defer rows.Close()

	items := make([]Node, 0)
	for rows.Next() {
		node, err := scanNode(rows)
		if err != nil {
			return nil, fmt.Errorf("scan node: %w", err)
		}
		items = append(items, node)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s: %w", what, err)
	}
	return items, nil
}

func (s *PostgresStore) ListNodes(ctx context.Context, organizationID string) ([]Node, error) {
	return s.queryNodes(ctx, "nodes", `
		SELECT `+nodeColumns+`
		FROM nodes n
		LEFT JOIN file_contents fc ON fc.file_id = n.id
		WHERE n.organization_id = $1 AND n.deleted_at IS NULL
		ORDER BY n.path
	`, organizationID)
}

func (s *PostgresStore) GetNode(ctx context.Context, nodeID string) (Node, error) {
	node, err := scanNode(s.db.QueryRowContext(ctx, `
		SELECT `+nodeColumns+`
		FROM nodes n
		LEFT JOIN file_contents fc ON fc.file_id = n.id
		WHERE n.id = $1 AND n.deleted_at IS NULL
	`, nodeID))
	if errors.Is(err, sql.ErrNoRows) {
		return Node{}, ErrNotFound
	}
	if err != nil {
		return Node{}, fmt.Errorf("get node: %w", err)
	}
	return node, nil
}

func (s *PostgresStore) GetNodeByPath(ctx context.Context, organizationID, path string) (Node, error) {
	node, err := scanNode(s.db.QueryRowContext(ctx, `
		SELECT `+nodeColumns+`
		FROM nodes n
		LEFT JOIN file_contents fc ON fc.file_id = n.id
		WHERE n.organization_id = $1 AND n.path = $2 AND n.deleted_at IS NULL
	`, organizationID, path))
	if errors.Is(err, sql.ErrNoRows) {
		return Node{}, ErrNotFound
	}
	if err != nil {
		return Node{}, fmt.Errorf("get node by path: %w", err)
	}
	return node, nil
}

// ListDescendants returns every live node below nodeID, parents before
// children.
func (s *PostgresStore) ListDescendants(ctx context.Context, nodeID string) ([]Node, error) {
	return s.queryNodes(ctx, "descendants", `
		WITH RECURSIVE tree AS (
			SELECT id, 0 AS depth FROM nodes WHERE id = $1
			UNION ALL
			SELECT c.id, t.depth + 1
			FROM nodes c
			JOIN tree t ON c.parent_id = t.id
			WHERE c.deleted_at IS NULL
		)
		SELECT `+nodeColumns+`
		FROM tree t
		JOIN nodes n ON n.id = t.id
		LEFT JOIN file_contents fc ON fc.file_id = n.id
		WHERE t.depth > 0
		ORDER BY t.depth, n.path
	`, nodeID)
}

func (s *PostgresStore) NameTaken(ctx context.Context, organizationID string, parentID *string, name, excludeID string) (bool, error) {
	var taken bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM nodes
			WHERE organization_id = $1
				AND COALESCE(parent_id, '') = COALESCE($2, '')
				AND name = $3
				AND id <> $4
				AND deleted_at IS NULL
		)
	`, organizationID, nullable(parentID), name, excludeID).Scan(&taken)
	if err != nil {
		return false, fmt.Errorf("check sibling name: %w", err)
	}
	return taken, nil
}

// CreateNode inserts node and, for files, its first version.
func (s *PostgresStore) CreateNode(ctx context.Context, node Node, content, createdBy string) (Node, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Node{}, fmt.Errorf("begin create node: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	err = tx.QueryRowContext(ctx, `
		INSERT INTO nodes (id, name, kind, parent_id, organization_id, path)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at, updated_at
	`, node.ID, node.Name, node.Kind, nullable(node.ParentID), node.OrganizationID, node.Path).Scan(&node.CreatedAt, &node.UpdatedAt)
	if err != nil {
		return Node{}, fmt.Errorf("insert node: %w", mapPgError(err))
	}

	if node.Kind == KindFile {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO file_contents (file_id, content, version) VALUES ($1, $2, 1)
		`, node.ID, content); err != nil {
			return Node{}, fmt.Errorf("insert file content: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO file_versions (file_id, version, content, created_by) VALUES ($1, 1, $2, $3)
		`, node.ID, content, createdBy); err != nil {
			return Node{}, fmt.Errorf("insert file version: %w", err)
		}
		node.Version = 1
	}

	if err := tx.Commit(); err != nil {
		return Node{}, fmt.Errorf("commit create node: %w", err)
	}
	return node, nil
}

func (s *PostgresStore) GetContent(ctx context.Context, fileID string) (FileContent, error) {
	var item FileContent
	err := s.db.QueryRowContext(ctx, `
		SELECT fc.file_id, fc.content, fc.version, fc.updated_at
		FROM file_contents fc
		JOIN nodes n ON n.id = fc.file_id
		WHERE fc.file_id = $1 AND n.deleted_at IS NULL
	`, fileID).Scan(&item.FileID, &item.Content, &item.Version, &item.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return FileContent{}, ErrNotFound
	}
	if err != nil {
		return FileContent{}, fmt.Errorf("get file content: %w", err)
	}
	return item, nil
}

// WriteVersion appends the next version of a file and makes it current.
// The current row is locked so concurrent writers never share a number.
func (s *PostgresStore) WriteVersion(ctx context.Context, fileID, content, createdBy string) (FileVersion, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return FileVersion{}, fmt.Errorf("begin write version: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var current int
	err = tx.QueryRowContext(ctx, `
		SELECT fc.version
		FROM file_contents fc
		JOIN nodes n ON n.id = fc.file_id
		WHERE fc.file_id = $1 AND n.deleted_at IS NULL
		FOR UPDATE OF fc
	`, fileID).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return FileVersion{}, ErrNotFound
	}
	if err != nil {
		return FileVersion{}, fmt.Errorf("lock file content: %w", err)
	}

	next := FileVersion{FileID: fileID, Version: current + 1, Content: content, CreatedBy: createdBy}
	if err := tx.QueryRowContext(ctx, `
		INSERT INTO file_versions (file_id, version, content, created_by)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at
	`, fileID, next.Version, content, createdBy).Scan(&next.CreatedAt); err != nil {
		return FileVersion{}, fmt.Errorf("insert file version: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE file_contents SET content = $2, version = $3, updated_at = $4 WHERE file_id = $1
	`, fileID, content, next.Version, next.CreatedAt); err != nil {
		return FileVersion{}, fmt.Errorf("update file content: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE nodes SET updated_at = $2 WHERE id = $1`, fileID, next.CreatedAt); err != nil {
		return FileVersion{}, fmt.Errorf("touch node: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return FileVersion{}, fmt.Errorf("commit write version: %w", err)
	}
	return next, nil
}

func (s *PostgresStore) GetVersion(ctx context.Context, fileID string, version int) (FileVersion, error) {
	var item FileVersion
	err := s.db.QueryRowContext(ctx, `
		SELECT file_id, version, content, created_by, created_at
		FROM file_versions
		WHERE file_id = $1 AND version = $2
	`, fileID, version).Scan(&item.FileID, &item.Version, &item.Content, &item.CreatedBy, &item.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return FileVersion{}, ErrNotFound
	}
	if err != nil {
		return FileVersion{}, fmt.Errorf("get file version: %w", err)
	}
	return item, nil
}

// ListVersions returns the history of a file, newest first, without content.
func (s *PostgresStore) ListVersions(ctx context.Context, fileID string) ([]FileVersion, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT file_id, version, created_by, created_at
		FROM file_versions
		WHERE file_id = $1
		ORDER BY version DESC
	`, fileID)
	if err != nil {
		return nil, fmt.Errorf("list file versions: %w", err)
	}
	defer rows.Close()

	items := make([]FileVersion, 0)
	for rows.Next() {
		var item FileVersion
		if err := rows.Scan(&item.FileID, &item.Version, &item.CreatedBy, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan file version: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate file versions: %w", err)
	}
	return items, nil
}

// UpdateNodePaths applies all updates in one transaction.
func (s *PostgresStore) UpdateNodePaths(ctx context.Context, updates []PathUpdate) error {
	if len(updates) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin update paths: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		UPDATE nodes
		SET name = $2, parent_id = $3, path = $4, updated_at = NOW()
		WHERE id = $1 AND deleted_at IS NULL
	`)
	if err != nil {
		return fmt.Errorf("prepare update paths: %w", err)
	}
	defer stmt.Close()

	for _, update := range updates {
		result, err := stmt.ExecContext(ctx, update.ID, update.Name, nullable(update.ParentID), update.Path)
		if err != nil {
			return fmt.Errorf("update node path %s: %w", update.ID, mapPgError(err))
		}
		if affected, err := result.RowsAffected(); err == nil && affected == 0 {
			return fmt.Errorf("update node path %s: %w", update.ID, ErrNotFound)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit update paths: %w", err)
	}
	return nil
}

// SoftDeleteNodes marks ids deleted in the given order within one
// transaction.
func (s *PostgresStore) SoftDeleteNodes(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete nodes: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, `
			UPDATE nodes SET deleted_at = NOW(), updated_at = NOW() WHERE id = $1 AND deleted_at IS NULL
		`, id); err != nil {
			return fmt.Errorf("delete node %s: %w", id, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit delete nodes: %w", err)
	}
	return nil
}

func (s *PostgresStore) AppendAccessLog(ctx context.Context, entries ...AccessLogEntry) error {
	for _, entry := range entries {
		if _, err := s.db.ExecContext(ctx, `
			INSERT INTO access_log (node_id, user_id, action) VALUES ($1, $2, $3)
		`, entry.NodeID, entry.UserID, entry.Action); err != nil {
			return fmt.Errorf("insert access log: %w", err)
		}
	}
	return nil
}

// SearchNodes matches live nodes of an organization by name or path.
func (s *PostgresStore) SearchNodes(ctx context.Context, organizationID, query string, limit int) ([]Node, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return []Node{}, nil
	}
	if limit <= 0 {
		limit = 20
	}
	return s.queryNodes(ctx, "search results", `
		SELECT `+nodeColumns+`
		FROM nodes n
		LEFT JOIN file_contents fc ON fc.file_id = n.id
		WHERE n.organization_id = $1
			AND n.deleted_at IS NULL
			AND (n.fts @@ plainto_tsquery('simple', $2) OR n.name ILIKE '%' || $2 || '%')
		ORDER BY ts_rank(n.fts, plainto_tsquery('simple', $2)) DESC, n.path
		LIMIT $3
	`, organizationID, query, limit)
}

func nullable(value *string) any {
	if value == nil {
		return nil
	}
	return *value
}

func mapPgError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return ErrConflict
	}
	return err
}
