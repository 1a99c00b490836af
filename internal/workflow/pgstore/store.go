// Package pgstore persists definitions, instances and history in PostgreSQL.
package pgstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ronappleton/flowengine/internal/workflow"
)

// DefinitionStore implements workflow.DefinitionStore.
type DefinitionStore struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

func NewDefinitionStore(pool *pgxpool.Pool) *DefinitionStore {
	return &DefinitionStore{pool: pool, now: func() time.Time { return time.Now().UTC() }}
}

// InstanceStore implements workflow.InstanceStore. An instance write and its
// history records share one transaction.
type InstanceStore struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

func NewInstanceStore(pool *pgxpool.Pool) *InstanceStore {
	return &InstanceStore{pool: pool, now: func() time.Time { return time.Now().UTC() }}
}

// Open connects a pool and verifies it with a ping.
func Open(ctx context.Context, dsn string, maxConns int32) (*pgxpool.Pool, error) {
	if dsn == "" {
		return nil, fmt.Errorf("dsn is empty")
	}
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return pool, nil
}

// querier is satisfied by both pgxpool.Pool and pgx.Tx.
type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const definitionColumns = `payload, version, is_draft, is_published, is_active, created_at, published_at`

func scanDefinition(row pgx.Row) (workflow.Definition, error) {
	var (
		raw       []byte
		def       workflow.Definition
		version   int
		draft     bool
		published bool
		active    bool
		createdAt time.Time
		pubAt     *time.Time
	)
	if err := row.Scan(&raw, &version, &draft, &published, &active, &createdAt, &pubAt); err != nil {
		return workflow.Definition{}, err
	}
	if err := json.Unmarshal(raw, &def); err != nil {
		return workflow.Definition{}, fmt.Errorf("decode definition: %w", err)
	}
	def.Version = version
	def.IsDraft, def.IsPublished, def.IsActive = draft, published, active
	def.CreatedAt = createdAt.UTC()
	if pubAt != nil {
		t := pubAt.UTC()
		def.PublishedAt = &t
	}
	return def, nil
}

func (s *DefinitionStore) SaveDraft(ctx context.Context, def workflow.Definition) (workflow.Definition, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return workflow.Definition{}, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, def.ID); err != nil {
		return workflow.Definition{}, fmt.Errorf("acquire advisory lock: %w", err)
	}
	var latest int
	if err := tx.QueryRow(ctx, `
		SELECT COALESCE(MAX(version), 0)
		FROM flowengine_definitions
		WHERE id = $1
	`, def.ID).Scan(&latest); err != nil {
		return workflow.Definition{}, fmt.Errorf("get latest version: %w", err)
	}

	def.Version = latest + 1
	def.IsDraft, def.IsPublished, def.IsActive = true, false, true
	def.PublishedAt = nil
	def.Tags = normalizeTags(def.Tags)
	if def.CreatedAt.IsZero() {
		def.CreatedAt = s.now()
	}
	raw, err := json.Marshal(def)
	if err != nil {
		return workflow.Definition{}, fmt.Errorf("encode definition: %w", err)
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO flowengine_definitions
			(id, version, name, description, category, tags, tenant_id, is_draft, is_published, is_active, payload, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, true, false, true, $8, $9)
	`, def.ID, def.Version, def.Name, def.Description, def.Category, nonNil(def.Tags), def.TenantID, raw, def.CreatedAt)
	if err != nil {
		return workflow.Definition{}, fmt.Errorf("insert definition: %w", err)
	}
	return def, tx.Commit(ctx)
}

func (s *DefinitionStore) Get(ctx context.Context, id string, version *int) (workflow.Definition, error) {
	var row pgx.Row
	if version != nil {
		row = s.pool.QueryRow(ctx, `SELECT `+definitionColumns+` FROM flowengine_definitions WHERE id = $1 AND version = $2`, id, *version)
	} else {
		row = s.pool.QueryRow(ctx, `SELECT `+definitionColumns+` FROM flowengine_definitions WHERE id = $1 AND is_published AND is_active`, id)
	}
	def, err := scanDefinition(row)
	if errors.Is(err, pgx.ErrNoRows) {
		nf := &workflow.NotFoundError{Resource: "workflow", ID: id}
		if version != nil {
			nf.Version = *version
		}
		return workflow.Definition{}, nf
	}
	if err != nil {
		return workflow.Definition{}, fmt.Errorf("get definition: %w", err)
	}
	return def, nil
}

func (s *DefinitionStore) GetVersions(ctx context.Context, id string) ([]workflow.DefinitionSummary, error) {
	defs, err := s.queryDefinitions(ctx, s.pool, `
		SELECT `+definitionColumns+`
		FROM flowengine_definitions
		WHERE id = $1
		ORDER BY version DESC
	`, id)
	if err != nil {
		return nil, err
	}
	if len(defs) == 0 {
		return nil, &workflow.NotFoundError{Resource: "workflow", ID: id}
	}
	out := make([]workflow.DefinitionSummary, 0, len(defs))
	for _, d := range defs {
		out = append(out, d.Summary())
	}
	return out, nil
}

func (s *DefinitionStore) queryDefinitions(ctx context.Context, q querier, sql string, args ...any) ([]workflow.Definition, error) {
	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query definitions: %w", err)
	}
	defer rows.Close()
	var out []workflow.Definition
	for rows.Next() {
		def, err := scanDefinition(rows)
		if err != nil {
			return nil, fmt.Errorf("scan definition: %w", err)
		}
		out = append(out, def)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate definitions: %w", err)
	}
	return out, nil
}

// where accumulates filter clauses with numbered placeholders.
type where struct {
	clauses []string
	args    []any
}

func (w *where) add(clause string, arg any) {
	w.args = append(w.args, arg)
	w.clauses = append(w.clauses, strings.ReplaceAll(clause, "?", "$"+strconv.Itoa(len(w.args))))
}

func (w *where) String() string {
	if len(w.clauses) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(w.clauses, " AND ")
}

func (s *DefinitionStore) List(ctx context.Context, q workflow.DefinitionQuery) (workflow.Page[workflow.DefinitionSummary], error) {
	page, size := normalizePage(q.Page, q.PageSize)
	w := &where{}
	if q.Search != "" {
		w.add(`(name ILIKE ? OR description ILIKE ? OR id ILIKE ?)`, "%"+q.Search+"%")
	}
	if q.Category != "" {
		w.add(`lower(category) = lower(?)`, q.Category)
	}
	if len(q.Tags) > 0 {
		w.add(`tags @> ?::text[]`, q.Tags)
	}
	if q.TenantID != "" {
		w.add(`(tenant_id = '' OR tenant_id = ?)`, q.TenantID)
	}
	if q.IsDraft != nil {
		w.add(`is_draft = ?`, *q.IsDraft)
	}
	if q.IsPublished != nil {
		w.add(`is_published = ?`, *q.IsPublished)
	}
	if q.IsActive != nil {
		w.add(`is_active = ?`, *q.IsActive)
	}
	args := append(w.args, size, (page-1)*size)
	rows, err := s.pool.Query(ctx, `
		SELECT `+definitionColumns+`, count(*) OVER ()
		FROM flowengine_definitions`+w.String()+`
		ORDER BY id ASC, version DESC
		LIMIT $`+strconv.Itoa(len(w.args)+1)+` OFFSET $`+strconv.Itoa(len(w.args)+2), args...)
	if err != nil {
		return workflow.Page[workflow.DefinitionSummary]{}, fmt.Errorf("list definitions: %w", err)
	}
	defer rows.Close()

	out := workflow.Page[workflow.DefinitionSummary]{Items: []workflow.DefinitionSummary{}, Page: page, PageSize: size}
	for rows.Next() {
		var (
			raw                      []byte
			def                      workflow.Definition
			version                  int
			draft, published, active bool
			createdAt                time.Time
			pubAt                    *time.Time
			total                    int
		)
		if err := rows.Scan(&raw, &version, &draft, &published, &active, &createdAt, &pubAt, &total); err != nil {
			return out, fmt.Errorf("scan definition: %w", err)
		}
		if err := json.Unmarshal(raw, &def); err != nil {
			return out, fmt.Errorf("decode definition: %w", err)
		}
		def.Version = version
		def.IsDraft, def.IsPublished, def.IsActive = draft, published, active
		def.CreatedAt = createdAt.UTC()
		def.PublishedAt = pubAt
		out.Total = total
		out.Items = append(out.Items, def.Summary())
	}
	if err := rows.Err(); err != nil {
		return out, fmt.Errorf("iterate definitions: %w", err)
	}
	if len(out.Items) == 0 && page > 1 {
		// OFFSET past the end hides the window total.
		if err := s.pool.QueryRow(ctx, `SELECT count(*) FROM flowengine_definitions`+w.String(), w.args...).Scan(&out.Total); err != nil {
			return out, fmt.Errorf("count definitions: %w", err)
		}
	}
	return out, nil
}

func (s *DefinitionStore) ListDefaults(ctx context.Context) ([]workflow.Definition, error) {
	return s.queryDefinitions(ctx, s.pool, `
		SELECT `+definitionColumns+`
		FROM flowengine_definitions
		WHERE is_published AND is_active
		ORDER BY id ASC
	`)
}

func (s *DefinitionStore) Publish(ctx context.Context, id string, version int) (workflow.Definition, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return workflow.Definition{}, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := lockDefinition(ctx, tx, id, version); err != nil {
		return workflow.Definition{}, err
	}
	if _, err := tx.Exec(ctx, `
		UPDATE flowengine_definitions SET is_published = false
		WHERE id = $1 AND version <> $2 AND is_published
	`, id, version); err != nil {
		return workflow.Definition{}, fmt.Errorf("clear published: %w", err)
	}
	def, err := scanDefinition(tx.QueryRow(ctx, `
		UPDATE flowengine_definitions
		SET is_draft = false, is_published = true, is_active = true, published_at = COALESCE(published_at, $3)
		WHERE id = $1 AND version = $2
		RETURNING `+definitionColumns, id, version, s.now()))
	if err != nil {
		return workflow.Definition{}, fmt.Errorf("publish definition: %w", err)
	}
	return def, tx.Commit(ctx)
}

func lockDefinition(ctx context.Context, tx pgx.Tx, id string, version int) (workflow.Definition, error) {
	def, err := scanDefinition(tx.QueryRow(ctx, `
		SELECT `+definitionColumns+`
		FROM flowengine_definitions
		WHERE id = $1 AND version = $2
		FOR UPDATE
	`, id, version))
	if errors.Is(err, pgx.ErrNoRows) {
		return workflow.Definition{}, &workflow.NotFoundError{Resource: "workflow", ID: id, Version: version}
	}
	if err != nil {
		return workflow.Definition{}, fmt.Errorf("lock definition: %w", err)
	}
	return def, nil
}

func (s *DefinitionStore) Unpublish(ctx context.Context, id string, version int) (workflow.Definition, error) {
	return s.setFlag(ctx, id, version, `is_published = false`)
}

func (s *DefinitionStore) SetActive(ctx context.Context, id string, version int, active bool) (workflow.Definition, error) {
	if active {
		return s.setFlag(ctx, id, version, `is_active = true`)
	}
	return s.setFlag(ctx, id, version, `is_active = false`)
}

func (s *DefinitionStore) setFlag(ctx context.Context, id string, version int, set string) (workflow.Definition, error) {
	def, err := scanDefinition(s.pool.QueryRow(ctx, `
		UPDATE flowengine_definitions SET `+set+`
		WHERE id = $1 AND version = $2
		RETURNING `+definitionColumns, id, version))
	if errors.Is(err, pgx.ErrNoRows) {
		return workflow.Definition{}, &workflow.NotFoundError{Resource: "workflow", ID: id, Version: version}
	}
	if err != nil {
		return workflow.Definition{}, fmt.Errorf("update definition: %w", err)
	}
	return def, nil
}

func (s *DefinitionStore) DeleteVersion(ctx context.Context, id string, version int) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	def, err := lockDefinition(ctx, tx, id, version)
	if err != nil {
		return err
	}
	if def.IsPublished {
		return &workflow.ValidationError{Field: "version", Reason: "published versions cannot be deleted"}
	}
	if _, err := tx.Exec(ctx, `DELETE FROM flowengine_definitions WHERE id = $1 AND version = $2`, id, version); err != nil {
		return fmt.Errorf("delete definition: %w", err)
	}
	return tx.Commit(ctx)
}

func (s *InstanceStore) Create(ctx context.Context, inst workflow.Instance, records []workflow.ExecutionRecord) (workflow.Instance, error) {
	inst.Revision = 1
	inst.UpdatedAt = s.now()
	raw, err := json.Marshal(inst)
	if err != nil {
		return workflow.Instance{}, fmt.Errorf("encode instance: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return workflow.Instance{}, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO flowengine_instances
			(id, workflow_id, version, tenant_id, status, priority, correlation_id, bookmarks, revision,
			 payload, created_at, updated_at, scheduled_start_time)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 1, $9, $10, $11, $12)
	`, inst.ID, inst.WorkflowID, inst.Version, inst.TenantID, string(inst.Status), inst.Priority,
		inst.CorrelationID, bookmarkNames(inst), raw, inst.CreatedAt, inst.UpdatedAt, inst.ScheduledStartTime)
	if err != nil {
		if isUniqueViolation(err) {
			return workflow.Instance{}, workflow.ErrConflict
		}
		return workflow.Instance{}, fmt.Errorf("insert instance: %w", err)
	}
	if err := appendHistory(ctx, tx, inst.ID, 0, records); err != nil {
		return workflow.Instance{}, err
	}
	return inst, tx.Commit(ctx)
}

func (s *InstanceStore) Get(ctx context.Context, id string) (workflow.Instance, error) {
	var (
		raw      []byte
		revision int64
	)
	err := s.pool.QueryRow(ctx, `SELECT payload, revision FROM flowengine_instances WHERE id = $1`, id).Scan(&raw, &revision)
	if errors.Is(err, pgx.ErrNoRows) {
		return workflow.Instance{}, &workflow.NotFoundError{Resource: "instance", ID: id}
	}
	if err != nil {
		return workflow.Instance{}, fmt.Errorf("get instance: %w", err)
	}
	return decodeInstance(raw, revision)
}

func decodeInstance(raw []byte, revision int64) (workflow.Instance, error) {
	var inst workflow.Instance
	if err := json.Unmarshal(raw, &inst); err != nil {
		return workflow.Instance{}, fmt.Errorf("decode instance: %w", err)
	}
	inst.Revision = revision
	return inst, nil
}

// Update is a compare-and-swap on revision. The row lock taken by the UPDATE
// also serialises history sequence assignment for the instance.
func (s *InstanceStore) Update(ctx context.Context, inst workflow.Instance, records []workflow.ExecutionRecord) (workflow.Instance, error) {
	expected := inst.Revision
	inst.Revision++
	inst.UpdatedAt = s.now()
	raw, err := json.Marshal(inst)
	if err != nil {
		return workflow.Instance{}, fmt.Errorf("encode instance: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return workflow.Instance{}, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE flowengine_instances
		SET status = $3, priority = $4, correlation_id = $5, bookmarks = $6, revision = $7,
			payload = $8, updated_at = $9, scheduled_start_time = $10
		WHERE id = $1 AND revision = $2
	`, inst.ID, expected, string(inst.Status), inst.Priority, inst.CorrelationID, bookmarkNames(inst),
		inst.Revision, raw, inst.UpdatedAt, inst.ScheduledStartTime)
	if err != nil {
		return workflow.Instance{}, fmt.Errorf("update instance: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM flowengine_instances WHERE id = $1)`, inst.ID).Scan(&exists); err != nil {
			return workflow.Instance{}, fmt.Errorf("check instance: %w", err)
		}
		if !exists {
			return workflow.Instance{}, &workflow.NotFoundError{Resource: "instance", ID: inst.ID}
		}
		return workflow.Instance{}, workflow.ErrConflict
	}

	var last int64
	if err := tx.QueryRow(ctx, `
		SELECT COALESCE(MAX(sequence), 0)
		FROM flowengine_history
		WHERE instance_id = $1
	`, inst.ID).Scan(&last); err != nil {
		return workflow.Instance{}, fmt.Errorf("get last sequence: %w", err)
	}
	if err := appendHistory(ctx, tx, inst.ID, last, records); err != nil {
		return workflow.Instance{}, err
	}
	return inst, tx.Commit(ctx)
}

func appendHistory(ctx context.Context, tx pgx.Tx, instanceID string, last int64, records []workflow.ExecutionRecord) error {
	if len(records) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for i, rec := range records {
		details, err := json.Marshal(rec.Details)
		if err != nil {
			return fmt.Errorf("encode record details: %w", err)
		}
		batch.Queue(`
			INSERT INTO flowengine_history
				(instance_id, sequence, id, ts, kind, activity_id, activity_kind, user_id, details)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		`, instanceID, last+int64(i)+1, rec.ID, rec.Timestamp, string(rec.Kind), rec.ActivityID,
			string(rec.ActivityKind), rec.UserID, details)
	}
	results := tx.SendBatch(ctx, batch)
	defer results.Close()
	for range records {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("insert history: %w", err)
		}
	}
	return nil
}

func (s *InstanceStore) Query(ctx context.Context, q workflow.InstanceQuery) (workflow.Page[workflow.Instance], error) {
	page, size := normalizePage(q.Page, q.PageSize)
	w := &where{}
	if q.WorkflowID != "" {
		w.add(`workflow_id = ?`, q.WorkflowID)
	}
	if len(q.Statuses) > 0 {
		statuses := make([]string, 0, len(q.Statuses))
		for _, st := range q.Statuses {
			statuses = append(statuses, string(st))
		}
		w.add(`status = ANY(?)`, statuses)
	}
	if q.CorrelationID != "" {
		w.add(`correlation_id = ?`, q.CorrelationID)
	}
	if q.TenantID != "" {
		w.add(`tenant_id = ?`, q.TenantID)
	}
	if q.BookmarkName != "" {
		w.add(`? = ANY(bookmarks)`, q.BookmarkName)
	}
	if q.CreatedAfter != nil {
		w.add(`created_at >= ?`, *q.CreatedAfter)
	}
	if q.CreatedBefore != nil {
		w.add(`created_at < ?`, *q.CreatedBefore)
	}
	args := append(w.args, size, (page-1)*size)
	rows, err := s.pool.Query(ctx, `
		SELECT payload, revision, count(*) OVER ()
		FROM flowengine_instances`+w.String()+`
		ORDER BY created_at DESC, id ASC
		LIMIT $`+strconv.Itoa(len(w.args)+1)+` OFFSET $`+strconv.Itoa(len(w.args)+2), args...)
	if err != nil {
		return workflow.Page[workflow.Instance]{}, fmt.Errorf("query instances: %w", err)
	}
	defer rows.Close()

	out := workflow.Page[workflow.Instance]{Items: []workflow.Instance{}, Page: page, PageSize: size}
	for rows.Next() {
		var (
			raw      []byte
			revision int64
			total    int
		)
		if err := rows.Scan(&raw, &revision, &total); err != nil {
			return out, fmt.Errorf("scan instance: %w", err)
		}
		inst, err := decodeInstance(raw, revision)
		if err != nil {
			return out, err
		}
		out.Total = total
		out.Items = append(out.Items, inst)
	}
	if err := rows.Err(); err != nil {
		return out, fmt.Errorf("iterate instances: %w", err)
	}
	if len(out.Items) == 0 && page > 1 {
		if err := s.pool.QueryRow(ctx, `SELECT count(*) FROM flowengine_instances`+w.String(), w.args...).Scan(&out.Total); err != nil {
			return out, fmt.Errorf("count instances: %w", err)
		}
	}
	return out, nil
}

func (s *InstanceStore) ListDue(ctx context.Context, now time.Time, limit int) ([]workflow.Instance, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT payload, revision
		FROM flowengine_instances
		WHERE status = $1 AND COALESCE(scheduled_start_time, created_at) <= $2
		ORDER BY priority DESC, COALESCE(scheduled_start_time, created_at) ASC, id ASC
		LIMIT $3
	`, string(workflow.StatusScheduled), now, limit)
	if err != nil {
		return nil, fmt.Errorf("list due instances: %w", err)
	}
	defer rows.Close()
	var out []workflow.Instance
	for rows.Next() {
		var (
			raw      []byte
			revision int64
		)
		if err := rows.Scan(&raw, &revision); err != nil {
			return nil, fmt.Errorf("scan instance: %w", err)
		}
		inst, err := decodeInstance(raw, revision)
		if err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate instances: %w", err)
	}
	return out, nil
}

func (s *InstanceStore) History(ctx context.Context, id string) ([]workflow.ExecutionRecord, error) {
	if _, err := s.Get(ctx, id); err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, instance_id, sequence, ts, kind, activity_id, activity_kind, user_id, details
		FROM flowengine_history
		WHERE instance_id = $1
		ORDER BY ts ASC, sequence ASC
	`, id)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()
	var out []workflow.ExecutionRecord
	for rows.Next() {
		var (
			rec          workflow.ExecutionRecord
			kind         string
			activityKind string
			details      []byte
		)
		if err := rows.Scan(&rec.ID, &rec.InstanceID, &rec.Sequence, &rec.Timestamp, &kind, &rec.ActivityID, &activityKind, &rec.UserID, &details); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		rec.Kind = workflow.RecordKind(kind)
		rec.ActivityKind = workflow.ActivityKind(activityKind)
		rec.Timestamp = rec.Timestamp.UTC()
		if len(details) > 0 {
			if err := json.Unmarshal(details, &rec.Details); err != nil {
				return nil, fmt.Errorf("decode record details: %w", err)
			}
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history: %w", err)
	}
	return out, nil
}

func (s *InstanceStore) CountByVersion(ctx context.Context, workflowID string, version int) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `
		SELECT count(*) FROM flowengine_instances WHERE workflow_id = $1 AND version = $2
	`, workflowID, version).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count instances: %w", err)
	}
	return n, nil
}

func bookmarkNames(inst workflow.Instance) []string {
	names := make([]string, 0, len(inst.Bookmarks))
	for _, b := range inst.Bookmarks {
		names = append(names, b.Name)
	}
	return names
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func nonNil(tags []string) []string {
	if tags == nil {
		return []string{}
	}
	return tags
}

func normalizeTags(tags []string) []string {
	if len(tags) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		if _, ok := seen[t]; ok || t == "" {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

func normalizePage(page, size int) (int, int) {
	if page < 1 {
		page = 1
	}
	if size <= 0 {
		size = 50
	}
	if size > 500 {
		size = 500
	}
	return page, size
}
