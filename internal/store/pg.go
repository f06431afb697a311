// Copyright 2026 fanjia1024
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// touchUpdatedAt 保证 updated_at 严格递增（同毫秒内的连续变更靠 +1µs 拉开），
// keyset 分页契约依赖这一点
const touchUpdatedAt = `GREATEST(clock_timestamp(), updated_at + interval '1 microsecond')`

// pgStore PostgreSQL 实现：claim 走 FOR UPDATE SKIP LOCKED，批量插入走 CopyFrom
type pgStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore 创建基于 PostgreSQL 的 Store；dsn 为连接串，poolSize<=0 用 pgxpool 默认
func NewPostgresStore(ctx context.Context, dsn string, poolSize int) (Store, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	if poolSize > 0 {
		config.MaxConns = int32(poolSize)
	}
	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return &pgStore{pool: pool}, nil
}

// Close 关闭连接池
func (s *pgStore) Close() {
	s.pool.Close()
}

// EnsureSchema 幂等建表建索引
func (s *pgStore) EnsureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, schemaDDL)
	return err
}

func (s *pgStore) CreateJob(ctx context.Context, job *Job) error {
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	if job.QueueState == "" {
		job.QueueState = StateQueued
	}
	now := time.Now().UTC()
	job.CreatedAt = now
	job.UpdatedAt = now
	_, err := s.pool.Exec(ctx,
		`INSERT INTO jobs (id, owner_id, job_type, source_ref, queue_state, total_items, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $7)`,
		job.ID, job.OwnerID, string(job.Type), job.SourceRef, string(job.QueueState), job.TotalItems, now,
	)
	return err
}

func (s *pgStore) GetJob(ctx context.Context, jobID string) (*Job, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, owner_id, job_type, source_ref, queue_state, attempts,
		        COALESCE(last_heartbeat, 'epoch'::timestamptz), COALESCE(last_error, ''),
		        total_items, processed_items, failed_items, created_at, updated_at
		 FROM jobs WHERE id = $1`, jobID)
	j, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	return j, err
}

func (s *pgStore) ListJobs(ctx context.Context, ownerID string, limit int) ([]*Job, error) {
	if limit <= 0 {
		limit = 100
	}
	q := `SELECT id, owner_id, job_type, source_ref, queue_state, attempts,
	             COALESCE(last_heartbeat, 'epoch'::timestamptz), COALESCE(last_error, ''),
	             total_items, processed_items, failed_items, created_at, updated_at
	      FROM jobs`
	args := []interface{}{}
	if ownerID != "" {
		q += ` WHERE owner_id = $1`
		args = append(args, ownerID)
	}
	q += fmt.Sprintf(` ORDER BY created_at DESC LIMIT %d`, limit)
	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var jobs []*Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row rowScanner) (*Job, error) {
	var j Job
	var jobType, state string
	if err := row.Scan(&j.ID, &j.OwnerID, &jobType, &j.SourceRef, &state, &j.Attempts,
		&j.LastHeartbeat, &j.LastError, &j.TotalItems, &j.ProcessedItems, &j.FailedItems,
		&j.CreatedAt, &j.UpdatedAt); err != nil {
		return nil, err
	}
	j.Type = JobType(jobType)
	j.QueueState = QueueState(state)
	return &j, nil
}

func (s *pgStore) UpdateJobState(ctx context.Context, jobID string, state QueueState, lastError string) error {
	cmd, err := s.pool.Exec(ctx,
		`UPDATE jobs SET queue_state = $2, last_error = NULLIF($3, ''), updated_at = now() WHERE id = $1`,
		jobID, string(state), lastError)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return ErrJobNotFound
	}
	return nil
}

func (s *pgStore) HeartbeatJob(ctx context.Context, jobID string) error {
	_, err := s.pool.Exec(ctx, `UPDATE jobs SET last_heartbeat = now() WHERE id = $1`, jobID)
	return err
}

func (s *pgStore) SetJobTotal(ctx context.Context, jobID string, total int) error {
	_, err := s.pool.Exec(ctx, `UPDATE jobs SET total_items = $2, updated_at = now() WHERE id = $1`, jobID, total)
	return err
}

func (s *pgStore) UpdateJobCounters(ctx context.Context, jobID string, processed, failed int) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE jobs SET processed_items = $2, failed_items = $3, updated_at = now() WHERE id = $1`,
		jobID, processed, failed)
	return err
}

func (s *pgStore) CountItemStatuses(ctx context.Context, jobID string) (map[ItemStatus]int, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT status, COUNT(*) FROM job_items WHERE job_id = $1 GROUP BY status`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	hist := make(map[ItemStatus]int)
	for rows.Next() {
		var st string
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, err
		}
		hist[ItemStatus(st)] = n
	}
	return hist, rows.Err()
}

// BulkInsertItems 单事务 CopyFrom；部分失败即整批失败（调用方收缩后重试）。
// 第二个返回值为本批期间连接池是否出现过等待（EmptyAcquireCount 增量）。
func (s *pgStore) BulkInsertItems(ctx context.Context, items []*JobItem) (int, bool, error) {
	if len(items) == 0 {
		return 0, false, nil
	}
	waitBefore := s.pool.Stat().EmptyAcquireCount()
	now := time.Now().UTC()
	rows := make([][]interface{}, 0, len(items))
	for _, it := range items {
		if it.ID == "" {
			it.ID = uuid.New().String()
		}
		it.Status = ItemPending
		it.Attempts = 0
		it.CreatedAt = now
		it.UpdatedAt = now
		rows = append(rows, []interface{}{
			it.ID, it.JobID, it.OwnerID, string(it.Type), string(ItemPending),
			0, jsonbOrNil(it.InputJSON), now, now,
		})
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, false, err
	}
	defer tx.Rollback(ctx)

	n, err := tx.CopyFrom(ctx,
		pgx.Identifier{"job_items"},
		[]string{"id", "job_id", "owner_id", "job_type", "status", "attempts", "input_json", "created_at", "updated_at"},
		pgx.CopyFromRows(rows),
	)
	if err != nil {
		return 0, poolWaited(s.pool, waitBefore), err
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, poolWaited(s.pool, waitBefore), err
	}
	return int(n), poolWaited(s.pool, waitBefore), nil
}

func poolWaited(pool *pgxpool.Pool, before int64) bool {
	return pool.Stat().EmptyAcquireCount() > before
}

func jsonbOrNil(b []byte) interface{} {
	if len(b) == 0 {
		return nil
	}
	return b
}

// ClaimItems 原子认领。可认领条件：PENDING，或 PROCESSING 且 locked_at 早于 now-ttl（锁过期可被抢占）。
// 暂停中的 Job 被排除。内层 SELECT 用 FOR UPDATE SKIP LOCKED 避免认领互相阻塞。
func (s *pgStore) ClaimItems(ctx context.Context, workerID string, limit int, lockTTL time.Duration, filter ItemFilter) ([]*JobItem, error) {
	if limit <= 0 {
		return []*JobItem{}, nil
	}
	ttlMs := lockTTL.Milliseconds()
	rows, err := s.pool.Query(ctx, `
		UPDATE job_items SET
			status = 'PROCESSING',
			locked_by = $1,
			locked_at = now(),
			updated_at = `+touchUpdatedAt+`
		WHERE id IN (
			SELECT i.id FROM job_items i
			JOIN jobs j ON j.id = i.job_id
			WHERE ($2 = '' OR i.job_id = $2)
			  AND ($3 = '' OR i.owner_id = $3)
			  AND j.queue_state IN ('QUEUED', 'RUNNING')
			  AND (i.status = 'PENDING'
			       OR (i.status = 'PROCESSING' AND i.locked_at < now() - ($4 * interval '1 millisecond')))
			ORDER BY i.updated_at, i.id
			LIMIT $5
			FOR UPDATE OF i SKIP LOCKED
		)
		RETURNING id, job_id, owner_id, job_type, status, attempts, COALESCE(last_error, ''),
		          COALESCE(locked_by, ''), locked_at, input_json, normalized_json, result_json,
		          created_at, updated_at`,
		workerID, filter.JobID, filter.OwnerID, ttlMs, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanItems(rows)
}

func scanItems(rows pgx.Rows) ([]*JobItem, error) {
	items := []*JobItem{}
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

func scanItem(row rowScanner) (*JobItem, error) {
	var it JobItem
	var jobType, status string
	if err := row.Scan(&it.ID, &it.JobID, &it.OwnerID, &jobType, &status, &it.Attempts,
		&it.LastError, &it.LockedBy, &it.LockedAt, &it.InputJSON, &it.NormalizedJSON,
		&it.ResultJSON, &it.CreatedAt, &it.UpdatedAt); err != nil {
		return nil, err
	}
	it.Type = JobType(jobType)
	it.Status = ItemStatus(status)
	return &it, nil
}

// CheckpointItem 落盘谓词：locked_by == cp.WorkerID 且仍为 PROCESSING。
// 谓词不满足（锁被抢占、重复 checkpoint）一律返回 ErrStaleLock，不覆盖他人结果。
func (s *pgStore) CheckpointItem(ctx context.Context, cp Checkpoint) error {
	cmd, err := s.pool.Exec(ctx, `
		UPDATE job_items SET
			status = $3,
			locked_by = NULL,
			locked_at = NULL,
			result_json = COALESCE($4::jsonb, result_json),
			normalized_json = COALESCE($5::jsonb, normalized_json),
			last_error = NULLIF($6, ''),
			attempts = attempts + $7,
			updated_at = `+touchUpdatedAt+`
		WHERE id = $1 AND locked_by = $2 AND status = 'PROCESSING'`,
		cp.ItemID, cp.WorkerID, string(cp.Status),
		jsonbOrNil(cp.ResultJSON), jsonbOrNil(cp.NormalizedJSON),
		cp.ErrorMsg, cp.AttemptsDelta,
	)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return ErrStaleLock
	}
	return nil
}

// ReleaseItem 放回 PENDING（未开始外部调用的抢占释放路径）；attempts 不变
func (s *pgStore) ReleaseItem(ctx context.Context, itemID, workerID string) error {
	cmd, err := s.pool.Exec(ctx, `
		UPDATE job_items SET
			status = 'PENDING',
			locked_by = NULL,
			locked_at = NULL,
			updated_at = `+touchUpdatedAt+`
		WHERE id = $1 AND locked_by = $2 AND status = 'PROCESSING'`,
		itemID, workerID,
	)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return ErrStaleLock
	}
	return nil
}

// ResetItems 重置为 PENDING；WHERE 显式排除 PROCESSING（reprocess 不变式）
func (s *pgStore) ResetItems(ctx context.Context, filter ItemFilter, itemIDs []string, resetAttempts bool) (int, error) {
	where := []string{`status <> 'PROCESSING'`}
	args := []interface{}{}
	arg := func(v interface{}) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if filter.JobID != "" {
		where = append(where, `job_id = `+arg(filter.JobID))
	}
	if filter.OwnerID != "" {
		where = append(where, `owner_id = `+arg(filter.OwnerID))
	}
	if len(filter.Statuses) > 0 {
		where = append(where, `status = ANY(`+arg(statusStrings(filter.Statuses))+`)`)
	}
	if len(itemIDs) > 0 {
		where = append(where, `id = ANY(`+arg(itemIDs)+`)`)
	}
	if filter.MaxAttempts > 0 {
		where = append(where, `attempts < `+arg(filter.MaxAttempts))
	}
	attemptsExpr := `attempts`
	if resetAttempts {
		attemptsExpr = `0`
	}
	cmd, err := s.pool.Exec(ctx, `
		UPDATE job_items SET
			status = 'PENDING',
			locked_by = NULL,
			locked_at = NULL,
			last_error = NULL,
			attempts = `+attemptsExpr+`,
			updated_at = `+touchUpdatedAt+`
		WHERE `+strings.Join(where, " AND "), args...)
	if err != nil {
		return 0, err
	}
	return int(cmd.RowsAffected()), nil
}

func statusStrings(st []ItemStatus) []string {
	out := make([]string, len(st))
	for i, s := range st {
		out[i] = string(s)
	}
	return out
}

func (s *pgStore) GetItem(ctx context.Context, itemID string) (*JobItem, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, job_id, owner_id, job_type, status, attempts, COALESCE(last_error, ''),
		       COALESCE(locked_by, ''), locked_at, input_json, normalized_json, result_json,
		       created_at, updated_at
		FROM job_items WHERE id = $1`, itemID)
	it, err := scanItem(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrItemNotFound
	}
	return it, err
}

// ListItems keyset 读：WHERE 含与 ORDER BY 同序的 (updated_at, id) 行比较子，
// 二级索引可直接服务本页，不做 offset 扫描。摘要字段服务端从 JSONB 抽取。
func (s *pgStore) ListItems(ctx context.Context, filter ItemFilter, after *Cursor, limit int) ([]*ItemSummary, *Cursor, error) {
	if limit <= 0 {
		limit = 100
	}
	where := []string{`TRUE`}
	args := []interface{}{}
	arg := func(v interface{}) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if filter.JobID != "" {
		where = append(where, `i.job_id = `+arg(filter.JobID))
	}
	if filter.OwnerID != "" {
		where = append(where, `i.owner_id = `+arg(filter.OwnerID))
	}
	if filter.JobType != "" {
		where = append(where, `i.job_type = `+arg(string(filter.JobType)))
	}
	if len(filter.Statuses) > 0 {
		where = append(where, `i.status = ANY(`+arg(statusStrings(filter.Statuses))+`)`)
	}
	if after != nil {
		where = append(where, `(i.updated_at, i.id) > (`+arg(after.UpdatedAt.UTC())+`, `+arg(after.ID)+`)`)
	}
	q := `
		SELECT i.id, i.job_id, i.status, i.attempts, COALESCE(i.last_error, ''),
		       COALESCE(i.normalized_json->>'title', i.input_json->>'title', ''),
		       COALESCE(i.normalized_json->>'brand', i.input_json->>'brand', ''),
		       COALESCE(i.input_json->>'sku', ''),
		       i.updated_at
		FROM job_items i
		WHERE ` + strings.Join(where, " AND ") + `
		ORDER BY i.updated_at ASC, i.id ASC
		LIMIT ` + arg(limit)
	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	items := []*ItemSummary{}
	for rows.Next() {
		var sm ItemSummary
		var status string
		if err := rows.Scan(&sm.ID, &sm.JobID, &status, &sm.Attempts, &sm.LastError,
			&sm.Title, &sm.Brand, &sm.SKU, &sm.UpdatedAt); err != nil {
			return nil, nil, err
		}
		sm.Status = ItemStatus(status)
		items = append(items, &sm)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}

	var next *Cursor
	if len(items) == limit {
		last := items[len(items)-1]
		next = &Cursor{UpdatedAt: last.UpdatedAt, ID: last.ID}
	}
	return items, next, nil
}

// ForEachResult 遍历终态 item（DONE/NOT_FOUND，includeErrors 时加 ERROR），导出路径专用
func (s *pgStore) ForEachResult(ctx context.Context, jobID string, includeErrors bool, fn func(*JobItem) error) error {
	statuses := []string{string(ItemDone), string(ItemNotFound)}
	if includeErrors {
		statuses = append(statuses, string(ItemError))
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, job_id, owner_id, job_type, status, attempts, COALESCE(last_error, ''),
		       COALESCE(locked_by, ''), locked_at, input_json, normalized_json, result_json,
		       created_at, updated_at
		FROM job_items
		WHERE job_id = $1 AND status = ANY($2)
		ORDER BY updated_at, id`, jobID, statuses)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return err
		}
		if err := fn(it); err != nil {
			return err
		}
	}
	return rows.Err()
}

func (s *pgStore) AppendSearchEvent(ctx context.Context, ev *SearchEvent) error {
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO search_events
			(id, job_item_id, provider, query, started_at, finished_at, outcome, latency_ms, error_kind, result_count, chosen_url)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NULLIF($9, ''), $10, NULLIF($11, ''))`,
		ev.ID, ev.JobItemID, ev.Provider, ev.Query, ev.StartedAt.UTC(), ev.FinishedAt.UTC(),
		string(ev.Outcome), ev.LatencyMs, ev.ErrorKind, ev.ResultCount, ev.ChosenURL,
	)
	return err
}

func (s *pgStore) ListSearchEvents(ctx context.Context, itemID string) ([]*SearchEvent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, job_item_id, provider, query, started_at, finished_at, outcome,
		       latency_ms, COALESCE(error_kind, ''), result_count, COALESCE(chosen_url, '')
		FROM search_events WHERE job_item_id = $1 ORDER BY started_at`, itemID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var events []*SearchEvent
	for rows.Next() {
		var ev SearchEvent
		var outcome string
		if err := rows.Scan(&ev.ID, &ev.JobItemID, &ev.Provider, &ev.Query, &ev.StartedAt,
			&ev.FinishedAt, &outcome, &ev.LatencyMs, &ev.ErrorKind, &ev.ResultCount, &ev.ChosenURL); err != nil {
			return nil, err
		}
		ev.Outcome = SearchEventOutcome(outcome)
		events = append(events, &ev)
	}
	return events, rows.Err()
}
