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

package api

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"strconv"

	"github.com/cloudwego/hertz/pkg/app"

	"pricing-platform/internal/export"
	"pricing-platform/internal/ingest"
	"pricing-platform/internal/provider"
	"pricing-platform/internal/registry"
	"pricing-platform/internal/store"
	"pricing-platform/internal/worker"
	"pricing-platform/pkg/auth"
	"pricing-platform/pkg/errors"
	"pricing-platform/pkg/log"
	"pricing-platform/pkg/metrics"
)

// Handler HTTP 入口；鉴权后的 owner 身份从请求上下文读取
type Handler struct {
	st       store.Store
	registry *registry.Registry
	ingester *ingest.Ingester
	runner   *worker.Runner
	logger   *log.Logger
}

// NewHandler 创建 Handler
func NewHandler(st store.Store, reg *registry.Registry, ing *ingest.Ingester, runner *worker.Runner, logger *log.Logger) *Handler {
	return &Handler{st: st, registry: reg, ingester: ing, runner: runner, logger: logger}
}

type createJobRequest struct {
	Type      string            `json:"type"`       // CSV | IMAGE | SINGLE
	SourceRef string            `json:"source_ref"` // CSV 文件路径或图像清单引用
	Rows      []json.RawMessage `json:"rows"`       // 内联行（SINGLE/IMAGE 或小批 CSV 等价物）
}

type jobResponse struct {
	ID             string           `json:"id"`
	Type           store.JobType    `json:"type"`
	QueueState     store.QueueState `json:"queue_state"`
	SourceRef      string           `json:"source_ref,omitempty"`
	TotalItems     int              `json:"total_items"`
	ProcessedItems int              `json:"processed_items"`
	FailedItems    int              `json:"failed_items"`
	LastError      string           `json:"last_error,omitempty"`
	CreatedAt      string           `json:"created_at"`
}

func toJobResponse(j *store.Job) *jobResponse {
	return &jobResponse{
		ID:             j.ID,
		Type:           j.Type,
		QueueState:     j.QueueState,
		SourceRef:      j.SourceRef,
		TotalItems:     j.TotalItems,
		ProcessedItems: j.ProcessedItems,
		FailedItems:    j.FailedItems,
		LastError:      j.LastError,
		CreatedAt:      j.CreatedAt.Format("2006-01-02T15:04:05Z07:00"),
	}
}

// abortError 统一错误出口：input → 400，not found → 404，其余 500
func abortError(c *app.RequestContext, err error) {
	switch {
	case err == store.ErrJobNotFound || err == store.ErrItemNotFound:
		c.JSON(http.StatusNotFound, map[string]string{"error": err.Error()})
	case errors.KindOf(err) == errors.KindInput:
		c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
}

// authorizeJob 校验 Job 归属；admin 放行
func (h *Handler) authorizeJob(ctx context.Context, c *app.RequestContext, jobID string) (*store.Job, bool) {
	job, err := h.st.GetJob(ctx, jobID)
	if err != nil {
		abortError(c, err)
		return nil, false
	}
	if !auth.IsAdmin(ctx) && job.OwnerID != auth.GetOwnerID(ctx) {
		c.JSON(http.StatusForbidden, map[string]string{"error": "job belongs to another principal"})
		return nil, false
	}
	return job, true
}

// CreateJob POST /api/jobs：创建 Job 并同步入库 item。
// CSV 走 source_ref 文件流式解析；其余走内联 rows
func (h *Handler) CreateJob(ctx context.Context, c *app.RequestContext) {
	var req createJobRequest
	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, map[string]string{"error": "request body is not valid JSON"})
		return
	}
	jobType := store.JobType(req.Type)
	switch jobType {
	case store.JobTypeCSV, store.JobTypeImage, store.JobTypeSingle:
	default:
		c.JSON(http.StatusBadRequest, map[string]string{"error": "type must be CSV, IMAGE or SINGLE"})
		return
	}

	job := &store.Job{OwnerID: auth.GetOwnerID(ctx), Type: jobType, SourceRef: req.SourceRef, QueueState: store.StateQueued}
	if err := h.st.CreateJob(ctx, job); err != nil {
		abortError(c, err)
		return
	}

	var src ingest.RowSource
	switch {
	case jobType == store.JobTypeCSV && req.SourceRef != "":
		f, err := os.Open(req.SourceRef)
		if err != nil {
			_ = h.registry.Fail(ctx, job.ID, "source unreadable: "+err.Error())
			c.JSON(http.StatusBadRequest, map[string]string{"error": "source unreadable", "job_id": job.ID})
			return
		}
		defer f.Close()
		parser, err := provider.NewCSVParser(f)
		if err != nil {
			_ = h.registry.Fail(ctx, job.ID, err.Error())
			c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error(), "job_id": job.ID})
			return
		}
		src = parser
	default:
		if len(req.Rows) == 0 {
			c.JSON(http.StatusBadRequest, map[string]string{"error": "rows required for inline submission"})
			return
		}
		src = ingest.NewSliceSource(req.Rows)
	}

	total, malformed, err := h.ingester.Ingest(ctx, job, src)
	if err != nil {
		c.JSON(http.StatusInternalServerError, map[string]interface{}{"error": err.Error(), "job_id": job.ID})
		return
	}
	c.JSON(http.StatusCreated, map[string]interface{}{
		"job_id": job.ID, "total_items": total, "malformed_rows": malformed,
	})
}

// GetJob GET /api/jobs/:id；counters 读时惰性重算
func (h *Handler) GetJob(ctx context.Context, c *app.RequestContext) {
	job, ok := h.authorizeJob(ctx, c, c.Param("id"))
	if !ok {
		return
	}
	if _, err := h.registry.RecomputeCounters(ctx, job.ID); err == nil {
		job, _ = h.st.GetJob(ctx, job.ID)
	}
	c.JSON(http.StatusOK, toJobResponse(job))
}

// ListJobs GET /api/jobs
func (h *Handler) ListJobs(ctx context.Context, c *app.RequestContext) {
	owner := auth.GetOwnerID(ctx)
	if auth.IsAdmin(ctx) && len(c.Query("owner")) > 0 {
		owner = c.Query("owner")
	}
	jobs, err := h.st.ListJobs(ctx, owner, intQuery(c, "limit", 100))
	if err != nil {
		abortError(c, err)
		return
	}
	out := make([]*jobResponse, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, toJobResponse(j))
	}
	c.JSON(http.StatusOK, map[string]interface{}{"jobs": out})
}

// ListItems GET /api/jobs/:id/items：keyset 分页，游标对调用方不透明
func (h *Handler) ListItems(ctx context.Context, c *app.RequestContext) {
	job, ok := h.authorizeJob(ctx, c, c.Param("id"))
	if !ok {
		return
	}
	filter := store.ItemFilter{JobID: job.ID, Statuses: statusFilter(c)}
	h.renderItemPage(ctx, c, filter)
}

// ListPending GET /api/items：跨 Job 列表（owner 约束；admin 可全量）
func (h *Handler) ListPending(ctx context.Context, c *app.RequestContext) {
	filter := store.ItemFilter{
		OwnerID:  auth.GetOwnerID(ctx),
		Statuses: statusFilter(c),
		JobType:  store.JobType(c.Query("job_type")),
	}
	if auth.IsAdmin(ctx) {
		filter.OwnerID = c.Query("owner")
	}
	if len(filter.Statuses) == 0 {
		filter.Statuses = []store.ItemStatus{store.ItemPending}
	}
	h.renderItemPage(ctx, c, filter)
}

func (h *Handler) renderItemPage(ctx context.Context, c *app.RequestContext, filter store.ItemFilter) {
	// 畸形游标解码为 nil：从头开始，绝不失败
	after := store.DecodeCursor(c.Query("after"))
	items, next, err := h.st.ListItems(ctx, filter, after, intQuery(c, "page_size", 100))
	if err != nil {
		abortError(c, err)
		return
	}
	resp := map[string]interface{}{"items": items}
	if next != nil {
		resp["next_cursor"] = next.Encode()
	}
	c.JSON(http.StatusOK, resp)
}

// GetItem GET /api/items/:id：完整 item 与其审计事件
func (h *Handler) GetItem(ctx context.Context, c *app.RequestContext) {
	item, err := h.st.GetItem(ctx, c.Param("id"))
	if err != nil {
		abortError(c, err)
		return
	}
	if !auth.IsAdmin(ctx) && item.OwnerID != auth.GetOwnerID(ctx) {
		c.JSON(http.StatusForbidden, map[string]string{"error": "item belongs to another principal"})
		return
	}
	events, _ := h.st.ListSearchEvents(ctx, item.ID)
	c.JSON(http.StatusOK, map[string]interface{}{
		"id":              item.ID,
		"job_id":          item.JobID,
		"status":          item.Status,
		"attempts":        item.Attempts,
		"last_error":      item.LastError,
		"input_json":      json.RawMessage(orNull(item.InputJSON)),
		"normalized_json": json.RawMessage(orNull(item.NormalizedJSON)),
		"result_json":     json.RawMessage(orNull(item.ResultJSON)),
		"updated_at":      item.UpdatedAt,
		"search_events":   events,
	})
}

// Kickoff POST /api/jobs/:id/kickoff：驱动一个时间片
func (h *Handler) Kickoff(ctx context.Context, c *app.RequestContext) {
	job, ok := h.authorizeJob(ctx, c, c.Param("id"))
	if !ok {
		return
	}
	var req struct {
		SliceMs int `json:"slice_ms"`
	}
	_ = c.BindJSON(&req)
	report, err := h.runner.RunSlice(ctx, job.ID, req.SliceMs)
	if err != nil {
		abortError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

// Pause POST /api/jobs/:id/pause
func (h *Handler) Pause(ctx context.Context, c *app.RequestContext) {
	h.transition(ctx, c, store.StatePaused)
}

// Resume POST /api/jobs/:id/resume
func (h *Handler) Resume(ctx context.Context, c *app.RequestContext) {
	h.transition(ctx, c, store.StateRunning)
}

func (h *Handler) transition(ctx context.Context, c *app.RequestContext, to store.QueueState) {
	job, ok := h.authorizeJob(ctx, c, c.Param("id"))
	if !ok {
		return
	}
	if err := h.registry.Transition(ctx, job.ID, to); err != nil {
		abortError(c, err)
		return
	}
	job, _ = h.st.GetJob(ctx, job.ID)
	c.JSON(http.StatusOK, toJobResponse(job))
}

type reprocessRequest struct {
	Scope         string             `json:"scope"` // failed | job | items
	ItemIDs       []string           `json:"item_ids"`
	Statuses      []store.ItemStatus `json:"statuses"`
	ResetAttempts bool               `json:"reset_attempts"`
}

// Reprocess POST /api/jobs/:id/reprocess：重置选中 item 回 PENDING 并重新入队。
// 缺省 scope 只圈定尝试次数未达上限的 ERROR/NOT_FOUND 行；
// 重跑 DONE 必须显式给 statuses，缺省绝不清掉已有结果。
// attempts 默认保留，reset_attempts=true 时归零；PROCESSING 行绝不触碰
func (h *Handler) Reprocess(ctx context.Context, c *app.RequestContext) {
	job, ok := h.authorizeJob(ctx, c, c.Param("id"))
	if !ok {
		return
	}
	var req reprocessRequest
	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, map[string]string{"error": "request body is not valid JSON"})
		return
	}
	var n int
	var err error
	switch {
	case req.Scope == "items":
		if len(req.ItemIDs) == 0 {
			c.JSON(http.StatusBadRequest, map[string]string{"error": "item_ids required for scope=items"})
			return
		}
		n, err = h.st.ResetItems(ctx, store.ItemFilter{JobID: job.ID}, req.ItemIDs, req.ResetAttempts)
	case (req.Scope == "" || req.Scope == "job") && len(req.Statuses) > 0:
		n, err = h.st.ResetItems(ctx, store.ItemFilter{JobID: job.ID, Statuses: req.Statuses}, nil, req.ResetAttempts)
	case req.Scope == "" || req.Scope == "job" || req.Scope == "failed":
		n, err = h.resetFailed(ctx, job.ID, req.ResetAttempts)
	default:
		c.JSON(http.StatusBadRequest, map[string]string{"error": "scope must be failed, job or items"})
		return
	}
	if err != nil {
		abortError(c, err)
		return
	}
	if n > 0 {
		if err := h.registry.Transition(ctx, job.ID, store.StateQueued); err != nil {
			abortError(c, err)
			return
		}
	}
	c.JSON(http.StatusOK, map[string]interface{}{"reset": n})
}

// resetFailed 失败行圈定：ERROR 与 NOT_FOUND 各按自己的尝试上限过滤，
// 重试殆尽的行留在终态，避免重新入队后立刻再次失败
func (h *Handler) resetFailed(ctx context.Context, jobID string, resetAttempts bool) (int, error) {
	maxErr, maxNotFound := h.runner.AttemptCaps()
	n, err := h.st.ResetItems(ctx, store.ItemFilter{
		JobID: jobID, Statuses: []store.ItemStatus{store.ItemError}, MaxAttempts: maxErr,
	}, nil, resetAttempts)
	if err != nil {
		return n, err
	}
	m, err := h.st.ResetItems(ctx, store.ItemFilter{
		JobID: jobID, Statuses: []store.ItemStatus{store.ItemNotFound}, MaxAttempts: maxNotFound,
	}, nil, resetAttempts)
	return n + m, err
}

// Export GET /api/jobs/:id/export?format=tabular|delimited：流式导出
func (h *Handler) Export(ctx context.Context, c *app.RequestContext) {
	job, ok := h.authorizeJob(ctx, c, c.Param("id"))
	if !ok {
		return
	}
	format, err := export.ParseFormat(c.Query("format"))
	if err != nil {
		abortError(c, err)
		return
	}
	contentType := "text/csv"
	if format == export.FormatDelimited {
		contentType = "application/jsonl"
	}
	c.SetStatusCode(http.StatusOK)
	c.Response.Header.SetContentType(contentType)
	if err := export.Export(ctx, h.st, job.ID, format, c.Response.BodyWriter()); err != nil {
		h.logger.Error("export failed", "job_id", job.ID, "error", err)
	}
}

// Health GET /health
func (h *Handler) Health(ctx context.Context, c *app.RequestContext) {
	c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// Metrics GET /metrics：Prometheus 文本格式
func (h *Handler) Metrics(ctx context.Context, c *app.RequestContext) {
	c.SetStatusCode(http.StatusOK)
	c.Response.Header.SetContentType("text/plain; version=0.0.4")
	if err := metrics.WritePrometheus(c.Response.BodyWriter()); err != nil {
		h.logger.Error("metrics write failed", "error", err)
	}
}

func intQuery(c *app.RequestContext, key string, def int) int {
	v, err := strconv.Atoi(c.Query(key))
	if err != nil || v <= 0 {
		return def
	}
	return v
}

func statusFilter(c *app.RequestContext) []store.ItemStatus {
	raw := c.Query("statuses")
	if raw == "" {
		return nil
	}
	var statuses []store.ItemStatus
	for _, s := range splitComma(raw) {
		statuses = append(statuses, store.ItemStatus(s))
	}
	return statuses
}

func splitComma(s string) []string {
	var out []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ',' {
			if i > start {
				out = append(out, s[start:i])
			}
			start = i + 1
		}
	}
	return out
}

func orNull(b []byte) []byte {
	if len(b) == 0 {
		return []byte("null")
	}
	return b
}
