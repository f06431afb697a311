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

package ingest

import (
	"context"
	"encoding/json"
	"io"
	"math/rand"
	"time"

	"pricing-platform/internal/provider"
	"pricing-platform/internal/registry"
	"pricing-platform/internal/store"
	"pricing-platform/pkg/config"
	"pricing-platform/pkg/errors"
	"pricing-platform/pkg/log"
	"pricing-platform/pkg/metrics"
)

// RowSource 行来源；CSVParser 与内联行切片都实现它
type RowSource interface {
	// Next 下一行；耗尽返回 (nil, io.EOF)
	Next() (*provider.ItemRow, error)
}

// SliceSource 内联 JSON 行（SINGLE 提交或 API 直传数组）
type SliceSource struct {
	rows []json.RawMessage
	i    int
}

// NewSliceSource 创建内联行来源
func NewSliceSource(rows []json.RawMessage) *SliceSource {
	return &SliceSource{rows: rows}
}

// Next 实现 RowSource
func (s *SliceSource) Next() (*provider.ItemRow, error) {
	if s.i >= len(s.rows) {
		return nil, io.EOF
	}
	s.i++
	return &provider.ItemRow{Line: s.i, InputJSON: s.rows[s.i-1]}, nil
}

// Ingester 自适应批量入库：批大小随实测 DB 延迟在配置边界内移动
type Ingester struct {
	st       store.Store
	registry *registry.Registry
	cfg      config.IngestConfig
	logger   *log.Logger

	// ewmaAlpha 延迟平滑系数
	ewmaAlpha float64
	// now/sleep 可注入，测试替换
	now   func() time.Time
	sleep func(time.Duration)
}

// NewIngester 创建入库器
func NewIngester(st store.Store, reg *registry.Registry, cfg config.IngestConfig, logger *log.Logger) *Ingester {
	return &Ingester{
		st:        st,
		registry:  reg,
		cfg:       cfg,
		ewmaAlpha: 0.3,
		logger:    logger,
		now:       time.Now,
		sleep:     time.Sleep,
	}
}

// Ingest 把一个来源的全部行落为 PENDING item；
// 结束时写精确 total_items，Job 停在 QUEUED 等 Worker 翻转。
// 返回 (入库条数, 格式非法条数, 错误)
func (i *Ingester) Ingest(ctx context.Context, job *store.Job, src RowSource) (int, int, error) {
	batchSize := i.cfg.MinRows
	var ewmaMs float64
	total, malformed := 0, 0

	backoffBase := 200 * time.Millisecond
	if d, err := time.ParseDuration(i.cfg.Backoff); err == nil && d > 0 {
		backoffBase = d
	}

	for {
		batch, bad, eof, err := i.nextBatch(job, src, batchSize)
		if err != nil {
			// 源不可读：Job 无法开始
			_ = i.registry.Fail(ctx, job.ID, err.Error())
			return total, malformed, err
		}
		malformed += bad
		if len(batch) == 0 {
			if eof {
				break
			}
			continue
		}

		inserted, latMs, poolWait, err := i.insertWithRetry(ctx, batch, &batchSize, backoffBase)
		if err != nil {
			_ = i.registry.Fail(ctx, job.ID, err.Error())
			return total, malformed, err
		}
		total += inserted

		// EWMA 更新与增减批规则
		if ewmaMs == 0 {
			ewmaMs = latMs
		} else {
			ewmaMs = i.ewmaAlpha*latMs + (1-i.ewmaAlpha)*ewmaMs
		}
		switch {
		case poolWait:
			batchSize = clampBatch(batchSize/2, i.cfg)
		case ewmaMs >= float64(i.cfg.DBP95Ms):
			batchSize = clampBatch(batchSize/2, i.cfg)
		case ewmaMs <= float64(i.cfg.DBP50Ms):
			batchSize = clampBatch(batchSize*2, i.cfg)
		}
		metrics.BatchSize.Set(float64(batchSize))

		if eof {
			break
		}
	}

	if err := i.st.SetJobTotal(ctx, job.ID, total); err != nil {
		return total, malformed, err
	}
	i.logger.Info("ingest complete", "job_id", job.ID, "items", total, "malformed", malformed)
	return total, malformed, nil
}

// nextBatch 拉取至多 batchSize 行，同时按 max_batch_bytes 截断。
// 格式非法行计入 bad 并以解析错误落库，交由状态机落 ERROR 终态
func (i *Ingester) nextBatch(job *store.Job, src RowSource, batchSize int) (batch []*store.JobItem, bad int, eof bool, err error) {
	bytes := 0
	for len(batch) < batchSize {
		row, rerr := src.Next()
		if rerr == io.EOF {
			return batch, bad, true, nil
		}
		if rerr != nil {
			return batch, bad, false, errors.WithKind(errors.KindInput, errors.Wrap(rerr, "source unreadable"))
		}
		input := row.InputJSON
		if row.Err != nil {
			bad++
			input, _ = json.Marshal(map[string]string{"parse_error": row.Err.Error()})
		}
		bytes += len(input)
		batch = append(batch, &store.JobItem{JobID: job.ID, OwnerID: job.OwnerID, Type: job.Type, InputJSON: input})
		// 字节上限先于行数上限生效；最多超出一行
		if bytes > i.cfg.MaxBatchBytes {
			return batch, bad, false, nil
		}
	}
	return batch, bad, false, nil
}

// insertWithRetry 整批落库；批内部分失败按整批失败处理：收缩、退避、重试
func (i *Ingester) insertWithRetry(ctx context.Context, batch []*store.JobItem, batchSize *int, backoffBase time.Duration) (int, float64, bool, error) {
	var lastErr error
	for attempt := 0; attempt <= i.cfg.RetryMax; attempt++ {
		if attempt > 0 {
			d := backoffBase << uint(attempt-1)
			if d > 10*time.Second {
				d = 10 * time.Second
			}
			i.sleep(d + time.Duration(rand.Int63n(int64(d)/4+1)))
			*batchSize = clampBatch(*batchSize/4, i.cfg)
		}
		start := i.now()
		n, poolWait, err := i.st.BulkInsertItems(ctx, batch)
		latMs := float64(i.now().Sub(start).Milliseconds())
		metrics.BatchInsertDuration.Observe(latMs / 1000)
		if err == nil {
			return n, latMs, poolWait, nil
		}
		lastErr = err
		i.logger.Warn("bulk insert failed, backing off", "attempt", attempt+1, "batch", len(batch), "error", err)
	}
	return 0, 0, false, errors.WithKind(errors.KindSystem, errors.Wrap(lastErr, "bulk insert exhausted retries"))
}

func clampBatch(b int, cfg config.IngestConfig) int {
	if b < cfg.MinRows {
		return cfg.MinRows
	}
	if b > cfg.MaxRows {
		return cfg.MaxRows
	}
	return b
}
