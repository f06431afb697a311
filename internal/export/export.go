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

package export

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"

	"pricing-platform/internal/store"
	"pricing-platform/pkg/errors"
)

// Format 导出格式
type Format string

const (
	// FormatTabular 人读表格（CSV，仅 DONE/NOT_FOUND 行）
	FormatTabular Format = "tabular"
	// FormatDelimited 全量行式导出（JSON Lines，含 ERROR 行）
	FormatDelimited Format = "delimited"
)

// ParseFormat 解析格式参数
func ParseFormat(s string) (Format, error) {
	switch Format(s) {
	case FormatTabular, FormatDelimited:
		return Format(s), nil
	default:
		return "", errors.Newf(errors.KindInput, "unknown export format %q", s)
	}
}

// resultRow result_json 的只读视图；导出不重算任何字段，
// 未知扩展字段原样透传（delimited 模式整条 result_json 原样输出）
type resultRow struct {
	Price        *float64 `json:"price"`
	Currency     string   `json:"currency"`
	Source       string   `json:"source"`
	URL          *string  `json:"url"`
	Category     string   `json:"category,omitempty"`
	MatchQuality string   `json:"match_quality"`
	IsEstimated  bool     `json:"is_estimated"`
}

// Export 流式导出：逐行写 w，整个 Job 不载入内存。
// 输出为 result_json 的纯函数，重复导出字节级一致
func Export(ctx context.Context, st store.Store, jobID string, format Format, w io.Writer) error {
	switch format {
	case FormatTabular:
		return exportTabular(ctx, st, jobID, w)
	case FormatDelimited:
		return exportDelimited(ctx, st, jobID, w)
	default:
		return errors.Newf(errors.KindInput, "unknown export format %q", format)
	}
}

func exportTabular(ctx context.Context, st store.Store, jobID string, w io.Writer) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"item_id", "status", "price", "currency", "source", "url", "category", "match_quality", "is_estimated"}); err != nil {
		return err
	}
	err := st.ForEachResult(ctx, jobID, false, func(it *store.JobItem) error {
		var r resultRow
		if len(it.ResultJSON) > 0 {
			if uerr := json.Unmarshal(it.ResultJSON, &r); uerr != nil {
				return errors.Wrapf(uerr, "item %s result_json corrupt", it.ID)
			}
		}
		price := ""
		if r.Price != nil {
			price = strconv.FormatFloat(*r.Price, 'f', 2, 64)
		}
		url := ""
		if r.URL != nil {
			url = *r.URL
		}
		return cw.Write([]string{
			it.ID, string(it.Status), price, r.Currency, r.Source, url,
			r.Category, r.MatchQuality, strconv.FormatBool(r.IsEstimated),
		})
	})
	if err != nil {
		return err
	}
	cw.Flush()
	return cw.Error()
}

// exportDelimited JSON Lines：每行 {item_id, status, error?, result}，
// result 为 result_json 原样字节
func exportDelimited(ctx context.Context, st store.Store, jobID string, w io.Writer) error {
	return st.ForEachResult(ctx, jobID, true, func(it *store.JobItem) error {
		result := json.RawMessage(`null`)
		if len(it.ResultJSON) > 0 {
			result = json.RawMessage(it.ResultJSON)
		}
		line := struct {
			ItemID string          `json:"item_id"`
			Status string          `json:"status"`
			Error  string          `json:"error,omitempty"`
			Result json.RawMessage `json:"result"`
		}{ItemID: it.ID, Status: string(it.Status), Error: it.LastError, Result: result}
		raw, err := json.Marshal(line)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintf(w, "%s\n", raw)
		return err
	})
}
