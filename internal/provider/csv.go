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

package provider

import (
	"encoding/csv"
	"encoding/json"
	"io"
	"strings"

	"pricing-platform/pkg/errors"
)

// ItemRow 解析出的一行物品输入；InputJSON 即落库的 input_json
type ItemRow struct {
	Line      int
	InputJSON []byte
	// Err 非 nil 表示该行格式非法；调用方应落为 ERROR item 而非中断整个文件
	Err error
}

// CSVParser 流式解析索赔明细 CSV；首行为表头，列名做规范化后映射。
// 整个文件永不载入内存：Next 逐行产出，供 ingester 组批
type CSVParser struct {
	r       *csv.Reader
	headers []string
	line    int
}

// NewCSVParser 创建解析器并消费表头；空文件或表头不可读返回 input 错误
func NewCSVParser(src io.Reader) (*CSVParser, error) {
	r := csv.NewReader(src)
	r.FieldsPerRecord = -1
	r.TrimLeadingSpace = true

	headers, err := r.Read()
	if err != nil {
		return nil, errors.WithKind(errors.KindInput, errors.Wrap(err, "csv header unreadable"))
	}
	normalized := make([]string, len(headers))
	for i, h := range headers {
		normalized[i] = normalizeHeader(h)
	}
	return &CSVParser{r: r, headers: normalized, line: 1}, nil
}

// normalizeHeader 列名规范化："Item Description" -> "description"
func normalizeHeader(h string) string {
	h = strings.ToLower(strings.TrimSpace(h))
	h = strings.ReplaceAll(h, " ", "_")
	switch h {
	case "item_description", "desc":
		return "description"
	case "item_title", "name", "product_name":
		return "title"
	case "manufacturer", "make":
		return "brand"
	case "model_number", "model_no", "part_number":
		return "model"
	case "qty":
		return "quantity"
	case "item_sku":
		return "sku"
	}
	return h
}

// Next 产出下一行；文件结束返回 (nil, io.EOF)。
// 单行解析失败产出带 Err 的行，不中断迭代
func (p *CSVParser) Next() (*ItemRow, error) {
	record, err := p.r.Read()
	if err == io.EOF {
		return nil, io.EOF
	}
	p.line++
	if err != nil {
		return &ItemRow{Line: p.line, Err: errors.WithKind(errors.KindInput, errors.Wrapf(err, "line %d malformed", p.line))}, nil
	}

	fields := make(map[string]string, len(p.headers))
	for i, v := range record {
		if i >= len(p.headers) {
			break
		}
		v = strings.TrimSpace(v)
		if v != "" {
			fields[p.headers[i]] = v
		}
	}
	if fields["title"] == "" && fields["description"] == "" {
		return &ItemRow{Line: p.line, Err: errors.Newf(errors.KindInput, "line %d has neither title nor description", p.line)}, nil
	}
	input, err := json.Marshal(fields)
	if err != nil {
		return &ItemRow{Line: p.line, Err: errors.WithKind(errors.KindInput, err)}, nil
	}
	return &ItemRow{Line: p.line, InputJSON: input}, nil
}
