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

package pricing

import (
	"encoding/json"
	"strconv"
	"strings"

	"pricing-platform/internal/provider"
	"pricing-platform/pkg/errors"
)

// Normalized 规范化后的商品描述；QueryStrategy 记录广化层级，
// NOT_FOUND 重试时随 normalized_json 持久化，使 reprocess 从上次层级续跑
type Normalized struct {
	Title          string   `json:"title"`
	Brand          string   `json:"brand,omitempty"`
	Model          string   `json:"model,omitempty"`
	Category       string   `json:"category,omitempty"`
	Attributes     []string `json:"attributes,omitempty"`
	Keywords       []string `json:"keywords,omitempty"`
	Condition      string   `json:"condition,omitempty"`
	EstimatedPrice float64  `json:"estimated_price,omitempty"`
	QueryStrategy  int      `json:"query_strategy,omitempty"`
}

// brandTypos 常见品牌拼写勘误表；键为小写后的错拼
var brandTypos = map[string]string{
	"kitchen aid": "kitchenaid",
	"kitchenade":  "kitchenaid",
	"samsonsite":  "samsonite",
	"sampsonite":  "samsonite",
	"addidas":     "adidas",
	"adiddas":     "adidas",
	"panasonci":   "panasonic",
	"panosonic":   "panasonic",
	"whirpool":    "whirlpool",
	"whirlpol":    "whirlpool",
	"sonny":       "sony",
	"lenovoo":     "lenovo",
	"dewault":     "dewalt",
	"de walt":     "dewalt",
	"cuisineart":  "cuisinart",
	"frigidare":   "frigidaire",
}

// normalizeBrand 小写、去空白、勘误；空串视为缺失
func normalizeBrand(brand string) string {
	brand = strings.ToLower(strings.TrimSpace(brand))
	if fixed, ok := brandTypos[brand]; ok {
		return fixed
	}
	return brand
}

// rawInput input_json 的已知字段；未知字段进 Extras 原样保留
type rawInput struct {
	Title          string
	Description    string
	Brand          string
	Model          string
	Category       string
	Condition      string
	EstimatedPrice float64
	ImageRef       string
	Extras         map[string]string
}

func parseRawInput(inputJSON []byte) (*rawInput, error) {
	var fields map[string]interface{}
	if err := json.Unmarshal(inputJSON, &fields); err != nil {
		return nil, errors.WithKind(errors.KindInput, errors.Wrap(err, "input_json unreadable"))
	}
	str := func(key string) string {
		v, _ := fields[key].(string)
		return strings.TrimSpace(v)
	}
	in := &rawInput{
		Title:       str("title"),
		Description: str("description"),
		Brand:       str("brand"),
		Model:       str("model"),
		Category:    str("category"),
		Condition:   str("condition"),
		ImageRef:    str("image_ref"),
		Extras:      make(map[string]string),
	}
	switch v := fields["estimated_price"].(type) {
	case float64:
		in.EstimatedPrice = v
	case string:
		in.EstimatedPrice, _ = strconv.ParseFloat(strings.TrimPrefix(v, "$"), 64)
	}
	known := map[string]bool{
		"title": true, "description": true, "brand": true, "model": true,
		"category": true, "condition": true, "estimated_price": true, "image_ref": true,
	}
	for k, v := range fields {
		if s, ok := v.(string); ok && !known[k] {
			in.Extras[k] = s
		}
	}
	return in, nil
}

// Normalize 原始输入（或图像描述）→ 规范化描述。
// 描述字段全缺时返回 input 错误（终态，不重试）
func Normalize(inputJSON []byte, desc *provider.Descriptor) (*Normalized, error) {
	in, err := parseRawInput(inputJSON)
	if err != nil {
		return nil, err
	}
	n := &Normalized{
		Title:          in.Title,
		Brand:          normalizeBrand(in.Brand),
		Model:          strings.TrimSpace(in.Model),
		Category:       strings.ToLower(in.Category),
		Condition:      strings.ToLower(in.Condition),
		EstimatedPrice: in.EstimatedPrice,
	}
	if desc != nil {
		// 图像描述只补空位，不覆盖人工录入字段
		if n.Title == "" {
			n.Title = desc.Title
		}
		if n.Brand == "" {
			n.Brand = normalizeBrand(desc.Brand)
		}
		if n.Model == "" {
			n.Model = desc.Model
		}
		if n.Category == "" {
			n.Category = strings.ToLower(desc.Category)
		}
		for _, attr := range []string{desc.Color, desc.Size} {
			if attr != "" {
				n.Attributes = append(n.Attributes, strings.ToLower(attr))
			}
		}
	}
	if n.Title == "" {
		n.Title = in.Description
	}
	if n.Title == "" {
		return nil, errors.New(errors.KindInput, "item has no usable description")
	}
	n.Keywords = extractKeywords(n.Title, n.Brand, n.Category)
	return n, nil
}

// stopwords 关键词抽取时忽略的虚词
var stopwords = map[string]bool{
	"a": true, "an": true, "the": true, "of": true, "for": true, "with": true,
	"and": true, "or": true, "in": true, "on": true, "new": true, "used": true,
}

func extractKeywords(title, brand, category string) []string {
	seen := map[string]bool{}
	var keywords []string
	for _, tok := range tokenize(title + " " + brand + " " + category) {
		if len(tok) < 3 || stopwords[tok] || seen[tok] {
			continue
		}
		seen[tok] = true
		keywords = append(keywords, tok)
		if len(keywords) == 8 {
			break
		}
	}
	return keywords
}

// tokenize 小写化并按非字母数字切分
func tokenize(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9')
	})
}
