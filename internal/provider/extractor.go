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
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"pricing-platform/pkg/config"
	"pricing-platform/pkg/errors"
)

const extractorPrompt = `Identify the product in the image. Respond with a single JSON object:
{"title": "...", "brand": "...", "model": "...", "category": "...", "color": "...", "size": "..."}
Use empty strings for fields you cannot determine. No prose.`

// LLMExtractor 多模态 LLM 描述抽取器；图像引用 → 结构化商品描述
type LLMExtractor struct {
	provider string
	model    string
	apiKey   string
	baseURL  string
	timeout  time.Duration
	client   *resty.Client
}

// NewLLMExtractor 依据配置创建抽取器
func NewLLMExtractor(cfg config.ExtractorConfig) *LLMExtractor {
	timeout := 30 * time.Second
	if cfg.TimeoutMs > 0 {
		timeout = time.Duration(cfg.TimeoutMs) * time.Millisecond
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "https://api.anthropic.com/v1"
	}
	return &LLMExtractor{
		provider: cfg.Provider,
		model:    cfg.Model,
		apiKey:   cfg.APIKey,
		baseURL:  baseURL,
		timeout:  timeout,
		client:   resty.New(),
	}
}

// ExtractDescriptor 实现 DescriptorExtractor
func (e *LLMExtractor) ExtractDescriptor(ctx context.Context, imageRef, hint string) (*Descriptor, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	prompt := extractorPrompt
	if hint != "" {
		prompt += "\nContext from the claim: " + hint
	}
	request := map[string]interface{}{
		"model":      e.model,
		"max_tokens": 512,
		"messages": []map[string]interface{}{
			{
				"role": "user",
				"content": []map[string]interface{}{
					{"type": "image", "source": map[string]string{"type": "url", "url": imageRef}},
					{"type": "text", "text": prompt},
				},
			},
		},
	}

	response, err := e.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetHeader("x-api-key", e.apiKey).
		SetHeader("anthropic-version", "2023-06-01").
		SetBody(request).
		Post(e.baseURL + "/messages")
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, errors.New(errors.KindTimeout, "descriptor extraction timed out")
		}
		return nil, errors.WithKind(errors.KindSystem, errors.Wrap(err, "extractor unreachable"))
	}

	switch {
	case response.StatusCode() == http.StatusTooManyRequests:
		return nil, errors.New(errors.KindRateLimited, "extractor rate limited")
	case response.StatusCode() >= 500:
		return nil, errors.Newf(errors.KindUpstream5xx, "extractor returned %d", response.StatusCode())
	case response.StatusCode() >= 400:
		return nil, errors.Newf(errors.KindUpstream4xx, "extractor rejected request: %d", response.StatusCode())
	}

	var result struct {
		Content []struct {
			Text string `json:"text"`
		} `json:"content"`
	}
	if err := json.Unmarshal(response.Body(), &result); err != nil {
		return nil, errors.WithKind(errors.KindParse, errors.Wrap(err, "extractor response unparsable"))
	}
	if len(result.Content) == 0 {
		return nil, errors.New(errors.KindParse, "extractor returned no content")
	}
	return parseDescriptor(result.Content[0].Text)
}

// parseDescriptor 解析模型输出；容忍 JSON 外围的代码块标记
func parseDescriptor(text string) (*Descriptor, error) {
	text = strings.TrimSpace(text)
	if i := strings.Index(text, "{"); i >= 0 {
		if j := strings.LastIndex(text, "}"); j > i {
			text = text[i : j+1]
		}
	}
	var d Descriptor
	if err := json.Unmarshal([]byte(text), &d); err != nil {
		return nil, errors.WithKind(errors.KindParse, errors.Wrap(err, "descriptor not valid JSON"))
	}
	if d.Title == "" {
		return nil, errors.New(errors.KindInput, "image yielded no identifiable product")
	}
	return &d, nil
}

// StubExtractor 从 hint 直接构造描述；无外部依赖，开发与测试用
type StubExtractor struct{}

// ExtractDescriptor 实现 DescriptorExtractor
func (StubExtractor) ExtractDescriptor(ctx context.Context, imageRef, hint string) (*Descriptor, error) {
	if hint == "" {
		return nil, errors.New(errors.KindInput, "image yielded no identifiable product")
	}
	return &Descriptor{Title: hint}, nil
}
