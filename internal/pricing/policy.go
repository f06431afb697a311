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
	"regexp"
	"strings"

	"pricing-platform/internal/provider"
	"pricing-platform/pkg/config"
)

// SourcePolicy 来源策略：非可信是例外集合（按成员判拒），不维护允许名单。
// 同时承担零售商直达 URL 的模式识别
type SourcePolicy struct {
	untrustedSources map[string]bool
	untrustedHosts   map[string]bool
	directPatterns   map[string]*regexp.Regexp // retailer -> 商品页模式
}

// catalogPath 搜索页/目录页路径特征；命中则明确降级，绝非直达
var catalogPath = regexp.MustCompile(`(?i)/(search|catalog|category|browse|results|s\?|sch/)`)

// defaultDirectPatterns 常见零售商商品页模式；配置可覆盖或扩充
var defaultDirectPatterns = map[string]string{
	"amazon":     `/dp/[A-Z0-9]{10}`,
	"walmart":    `/ip/.+/\d+`,
	"target":     `/p/.+/-/A-\d+`,
	"homedepot":  `/p/.+/\d+`,
	"lowes":      `/pd/.+/\d+`,
	"bestbuy":    `/site/.+/\d+\.p`,
	"wayfair":    `/[^/]+/pdp/`,
	"ebay":       `/itm/\d+`,
}

// NewSourcePolicy 依据配置构建策略；配置中的非法正则被忽略
func NewSourcePolicy(cfg config.PolicyConfig) *SourcePolicy {
	p := &SourcePolicy{
		untrustedSources: make(map[string]bool),
		untrustedHosts:   make(map[string]bool),
		directPatterns:   make(map[string]*regexp.Regexp),
	}
	for _, s := range cfg.UntrustedSources {
		p.untrustedSources[strings.ToLower(strings.TrimSpace(s))] = true
	}
	for _, h := range cfg.UntrustedHosts {
		p.untrustedHosts[strings.ToLower(strings.TrimSpace(h))] = true
	}
	for retailer, pattern := range defaultDirectPatterns {
		p.directPatterns[retailer] = regexp.MustCompile(pattern)
	}
	for retailer, pattern := range cfg.DirectURLPatterns {
		if re, err := regexp.Compile(pattern); err == nil {
			p.directPatterns[strings.ToLower(retailer)] = re
		}
	}
	return p
}

// Trusted 来源是否可信：不在两个例外集合中即可信
func (p *SourcePolicy) Trusted(c provider.Candidate) bool {
	if p.untrustedSources[strings.ToLower(c.Source)] {
		return false
	}
	host := strings.ToLower(c.Host)
	if p.untrustedHosts[host] {
		return false
	}
	// 子域归并：sub.example.com 继承 example.com 的不可信
	for h := range p.untrustedHosts {
		if strings.HasSuffix(host, "."+h) {
			return false
		}
	}
	return true
}

// DirectURL 是否为零售商商品直达页：先排除目录/搜索页，再匹配零售商模式
func (p *SourcePolicy) DirectURL(c provider.Candidate) bool {
	if c.URL == "" || catalogPath.MatchString(c.URL) {
		return false
	}
	for retailer, re := range p.directPatterns {
		if strings.Contains(strings.ToLower(c.Host), retailer) && re.MatchString(c.URL) {
			return true
		}
	}
	return false
}

// RetailerName 从 host 提取零售商名（amazon.com → amazon）。
// host 缺失时才退回上游的 source 标注，避免把 Provider 名当零售商
func RetailerName(c provider.Candidate) string {
	host := strings.TrimPrefix(strings.ToLower(c.Host), "www.")
	if i := strings.Index(host, "."); i > 0 {
		return host[:i]
	}
	if host != "" {
		return host
	}
	return strings.ToLower(c.Source)
}
