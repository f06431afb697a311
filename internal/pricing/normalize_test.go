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
	"testing"

	"pricing-platform/internal/provider"
	"pricing-platform/pkg/config"
	"pricing-platform/pkg/errors"
)

func TestNormalize_BrandTypoAndCase(t *testing.T) {
	n, err := Normalize([]byte(`{"title":"Stand Mixer","brand":"Kitchen Aid"}`), nil)
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if n.Brand != "kitchenaid" {
		t.Errorf("brand = %q, want kitchenaid", n.Brand)
	}
}

func TestNormalizeBrand_AllTypoKeysReachable(t *testing.T) {
	// 勘误表键必须是 normalizeBrand 规整后的形态，否则永远查不中
	for typo, want := range brandTypos {
		if got := normalizeBrand(typo); got != want {
			t.Errorf("normalizeBrand(%q) = %q, want %q", typo, got, want)
		}
	}
	if got := normalizeBrand("Samsonsite"); got != "samsonite" {
		t.Errorf("samsonsite typo: got %q", got)
	}
}

func TestNormalize_EmptyBrandAbsent(t *testing.T) {
	n, err := Normalize([]byte(`{"title":"Mixer","brand":"  "}`), nil)
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if n.Brand != "" {
		t.Errorf("whitespace brand should normalize to absent, got %q", n.Brand)
	}
}

func TestNormalize_NoDescription(t *testing.T) {
	_, err := Normalize([]byte(`{"sku":"123"}`), nil)
	if errors.KindOf(err) != errors.KindInput {
		t.Errorf("expected input error, got %v", err)
	}
}

func TestNormalize_DescriptorFillsBlanksOnly(t *testing.T) {
	desc := &provider.Descriptor{Title: "Blue Suitcase", Brand: "Samsonite", Category: "Luggage", Color: "Blue"}
	n, err := Normalize([]byte(`{"description":"", "brand":"delsey", "image_ref":"s3://x"}`), desc)
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if n.Title != "Blue Suitcase" {
		t.Errorf("title should come from descriptor, got %q", n.Title)
	}
	if n.Brand != "delsey" {
		t.Errorf("manual brand must not be overwritten, got %q", n.Brand)
	}
	if n.Category != "luggage" {
		t.Errorf("category = %q", n.Category)
	}
	if len(n.Attributes) == 0 || n.Attributes[0] != "blue" {
		t.Errorf("attributes = %v", n.Attributes)
	}
}

func TestBuildQueries_SpecificFirst(t *testing.T) {
	n := &Normalized{Title: "Stand Mixer", Brand: "kitchenaid", Model: "KSM150", Category: "small appliance"}
	qs := BuildQueries(n)
	if len(qs) != 4 {
		t.Fatalf("expected 4 queries, got %d: %v", len(qs), qs)
	}
	if qs[0].Text != "kitchenaid Stand Mixer KSM150" {
		t.Errorf("first query = %q", qs[0].Text)
	}
	if qs[len(qs)-1].Text != "Stand Mixer" {
		t.Errorf("last query = %q", qs[len(qs)-1].Text)
	}
}

func TestBuildQueries_BroadenedDropsModel(t *testing.T) {
	n := &Normalized{Title: "Stand Mixer", Brand: "kitchenaid", Model: "KSM150", QueryStrategy: 1}
	for _, q := range BuildQueries(n) {
		if q.Tier == provider.TierFast {
			t.Errorf("broadened queries should not use fast tier: %+v", q)
		}
		if q.Text == "kitchenaid Stand Mixer KSM150" {
			t.Error("strategy 1 must drop the model")
		}
	}
}

func TestBuildQueries_KeywordsOnly(t *testing.T) {
	n := &Normalized{Title: "Mixer", Keywords: []string{"kitchenaid", "mixer", "tilt"}, QueryStrategy: 2}
	qs := BuildQueries(n)
	if len(qs) == 0 || qs[0].Text != "kitchenaid mixer tilt" {
		t.Errorf("keyword query missing: %v", qs)
	}
}

func TestBuildQueries_DedupesMissingFields(t *testing.T) {
	n := &Normalized{Title: "Mixer"} // 无 brand/model/category
	qs := BuildQueries(n)
	seen := map[string]bool{}
	for _, q := range qs {
		if seen[q.Text] {
			t.Errorf("duplicate query %q", q.Text)
		}
		seen[q.Text] = true
	}
}

func TestJaccard(t *testing.T) {
	if got := jaccard([]string{"a", "b"}, []string{"a", "b"}); got != 1.0 {
		t.Errorf("identical sets: %v", got)
	}
	if got := jaccard([]string{"a"}, []string{"b"}); got != 0 {
		t.Errorf("disjoint sets: %v", got)
	}
	if got := jaccard(nil, []string{"a"}); got != 0 {
		t.Errorf("empty set: %v", got)
	}
}

func testPolicy(t *testing.T) *SourcePolicy {
	t.Helper()
	return NewSourcePolicy(config.PolicyConfig{
		UntrustedSources: []string{"sketchy-deals"},
		UntrustedHosts:   []string{"sketchy.example"},
	})
}

func TestSourcePolicy_Trusted(t *testing.T) {
	p := testPolicy(t)
	if p.Trusted(provider.Candidate{Source: "Sketchy-Deals", Host: "fine.example"}) {
		t.Error("untrusted source must be rejected case-insensitively")
	}
	if p.Trusted(provider.Candidate{Source: "ok", Host: "shop.sketchy.example"}) {
		t.Error("subdomain of untrusted host must be rejected")
	}
	if !p.Trusted(provider.Candidate{Source: "ok", Host: "walmart.com"}) {
		t.Error("unlisted host is trusted by default")
	}
}

func TestSourcePolicy_DirectURL(t *testing.T) {
	p := testPolicy(t)
	direct := provider.Candidate{Host: "www.amazon.com", URL: "https://www.amazon.com/dp/B00ABCDEFG"}
	if !p.DirectURL(direct) {
		t.Error("amazon /dp/ should be a direct product URL")
	}
	catalog := provider.Candidate{Host: "www.amazon.com", URL: "https://www.amazon.com/s?k=mixer"}
	if p.DirectURL(catalog) {
		t.Error("search page must be demoted")
	}
	walmartCat := provider.Candidate{Host: "walmart.com", URL: "https://walmart.com/search?q=mixer"}
	if p.DirectURL(walmartCat) {
		t.Error("walmart search page must be demoted")
	}
}

func TestRankCandidates_DirectOutranksThenLowestPrice(t *testing.T) {
	p := testPolicy(t)
	n := &Normalized{Title: "KitchenAid Stand Mixer", Brand: "kitchenaid", EstimatedPrice: 300}
	candidates := []provider.Candidate{
		{Title: "KitchenAid Stand Mixer", Host: "walmart.com", URL: "https://walmart.com/ip/mixer/123", Price: 399},
		{Title: "KitchenAid Stand Mixer", Host: "walmart.com", URL: "https://walmart.com/ip/mixer/456", Price: 349},
		{Title: "KitchenAid Stand Mixer", Host: "blog.example", URL: "https://blog.example/reviews", Price: 299},
		{Title: "KitchenAid Stand Mixer", Host: "sketchy.example", URL: "https://sketchy.example/x", Price: 10},
		{Title: "garden hose", Host: "walmart.com", URL: "https://walmart.com/ip/hose/9", Price: 15},
	}
	ranked := rankCandidates(n, candidates, p, 0.35)
	if len(ranked) != 3 {
		t.Fatalf("expected 3 survivors, got %d", len(ranked))
	}
	// 直达桶内最低价胜出；价格贴近 estimated_price 不是排序键
	if ranked[0].URL != "https://walmart.com/ip/mixer/456" {
		t.Errorf("winner = %s", ranked[0].URL)
	}
	if !ranked[0].Direct || ranked[1].URL != "https://walmart.com/ip/mixer/123" {
		t.Errorf("direct bucket ordering wrong: %v then %v", ranked[0].URL, ranked[1].URL)
	}
	if ranked[2].Direct {
		t.Error("catalog candidate must rank below direct candidates")
	}
}

func TestBaselinePrice(t *testing.T) {
	if p, ok := baselinePrice("Laptop"); !ok || p <= 0 {
		t.Errorf("laptop baseline: %v %v", p, ok)
	}
	if p, ok := baselinePrice("kitchen appliance"); !ok || p <= 0 {
		t.Errorf("compound category: %v %v", p, ok)
	}
	if _, ok := baselinePrice("unknowable thing"); ok {
		t.Error("unknown category must have no baseline")
	}
}

func TestBaselinePrice_MultiKeyMatchIsDeterministic(t *testing.T) {
	// "cordless power tool" 同时包含 "tool" 与 "power tool"：
	// 必须稳定取最具体（最长）键，不随 map 遍历序漂移
	want, ok := baselinePrice("power tool")
	if !ok {
		t.Fatal("power tool baseline missing")
	}
	for i := 0; i < 100; i++ {
		got, ok := baselinePrice("cordless power tool")
		if !ok || got != want {
			t.Fatalf("iteration %d: got (%v, %v), want (%v, true)", i, got, ok, want)
		}
	}
}

func TestRetailerName_HostWinsOverProviderSource(t *testing.T) {
	// source 可能是 Provider 名或上游零售商标注；零售商名始终以 host 为准
	c := provider.Candidate{Host: "www.walmart.com", Source: "serpapi"}
	if got := RetailerName(c); got != "walmart" {
		t.Errorf("RetailerName = %q, want walmart", got)
	}
	// host 缺失时才信 source
	c = provider.Candidate{Source: "Walmart"}
	if got := RetailerName(c); got != "walmart" {
		t.Errorf("RetailerName without host = %q, want walmart", got)
	}
}
