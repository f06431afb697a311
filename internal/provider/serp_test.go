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
	"net/http"
	"net/http/httptest"
	"testing"

	"pricing-platform/pkg/config"
	"pricing-platform/pkg/errors"
)

func newSerpServer(t *testing.T, status int, body string) (*httptest.Server, *SerpProvider) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	p := NewSerpProvider("serpapi", config.SearchProviderConfig{BaseURL: srv.URL, MaxResults: 5})
	return srv, p
}

func TestSerpSearch_ParsesShoppingAndOrganic(t *testing.T) {
	_, p := newSerpServer(t, http.StatusOK, `{
		"shopping_results": [
			{"title":"KitchenAid Stand Mixer","link":"https://www.walmart.com/ip/ksm150/42",
			 "extracted_price":379.99,"currency":"USD","source":"Walmart"}
		],
		"organic_results": [
			{"title":"Mixer review","link":"https://example.com/review","snippet":"..."}
		]
	}`)

	got, err := p.Search(context.Background(), "stand mixer", TierFast)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("candidates = %d, want 2", len(got))
	}
	// 上游标注的零售商名必须原样进入候选，不得被 Provider 名覆盖
	if got[0].Source != "Walmart" {
		t.Errorf("Source = %q, want Walmart", got[0].Source)
	}
	if got[0].Host != "www.walmart.com" || got[0].Price != 379.99 {
		t.Errorf("candidate: %+v", got[0])
	}
	if got[1].Source != "" {
		t.Errorf("organic result should carry no source, got %q", got[1].Source)
	}
}

func TestSerpSearch_StatusToErrorKind(t *testing.T) {
	cases := []struct {
		status int
		kind   errors.Kind
	}{
		{http.StatusTooManyRequests, errors.KindRateLimited},
		{http.StatusBadGateway, errors.KindUpstream5xx},
		{http.StatusForbidden, errors.KindUpstream4xx},
	}
	for _, tc := range cases {
		_, p := newSerpServer(t, tc.status, `{}`)
		_, err := p.Search(context.Background(), "q", TierFast)
		if errors.KindOf(err) != tc.kind {
			t.Errorf("status %d: kind = %v, want %v", tc.status, errors.KindOf(err), tc.kind)
		}
	}
}

func TestSerpSearch_UnparsableBody(t *testing.T) {
	_, p := newSerpServer(t, http.StatusOK, `not json at all`)
	_, err := p.Search(context.Background(), "q", TierFast)
	if errors.KindOf(err) != errors.KindParse {
		t.Errorf("kind = %v, want parse_error", errors.KindOf(err))
	}
}

func TestSerpSearch_MaxResultsCap(t *testing.T) {
	_, p := newSerpServer(t, http.StatusOK, `{
		"shopping_results": [
			{"title":"a","link":"https://a.com/1","source":"A"},
			{"title":"b","link":"https://b.com/1","source":"B"},
			{"title":"c","link":"https://c.com/1","source":"C"}
		]
	}`)
	p.maxResults = 2
	got, err := p.Search(context.Background(), "q", TierFast)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("candidates = %d, want 2", len(got))
	}
}
