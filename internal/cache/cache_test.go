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

package cache

import (
	"context"
	"testing"
	"time"

	"pricing-platform/internal/provider"
)

func TestMemoryCache_RoundTrip(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCache(time.Minute)
	defer c.Close()

	if _, ok := c.Get(ctx, "serp", "kitchenaid mixer"); ok {
		t.Fatal("empty cache should miss")
	}
	in := []provider.Candidate{{Title: "KitchenAid KSM150", URL: "https://shop.example/p/1", Price: 379.99, Source: "serp"}}
	c.Set(ctx, "serp", "kitchenaid mixer", in)

	got, ok := c.Get(ctx, "serp", "KitchenAid   Mixer") // 大小写与空白折叠后同键
	if !ok {
		t.Fatal("expected hit after set")
	}
	if len(got) != 1 || got[0].Title != "KitchenAid KSM150" {
		t.Errorf("got %+v", got)
	}

	// 不同 provider 不同键
	if _, ok := c.Get(ctx, "bing", "kitchenaid mixer"); ok {
		t.Error("provider must partition the key space")
	}
}

func TestMemoryCache_Expiry(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCache(10 * time.Millisecond)
	defer c.Close()

	c.Set(ctx, "serp", "q", []provider.Candidate{{Title: "x"}})
	time.Sleep(20 * time.Millisecond)
	if _, ok := c.Get(ctx, "serp", "q"); ok {
		t.Error("expired entry must miss")
	}
}

func TestMemoryCache_CopyOnRead(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCache(time.Minute)
	defer c.Close()

	c.Set(ctx, "serp", "q", []provider.Candidate{{Title: "orig"}})
	got, _ := c.Get(ctx, "serp", "q")
	got[0].Title = "mutated"
	again, _ := c.Get(ctx, "serp", "q")
	if again[0].Title != "orig" {
		t.Error("cache entries must not alias caller slices")
	}
}
