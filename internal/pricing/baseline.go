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

import "strings"

// categoryBaselines 品类 → 典型重置价；Provider 全军覆没但品类已知时的兜底。
// 该路径产出 estimated 且永不携带直达 URL
var categoryBaselines = map[string]float64{
	"appliance":       450,
	"small appliance": 120,
	"electronics":     300,
	"television":      400,
	"computer":        650,
	"laptop":          700,
	"phone":           500,
	"furniture":       350,
	"mattress":        600,
	"clothing":        45,
	"shoes":           70,
	"jewelry":         250,
	"watch":           180,
	"tool":            90,
	"power tool":      140,
	"kitchenware":     60,
	"cookware":        80,
	"bedding":         75,
	"luggage":         130,
	"sporting goods":  110,
	"bicycle":         350,
	"toy":             35,
	"book":            18,
}

// baselinePrice 查品类兜底价；未知品类返回 (0, false)
func baselinePrice(category string) (float64, bool) {
	category = strings.ToLower(strings.TrimSpace(category))
	if v, ok := categoryBaselines[category]; ok {
		return v, true
	}
	// 复合品类取包含匹配："kitchen appliance" 命中 "appliance"。
	// 多个键同时命中时取最长（最具体）者，同长取字典序，保证结果可复现
	bestName := ""
	bestPrice := 0.0
	for name, v := range categoryBaselines {
		if !strings.Contains(category, name) {
			continue
		}
		if len(name) > len(bestName) || (len(name) == len(bestName) && name < bestName) {
			bestName, bestPrice = name, v
		}
	}
	if bestName != "" {
		return bestPrice, true
	}
	return 0, false
}
