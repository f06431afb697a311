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

package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(0)
	}
	cmd := os.Args[1]
	args := os.Args[2:]
	switch cmd {
	case "version":
		fmt.Println("pricer cli 0.1.0")
	case "submit":
		runSubmit(args)
	case "status":
		requireArg(args, "pricer status <job_id>")
		out, err := getJob(args[0])
		exitOn(err)
		fmt.Println(prettyJSON(out))
	case "items":
		requireArg(args, "pricer items <job_id> [statuses] [after]")
		statuses, after := "", ""
		if len(args) > 1 {
			statuses = args[1]
		}
		if len(args) > 2 {
			after = args[2]
		}
		out, err := listItems(args[0], statuses, after)
		exitOn(err)
		fmt.Println(prettyJSON(out))
	case "item":
		requireArg(args, "pricer item <item_id>")
		out, err := getItem(args[0])
		exitOn(err)
		fmt.Println(prettyJSON(out))
	case "kickoff":
		requireArg(args, "pricer kickoff <job_id> [slice_ms]")
		sliceMs := 0
		if len(args) > 1 {
			sliceMs, _ = strconv.Atoi(args[1])
		}
		out, err := kickoffJob(args[0], sliceMs)
		exitOn(err)
		fmt.Println(prettyJSON(out))
	case "pause", "resume":
		requireArg(args, "pricer "+cmd+" <job_id>")
		out, err := transitionJob(args[0], cmd)
		exitOn(err)
		fmt.Println(prettyJSON(out))
	case "reprocess":
		runReprocess(args)
	case "export":
		requireArg(args, "pricer export <job_id> [tabular|delimited]")
		format := "tabular"
		if len(args) > 1 {
			format = args[1]
		}
		body, err := exportJob(args[0], format)
		exitOn(err)
		fmt.Print(body)
	default:
		printUsage()
		os.Exit(1)
	}
}

// runSubmit CSV 文件路径走 source_ref；"-" 从 stdin 读 JSON 行数组
func runSubmit(args []string) {
	if len(args) < 2 {
		fmt.Fprintln(os.Stderr, "Usage: pricer submit <CSV|IMAGE|SINGLE> <path|-> ")
		os.Exit(1)
	}
	jobType, ref := args[0], args[1]
	var rows []json.RawMessage
	sourceRef := ""
	if ref == "-" {
		var raw []json.RawMessage
		if err := json.NewDecoder(os.Stdin).Decode(&raw); err != nil {
			exitOn(fmt.Errorf("stdin 不是 JSON 数组: %w", err))
		}
		rows = raw
	} else {
		sourceRef = ref
	}
	out, err := createJob(jobType, sourceRef, rows)
	exitOn(err)
	fmt.Println(prettyJSON(out))
}

func runReprocess(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "Usage: pricer reprocess <job_id> [statuses] [--reset-attempts]")
		os.Exit(1)
	}
	var statuses []string
	reset := false
	for _, a := range args[1:] {
		if a == "--reset-attempts" {
			reset = true
			continue
		}
		statuses = append(statuses, strings.Split(a, ",")...)
	}
	out, err := reprocessJob(args[0], statuses, reset)
	exitOn(err)
	fmt.Println(prettyJSON(out))
}

func requireArg(args []string, usage string) {
	if len(args) < 1 {
		fmt.Fprintf(os.Stderr, "Usage: %s\n", usage)
		os.Exit(1)
	}
}

func exitOn(err error) {
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`pricer - item pricing pipeline cli

Usage:
  pricer submit <CSV|IMAGE|SINGLE> <path|->   提交 Job（"-" 从 stdin 读 JSON 行数组）
  pricer status <job_id>                      查看 Job 状态与计数
  pricer items <job_id> [statuses] [after]    分页列出 item 摘要
  pricer item <item_id>                       查看单个 item 与审计事件
  pricer kickoff <job_id> [slice_ms]          驱动一个处理时间片
  pricer pause <job_id>                       暂停
  pricer resume <job_id>                      恢复
  pricer reprocess <job_id> [statuses]        重新入队（--reset-attempts 归零尝试数）
  pricer export <job_id> [tabular|delimited]  导出结果
  pricer version

环境变量: PRICER_API_URL PRICER_TOKEN PRICER_OWNER`)
}
