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
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"pricing-platform/internal/store"
)

func seedExportJob(t *testing.T) (store.Store, string) {
	t.Helper()
	ctx := context.Background()
	st := store.NewMemoryStore()
	job := &store.Job{OwnerID: "owner-1", Type: store.JobTypeCSV, QueueState: store.StateRunning}
	if err := st.CreateJob(ctx, job); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	items := []*store.JobItem{
		{JobID: job.ID, OwnerID: job.OwnerID, Type: job.Type, InputJSON: []byte(`{"title":"a"}`)},
		{JobID: job.ID, OwnerID: job.OwnerID, Type: job.Type, InputJSON: []byte(`{"title":"b"}`)},
		{JobID: job.ID, OwnerID: job.OwnerID, Type: job.Type, InputJSON: []byte(`{"title":"c"}`)},
	}
	_, _, _ = st.BulkInsertItems(ctx, items)
	claimed, _ := st.ClaimItems(ctx, "w", 3, time.Minute, store.ItemFilter{JobID: job.ID})
	checkpoints := []store.Checkpoint{
		{ItemID: claimed[0].ID, WorkerID: "w", Status: store.ItemDone,
			ResultJSON: []byte(`{"price":379.99,"currency":"USD","source":"walmart","url":"https://walmart.com/ip/x/1","match_quality":"verified","is_estimated":false}`)},
		{ItemID: claimed[1].ID, WorkerID: "w", Status: store.ItemNotFound,
			ResultJSON: []byte(`{"price":null,"currency":"USD","source":"","url":null,"match_quality":"none","is_estimated":false}`)},
		{ItemID: claimed[2].ID, WorkerID: "w", Status: store.ItemError, ErrorMsg: "upstream_5xx: bad gateway"},
	}
	for _, cp := range checkpoints {
		cp.AttemptsDelta = 1
		if err := st.CheckpointItem(ctx, cp); err != nil {
			t.Fatalf("CheckpointItem: %v", err)
		}
	}
	return st, job.ID
}

func TestExportTabular_OmitsErrors(t *testing.T) {
	st, jobID := seedExportJob(t)
	var buf bytes.Buffer
	if err := Export(context.Background(), st, jobID, FormatTabular, &buf); err != nil {
		t.Fatalf("Export: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 3 { // header + DONE + NOT_FOUND
		t.Fatalf("expected 3 lines, got %d:\n%s", len(lines), buf.String())
	}
	if !strings.Contains(lines[1], "379.99") || !strings.Contains(lines[1], "verified") {
		t.Errorf("DONE row: %s", lines[1])
	}
	if !strings.Contains(buf.String(), "NOT_FOUND") {
		t.Error("NOT_FOUND row missing")
	}
	if strings.Contains(buf.String(), "ERROR") {
		t.Error("tabular export must omit ERROR rows")
	}
}

func TestExportDelimited_IncludesErrors(t *testing.T) {
	st, jobID := seedExportJob(t)
	var buf bytes.Buffer
	if err := Export(context.Background(), st, jobID, FormatDelimited, &buf); err != nil {
		t.Fatalf("Export: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected 3 JSONL rows, got %d", len(lines))
	}
	var sawError bool
	for _, line := range lines {
		if strings.Contains(line, `"status":"ERROR"`) {
			sawError = true
			if !strings.Contains(line, "bad gateway") {
				t.Errorf("error row lacks message: %s", line)
			}
			if !strings.Contains(line, `"result":null`) {
				t.Errorf("error row should carry null result: %s", line)
			}
		}
	}
	if !sawError {
		t.Error("delimited export must include ERROR rows")
	}
}

func TestExport_ByteStable(t *testing.T) {
	st, jobID := seedExportJob(t)
	run := func(f Format) string {
		var buf bytes.Buffer
		if err := Export(context.Background(), st, jobID, f, &buf); err != nil {
			t.Fatalf("Export: %v", err)
		}
		return buf.String()
	}
	for _, f := range []Format{FormatTabular, FormatDelimited} {
		if run(f) != run(f) {
			t.Errorf("%s export is not byte-stable", f)
		}
	}
	// result_json 原样透传，不重算
	if !strings.Contains(run(FormatDelimited), `"price":379.99`) {
		t.Error("delimited export must carry result_json verbatim")
	}
}

func TestParseFormat(t *testing.T) {
	if _, err := ParseFormat("tabular"); err != nil {
		t.Errorf("tabular: %v", err)
	}
	if _, err := ParseFormat("yaml"); err == nil {
		t.Error("unknown format must be rejected")
	}
}
