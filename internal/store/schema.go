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

package store

// schemaDDL 三表结构；演进只增列（新列一律可空），不复用旧列。
// 语义索引：(job_id, status, updated_at, id) 供单 Job 读，
// (status, owner_id, updated_at, id) 供全量读；两者都能直接服务 keyset 排序。
const schemaDDL = `
CREATE TABLE IF NOT EXISTS jobs (
    id              TEXT PRIMARY KEY,
    owner_id        TEXT NOT NULL,
    job_type        TEXT NOT NULL,
    source_ref      TEXT NOT NULL DEFAULT '',
    queue_state     TEXT NOT NULL DEFAULT 'QUEUED',
    attempts        INT  NOT NULL DEFAULT 0,
    last_heartbeat  TIMESTAMPTZ,
    last_error      TEXT,
    total_items     INT  NOT NULL DEFAULT 0,
    processed_items INT  NOT NULL DEFAULT 0,
    failed_items    INT  NOT NULL DEFAULT 0,
    created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_jobs_owner ON jobs (owner_id, created_at);

CREATE TABLE IF NOT EXISTS job_items (
    id              TEXT PRIMARY KEY,
    job_id          TEXT NOT NULL REFERENCES jobs(id) ON DELETE CASCADE,
    owner_id        TEXT NOT NULL,
    job_type        TEXT NOT NULL,
    status          TEXT NOT NULL DEFAULT 'PENDING',
    attempts        INT  NOT NULL DEFAULT 0,
    last_error      TEXT,
    locked_by       TEXT,
    locked_at       TIMESTAMPTZ,
    input_json      JSONB,
    normalized_json JSONB,
    result_json     JSONB,
    created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at      TIMESTAMPTZ NOT NULL DEFAULT clock_timestamp()
);

CREATE INDEX IF NOT EXISTS idx_job_items_job   ON job_items (job_id, status, updated_at, id);
CREATE INDEX IF NOT EXISTS idx_job_items_fleet ON job_items (status, owner_id, updated_at, id);

CREATE TABLE IF NOT EXISTS search_events (
    id           TEXT PRIMARY KEY,
    job_item_id  TEXT NOT NULL,
    provider     TEXT NOT NULL,
    query        TEXT NOT NULL,
    started_at   TIMESTAMPTZ NOT NULL,
    finished_at  TIMESTAMPTZ NOT NULL,
    outcome      TEXT NOT NULL,
    latency_ms   INT  NOT NULL DEFAULT 0,
    error_kind   TEXT,
    result_count INT  NOT NULL DEFAULT 0,
    chosen_url   TEXT
);

CREATE INDEX IF NOT EXISTS idx_search_events_item ON search_events (job_item_id, started_at);
`
