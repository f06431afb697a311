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
	"net/http"
	"os"
	"time"

	"github.com/go-resty/resty/v2"
)

func apiBaseURL() string {
	if u := os.Getenv("PRICER_API_URL"); u != "" {
		return u
	}
	return "http://localhost:8080"
}

func newClient() *resty.Client {
	c := resty.New().
		SetBaseURL(apiBaseURL()).
		SetTimeout(60 * time.Second).
		SetHeader("Content-Type", "application/json")
	if token := os.Getenv("PRICER_TOKEN"); token != "" {
		c.SetAuthToken(token)
	}
	if owner := os.Getenv("PRICER_OWNER"); owner != "" {
		c.SetHeader("X-Owner-ID", owner)
	}
	return c
}

func createJob(jobType, sourceRef string, rows []json.RawMessage) (map[string]interface{}, error) {
	body := map[string]interface{}{"type": jobType}
	if sourceRef != "" {
		body["source_ref"] = sourceRef
	}
	if len(rows) > 0 {
		body["rows"] = rows
	}
	var out map[string]interface{}
	resp, err := newClient().R().
		SetBody(body).
		SetResult(&out).
		Post("/api/jobs")
	if err != nil {
		return nil, err
	}
	if resp.StatusCode() != http.StatusCreated {
		return nil, fmt.Errorf("POST /api/jobs: %s", resp.String())
	}
	return out, nil
}

func getJob(jobID string) (map[string]interface{}, error) {
	var out map[string]interface{}
	resp, err := newClient().R().
		SetResult(&out).
		Get("/api/jobs/" + jobID)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("GET /api/jobs/%s: %s", jobID, resp.String())
	}
	return out, nil
}

func listItems(jobID, statuses, after string) (map[string]interface{}, error) {
	req := newClient().R()
	if statuses != "" {
		req.SetQueryParam("statuses", statuses)
	}
	if after != "" {
		req.SetQueryParam("after", after)
	}
	var out map[string]interface{}
	resp, err := req.SetResult(&out).Get("/api/jobs/" + jobID + "/items")
	if err != nil {
		return nil, err
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("GET items: %s", resp.String())
	}
	return out, nil
}

func getItem(itemID string) (map[string]interface{}, error) {
	var out map[string]interface{}
	resp, err := newClient().R().
		SetResult(&out).
		Get("/api/items/" + itemID)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("GET /api/items/%s: %s", itemID, resp.String())
	}
	return out, nil
}

func kickoffJob(jobID string, sliceMs int) (map[string]interface{}, error) {
	var out map[string]interface{}
	resp, err := newClient().R().
		SetBody(map[string]int{"slice_ms": sliceMs}).
		SetResult(&out).
		Post("/api/jobs/" + jobID + "/kickoff")
	if err != nil {
		return nil, err
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("POST kickoff: %s", resp.String())
	}
	return out, nil
}

func transitionJob(jobID, action string) (map[string]interface{}, error) {
	var out map[string]interface{}
	resp, err := newClient().R().
		SetResult(&out).
		Post("/api/jobs/" + jobID + "/" + action)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("POST %s: %s", action, resp.String())
	}
	return out, nil
}

func reprocessJob(jobID string, statuses []string, resetAttempts bool) (map[string]interface{}, error) {
	body := map[string]interface{}{"scope": "job", "reset_attempts": resetAttempts}
	if len(statuses) > 0 {
		body["statuses"] = statuses
	}
	var out map[string]interface{}
	resp, err := newClient().R().
		SetBody(body).
		SetResult(&out).
		Post("/api/jobs/" + jobID + "/reprocess")
	if err != nil {
		return nil, err
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("POST reprocess: %s", resp.String())
	}
	return out, nil
}

func exportJob(jobID, format string) (string, error) {
	resp, err := newClient().R().
		SetQueryParam("format", format).
		Get("/api/jobs/" + jobID + "/export")
	if err != nil {
		return "", err
	}
	if resp.StatusCode() != http.StatusOK {
		return "", fmt.Errorf("GET export: %s", resp.String())
	}
	return resp.String(), nil
}

func prettyJSON(v interface{}) string {
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(raw)
}
