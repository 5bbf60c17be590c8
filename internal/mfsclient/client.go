// Copyright 2024 The ipfs-mfs-fuse Authors. All Rights Reserved.
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

// Package mfsclient issues requests against a Kubo (IPFS) node's Mutable
// File System HTTP API. Every method performs exactly one HTTP round trip
// and reports failure as a single opaque error; the caller never learns
// whether the failure was transport-level or a remote rejection.
package mfsclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Kind identifies whether a remote entry is a regular file or a directory.
type Kind int

const (
	KindFile Kind = iota
	KindDir
)

// Entry is one row of a directory listing.
type Entry struct {
	Name string
	Size uint64
	Hash string
	Kind Kind
}

// Stat is the result of a stat call.
type Stat struct {
	Size   uint64
	Blocks uint64
	Hash   string
	Kind   Kind
}

// Error wraps a failed remote call. Dispatcher code never inspects its
// fields; it exists so log lines can carry the underlying cause.
type Error struct {
	Op   string
	Path string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("mfsclient: %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Client talks to a single Kubo node's /api/v0/files endpoints. A Client
// is a long-lived handle: it owns one *http.Client and is safe to reuse
// across every call the dispatcher makes.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client

	// Observe, if non-nil, is called with the name and wall-clock duration
	// of every completed round trip. cmd/mount.go points it at the
	// Prometheus latency histogram.
	Observe func(op string, seconds float64)
}

// New returns a Client talking to baseURL (e.g. "http://127.0.0.1:5001").
func New(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{BaseURL: strings.TrimRight(baseURL, "/"), HTTPClient: httpClient}
}

func (c *Client) endpoint(call string, q url.Values) string {
	return fmt.Sprintf("%s/api/v0/files/%s?%s", c.BaseURL, call, q.Encode())
}

func (c *Client) post(ctx context.Context, call string, q url.Values, contentType string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(call, q), body)
	if err != nil {
		return nil, err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	start := time.Now()
	resp, err := c.HTTPClient.Do(req)
	if c.Observe != nil {
		c.Observe(call, time.Since(start).Seconds())
	}
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return resp, nil
}

func kindFromTag(typeTag string) Kind {
	if typeTag == "file" {
		return KindFile
	}
	return KindDir
}

// Ls lists the entries of a directory.
func (c *Client) Ls(ctx context.Context, path string) ([]Entry, error) {
	q := url.Values{"arg": {path}, "long": {"true"}}
	resp, err := c.post(ctx, "ls", q, "", nil)
	if err != nil {
		return nil, &Error{Op: "ls", Path: path, Err: err}
	}
	defer resp.Body.Close()

	var payload struct {
		Entries []struct {
			Name string `json:"Name"`
			Type int    `json:"Type"`
			Size uint64 `json:"Size"`
			Hash string `json:"Hash"`
		} `json:"Entries"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, &Error{Op: "ls", Path: path, Err: err}
	}

	entries := make([]Entry, 0, len(payload.Entries))
	for _, e := range payload.Entries {
		kind := KindDir
		if e.Type == 0 {
			kind = KindFile
		}
		entries = append(entries, Entry{Name: e.Name, Size: e.Size, Hash: e.Hash, Kind: kind})
	}
	return entries, nil
}

// Stat fetches metadata for a single path.
func (c *Client) Stat(ctx context.Context, path string) (Stat, error) {
	q := url.Values{"arg": {path}}
	resp, err := c.post(ctx, "stat", q, "", nil)
	if err != nil {
		return Stat{}, &Error{Op: "stat", Path: path, Err: err}
	}
	defer resp.Body.Close()

	var payload struct {
		Size           uint64 `json:"Size"`
		CumulativeSize uint64 `json:"CumulativeSize"`
		Blocks         uint64 `json:"Blocks"`
		Hash           string `json:"Hash"`
		Type           string `json:"Type"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return Stat{}, &Error{Op: "stat", Path: path, Err: err}
	}

	return Stat{
		Size:   payload.Size,
		Blocks: payload.Blocks,
		Hash:   payload.Hash,
		Kind:   kindFromTag(payload.Type),
	}, nil
}

// Read returns count bytes of path's content starting at offset.
func (c *Client) Read(ctx context.Context, path string, offset, count int64) ([]byte, error) {
	q := url.Values{
		"arg":    {path},
		"offset": {strconv.FormatInt(offset, 10)},
		"count":  {strconv.FormatInt(count, 10)},
	}
	resp, err := c.post(ctx, "read", q, "", nil)
	if err != nil {
		return nil, &Error{Op: "read", Path: path, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &Error{Op: "read", Path: path, Err: err}
	}
	return data, nil
}

// Write uploads data at offset, creating and truncating the target per the
// flags fixed by the MFS write contract. The payload travels as a
// multipart form file, which is how the files API accepts request bodies.
func (c *Client) Write(ctx context.Context, path string, offset int64, data []byte) error {
	q := url.Values{
		"arg":         {path},
		"offset":      {strconv.FormatInt(offset, 10)},
		"count":       {strconv.Itoa(len(data))},
		"create":      {"true"},
		"truncate":    {"true"},
		"cid-version": {"1"},
		"flush":       {"true"},
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("data", "data")
	if err != nil {
		return &Error{Op: "write", Path: path, Err: err}
	}
	if _, err := part.Write(data); err != nil {
		return &Error{Op: "write", Path: path, Err: err}
	}
	if err := mw.Close(); err != nil {
		return &Error{Op: "write", Path: path, Err: err}
	}

	resp, err := c.post(ctx, "write", q, mw.FormDataContentType(), &body)
	if err != nil {
		return &Error{Op: "write", Path: path, Err: err}
	}
	resp.Body.Close()
	return nil
}

// Mkdir creates a directory at path.
func (c *Client) Mkdir(ctx context.Context, path string, parents bool) error {
	q := url.Values{
		"arg":         {path},
		"parents":     {strconv.FormatBool(parents)},
		"cid-version": {"1"},
		"flush":       {"true"},
	}
	resp, err := c.post(ctx, "mkdir", q, "", nil)
	if err != nil {
		return &Error{Op: "mkdir", Path: path, Err: err}
	}
	resp.Body.Close()
	return nil
}

// Rename moves src to dest.
func (c *Client) Rename(ctx context.Context, src, dest string) error {
	q := url.Values{"arg": {src, dest}, "flush": {"true"}}
	resp, err := c.post(ctx, "mv", q, "", nil)
	if err != nil {
		return &Error{Op: "rename", Path: src + " -> " + dest, Err: err}
	}
	resp.Body.Close()
	return nil
}

// Rm removes path. Flush is always true; force travels as its own
// parameter.
func (c *Client) Rm(ctx context.Context, path string, recursive, force bool) error {
	q := url.Values{
		"arg":       {path},
		"recursive": {strconv.FormatBool(recursive)},
		"force":     {strconv.FormatBool(force)},
		"flush":     {"true"},
	}
	resp, err := c.post(ctx, "rm", q, "", nil)
	if err != nil {
		return &Error{Op: "rm", Path: path, Err: err}
	}
	resp.Body.Close()
	return nil
}
