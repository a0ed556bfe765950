// Package worker runs reconstruction jobs taken from the work queue. It
// reports progress through the API's status-update contract and moves
// inputs and outputs either over HTTP or through a shared file area.
package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"mapxion/internal/domain"
	"mapxion/internal/storage"
	"mapxion/pkg/zip"
)

const maxErrorBody = 4 << 10

// StatusError is returned for every non-2xx API response.
type StatusError struct {
	Op   string
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s: status %d", e.Op, e.Code)
	}
	return fmt.Sprintf("%s: status %d: %s", e.Op, e.Code, e.Body)
}

// StatusCode extracts the HTTP status carried by err, or 0.
func StatusCode(err error) int {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code
	}
	return 0
}

// APIClient talks to the job API. It implements both Reporter and
// Transport.
type APIClient struct {
	base string
	http *http.Client
}

// NewAPIClient builds a client for base, e.g. http://api:3000. A nil hc
// gets a client without an overall timeout, since archives can be large.
func NewAPIClient(base string, hc *http.Client) *APIClient {
	if hc == nil {
		hc = &http.Client{Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			ResponseHeaderTimeout: 60 * time.Second,
			IdleConnTimeout:       90 * time.Second,
		}}
	}
	return &APIClient{base: strings.TrimRight(base, "/"), http: hc}
}

func (c *APIClient) jobURL(jobID string, suffix string) string {
	return c.base + "/jobs/" + url.PathEscape(jobID) + suffix
}

// PatchJob applies patch through PATCH /jobs/{id}.
func (c *APIClient) PatchJob(ctx context.Context, jobID string, patch domain.JobPatch) (*domain.Job, error) {
	body, err := json.Marshal(patch)
	if err != nil {
		return nil, fmt.Errorf("encode patch: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, c.jobURL(jobID, ""), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("patch job: %w", err)
	}
	defer res.Body.Close()
	if err := checkStatus("patch job", res); err != nil {
		return nil, err
	}
	var job domain.Job
	if err := json.NewDecoder(res.Body).Decode(&job); err != nil {
		return nil, fmt.Errorf("decode patched job: %w", err)
	}
	return &job, nil
}

// FetchInputs downloads input.zip into a temp file next to dir and unpacks
// it into dir.
func (c *APIClient) FetchInputs(ctx context.Context, jobID, dir string) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.jobURL(jobID, "/input.zip"), nil)
	if err != nil {
		return nil, err
	}
	res, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download inputs: %w", err)
	}
	defer res.Body.Close()
	if err := checkStatus("download inputs", res); err != nil {
		return nil, err
	}

	tmp, err := os.CreateTemp(filepath.Dir(dir), "input-*.zip")
	if err != nil {
		return nil, fmt.Errorf("create archive file: %w", err)
	}
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
	}()
	size, err := io.Copy(tmp, res.Body)
	if err != nil {
		return nil, fmt.Errorf("download inputs: %w", err)
	}
	return zip.Extract(ctx, tmp, size, dir, storage.SanitizeFilename)
}

// PutOutput streams the file at path to POST /jobs/{id}/output.
func (c *APIClient) PutOutput(ctx context.Context, jobID, name, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open output: %w", err)
	}

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		defer f.Close()
		part, err := mw.CreateFormFile("file", name)
		if err == nil {
			_, err = io.Copy(part, f)
		}
		if err == nil {
			err = mw.Close()
		}
		_ = pw.CloseWithError(err)
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.jobURL(jobID, "/output"), pr)
	if err != nil {
		_ = pr.CloseWithError(err)
		return err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	res, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("upload output %s: %w", name, err)
	}
	defer res.Body.Close()
	return checkStatus("upload output "+name, res)
}

func checkStatus(op string, res *http.Response) error {
	if res.StatusCode >= 200 && res.StatusCode < 300 {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(res.Body, maxErrorBody))
	return &StatusError{Op: op, Code: res.StatusCode, Body: strings.TrimSpace(string(body))}
}
