package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/BadgerOps/sitesync/internal/provider"
	"github.com/BadgerOps/sitesync/internal/safety"
	"github.com/BadgerOps/sitesync/internal/status"
)

// HTTPError is a non-2xx answer from the status store.
type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("status store returned %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("status store returned %d", e.StatusCode)
}

// IsTransient reports whether a store error is worth retrying next cycle:
// throttling, server errors and transport failures.
func IsTransient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return safety.IsRetryableStatus(httpErr.StatusCode)
	}
	return provider.IsResumable(err)
}

// HTTPOptions tunes an HTTPStore.
type HTTPOptions struct {
	Timeout    time.Duration
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	HTTPClient *http.Client
}

// HTTPStore talks to a remote status store over its JSON API.
type HTTPStore struct {
	baseURL    string
	httpClient *http.Client
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
	logger     *slog.Logger
}

var _ Store = (*HTTPStore)(nil)

// NewHTTP creates a client for the status store at baseURL.
func NewHTTP(baseURL, token string, opts HTTPOptions, logger *slog.Logger) (*HTTPStore, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	u, err := safety.ValidateHTTPURL(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid status store url: %w", err)
	}
	if safety.TokenExposed(u, token) {
		logger.Warn("status store token sent over plain http", "host", u.Host)
	}
	client := opts.HTTPClient
	if client == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		client = safety.NewHTTPClient(timeout)
	}
	client = safety.WithBearerToken(client, token)
	maxRetries := opts.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}
	logger.Info("status store initialized", "backend", "http", "url", baseURL)
	return &HTTPStore{
		baseURL:    baseURL,
		httpClient: client,
		maxRetries: maxRetries,
		baseDelay:  opts.BaseDelay,
		maxDelay:   opts.MaxDelay,
		logger:     logger,
	}, nil
}

// Close releases idle connections.
func (c *HTTPStore) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}

// wireFileState is a per-site file state on the wire.
type wireFileState struct {
	Status    status.Status `json:"status"`
	Size      int64         `json:"size,omitempty"`
	Timestamp int64         `json:"timestamp,omitempty"`
	Progress  float64       `json:"progress,omitempty"`
	Message   string        `json:"message,omitempty"`
	Retries   int           `json:"retries,omitempty"`
	Paused    bool          `json:"pause,omitempty"`
}

type wireCandidateFile struct {
	ID           string        `json:"id"`
	Hash         string        `json:"fileHash"`
	Size         int64         `json:"size"`
	Path         string        `json:"path"`
	LocalStatus  wireFileState `json:"localStatus"`
	RemoteStatus wireFileState `json:"remoteStatus"`
}

type wireCandidate struct {
	ItemID       string              `json:"representationId"`
	Priority     int                 `json:"priority"`
	LocalStatus  wireFileState       `json:"localStatus"`
	RemoteStatus wireFileState       `json:"remoteStatus"`
	Files        []wireCandidateFile `json:"files"`
}

var unknownState = wireFileState{Status: status.NotAvailable}

// UnmarshalJSON treats a missing status as NOT_AVAILABLE rather than the
// zero value, which is IN_PROGRESS.
func (w *wireFileState) UnmarshalJSON(b []byte) error {
	type plain wireFileState
	v := plain(unknownState)
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	*w = wireFileState(v)
	return nil
}

// UnmarshalJSON defaults absent per-site states to NOT_AVAILABLE.
func (f *wireCandidateFile) UnmarshalJSON(b []byte) error {
	type plain wireCandidateFile
	v := plain{LocalStatus: unknownState, RemoteStatus: unknownState}
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	*f = wireCandidateFile(v)
	return nil
}

func (c *wireCandidate) UnmarshalJSON(b []byte) error {
	type plain wireCandidate
	v := plain{LocalStatus: unknownState, RemoteStatus: unknownState}
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	*c = wireCandidate(v)
	return nil
}

func (w wireFileState) toFileState(id string) status.FileState {
	return status.FileState{
		ID:        id,
		Status:    w.Status,
		Size:      w.Size,
		Timestamp: w.Timestamp,
		Progress:  w.Progress,
		Message:   w.Message,
		Retries:   w.Retries,
		Paused:    w.Paused,
	}
}

func (c *HTTPStore) projectPath(project string) string {
	return "/projects/" + url.PathEscape(project)
}

func (c *HTTPStore) recordPath(project, itemID, site string) string {
	return fmt.Sprintf("%s/state/%s/%s", c.projectPath(project), url.PathEscape(itemID), url.PathEscape(site))
}

// Get returns the record of an item on a site
func (c *HTTPStore) Get(ctx context.Context, project, itemID, site string) (*status.Record, error) {
	var rec status.Record
	if err := c.doJSON(ctx, http.MethodGet, c.recordPath(project, itemID, site), nil, &rec); err != nil {
		return nil, c.mapNotFound(err, itemID, site)
	}
	if rec.ItemID == "" {
		rec.ItemID = itemID
	}
	if rec.Site == "" {
		rec.Site = site
	}
	return &rec, nil
}

// Upsert posts file patches for the (item, site) record
func (c *HTTPStore) Upsert(ctx context.Context, project, itemID, site string, files []status.FileState, priority *int) error {
	if priority != nil && (*priority < status.MinPriority || *priority > status.MaxPriority) {
		return fmt.Errorf("priority %d out of range [%d, %d]", *priority, status.MinPriority, status.MaxPriority)
	}
	body := struct {
		Files    []status.FileState `json:"files"`
		Priority *int               `json:"priority,omitempty"`
	}{Files: files, Priority: priority}
	if body.Files == nil {
		body.Files = []status.FileState{}
	}
	if err := c.doJSON(ctx, http.MethodPost, c.recordPath(project, itemID, site), body, nil); err != nil {
		return fmt.Errorf("failed to upsert %s on %s: %w", itemID, site, err)
	}
	return nil
}

// Delete removes the (item, site) record
func (c *HTTPStore) Delete(ctx context.Context, project, itemID, site string) error {
	if err := c.doJSON(ctx, http.MethodDelete, c.recordPath(project, itemID, site), nil, nil); err != nil {
		return c.mapNotFound(err, itemID, site)
	}
	return nil
}

// ListCandidates runs the discovery query on the server
func (c *HTTPStore) ListCandidates(ctx context.Context, q CandidateQuery) ([]Candidate, error) {
	if len(q.LocalStatus) == 0 || len(q.RemoteStatus) == 0 {
		return nil, nil
	}
	params := url.Values{}
	params.Set("localSite", q.LocalSite)
	params.Set("remoteSite", q.RemoteSite)
	for _, st := range q.LocalStatus {
		params.Add("localStatusFilter", strconv.Itoa(int(st)))
	}
	for _, st := range q.RemoteStatus {
		params.Add("remoteStatusFilter", strconv.Itoa(int(st)))
	}
	if q.Limit > 0 {
		params.Set("limit", strconv.Itoa(q.Limit))
	}

	var out struct {
		Representations []wireCandidate `json:"representations"`
	}
	if err := c.doJSON(ctx, http.MethodGet, c.projectPath(q.Project)+"/state?"+params.Encode(), nil, &out); err != nil {
		return nil, fmt.Errorf("failed to list candidates for %s: %w", q.Project, err)
	}

	candidates := make([]Candidate, 0, len(out.Representations))
	for _, w := range out.Representations {
		cand := Candidate{
			ItemID:       w.ItemID,
			Priority:     w.Priority,
			LocalStatus:  w.LocalStatus.Status,
			RemoteStatus: w.RemoteStatus.Status,
			Files:        make([]CandidateFile, 0, len(w.Files)),
		}
		if cand.Priority == 0 {
			cand.Priority = status.DefaultPriority
		}
		for _, f := range w.Files {
			cand.Files = append(cand.Files, CandidateFile{
				File:   status.File{ID: f.ID, Path: f.Path, Size: f.Size, Hash: f.Hash},
				Local:  f.LocalStatus.toFileState(f.ID),
				Remote: f.RemoteStatus.toFileState(f.ID),
			})
		}
		candidates = append(candidates, cand)
	}
	return candidates, nil
}

// GetBulk fetches records for several items and sites in one call
func (c *HTTPStore) GetBulk(ctx context.Context, project string, itemIDs, sites []string) ([]status.Record, error) {
	params := url.Values{}
	for _, id := range itemIDs {
		params.Add("representationIds", id)
	}
	for _, site := range sites {
		params.Add("siteNames", site)
	}
	var out struct {
		Sites []status.Record `json:"sites"`
	}
	if err := c.doJSON(ctx, http.MethodGet, c.projectPath(project)+"/state/representations?"+params.Encode(), nil, &out); err != nil {
		return nil, fmt.Errorf("failed to get records for %s: %w", project, err)
	}
	return out.Sites, nil
}

func (c *HTTPStore) mapNotFound(err error, itemID, site string) error {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) && httpErr.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%s on %s: %w", itemID, site, ErrNotFound)
	}
	return err
}

func (c *HTTPStore) doJSON(ctx context.Context, method, requestPath string, body any, out any) error {
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}
	for attempt := 0; ; attempt++ {
		var bodyReader io.Reader
		if bodyBytes != nil {
			bodyReader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bodyReader)
		if err != nil {
			return err
		}
		req.Header.Set("X-Correlation-Id", uuid.NewString())
		req.Header.Set("Accept", "application/json")
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() == nil && attempt < c.maxRetries {
				c.logger.Debug("status store request failed, retrying", "method", method, "path", requestPath, "attempt", attempt+1, "error", err)
				if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return waitErr
				}
				continue
			}
			return err
		}
		payloadBytes, readErr := safety.ReadAllWithLimit(resp.Body, maxResponseBytes)
		_ = resp.Body.Close()
		if readErr != nil {
			return readErr
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil || len(payloadBytes) == 0 {
				return nil
			}
			return json.Unmarshal(payloadBytes, out)
		}

		if safety.IsRetryableStatus(resp.StatusCode) && attempt < c.maxRetries {
			c.logger.Debug("status store busy, retrying", "method", method, "path", requestPath, "status", resp.StatusCode, "attempt", attempt+1)
			if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return waitErr
			}
			continue
		}

		var errPayload struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		_ = json.Unmarshal(payloadBytes, &errPayload)
		return &HTTPError{
			StatusCode: resp.StatusCode,
			Code:       errPayload.Code,
			Message:    errPayload.Message,
		}
	}
}

const maxResponseBytes = 64 << 20

func (c *HTTPStore) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	maxDelay := c.maxDelay
	if maxDelay <= 0 {
		maxDelay = 5 * time.Second
	}
	if retryAfter := parseRetryAfter(retryAfterHeader); retryAfter > 0 {
		if retryAfter > maxDelay {
			return maxDelay
		}
		return retryAfter
	}
	delay := c.baseDelay
	if delay <= 0 {
		delay = 200 * time.Millisecond
	}
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxDelay {
			return maxDelay
		}
	}
	return min(delay, maxDelay)
}

func parseRetryAfter(value string) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(value); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil {
		return time.Until(at)
	}
	return 0
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
