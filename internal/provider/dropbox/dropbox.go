// Package dropbox implements a provider on the Dropbox HTTP API v2.
package dropbox

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/BadgerOps/sitesync/internal/config"
	"github.com/BadgerOps/sitesync/internal/provider"
	"github.com/BadgerOps/sitesync/internal/safety"
)

const (
	defaultAPIURL     = "https://api.dropboxapi.com/2"
	defaultContentURL = "https://content.dropboxapi.com/2"
)

// Settings is the typed provider-specific config of a dropbox site.
type Settings struct {
	Token      string        `yaml:"token"`
	APIURL     string        `yaml:"api_url"`
	ContentURL string        `yaml:"content_url"`
	Timeout    time.Duration `yaml:"timeout"`
}

// Provider stores files in a Dropbox account.
type Provider struct {
	provider.Base
	settings       Settings
	maxConnections int
	httpClient     *http.Client
	logger         *slog.Logger
}

// New is the provider.Factory for dropbox sites.
func New(cfg provider.SiteConfig, logger *slog.Logger) (provider.Provider, error) {
	s, err := config.ParseProviderConfig[Settings](cfg.Settings)
	if err != nil {
		return nil, err
	}
	if s.Token == "" {
		return nil, fmt.Errorf("dropbox: token is required")
	}
	if s.APIURL == "" {
		s.APIURL = defaultAPIURL
	}
	if s.ContentURL == "" {
		s.ContentURL = defaultContentURL
	}
	if s.Timeout == 0 {
		s.Timeout = 10 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Provider{
		Base:           provider.NewBase(cfg, true),
		settings:       *s,
		maxConnections: cfg.MaxConnections,
		httpClient:     safety.WithBearerToken(safety.NewHTTPClient(s.Timeout), s.Token),
		logger:         logger.With("provider", provider.CodeDropbox, "site", cfg.Name),
	}, nil
}

// MaxConnections implements provider.Limiter.
func (p *Provider) MaxConnections() int {
	return p.maxConnections
}

// apiError is the error body Dropbox returns with HTTP 409.
type apiError struct {
	Summary string `json:"error_summary"`
}

// apiArg encodes v for the Dropbox-API-Arg header, which must be ASCII.
func apiArg(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	for _, r := range string(data) {
		if r < utf8.RuneSelf {
			b.WriteRune(r)
			continue
		}
		if r > 0xFFFF {
			r1, r2 := surrogates(r)
			fmt.Fprintf(&b, `\u%04x\u%04x`, r1, r2)
			continue
		}
		fmt.Fprintf(&b, `\u%04x`, r)
	}
	return b.String(), nil
}

func surrogates(r rune) (rune, rune) {
	r -= 0x10000
	return 0xD800 + (r>>10)&0x3FF, 0xDC00 + r&0x3FF
}

// rpc performs a JSON-in/JSON-out call against the API host.
func (p *Provider) rpc(ctx context.Context, op, path, endpoint string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.settings.APIURL+endpoint, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return provider.NewError(op, path, provider.ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if err := checkResponse(op, path, resp); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func checkResponse(op, path string, resp *http.Response) error {
	if resp.StatusCode == http.StatusOK {
		return nil
	}
	data, _ := safety.ReadAllWithLimit(resp.Body, 64*1024)
	cause := fmt.Errorf("dropbox API error (status %d): %s", resp.StatusCode, strings.TrimSpace(string(data)))

	switch {
	case resp.StatusCode == http.StatusConflict:
		var ae apiError
		_ = json.Unmarshal(data, &ae)
		switch {
		case strings.Contains(ae.Summary, "not_found"):
			return provider.NewError(op, path, provider.ErrNotFound, cause)
		case strings.Contains(ae.Summary, "conflict"):
			return provider.NewError(op, path, provider.ErrAlreadyExists, cause)
		}
	case safety.IsRetryableStatus(resp.StatusCode):
		return provider.NewError(op, path, provider.ErrUnavailable, cause)
	}
	return provider.NewError(op, path, nil, cause)
}

func (p *Provider) IsActive(ctx context.Context) bool {
	var account struct {
		AccountID string `json:"account_id"`
	}
	if err := p.rpc(ctx, "is_active", "", "/users/get_current_account", nil, &account); err != nil {
		p.logger.Warn("dropbox account not reachable", "error", err)
		return false
	}
	return account.AccountID != ""
}

func (p *Provider) CreateFolder(ctx context.Context, path string) (string, error) {
	err := p.rpc(ctx, "create_folder", path, "/files/create_folder_v2", map[string]any{
		"path":       path,
		"autorename": false,
	}, nil)
	if err != nil && !errors.Is(err, provider.ErrAlreadyExists) {
		return "", err
	}
	return path, nil
}

type metadata struct {
	Tag            string    `json:".tag"`
	Name           string    `json:"name"`
	PathDisplay    string    `json:"path_display"`
	ID             string    `json:"id"`
	ServerModified time.Time `json:"server_modified"`
	Size           int64     `json:"size"`
	ContentHash    string    `json:"content_hash"`
}

func (p *Provider) metadata(ctx context.Context, path string) (*metadata, error) {
	var md metadata
	if err := p.rpc(ctx, "get_metadata", path, "/files/get_metadata", map[string]any{"path": path}, &md); err != nil {
		return nil, err
	}
	return &md, nil
}

func (p *Provider) UploadFile(ctx context.Context, source, target string, onProgress provider.ProgressFunc, overwrite bool) (string, error) {
	f, err := os.Open(source)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", provider.NewError("upload_file", source, provider.ErrNotFound, err)
		}
		return "", provider.NewError("upload_file", source, nil, err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return "", provider.NewError("upload_file", source, nil, err)
	}

	mode := "add"
	if overwrite {
		mode = "overwrite"
	} else if _, err := p.metadata(ctx, target); err == nil {
		return "", provider.NewError("upload_file", target, provider.ErrAlreadyExists, nil)
	} else if !errors.Is(err, provider.ErrNotFound) {
		return "", err
	}

	arg, err := apiArg(map[string]any{
		"path":            target,
		"mode":            mode,
		"autorename":      false,
		"mute":            true,
		"strict_conflict": false,
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal upload arg: %w", err)
	}

	body := provider.NewProgressReader(provider.NewContextReader(ctx, f), info.Size(), onProgress)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.settings.ContentURL+"/files/upload", body)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.ContentLength = info.Size()
	req.Header.Set("Dropbox-API-Arg", arg)
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return "", provider.NewError("upload_file", target, provider.ErrUnavailable, err)
	}
	defer resp.Body.Close()
	if err := checkResponse("upload_file", target, resp); err != nil {
		return "", err
	}

	var md metadata
	if err := json.NewDecoder(resp.Body).Decode(&md); err != nil {
		return "", fmt.Errorf("failed to decode response: %w", err)
	}
	return md.ID, nil
}

func (p *Provider) DownloadFile(ctx context.Context, source, localPath string, onProgress provider.ProgressFunc, overwrite bool) (string, error) {
	if !overwrite {
		if _, err := os.Stat(localPath); err == nil {
			return "", provider.NewError("download_file", localPath, provider.ErrAlreadyExists, nil)
		}
	}
	arg, err := apiArg(map[string]string{"path": source})
	if err != nil {
		return "", fmt.Errorf("failed to marshal path arg: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.settings.ContentURL+"/files/download", nil)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Dropbox-API-Arg", arg)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return "", provider.NewError("download_file", source, provider.ErrUnavailable, err)
	}
	defer resp.Body.Close()
	if err := checkResponse("download_file", source, resp); err != nil {
		return "", err
	}

	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return "", provider.NewError("download_file", localPath, nil, err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(localPath), "."+filepath.Base(localPath)+".part-")
	if err != nil {
		return "", provider.NewError("download_file", localPath, nil, err)
	}
	reader := provider.NewProgressReader(resp.Body, resp.ContentLength, onProgress)
	if _, err := io.Copy(tmp, reader); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", provider.NewError("download_file", source, provider.ErrUnavailable, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", provider.NewError("download_file", localPath, nil, err)
	}
	if err := os.Rename(tmp.Name(), localPath); err != nil {
		os.Remove(tmp.Name())
		return "", provider.NewError("download_file", localPath, nil, err)
	}
	return localPath, nil
}

func (p *Provider) DeleteFile(ctx context.Context, path string) error {
	return p.rpc(ctx, "delete_file", path, "/files/delete_v2", map[string]string{"path": path}, nil)
}

type listFolderResponse struct {
	Entries []metadata `json:"entries"`
	Cursor  string     `json:"cursor"`
	HasMore bool       `json:"has_more"`
}

func (p *Provider) list(ctx context.Context, path string, recursive bool) ([]metadata, error) {
	var resp listFolderResponse
	err := p.rpc(ctx, "list_folder", path, "/files/list_folder", map[string]any{
		"path":            path,
		"recursive":       recursive,
		"include_deleted": false,
	}, &resp)
	if err != nil {
		return nil, err
	}
	entries := resp.Entries
	for resp.HasMore {
		cursor := resp.Cursor
		resp = listFolderResponse{}
		if err := p.rpc(ctx, "list_folder", path, "/files/list_folder/continue", map[string]string{"cursor": cursor}, &resp); err != nil {
			return nil, err
		}
		entries = append(entries, resp.Entries...)
	}
	return entries, nil
}

func (p *Provider) ListFolder(ctx context.Context, path string) ([]string, error) {
	entries, err := p.list(ctx, path, false)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name)
	}
	sort.Strings(names)
	return names, nil
}

func (p *Provider) Tree(ctx context.Context) (map[string]provider.TreeEntry, error) {
	tree := make(map[string]provider.TreeEntry)
	for name, root := range p.Roots.Site {
		entries, err := p.list(ctx, root, true)
		if err != nil {
			if errors.Is(err, provider.ErrNotFound) {
				continue
			}
			return nil, err
		}
		prefix := strings.ToLower(strings.TrimRight(root, "/")) + "/"
		for _, e := range entries {
			rel := e.PathDisplay
			if strings.HasPrefix(strings.ToLower(rel), prefix) {
				rel = rel[len(prefix):]
			}
			if rel == "" {
				continue
			}
			tree[fmt.Sprintf("{root[%s]}/%s", name, rel)] = provider.TreeEntry{
				Size:    e.Size,
				ModTime: e.ServerModified,
				IsDir:   e.Tag == "folder",
			}
		}
	}
	return tree, nil
}
