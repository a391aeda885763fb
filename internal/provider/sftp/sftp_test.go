package sftp

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BadgerOps/sitesync/internal/provider"
)

func TestParseSettings(t *testing.T) {
	tests := []struct {
		name    string
		raw     provider.ProviderConfig
		wantErr string
		check   func(t *testing.T, s *Settings)
	}{
		{
			name: "defaults",
			raw:  provider.ProviderConfig{"host": "sftp.example", "user": "sync", "password": "pw"},
			check: func(t *testing.T, s *Settings) {
				assert.Equal(t, 22, s.Port)
				assert.Equal(t, 30*time.Second, s.Timeout)
			},
		},
		{
			name: "explicit port and timeout",
			raw:  provider.ProviderConfig{"host": "h", "user": "u", "key_file": "/k", "port": 2222, "timeout": "5s"},
			check: func(t *testing.T, s *Settings) {
				assert.Equal(t, 2222, s.Port)
				assert.Equal(t, 5*time.Second, s.Timeout)
				assert.Equal(t, "/k", s.KeyFile)
			},
		},
		{name: "missing host", raw: provider.ProviderConfig{"user": "u", "password": "p"}, wantErr: "host"},
		{name: "missing user", raw: provider.ProviderConfig{"host": "h", "password": "p"}, wantErr: "user"},
		{name: "missing credentials", raw: provider.ProviderConfig{"host": "h", "user": "u"}, wantErr: "password or key_file"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := parseSettings(tt.raw)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			tt.check(t, s)
		})
	}
}

func TestNewAndClientConfig(t *testing.T) {
	cfg := provider.SiteConfig{
		Name:           "sftp",
		Code:           provider.CodeSFTP,
		Roots:          map[string]string{"work": "/projects"},
		MaxConnections: 2,
		Settings:       provider.ProviderConfig{"host": "127.0.0.1", "port": 2022, "user": "u", "password": "p"},
	}
	p, err := New(cfg, nil)
	require.NoError(t, err)

	sp := p.(*Provider)
	assert.Equal(t, "127.0.0.1:2022", sp.address())
	assert.Equal(t, 2, sp.MaxConnections())

	cc, err := sp.clientConfig()
	require.NoError(t, err)
	assert.Equal(t, "u", cc.User)
	assert.Len(t, cc.Auth, 1)

	resolved, err := p.ResolvePath("{root[work]}/show/shot/file.exr")
	require.NoError(t, err)
	assert.Equal(t, "/projects/show/shot/file.exr", resolved)
}

func TestUnreachableServerIsInactive(t *testing.T) {
	cfg := provider.SiteConfig{
		Name:     "sftp",
		Code:     provider.CodeSFTP,
		Settings: provider.ProviderConfig{"host": "127.0.0.1", "port": 1, "user": "u", "password": "p", "timeout": "1s"},
	}
	p, err := New(cfg, nil)
	require.NoError(t, err)

	assert.False(t, p.IsActive(context.Background()))

	_, err = p.ListFolder(context.Background(), "/")
	assert.True(t, provider.IsResumable(err), "got %v", err)
}

func TestClassify(t *testing.T) {
	err := classify("download_file", "/a", fmt.Errorf("open: %w", os.ErrNotExist))
	assert.True(t, errors.Is(err, provider.ErrNotFound))

	err = classify("upload_file", "/a", os.ErrExist)
	assert.True(t, errors.Is(err, provider.ErrAlreadyExists))

	err = classify("upload_file", "/a", errors.New("permission denied"))
	assert.False(t, provider.IsResumable(err))
}
