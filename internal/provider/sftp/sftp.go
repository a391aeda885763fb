// Package sftp implements a provider for sites served over SFTP.
package sftp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/BadgerOps/sitesync/internal/config"
	"github.com/BadgerOps/sitesync/internal/provider"
)

// Settings is the typed provider-specific config of an sftp site.
type Settings struct {
	Host          string        `yaml:"host"`
	Port          int           `yaml:"port"`
	User          string        `yaml:"user"`
	Password      string        `yaml:"password"`
	KeyFile       string        `yaml:"key_file"`
	KeyPassphrase string        `yaml:"key_passphrase"`
	KnownHosts    string        `yaml:"known_hosts"`
	Timeout       time.Duration `yaml:"timeout"`
}

// Provider talks to one SFTP server. The SSH connection is opened lazily
// and re-established after transport failures.
type Provider struct {
	provider.Base
	settings       Settings
	maxConnections int
	logger         *slog.Logger

	mu     sync.Mutex
	conn   *ssh.Client
	client *sftp.Client
}

// New is the provider.Factory for sftp sites.
func New(cfg provider.SiteConfig, logger *slog.Logger) (provider.Provider, error) {
	settings, err := parseSettings(cfg.Settings)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Provider{
		Base:           provider.NewBase(cfg, true),
		settings:       *settings,
		maxConnections: cfg.MaxConnections,
		logger:         logger.With("provider", provider.CodeSFTP, "site", cfg.Name),
	}, nil
}

func parseSettings(raw provider.ProviderConfig) (*Settings, error) {
	s, err := config.ParseProviderConfig[Settings](raw)
	if err != nil {
		return nil, err
	}
	if s.Host == "" {
		return nil, fmt.Errorf("sftp: host is required")
	}
	if s.User == "" {
		return nil, fmt.Errorf("sftp: user is required")
	}
	if s.Password == "" && s.KeyFile == "" {
		return nil, fmt.Errorf("sftp: password or key_file is required")
	}
	if s.Port == 0 {
		s.Port = 22
	}
	if s.Timeout == 0 {
		s.Timeout = 30 * time.Second
	}
	return s, nil
}

// MaxConnections implements provider.Limiter.
func (p *Provider) MaxConnections() int {
	return p.maxConnections
}

func (p *Provider) address() string {
	return net.JoinHostPort(p.settings.Host, strconv.Itoa(p.settings.Port))
}

func (p *Provider) clientConfig() (*ssh.ClientConfig, error) {
	var auth []ssh.AuthMethod
	if p.settings.KeyFile != "" {
		pem, err := os.ReadFile(p.settings.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("reading key file: %w", err)
		}
		var signer ssh.Signer
		if p.settings.KeyPassphrase != "" {
			signer, err = ssh.ParsePrivateKeyWithPassphrase(pem, []byte(p.settings.KeyPassphrase))
		} else {
			signer, err = ssh.ParsePrivateKey(pem)
		}
		if err != nil {
			return nil, fmt.Errorf("parsing key file: %w", err)
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}
	if p.settings.Password != "" {
		auth = append(auth, ssh.Password(p.settings.Password))
	}

	hostKeyCallback := ssh.InsecureIgnoreHostKey()
	if p.settings.KnownHosts != "" {
		cb, err := knownhosts.New(p.settings.KnownHosts)
		if err != nil {
			return nil, fmt.Errorf("loading known_hosts: %w", err)
		}
		hostKeyCallback = cb
	} else {
		p.logger.Warn("known_hosts not configured, host key is not verified")
	}

	return &ssh.ClientConfig{
		User:            p.settings.User,
		Auth:            auth,
		HostKeyCallback: hostKeyCallback,
		Timeout:         p.settings.Timeout,
	}, nil
}

// session returns a connected sftp client, dialing when needed.
func (p *Provider) session(ctx context.Context) (*sftp.Client, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.client != nil {
		if _, err := p.client.Getwd(); err == nil {
			return p.client, nil
		}
		p.closeLocked()
	}

	cfg, err := p.clientConfig()
	if err != nil {
		return nil, provider.NewError("connect", p.address(), nil, err)
	}

	dialer := net.Dialer{Timeout: p.settings.Timeout}
	raw, err := dialer.DialContext(ctx, "tcp", p.address())
	if err != nil {
		return nil, provider.NewError("connect", p.address(), provider.ErrUnavailable, err)
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(raw, p.address(), cfg)
	if err != nil {
		raw.Close()
		return nil, provider.NewError("connect", p.address(), provider.ErrUnavailable, err)
	}
	p.conn = ssh.NewClient(sshConn, chans, reqs)

	client, err := sftp.NewClient(p.conn)
	if err != nil {
		p.conn.Close()
		p.conn = nil
		return nil, provider.NewError("connect", p.address(), provider.ErrUnavailable, err)
	}
	p.client = client
	p.logger.Debug("sftp session opened", "addr", p.address())
	return client, nil
}

func (p *Provider) closeLocked() {
	if p.client != nil {
		p.client.Close()
		p.client = nil
	}
	if p.conn != nil {
		p.conn.Close()
		p.conn = nil
	}
}

// Close releases the SSH connection.
func (p *Provider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closeLocked()
	return nil
}

func (p *Provider) IsActive(ctx context.Context) bool {
	client, err := p.session(ctx)
	if err != nil {
		p.logger.Warn("sftp site not reachable", "error", err)
		return false
	}
	for name, root := range p.Roots.Site {
		if _, err := client.Stat(root); err != nil {
			p.logger.Warn("sftp root not accessible", "root", name, "path", root, "error", err)
			return false
		}
	}
	return true
}

func (p *Provider) CreateFolder(ctx context.Context, dir string) (string, error) {
	client, err := p.session(ctx)
	if err != nil {
		return "", err
	}
	if err := client.MkdirAll(dir); err != nil {
		return "", classify("create_folder", dir, err)
	}
	return dir, nil
}

func (p *Provider) UploadFile(ctx context.Context, source, target string, onProgress provider.ProgressFunc, overwrite bool) (string, error) {
	src, err := os.Open(source)
	if err != nil {
		return "", classify("upload_file", source, err)
	}
	defer src.Close()
	info, err := src.Stat()
	if err != nil {
		return "", classify("upload_file", source, err)
	}

	client, err := p.session(ctx)
	if err != nil {
		return "", err
	}
	if !overwrite {
		if _, err := client.Stat(target); err == nil {
			return "", provider.NewError("upload_file", target, provider.ErrAlreadyExists, nil)
		}
	}

	dst, err := client.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
	if err != nil {
		return "", classify("upload_file", target, err)
	}
	reader := provider.NewProgressReader(provider.NewContextReader(ctx, src), info.Size(), onProgress)
	if _, err := io.Copy(dst, reader); err != nil {
		dst.Close()
		return "", classify("upload_file", target, err)
	}
	if err := dst.Close(); err != nil {
		return "", classify("upload_file", target, err)
	}
	return target, nil
}

func (p *Provider) DownloadFile(ctx context.Context, source, localPath string, onProgress provider.ProgressFunc, overwrite bool) (string, error) {
	if !overwrite {
		if _, err := os.Stat(localPath); err == nil {
			return "", provider.NewError("download_file", localPath, provider.ErrAlreadyExists, nil)
		}
	}

	client, err := p.session(ctx)
	if err != nil {
		return "", err
	}
	src, err := client.Open(source)
	if err != nil {
		return "", classify("download_file", source, err)
	}
	defer src.Close()
	info, err := src.Stat()
	if err != nil {
		return "", classify("download_file", source, err)
	}

	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return "", classify("download_file", localPath, err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(localPath), "."+filepath.Base(localPath)+".part-")
	if err != nil {
		return "", classify("download_file", localPath, err)
	}
	reader := provider.NewProgressReader(provider.NewContextReader(ctx, src), info.Size(), onProgress)
	if _, err := io.Copy(tmp, reader); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", classify("download_file", source, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", classify("download_file", localPath, err)
	}
	if err := os.Rename(tmp.Name(), localPath); err != nil {
		os.Remove(tmp.Name())
		return "", classify("download_file", localPath, err)
	}
	return localPath, nil
}

func (p *Provider) DeleteFile(ctx context.Context, target string) error {
	client, err := p.session(ctx)
	if err != nil {
		return err
	}
	if err := client.Remove(target); err != nil {
		return classify("delete_file", target, err)
	}
	return nil
}

func (p *Provider) ListFolder(ctx context.Context, dir string) ([]string, error) {
	client, err := p.session(ctx)
	if err != nil {
		return nil, err
	}
	entries, err := client.ReadDir(dir)
	if err != nil {
		return nil, classify("list_folder", dir, err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

// Tree walks every configured root on the server.
func (p *Provider) Tree(ctx context.Context) (map[string]provider.TreeEntry, error) {
	client, err := p.session(ctx)
	if err != nil {
		return nil, err
	}
	tree := make(map[string]provider.TreeEntry)
	for name, root := range p.Roots.Site {
		walker := client.Walk(root)
		for walker.Step() {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			if err := walker.Err(); err != nil {
				if errors.Is(err, os.ErrNotExist) {
					continue
				}
				return nil, classify("get_tree", walker.Path(), err)
			}
			rel := strings.TrimPrefix(strings.TrimPrefix(walker.Path(), path.Clean(root)), "/")
			if rel == "" {
				continue
			}
			info := walker.Stat()
			tree[fmt.Sprintf("{root[%s]}/%s", name, rel)] = provider.TreeEntry{
				Size:    info.Size(),
				ModTime: info.ModTime(),
				IsDir:   info.IsDir(),
			}
		}
	}
	return tree, nil
}

// classify maps filesystem and transport errors onto provider error kinds.
func classify(op, target string, err error) error {
	switch {
	case errors.Is(err, os.ErrNotExist):
		return provider.NewError(op, target, provider.ErrNotFound, err)
	case errors.Is(err, os.ErrExist):
		return provider.NewError(op, target, provider.ErrAlreadyExists, err)
	case errors.Is(err, sftp.ErrSSHFxConnectionLost), errors.Is(err, io.EOF), provider.IsResumable(err):
		return provider.NewError(op, target, provider.ErrUnavailable, err)
	default:
		return provider.NewError(op, target, nil, err)
	}
}
