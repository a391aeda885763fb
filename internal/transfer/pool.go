// Package transfer moves files between the local site and a remote site
// with a bounded worker pool.
package transfer

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/BadgerOps/sitesync/internal/provider"
)

// DefaultWorkers is used when neither the provider nor the site config caps
// parallel transfers.
const DefaultWorkers = 3

// Direction of a transfer relative to the local site.
type Direction int

const (
	Upload Direction = iota
	Download
)

func (d Direction) String() string {
	if d == Download {
		return "download"
	}
	return "upload"
}

// Job is one file to copy. Path is the logical path with root placeholders;
// each side resolves it against its own roots.
type Job struct {
	Direction  Direction
	Path       string
	Size       int64
	Local      provider.Provider
	Remote     provider.Provider
	OnProgress provider.ProgressFunc
}

// Result is the outcome of a Job.
type Result struct {
	Job        Job
	LocalPath  string
	RemotePath string
	RemoteID   string
	Duration   time.Duration
	Err        error
	index      int
}

// Locks hands out one mutex per site. Path resolution and folder creation on
// a site run under its lock.
type Locks struct {
	mu    sync.Mutex
	sites map[string]*sync.Mutex
}

// NewLocks creates an empty lock set
func NewLocks() *Locks {
	return &Locks{sites: make(map[string]*sync.Mutex)}
}

// Lock locks the mutex of site and returns its unlock function.
func (l *Locks) Lock(site string) func() {
	l.mu.Lock()
	m, ok := l.sites[site]
	if !ok {
		m = &sync.Mutex{}
		l.sites[site] = m
	}
	l.mu.Unlock()

	m.Lock()
	return m.Unlock
}

// Workers picks the pool size for a remote provider: its own connection cap
// if it has one, else the configured value, else DefaultWorkers.
func Workers(p provider.Provider, configured int) int {
	if lim, ok := p.(provider.Limiter); ok && lim.MaxConnections() > 0 {
		return lim.MaxConnections()
	}
	if configured > 0 {
		return configured
	}
	return DefaultWorkers
}

// Pool runs transfer jobs concurrently.
type Pool struct {
	workers int
	locks   *Locks
	logger  *slog.Logger
}

// NewPool creates a pool with the given number of workers. locks may be
// shared between pools of the same process.
func NewPool(workers int, locks *Locks, logger *slog.Logger) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if locks == nil {
		locks = NewLocks()
	}
	return &Pool{
		workers: workers,
		locks:   locks,
		logger:  logger,
	}
}

// Execute runs all jobs and waits for them. Results keep the order of jobs.
// Jobs not started before ctx is cancelled come back with ctx.Err().
func (p *Pool) Execute(ctx context.Context, jobs []Job) []Result {
	if len(jobs) == 0 {
		return []Result{}
	}

	jobsChan := make(chan jobWithIndex, len(jobs))
	resultsChan := make(chan Result, len(jobs))

	var wg sync.WaitGroup
	for i := 0; i < min(p.workers, len(jobs)); i++ {
		wg.Add(1)
		go p.worker(ctx, jobsChan, resultsChan, &wg)
	}

	for i, job := range jobs {
		jobsChan <- jobWithIndex{job: job, index: i}
	}
	close(jobsChan)

	go func() {
		wg.Wait()
		close(resultsChan)
	}()

	results := make([]Result, 0, len(jobs))
	for result := range resultsChan {
		results = append(results, result)
	}

	sort.Slice(results, func(i, j int) bool {
		return results[i].index < results[j].index
	})

	return results
}

type jobWithIndex struct {
	job   Job
	index int
}

func (p *Pool) worker(ctx context.Context, jobsChan <-chan jobWithIndex, resultsChan chan<- Result, wg *sync.WaitGroup) {
	defer wg.Done()

	for jwi := range jobsChan {
		if err := ctx.Err(); err != nil {
			resultsChan <- Result{Job: jwi.job, Err: err, index: jwi.index}
			continue
		}

		start := time.Now()
		result := p.run(ctx, jwi.job)
		result.index = jwi.index
		result.Duration = time.Since(start)

		if result.Err != nil {
			p.logger.Warn("transfer failed",
				"direction", jwi.job.Direction,
				"site", jwi.job.Remote.Site(),
				"path", jwi.job.Path,
				"error", result.Err,
			)
		} else {
			p.logger.Info("transfer completed",
				"direction", jwi.job.Direction,
				"site", jwi.job.Remote.Site(),
				"file", filepath.Base(result.LocalPath),
				"size", humanize.IBytes(uint64(max(jwi.job.Size, 0))),
				"duration", result.Duration.Round(time.Millisecond),
			)
		}
		resultsChan <- result
	}
}

func (p *Pool) run(ctx context.Context, job Job) (result Result) {
	result.Job = job
	defer func() {
		if r := recover(); r != nil {
			result.Err = fmt.Errorf("transfer of %s panicked: %v", job.Path, r)
		}
	}()

	localPath, err := p.prepare(ctx, job.Local, job.Path, job.Direction == Download)
	if err != nil {
		result.Err = err
		return result
	}
	remotePath, err := p.prepare(ctx, job.Remote, job.Path, job.Direction == Upload)
	if err != nil {
		result.Err = err
		return result
	}
	result.LocalPath, result.RemotePath = localPath, remotePath

	switch job.Direction {
	case Upload:
		result.RemoteID, result.Err = job.Remote.UploadFile(ctx, localPath, remotePath, job.OnProgress, true)
	case Download:
		_, result.Err = job.Remote.DownloadFile(ctx, remotePath, localPath, job.OnProgress, true)
		result.RemoteID = remotePath
	default:
		result.Err = fmt.Errorf("unknown transfer direction %d", job.Direction)
	}
	return result
}

// prepare resolves logical on site p and, for the receiving side, creates
// the parent folder. Both steps hold the site lock.
func (p *Pool) prepare(ctx context.Context, prov provider.Provider, logical string, receiving bool) (string, error) {
	unlock := p.locks.Lock(prov.Site())
	defer unlock()

	resolved, err := prov.ResolvePath(logical)
	if err != nil {
		return "", fmt.Errorf("failed to resolve %s on %s: %w", logical, prov.Site(), err)
	}
	if !receiving {
		return resolved, nil
	}

	var dir string
	if prov.Code() == provider.CodeLocalDrive {
		dir = filepath.Dir(resolved)
	} else {
		dir = path.Dir(resolved)
	}
	if _, err := prov.CreateFolder(ctx, dir); err != nil {
		return "", fmt.Errorf("failed to create folder %s on %s: %w", dir, prov.Site(), err)
	}
	return resolved, nil
}
