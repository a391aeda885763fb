package engine

import (
	"sort"
	"strings"
	"sync"
)

// Pauses holds the process-local pause flags. A project is effectively
// paused when it or the server is; an item when it, its project or the
// server is.
type Pauses struct {
	mu       sync.RWMutex
	server   bool
	projects map[string]bool
	items    map[string]bool // keyed by itemKey
}

func itemKey(project, itemID string) string {
	return project + "\x00" + itemID
}

// PauseSnapshot is a copy of the pause flags for reporting.
type PauseSnapshot struct {
	Server   bool     `json:"server"`
	Projects []string `json:"projects"`
	Items    []string `json:"items"`
}

// NewPauses creates an empty set of pause flags
func NewPauses() *Pauses {
	return &Pauses{
		projects: make(map[string]bool),
		items:    make(map[string]bool),
	}
}

func (p *Pauses) SetServer(paused bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.server = paused
}

func (p *Pauses) SetProject(project string, paused bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if paused {
		p.projects[project] = true
	} else {
		delete(p.projects, project)
	}
}

func (p *Pauses) SetItem(project, itemID string, paused bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if paused {
		p.items[itemKey(project, itemID)] = true
	} else {
		delete(p.items, itemKey(project, itemID))
	}
}

func (p *Pauses) ServerPaused() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.server
}

// ProjectPaused also checks the server flag.
func (p *Pauses) ProjectPaused(project string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.server || p.projects[project]
}

// ItemPaused also checks the project and server flags.
func (p *Pauses) ItemPaused(project, itemID string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.server || p.projects[project] || p.items[itemKey(project, itemID)]
}

// Snapshot returns the current flags with sorted lists. Items are
// reported as project/item.
func (p *Pauses) Snapshot() PauseSnapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()
	snap := PauseSnapshot{
		Server:   p.server,
		Projects: make([]string, 0, len(p.projects)),
		Items:    make([]string, 0, len(p.items)),
	}
	for name := range p.projects {
		snap.Projects = append(snap.Projects, name)
	}
	for key := range p.items {
		snap.Items = append(snap.Items, strings.Replace(key, "\x00", "/", 1))
	}
	sort.Strings(snap.Projects)
	sort.Strings(snap.Items)
	return snap
}
