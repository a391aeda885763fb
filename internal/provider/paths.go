package provider

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/BadgerOps/sitesync/internal/safety"
)

var rootPlaceholder = regexp.MustCompile(`\{root(?:\[([^\]]*)\])?\}`)

// Roots resolves {root} and {root[name]} placeholders in logical paths.
// Site roots win over Fallback (project-level) roots.
type Roots struct {
	Site     map[string]string
	Fallback map[string]string
	// Remote selects slash-separated path handling regardless of the host OS.
	Remote bool
}

func (r Roots) lookup(name string) (string, bool) {
	for _, m := range []map[string]string{r.Site, r.Fallback} {
		if name == "" {
			if v, ok := m["root"]; ok {
				return v, true
			}
			if len(m) == 1 {
				for _, v := range m {
					return v, true
				}
			}
			continue
		}
		if v, ok := m[name]; ok {
			return v, true
		}
	}
	return "", false
}

// Resolve returns the absolute path for a logical path. A path without
// placeholders is returned cleaned but otherwise unchanged.
func (r Roots) Resolve(logical string) (string, error) {
	if strings.TrimSpace(logical) == "" {
		return "", NewError("resolve_path", logical, ErrPathResolution, fmt.Errorf("empty path"))
	}

	matches := rootPlaceholder.FindAllStringSubmatchIndex(logical, -1)
	if len(matches) == 0 {
		return r.clean(logical), nil
	}

	var b strings.Builder
	var leadingRoot string
	last := 0
	for i, m := range matches {
		name := ""
		if m[2] >= 0 {
			name = logical[m[2]:m[3]]
		}
		value, ok := r.lookup(name)
		if !ok {
			return "", NewError("resolve_path", logical, ErrPathResolution, fmt.Errorf("no root named %q", name))
		}
		value = strings.TrimRight(value, `/\`)
		if i == 0 && m[0] == 0 {
			leadingRoot = value
		}
		b.WriteString(logical[last:m[0]])
		b.WriteString(value)
		last = m[1]
	}
	b.WriteString(logical[last:])
	resolved := r.clean(b.String())

	if leadingRoot == "" {
		return resolved, nil
	}
	var err error
	if r.Remote {
		resolved, err = safety.EnsureUnderSlashRoot(leadingRoot, resolved)
	} else {
		resolved, err = safety.EnsureUnderRoot(leadingRoot, resolved)
	}
	if err != nil {
		return "", NewError("resolve_path", logical, ErrPathResolution, err)
	}
	return resolved, nil
}

func (r Roots) clean(p string) string {
	if r.Remote {
		return safety.CleanSlashPath(p)
	}
	return safety.CleanLocalPath(p)
}
