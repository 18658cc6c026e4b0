// Package gitinfo resolves the currently checked out branch for a project
// directory. Results are cached briefly so event ingest never pays the
// subprocess cost twice in a row for the same project.
package gitinfo

import (
	"context"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	commandTimeout = 2 * time.Second
	cacheTTL       = 60 * time.Second
)

type cacheEntry struct {
	branch    *string
	fetchedAt time.Time
}

type Resolver struct {
	projectsRoot string

	mu    sync.Mutex
	cache map[string]cacheEntry
	now   func() time.Time
}

func NewResolver(projectsRoot string) *Resolver {
	return &Resolver{
		projectsRoot: projectsRoot,
		cache:        make(map[string]cacheEntry),
		now:          time.Now,
	}
}

// Branch returns the checked out branch of the named project, or nil when
// the project directory is missing, not a repository, or the lookup times
// out. Negative results are cached like positive ones.
func (r *Resolver) Branch(ctx context.Context, project string) *string {
	if project == "" || r.projectsRoot == "" || !safeProjectName(project) {
		return nil
	}

	r.mu.Lock()
	if entry, ok := r.cache[project]; ok && r.now().Sub(entry.fetchedAt) < cacheTTL {
		r.mu.Unlock()
		return entry.branch
	}
	r.mu.Unlock()

	branch := r.resolve(ctx, project)

	r.mu.Lock()
	r.cache[project] = cacheEntry{branch: branch, fetchedAt: r.now()}
	r.mu.Unlock()
	return branch
}

func (r *Resolver) resolve(ctx context.Context, project string) *string {
	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "git", "rev-parse", "--abbrev-ref", "HEAD")
	cmd.Dir = filepath.Join(r.projectsRoot, project)

	out, err := cmd.Output()
	if err != nil {
		log.Debug().Err(err).Str("project", project).Msg("branch lookup failed")
		return nil
	}

	branch := strings.TrimSpace(string(out))
	if branch == "" {
		return nil
	}
	return &branch
}

// safeProjectName rejects names that would escape the projects root.
func safeProjectName(project string) bool {
	if strings.Contains(project, "..") {
		return false
	}
	return !strings.ContainsAny(project, `/\`)
}
