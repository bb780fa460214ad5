/*
Copyright 2025 Jordi Gil.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package opsrepo keeps a local working copy of each registered
// ops-repo up to date. No git-client library exists anywhere in the
// example corpus this project was grounded on, so the synchronizer
// shells out to the system git binary; see DESIGN.md.
package opsrepo

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	apperrors "github.com/forgebase/platform/internal/errors"
	"github.com/forgebase/platform/pkg/domain"
	"github.com/forgebase/platform/pkg/shared/logging"
)

// Result is the outcome of a single successful sync.
type Result struct {
	Commit       string
	LastSyncedAt time.Time
}

// Synchronizer maintains a local git working copy per ops-repo under
// <rootDir>/<repo-name>, coalescing concurrent requests for the same
// repo and retrying transient git failures with bounded backoff.
type Synchronizer struct {
	rootDir     string
	syncTimeout time.Duration
	group       singleflight.Group
	log         *logrus.Entry

	mu    sync.RWMutex
	state map[string]Result
}

// New builds a Synchronizer rooted at rootDir. syncTimeout bounds a
// single clone/fetch invocation.
func New(rootDir string, syncTimeout time.Duration, logger *logrus.Logger) *Synchronizer {
	return &Synchronizer{
		rootDir:     rootDir,
		syncTimeout: syncTimeout,
		log:         logger.WithField("component", "opsrepo_sync"),
		state:       map[string]Result{},
	}
}

// HasSynced reports whether repo has completed at least one successful
// sync since this process started. The reconciler refuses to apply
// from a repo that has never synced.
func (s *Synchronizer) HasSynced(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.state[name]
	return ok
}

// LastResult returns the most recent successful sync result for repo,
// if any.
func (s *Synchronizer) LastResult(name string) (Result, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.state[name]
	return r, ok
}

// WorkingCopyPath returns the on-disk path of repo's working copy.
func (s *Synchronizer) WorkingCopyPath(repo domain.OpsRepo) string {
	return filepath.Join(s.rootDir, repo.Name)
}

// Sync ensures repo's working copy exists and is updated to the
// tracked branch's tip. A concurrent Sync for the same repo name
// coalesces onto the in-flight call and observes its result.
func (s *Synchronizer) Sync(ctx context.Context, repo domain.OpsRepo) (Result, error) {
	v, err, _ := s.group.Do(repo.Name, func() (any, error) {
		return s.syncOnce(ctx, repo)
	})
	if err != nil {
		return Result{}, err
	}
	return v.(Result), nil
}

func (s *Synchronizer) syncOnce(ctx context.Context, repo domain.OpsRepo) (Result, error) {
	workdir := s.WorkingCopyPath(repo)

	backoff, err := retry.NewExponential(time.Second)
	if err != nil {
		return Result{}, apperrors.Wrap(err, apperrors.ErrorTypeInternal, "failed to build retry backoff")
	}
	backoff = retry.WithCappedDuration(60*time.Second, backoff)
	backoff = retry.WithMaxRetries(6, backoff)

	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		updateErr := s.updateWorkingCopy(ctx, repo, workdir)
		if updateErr != nil {
			return retry.RetryableError(updateErr)
		}
		return nil
	})
	if err != nil {
		return Result{}, apperrors.Wrapf(err, apperrors.ErrorTypeUnavailable, "failed to sync ops-repo %s after retries", repo.Name)
	}

	commit, err := s.runGit(ctx, workdir, "rev-parse", "HEAD")
	if err != nil {
		return Result{}, apperrors.Wrapf(err, apperrors.ErrorTypeUnavailable, "failed to read HEAD commit for ops-repo %s", repo.Name)
	}

	result := Result{Commit: strings.TrimSpace(commit), LastSyncedAt: time.Now().UTC()}
	s.mu.Lock()
	s.state[repo.Name] = result
	s.mu.Unlock()

	fields := logging.NewFields().Component("opsrepo").Operation("sync").Resource("ops_repo", repo.Name).Custom("commit", result.Commit)
	s.log.WithFields(fields.ToLogrus()).Info("ops-repo synced")
	return result, nil
}

func (s *Synchronizer) updateWorkingCopy(ctx context.Context, repo domain.OpsRepo, workdir string) error {
	if _, err := os.Stat(filepath.Join(workdir, ".git")); os.IsNotExist(err) {
		if err := os.MkdirAll(filepath.Dir(workdir), 0o755); err != nil {
			return fmt.Errorf("create ops-repo root: %w", err)
		}
		_ = os.RemoveAll(workdir)
		if _, err := s.runGit(ctx, "", "clone", "--branch", repo.Branch, "--depth", "1", repo.RemoteURL, workdir); err != nil {
			return fmt.Errorf("clone %s: %w", repo.Name, err)
		}
		return nil
	}

	if _, err := s.runGit(ctx, workdir, "fetch", "origin", repo.Branch); err != nil {
		return fmt.Errorf("fetch %s: %w", repo.Name, err)
	}
	if _, err := s.runGit(ctx, workdir, "reset", "--hard", "origin/"+repo.Branch); err != nil {
		return fmt.Errorf("reset %s: %w", repo.Name, err)
	}
	return nil
}

// runGit executes git with args, bounding it by s.syncTimeout. dir, if
// non-empty, runs git with `-C dir`.
func (s *Synchronizer) runGit(ctx context.Context, dir string, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.syncTimeout)
	defer cancel()

	fullArgs := args
	if dir != "" {
		fullArgs = append([]string{"-C", dir}, args...)
	}

	cmd := exec.CommandContext(ctx, "git", fullArgs...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("git %s: %w: %s", strings.Join(args, " "), err, stderr.String())
	}
	return stdout.String(), nil
}
