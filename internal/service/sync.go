// Package service wires the propsync pipeline together: fetch the secret,
// synchronize the working copy, compare the property, update the file and
// publish the change. Execution is single-threaded and blocking; exactly
// one sync operation owns a working directory at a time.
package service

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"time"

	"github.com/akedrou/textdiff"

	"github.com/propsync/propsync/internal/config"
	"github.com/propsync/propsync/internal/gitrepo"
	"github.com/propsync/propsync/internal/logging"
	"github.com/propsync/propsync/internal/metrics"
	"github.com/propsync/propsync/internal/progress"
	"github.com/propsync/propsync/internal/properties"
	"github.com/propsync/propsync/internal/secrets"
	pkgsync "github.com/propsync/propsync/pkg/sync"
)

var (
	// ErrSecretUnavailable indicates the secret store was unreachable, denied
	// access, or returned an empty value.
	ErrSecretUnavailable = errors.New("secret unavailable")

	// ErrRepoSync indicates the working copy could not be brought current.
	ErrRepoSync = errors.New("repository synchronization failed")

	// ErrFileNotFound indicates the target properties file does not exist in
	// the working copy. The syncer never creates it.
	ErrFileNotFound = errors.New("properties file not found")
)

var _ pkgsync.Synchronizer = (*Syncer)(nil)

// Syncer runs one end-to-end synchronization of a secret value into a
// properties file in a git repository.
type Syncer struct {
	cfg      *config.Root
	provider pkgsync.SecretProvider
	log      *logging.Logger
	bar      *progress.Bar
	dryRun   bool
}

func NewSyncer(cfg *config.Root, log *logging.Logger) *Syncer {
	return &Syncer{
		cfg:      cfg,
		provider: secrets.NewManager(cfg.Secret, log),
		log:      log,
	}
}

// WithSecretProvider replaces the AWS Secrets Manager provider with a
// custom one.
func (s *Syncer) WithSecretProvider(provider pkgsync.SecretProvider) *Syncer {
	s.provider = provider
	return s
}

func (s *Syncer) WithProgress(bar *progress.Bar) *Syncer {
	s.bar = bar
	return s
}

// WithDryRun makes Execute perform all read-side steps but skip the file
// write and the publish.
func (s *Syncer) WithDryRun(dryRun bool) *Syncer {
	s.dryRun = dryRun
	return s
}

// Steps is the number of progress steps one Execute call advances.
const Steps = 4

// Execute runs the synchronization once and returns a structured result.
// Re-running with an unchanged secret value is a no-op: no commit, no
// branch, no push.
func (s *Syncer) Execute(ctx context.Context) pkgsync.Result {
	startTime := time.Now()
	metrics.SyncStarted(s.cfg.Repository.URL)

	result := s.execute(ctx)

	if result.Err != nil {
		metrics.SyncFailed(s.cfg.Repository.URL, stage(result.Err))
		s.log.Errorf("Sync failed: %v", result.Err)
	} else {
		metrics.SyncSucceeded(s.cfg.Repository.URL, result.Updated, startTime)
	}

	s.bar.Finish()
	return result
}

func (s *Syncer) execute(ctx context.Context) pkgsync.Result {
	result := pkgsync.Result{Key: s.cfg.Properties.Key}

	s.bar.Describe("fetching secret")
	value, err := s.provider.Fetch(ctx, s.cfg.Secret.Name, s.cfg.Secret.JSONKey)
	if err != nil {
		result.Err = fmt.Errorf("%w: %v", ErrSecretUnavailable, err)
		return result
	}
	if value == "" {
		result.Err = fmt.Errorf("%w: secret %q has an empty value", ErrSecretUnavailable, s.cfg.Secret.Name)
		return result
	}
	result.NewValue = value
	s.bar.Add(1)

	s.bar.Describe("synchronizing repository")
	session, err := gitrepo.NewSynchronizer(s.cfg.Repository, s.log).Sync(ctx)
	if err != nil {
		result.Err = fmt.Errorf("%w: %v", ErrRepoSync, err)
		return result
	}
	// Stashed local work is restored on every exit path: no-op, dry-run,
	// successful publish and failed publish alike.
	defer session.RestoreStash()
	s.bar.Add(1)

	s.bar.Describe("reading properties")
	path := filepath.Join(s.cfg.Repository.Path, s.cfg.Properties.File)
	file, err := properties.Load(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			result.Err = fmt.Errorf("%w: %s", ErrFileNotFound, path)
		} else {
			result.Err = err
		}
		return result
	}

	current, _ := file.Get(s.cfg.Properties.Key)
	result.OldValue = current

	if current == value {
		s.log.Infof("Property %s is up to date", s.cfg.Properties.Key)
		s.bar.Add(2)
		return result
	}

	before := file.Bytes()
	file.Set(s.cfg.Properties.Key, value)

	if s.log.Level() <= logging.LogLevelDebug || s.dryRun {
		s.log.Debugf("Pending change to %s:\n%s", s.cfg.Properties.File,
			textdiff.Unified("a/"+s.cfg.Properties.File, "b/"+s.cfg.Properties.File, string(before), string(file.Bytes())))
	}

	if s.dryRun {
		s.log.Infof("Dry run: would update %s in %s", s.cfg.Properties.Key, s.cfg.Properties.File)
		s.bar.Add(2)
		return result
	}

	if err := file.Write(); err != nil {
		result.Err = err
		return result
	}
	s.bar.Add(1)

	s.bar.Describe("publishing change")
	tx := gitrepo.NewTransaction(session, s.cfg.Repository.Branch, s.cfg.Transaction, s.cfg.Repository.Credentials, s.log)
	branch, err := tx.Publish(ctx)
	if err != nil {
		result.Err = err
		return result
	}
	s.bar.Add(1)

	result.Branch = branch
	result.Updated = branch != ""
	return result
}

// stage maps an error to the pipeline stage it belongs to, for metrics.
func stage(err error) string {
	switch {
	case errors.Is(err, ErrSecretUnavailable):
		return "secret"
	case errors.Is(err, ErrRepoSync):
		return "repo-sync"
	case errors.Is(err, ErrFileNotFound):
		return "properties"
	case errors.Is(err, gitrepo.ErrAuthConfig):
		return "auth"
	case errors.Is(err, gitrepo.ErrMergeConflict):
		return "merge"
	case errors.Is(err, gitrepo.ErrPushFailure):
		return "push"
	default:
		return "other"
	}
}
