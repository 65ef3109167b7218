// Package gitrepo implements the repository side of propsync: keeping a
// local working copy in sync with its remote and publishing property
// changes through a branch, commit, push, merge sequence. The package is
// built on go-git and performs no subprocess calls. None of the types are
// thread-safe; the caller owns the working directory for the duration of a
// sync operation.
package gitrepo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/go-git/go-git/v5"
	gitconfig "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/protocol/packp/capability"
	"github.com/go-git/go-git/v5/plumbing/transport"

	"github.com/propsync/propsync/internal/config"
	"github.com/propsync/propsync/internal/logging"
)

// originFile is an internal file used to track whether an existing clone
// still matches the configured origin or needs to be wiped and re-cloned.
const originFile = "propsync-origin"

const remoteName = "origin"

func init() {
	// For Azure DevOps compatibility. More details: https://github.com/go-git/go-git/issues/64
	transport.UnsupportedCapabilities = []capability.Capability{
		capability.ThinPack,
	}
}

// ErrDiverged is returned when the local branch and its remote counterpart
// have both moved since their common ancestor. Replaying local commits is a
// manual operation; the synchronizer never merges histories.
var ErrDiverged = errors.New("local branch diverged from remote, manual rebase required")

// Synchronizer brings a local working copy of a remote repository into a
// known consistent state: clone when absent, fetch and fast-forward when
// present, stashing uncommitted local work first.
type Synchronizer struct {
	path string
	cfg  config.Repository
	gh   github
	log  *logging.Logger
}

func NewSynchronizer(cfg config.Repository, log *logging.Logger) *Synchronizer {
	return &Synchronizer{path: cfg.Path, cfg: cfg, log: log}
}

// Sync establishes the working copy and returns a Session describing it.
// The caller must eventually call Session.RestoreStash on every exit path
// so stashed local work is never silently dropped.
func (s *Synchronizer) Sync(ctx context.Context) (*Session, error) {
	// A configuration change (typically the repository URL) invalidates an
	// existing clone; re-cloning is the simplest correct response. Credential
	// changes are excluded from the comparison.
	if data, err := os.ReadFile(filepath.Join(s.path, ".git", originFile)); err == nil {
		var recorded config.Repository
		if err := json.Unmarshal(data, &recorded); err != nil || !recorded.Equal(&s.cfg) {
			s.log.Infof("Origin configuration changed, wiping clone at %s", s.path)
			if err := os.RemoveAll(s.path); err != nil {
				return nil, err
			}
		}
	} else if !os.IsNotExist(err) {
		return nil, err
	}

	branchRef := plumbing.NewBranchReferenceName(s.cfg.Branch)

	repository, err := git.PlainOpen(s.path)
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return s.clone(ctx, branchRef)
	} else if err != nil {
		return nil, err
	}

	wt, err := repository.Worktree()
	if err != nil {
		return nil, err
	}

	session := &Session{
		repo: repository,
		wt:   wt,
		path: s.path,
		log:  s.log,
	}

	if head, err := repository.Head(); err == nil && head.Name().IsBranch() {
		session.originalBranch = head.Name().Short()
	}

	// Safeguard uncommitted local modifications before anything moves the
	// worktree. The stash travels with the session; restoring it is the
	// caller's obligation on every exit path.
	session.stash, err = takeStash(wt, s.path, s.log)
	if err != nil {
		return nil, err
	}

	if err := s.update(ctx, session, branchRef); err != nil {
		session.RestoreStash()
		return nil, err
	}

	return session, nil
}

func (s *Synchronizer) clone(ctx context.Context, branchRef plumbing.ReferenceName) (*Session, error) {
	auth, err := authMethod(ctx, s.cfg.Credentials, &s.gh)
	if err != nil {
		return nil, err
	}

	s.log.Infof("Cloning %s (branch %s) into %s", s.cfg.URL, s.cfg.Branch, s.path)

	repository, err := git.PlainCloneContext(ctx, s.path, false, &git.CloneOptions{
		URL:           s.cfg.URL,
		Auth:          auth,
		ReferenceName: branchRef,
		SingleBranch:  true,
	})
	if err != nil {
		return nil, err
	}

	data, err := json.Marshal(s.cfg)
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(filepath.Join(s.path, ".git", originFile), data, 0644); err != nil {
		return nil, err
	}

	wt, err := repository.Worktree()
	if err != nil {
		return nil, err
	}

	return &Session{
		repo:           repository,
		wt:             wt,
		path:           s.path,
		originalBranch: s.cfg.Branch,
		cloned:         true,
		log:            s.log,
	}, nil
}

// update fetches the remote, checks out the configured branch and brings it
// up to date while keeping history linear.
func (s *Synchronizer) update(ctx context.Context, session *Session, branchRef plumbing.ReferenceName) error {
	auth, err := authMethod(ctx, s.cfg.Credentials, &s.gh)
	if err != nil {
		return err
	}

	s.log.Debugf("Fetching %s", s.cfg.URL)
	if err := session.repo.FetchContext(ctx, &git.FetchOptions{
		RemoteName: remoteName,
		Auth:       auth,
		Force:      true,
		RefSpecs: []gitconfig.RefSpec{
			gitconfig.RefSpec(fmt.Sprintf("+refs/heads/*:refs/remotes/%s/*", remoteName)),
		},
	}); err != nil && err != git.NoErrAlreadyUpToDate {
		return fmt.Errorf("fetch: %w", err)
	}

	if err := s.checkout(session, branchRef); err != nil {
		return fmt.Errorf("checkout %s: %w", s.cfg.Branch, err)
	}

	if err := s.fastForward(session, branchRef); err != nil {
		return fmt.Errorf("pull %s: %w", s.cfg.Branch, err)
	}

	return nil
}

func (s *Synchronizer) checkout(session *Session, branchRef plumbing.ReferenceName) error {
	err := session.wt.Checkout(&git.CheckoutOptions{Branch: branchRef})
	if !errors.Is(err, plumbing.ErrReferenceNotFound) {
		return err
	}

	// No local branch yet; create it from the fetched remote tip.
	remoteRef, err := session.repo.Reference(plumbing.NewRemoteReferenceName(remoteName, s.cfg.Branch), true)
	if err != nil {
		return fmt.Errorf("branch %s not found on remote: %w", s.cfg.Branch, err)
	}

	return session.wt.Checkout(&git.CheckoutOptions{
		Branch: branchRef,
		Hash:   remoteRef.Hash(),
		Create: true,
	})
}

// fastForward realizes pull-with-rebase semantics for the cases go-git can
// express: up to date and locally ahead are no-ops, behind fast-forwards,
// diverged surfaces ErrDiverged instead of creating a merge commit.
func (s *Synchronizer) fastForward(session *Session, branchRef plumbing.ReferenceName) error {
	localRef, err := session.repo.Reference(branchRef, true)
	if err != nil {
		return err
	}

	remoteRef, err := session.repo.Reference(plumbing.NewRemoteReferenceName(remoteName, s.cfg.Branch), true)
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		// Branch exists locally only (e.g. never pushed); nothing to pull.
		return nil
	} else if err != nil {
		return err
	}

	if localRef.Hash() == remoteRef.Hash() {
		return nil
	}

	localCommit, err := object.GetCommit(session.repo.Storer, localRef.Hash())
	if err != nil {
		return err
	}
	remoteCommit, err := object.GetCommit(session.repo.Storer, remoteRef.Hash())
	if err != nil {
		return err
	}

	if ahead, err := remoteCommit.IsAncestor(localCommit); err != nil {
		return err
	} else if ahead {
		// Local commits on top of the remote tip; history is already linear.
		s.log.Debugf("Local branch %s is ahead of %s/%s", s.cfg.Branch, remoteName, s.cfg.Branch)
		return nil
	}

	if behind, err := localCommit.IsAncestor(remoteCommit); err != nil {
		return err
	} else if !behind {
		return ErrDiverged
	}

	s.log.Debugf("Fast-forwarding %s to %s", s.cfg.Branch, remoteRef.Hash())

	if err := session.repo.Storer.SetReference(plumbing.NewHashReference(branchRef, remoteRef.Hash())); err != nil {
		return err
	}

	return session.wt.Reset(&git.ResetOptions{Commit: remoteRef.Hash(), Mode: git.HardReset})
}

// Session is the state of one established working copy: which branch was
// active before the sync and whether local work was stashed. It is owned by
// a single sync operation and never persisted.
type Session struct {
	repo           *git.Repository
	wt             *git.Worktree
	path           string
	originalBranch string
	stash          *stash
	cloned         bool
	log            *logging.Logger
}

// Cloned reports whether the session was established by a fresh clone.
func (s *Session) Cloned() bool {
	return s.cloned
}

// Stashed reports whether local modifications were set aside during sync.
func (s *Session) Stashed() bool {
	return s.stash != nil
}

// RestoreStash puts stashed local modifications back into the working tree.
// It is idempotent and best-effort: a restore failure is logged, never
// escalated, so it cannot mask the error that led to the restore.
func (s *Session) RestoreStash() {
	if s.stash == nil {
		return
	}

	s.log.Infof("Restoring stashed local changes")
	s.stash.restore(s.path, s.log)
	s.stash = nil
}

// stash is a snapshot of dirty and untracked files, held outside the
// repository while the synchronizer moves the worktree. go-git has no
// native stash; a file-level snapshot provides the same guarantee for this
// workflow.
type stash struct {
	dir     string
	saved   []string // repo-relative paths snapshotted into dir
	deleted []string // repo-relative paths that were locally deleted
}

// takeStash snapshots all uncommitted modifications and untracked files and
// then resets the worktree clean. Returns nil when there is nothing to do.
func takeStash(wt *git.Worktree, path string, log *logging.Logger) (*stash, error) {
	status, err := wt.Status()
	if err != nil {
		return nil, err
	}

	if status.IsClean() {
		return nil, nil
	}

	dir, err := os.MkdirTemp("", "propsync-stash-")
	if err != nil {
		return nil, err
	}

	st := &stash{dir: dir}

	for file, fileStatus := range status {
		if fileStatus.Worktree == git.Unmodified && fileStatus.Staging == git.Unmodified {
			continue
		}

		src := filepath.Join(path, file)
		if _, err := os.Lstat(src); err != nil {
			st.deleted = append(st.deleted, file)
			continue
		}

		if err := copyFile(src, filepath.Join(dir, file)); err != nil {
			os.RemoveAll(dir)
			return nil, err
		}
		st.saved = append(st.saved, file)
	}

	log.Infof("Stashing %d local change(s) before sync", len(st.saved)+len(st.deleted))

	if err := wt.Reset(&git.ResetOptions{Mode: git.HardReset}); err != nil {
		os.RemoveAll(dir)
		return nil, err
	}
	if err := wt.Clean(&git.CleanOptions{Dir: true}); err != nil {
		os.RemoveAll(dir)
		return nil, err
	}

	return st, nil
}

func (st *stash) restore(path string, log *logging.Logger) {
	for _, file := range st.saved {
		if err := copyFile(filepath.Join(st.dir, file), filepath.Join(path, file)); err != nil {
			log.Warnf("Could not restore stashed file %s: %v", file, err)
		}
	}

	for _, file := range st.deleted {
		if err := os.Remove(filepath.Join(path, file)); err != nil && !os.IsNotExist(err) {
			log.Warnf("Could not restore deletion of %s: %v", file, err)
		}
	}

	if err := os.RemoveAll(st.dir); err != nil {
		log.Warnf("Could not remove stash directory %s: %v", st.dir, err)
	}
}

func copyFile(src, dst string) error {
	fi, err := os.Stat(src)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}

	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, fi.Mode().Perm())
	if err != nil {
		return err
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}

	return out.Close()
}
