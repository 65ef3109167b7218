package gitrepo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-git/go-git/v5"
	gitconfig "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/transport"

	"github.com/propsync/propsync/internal/config"
	"github.com/propsync/propsync/internal/logging"
)

var (
	// ErrAuthConfig indicates that outbound credentials could not be resolved.
	ErrAuthConfig = errors.New("authentication setup failed")

	// ErrPushFailure indicates a network or authorization failure while pushing.
	ErrPushFailure = errors.New("push failed")

	// ErrMergeConflict indicates the target branch cannot take the change
	// without manual resolution. The transaction never merges automatically
	// in that situation.
	ErrMergeConflict = errors.New("merge conflict, manual resolution required")
)

// Transaction publishes the modified working tree as a single logical unit:
// feature branch, commit, push, fast-forward of the target branch, push of
// the target branch. Any failure after staging triggers a rollback that
// leaves local refs and the worktree as they were before Publish.
type Transaction struct {
	session *Session
	target  string
	cfg     config.Transaction
	creds   *config.SecretRef
	gh      github
	log     *logging.Logger
	now     func() time.Time

	// testHookAfterPush runs between the feature-branch push and the merge
	// onto the target branch. Tests use it to move the target underneath
	// the transaction.
	testHookAfterPush func()
}

func NewTransaction(session *Session, target string, cfg config.Transaction, creds *config.SecretRef, log *logging.Logger) *Transaction {
	return &Transaction{
		session: session,
		target:  target,
		cfg:     cfg,
		creds:   creds,
		log:     log,
		now:     time.Now,
	}
}

// WithClock overrides the transaction clock. Branch names derive from it.
func (t *Transaction) WithClock(now func() time.Time) *Transaction {
	t.now = now
	return t
}

// preState captures everything rollback needs to undo the transaction.
type preState struct {
	branch     string        // branch checked out when Publish began
	targetHash plumbing.Hash // target branch tip when Publish began
	featureRef plumbing.ReferenceName
	created    bool
}

// Publish stages all working-tree changes and publishes them. It returns
// the feature branch name, or "" when there was nothing to commit (no
// branch is created and no network call is made in that case).
func (t *Transaction) Publish(ctx context.Context) (string, error) {
	wt := t.session.wt

	if err := wt.AddWithOptions(&git.AddOptions{All: true}); err != nil {
		return "", err
	}

	status, err := wt.Status()
	if err != nil {
		return "", err
	}
	if status.IsClean() {
		t.log.Infof("No changes to commit")
		return "", nil
	}

	pre := preState{branch: t.target}
	if head, err := t.session.repo.Head(); err == nil && head.Name().IsBranch() {
		pre.branch = head.Name().Short()
	}

	targetRefName := plumbing.NewBranchReferenceName(t.target)
	targetRef, err := t.session.repo.Reference(targetRefName, true)
	if err != nil {
		return "", fmt.Errorf("target branch %s: %w", t.target, err)
	}
	pre.targetHash = targetRef.Hash()

	auth, err := authMethod(ctx, t.creds, &t.gh)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrAuthConfig, err)
	}

	branch, err := t.publish(ctx, auth, &pre)
	if err != nil {
		t.rollback(pre)
		return "", err
	}

	return branch, nil
}

func (t *Transaction) publish(ctx context.Context, auth transport.AuthMethod, pre *preState) (string, error) {
	wt := t.session.wt

	branch := fmt.Sprintf("%s-%s", t.cfg.BranchPrefix, t.now().UTC().Format("20060102-150405"))
	pre.featureRef = plumbing.NewBranchReferenceName(branch)

	t.log.Infof("Creating branch %s", branch)
	if err := wt.Checkout(&git.CheckoutOptions{Branch: pre.featureRef, Create: true}); err != nil {
		return "", fmt.Errorf("create branch %s: %w", branch, err)
	}
	pre.created = true

	commit, err := wt.Commit(t.cfg.CommitMessage, &git.CommitOptions{
		Author: &object.Signature{
			Name:  t.cfg.AuthorName,
			Email: t.cfg.AuthorEmail,
			When:  t.now(),
		},
	})
	if err != nil {
		return "", fmt.Errorf("commit: %w", err)
	}
	t.log.Infof("Committed: %s", t.cfg.CommitMessage)

	if err := t.push(ctx, auth, branch); err != nil {
		return "", fmt.Errorf("%w: branch %s: %v", ErrPushFailure, branch, err)
	}
	t.log.Infof("Pushed branch %s", branch)

	if t.testHookAfterPush != nil {
		t.testHookAfterPush()
	}

	targetRefName := plumbing.NewBranchReferenceName(t.target)
	if err := wt.Checkout(&git.CheckoutOptions{Branch: targetRefName}); err != nil {
		return "", fmt.Errorf("checkout %s: %w", t.target, err)
	}

	// The feature commit was cut from the target tip recorded at the start
	// of the transaction. If the target has moved since, fast-forwarding is
	// impossible and merging could conflict; that requires a human.
	current, err := t.session.repo.Reference(targetRefName, true)
	if err != nil {
		return "", err
	}
	if current.Hash() != pre.targetHash {
		return "", fmt.Errorf("%w: %s moved from %s to %s during transaction",
			ErrMergeConflict, t.target, pre.targetHash, current.Hash())
	}

	if err := t.session.repo.Storer.SetReference(plumbing.NewHashReference(targetRefName, commit)); err != nil {
		return "", err
	}
	if err := wt.Reset(&git.ResetOptions{Commit: commit, Mode: git.HardReset}); err != nil {
		return "", err
	}

	if err := t.push(ctx, auth, t.target); err != nil {
		return "", fmt.Errorf("%w: branch %s: %v", ErrPushFailure, t.target, err)
	}
	t.log.Infof("Merged %s into %s and pushed", branch, t.target)

	return branch, nil
}

func (t *Transaction) push(ctx context.Context, auth transport.AuthMethod, branch string) error {
	refSpec := gitconfig.RefSpec(fmt.Sprintf("refs/heads/%s:refs/heads/%s", branch, branch))

	err := t.session.repo.PushContext(ctx, &git.PushOptions{
		RemoteName: remoteName,
		Auth:       auth,
		RefSpecs:   []gitconfig.RefSpec{refSpec},
	})
	if err != nil && err != git.NoErrAlreadyUpToDate {
		return err
	}

	return nil
}

// rollback undoes a partially completed transaction: discard uncommitted
// changes, restore the target branch ref, return to the pre-transaction
// branch, drop the feature branch, restore the stash. It never fails;
// every step is best-effort and logged.
func (t *Transaction) rollback(pre preState) {
	t.log.Warnf("Rolling back transaction")

	wt := t.session.wt

	if err := wt.Reset(&git.ResetOptions{Mode: git.HardReset}); err != nil {
		t.log.Warnf("Rollback: reset failed: %v", err)
	}
	if err := wt.Clean(&git.CleanOptions{Dir: true}); err != nil {
		t.log.Warnf("Rollback: clean failed: %v", err)
	}

	targetRefName := plumbing.NewBranchReferenceName(t.target)
	if !pre.targetHash.IsZero() {
		if err := t.session.repo.Storer.SetReference(plumbing.NewHashReference(targetRefName, pre.targetHash)); err != nil {
			t.log.Warnf("Rollback: could not restore %s to %s: %v", t.target, pre.targetHash, err)
		}
	}

	restore := pre.branch
	if restore == "" {
		restore = t.target
	}
	if err := wt.Checkout(&git.CheckoutOptions{Branch: plumbing.NewBranchReferenceName(restore), Force: true}); err != nil {
		t.log.Warnf("Rollback: checkout %s failed: %v", restore, err)
	}

	if pre.created {
		if err := t.session.repo.Storer.RemoveReference(pre.featureRef); err != nil {
			t.log.Warnf("Rollback: could not delete branch %s: %v", pre.featureRef.Short(), err)
		}
	}

	t.session.RestoreStash()
}
