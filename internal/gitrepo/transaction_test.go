package gitrepo

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	gitconfig "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"

	"github.com/propsync/propsync/internal/config"
	"github.com/propsync/propsync/internal/gittest"
	"github.com/propsync/propsync/internal/logging"
)

var testClock = func() time.Time {
	return time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
}

const testBranch = "db-update-20240102-030405"

func testTransaction() config.Transaction {
	return config.Transaction{
		BranchPrefix:  "db-update",
		CommitMessage: "Update db.url in app.properties",
		AuthorName:    "propsync",
		AuthorEmail:   "propsync@localhost",
	}
}

func setupSession(t *testing.T, remote *gittest.Remote) (*Session, config.Repository) {
	t.Helper()

	cfg := testRepository(t, remote.URL)
	session, err := NewSynchronizer(cfg, logging.NewNopLogger()).Sync(context.Background())
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	return session, cfg
}

func TestPublish(t *testing.T) {
	remote := gittest.NewRemote(t, "main", map[string]string{"app.properties": "db.url=old\n"})
	session, cfg := setupSession(t, remote)

	gittest.WriteFiles(t, cfg.Path, map[string]string{"app.properties": "db.url=new\n"})

	tx := NewTransaction(session, "main", testTransaction(), nil, logging.NewNopLogger()).WithClock(testClock)

	branch, err := tx.Publish(context.Background())
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if branch != testBranch {
		t.Errorf("branch = %q, want %q", branch, testBranch)
	}

	if got := remote.FileContent("main", "app.properties"); got != "db.url=new\n" {
		t.Errorf("remote main not updated: %q", got)
	}
	if got := remote.FileContent(branch, "app.properties"); got != "db.url=new\n" {
		t.Errorf("remote feature branch not updated: %q", got)
	}
	if remote.Head("main") != remote.Head(branch) {
		t.Error("main should be fast-forwarded to the feature branch tip")
	}

	head, err := session.repo.Head()
	if err != nil {
		t.Fatal(err)
	}
	if head.Name().Short() != "main" {
		t.Errorf("transaction should end on the target branch, got %s", head.Name().Short())
	}
	if head.Hash() != remote.Head("main") {
		t.Error("local main should match the pushed tip")
	}
}

func TestPublishNoChanges(t *testing.T) {
	remote := gittest.NewRemote(t, "main", map[string]string{"app.properties": "db.url=old\n"})
	session, _ := setupSession(t, remote)

	before := remote.Head("main")

	tx := NewTransaction(session, "main", testTransaction(), nil, logging.NewNopLogger()).WithClock(testClock)

	branch, err := tx.Publish(context.Background())
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if branch != "" {
		t.Errorf("clean worktree must not create a branch, got %q", branch)
	}
	if remote.Head("main") != before {
		t.Error("remote must not move for a no-op publish")
	}
	if got := remote.Branches(); len(got) != 1 {
		t.Errorf("no feature branch expected on remote, got %v", got)
	}
}

func TestPublishMergeConflict(t *testing.T) {
	remote := gittest.NewRemote(t, "main", map[string]string{"app.properties": "db.url=old\n"})
	session, cfg := setupSession(t, remote)

	preHash, err := session.repo.Reference(plumbing.NewBranchReferenceName("main"), true)
	if err != nil {
		t.Fatal(err)
	}

	gittest.WriteFiles(t, cfg.Path, map[string]string{"app.properties": "db.url=new\n"})

	tx := NewTransaction(session, "main", testTransaction(), nil, logging.NewNopLogger()).WithClock(testClock)

	// Move the target branch underneath the transaction, after the feature
	// branch is pushed but before the merge.
	tx.testHookAfterPush = func() {
		remote.Push("main", map[string]string{"app.properties": "db.url=conflict\n"})

		err := session.repo.Fetch(&git.FetchOptions{
			RemoteName: "origin",
			Force:      true,
			RefSpecs:   []gitconfig.RefSpec{"+refs/heads/*:refs/remotes/origin/*"},
		})
		if err != nil && err != git.NoErrAlreadyUpToDate {
			t.Errorf("hook fetch: %v", err)
			return
		}

		moved, err := session.repo.Reference(plumbing.NewRemoteReferenceName("origin", "main"), true)
		if err != nil {
			t.Errorf("hook resolve origin/main: %v", err)
			return
		}
		ref := plumbing.NewHashReference(plumbing.NewBranchReferenceName("main"), moved.Hash())
		if err := session.repo.Storer.SetReference(ref); err != nil {
			t.Errorf("hook move main: %v", err)
		}
	}

	_, err = tx.Publish(context.Background())
	if !errors.Is(err, ErrMergeConflict) {
		t.Fatalf("expected ErrMergeConflict, got %v", err)
	}

	// Rollback must leave the repository as it was before Publish.
	head, err := session.repo.Head()
	if err != nil {
		t.Fatal(err)
	}
	if head.Name().Short() != "main" {
		t.Errorf("rollback should return to main, got %s", head.Name().Short())
	}
	if head.Hash() != preHash.Hash() {
		t.Errorf("rollback should restore main to %s, got %s", preHash.Hash(), head.Hash())
	}

	if _, err := session.repo.Reference(plumbing.NewBranchReferenceName(testBranch), true); !errors.Is(err, plumbing.ErrReferenceNotFound) {
		t.Errorf("feature branch should be deleted locally, got %v", err)
	}

	if got := readWorktreeFile(t, cfg, "app.properties"); got != "db.url=old\n" {
		t.Errorf("worktree should hold pre-transaction content, got %q", got)
	}

	// The other actor's change wins on the remote.
	if got := remote.FileContent("main", "app.properties"); got != "db.url=conflict\n" {
		t.Errorf("remote main should keep the concurrent change, got %q", got)
	}
}

func TestPublishPushFailureRollsBack(t *testing.T) {
	remote := gittest.NewRemote(t, "main", map[string]string{"app.properties": "db.url=old\n"})
	session, cfg := setupSession(t, remote)

	preHash, err := session.repo.Reference(plumbing.NewBranchReferenceName("main"), true)
	if err != nil {
		t.Fatal(err)
	}

	gittest.WriteFiles(t, cfg.Path, map[string]string{"app.properties": "db.url=new\n"})

	// Destroy the remote so the feature branch push fails.
	remote.Destroy()

	tx := NewTransaction(session, "main", testTransaction(), nil, logging.NewNopLogger()).WithClock(testClock)

	_, err = tx.Publish(context.Background())
	if !errors.Is(err, ErrPushFailure) {
		t.Fatalf("expected ErrPushFailure, got %v", err)
	}

	head, err := session.repo.Head()
	if err != nil {
		t.Fatal(err)
	}
	if head.Name().Short() != "main" {
		t.Errorf("rollback should return to main, got %s", head.Name().Short())
	}
	if head.Hash() != preHash.Hash() {
		t.Errorf("rollback should restore main to %s, got %s", preHash.Hash(), head.Hash())
	}
	if _, err := session.repo.Reference(plumbing.NewBranchReferenceName(testBranch), true); !errors.Is(err, plumbing.ErrReferenceNotFound) {
		t.Errorf("feature branch should be deleted locally, got %v", err)
	}
	if got := readWorktreeFile(t, cfg, "app.properties"); got != "db.url=old\n" {
		t.Errorf("worktree should hold pre-transaction content, got %q", got)
	}
}

func TestPublishCreatesFeatureBranchOnRemote(t *testing.T) {
	remote := gittest.NewRemote(t, "main", map[string]string{"app.properties": "db.url=old\n"})
	session, cfg := setupSession(t, remote)

	gittest.WriteFiles(t, cfg.Path, map[string]string{"app.properties": "db.url=new\n"})

	tx := NewTransaction(session, "main", testTransaction(), nil, logging.NewNopLogger()).WithClock(testClock)

	branch, err := tx.Publish(context.Background())
	if err != nil {
		t.Fatalf("publish: %v", err)
	}

	branches := remote.Branches()
	slices.Sort(branches)
	if want := []string{branch, "main"}; !slices.Equal(branches, want) {
		t.Errorf("remote branches = %v, want %v", branches, want)
	}
}
