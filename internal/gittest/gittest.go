// Package gittest provides helpers for exercising git workflows against
// local bare repositories. It installs go-git's in-process server transport
// for file:// URLs so tests clone, fetch and push without a git binary or a
// network listener.
package gittest

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	gitconfig "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/transport/client"
	"github.com/go-git/go-git/v5/plumbing/transport/server"
)

func init() {
	client.InstallProtocol("file", server.NewClient(server.DefaultLoader))
}

// Remote is a bare repository on the local filesystem acting as the origin
// for tests.
type Remote struct {
	URL  string
	path string
	t    *testing.T
}

// NewRemote creates a bare repository seeded with one commit on branch
// containing files.
func NewRemote(t *testing.T, branch string, files map[string]string) *Remote {
	t.Helper()

	path := filepath.Join(t.TempDir(), "remote.git")
	if _, err := git.PlainInit(path, true); err != nil {
		t.Fatalf("init bare repository: %v", err)
	}

	r := &Remote{URL: "file://" + path, path: path, t: t}

	seed := t.TempDir()
	repo, err := git.PlainInit(seed, false)
	if err != nil {
		t.Fatalf("init seed repository: %v", err)
	}

	head := plumbing.NewSymbolicReference(plumbing.HEAD, plumbing.NewBranchReferenceName(branch))
	if err := repo.Storer.SetReference(head); err != nil {
		t.Fatalf("set seed HEAD: %v", err)
	}

	r.commitAndPush(repo, seed, branch, files)
	return r
}

// Push commits files on top of branch and pushes, simulating another actor
// updating the remote. Returns the new tip.
func (r *Remote) Push(branch string, files map[string]string) plumbing.Hash {
	r.t.Helper()

	dir := r.t.TempDir()
	repo, err := git.PlainClone(dir, false, &git.CloneOptions{
		URL:           r.URL,
		ReferenceName: plumbing.NewBranchReferenceName(branch),
		SingleBranch:  true,
	})
	if err != nil {
		r.t.Fatalf("clone %s: %v", r.URL, err)
	}

	return r.commitAndPush(repo, dir, branch, files)
}

func (r *Remote) commitAndPush(repo *git.Repository, dir, branch string, files map[string]string) plumbing.Hash {
	r.t.Helper()

	wt, err := repo.Worktree()
	if err != nil {
		r.t.Fatal(err)
	}

	WriteFiles(r.t, dir, files)

	if err := wt.AddWithOptions(&git.AddOptions{All: true}); err != nil {
		r.t.Fatalf("add: %v", err)
	}

	commit, err := wt.Commit("seed", &git.CommitOptions{Author: Author()})
	if err != nil {
		r.t.Fatalf("commit: %v", err)
	}

	if _, err := repo.Remote("origin"); err == git.ErrRemoteNotFound {
		if _, err := repo.CreateRemote(&gitconfig.RemoteConfig{Name: "origin", URLs: []string{r.URL}}); err != nil {
			r.t.Fatalf("create remote: %v", err)
		}
	}

	refSpec := gitconfig.RefSpec("refs/heads/" + branch + ":refs/heads/" + branch)
	if err := repo.Push(&git.PushOptions{RemoteName: "origin", RefSpecs: []gitconfig.RefSpec{refSpec}}); err != nil {
		r.t.Fatalf("push %s: %v", branch, err)
	}

	return commit
}

// Head returns the tip of branch on the remote.
func (r *Remote) Head(branch string) plumbing.Hash {
	r.t.Helper()

	repo, err := git.PlainOpen(r.path)
	if err != nil {
		r.t.Fatal(err)
	}

	ref, err := repo.Reference(plumbing.NewBranchReferenceName(branch), true)
	if err != nil {
		r.t.Fatalf("resolve %s on remote: %v", branch, err)
	}

	return ref.Hash()
}

// FileContent returns the content of path at the tip of branch on the remote.
func (r *Remote) FileContent(branch, path string) string {
	r.t.Helper()

	repo, err := git.PlainOpen(r.path)
	if err != nil {
		r.t.Fatal(err)
	}

	commit, err := repo.CommitObject(r.Head(branch))
	if err != nil {
		r.t.Fatal(err)
	}

	tree, err := commit.Tree()
	if err != nil {
		r.t.Fatal(err)
	}

	file, err := tree.File(path)
	if err != nil {
		r.t.Fatalf("file %s at %s: %v", path, branch, err)
	}

	content, err := file.Contents()
	if err != nil {
		r.t.Fatal(err)
	}

	return content
}

// Branches lists the branch names present on the remote.
func (r *Remote) Branches() []string {
	r.t.Helper()

	repo, err := git.PlainOpen(r.path)
	if err != nil {
		r.t.Fatal(err)
	}

	iter, err := repo.Branches()
	if err != nil {
		r.t.Fatal(err)
	}

	var names []string
	if err := iter.ForEach(func(ref *plumbing.Reference) error {
		names = append(names, ref.Name().Short())
		return nil
	}); err != nil {
		r.t.Fatal(err)
	}

	return names
}

// Destroy removes the remote from disk so subsequent pushes and fetches
// fail.
func (r *Remote) Destroy() {
	r.t.Helper()
	if err := os.RemoveAll(r.path); err != nil {
		r.t.Fatal(err)
	}
}

// WriteFiles writes files (path relative to dir, content) into dir.
func WriteFiles(t *testing.T, dir string, files map[string]string) {
	t.Helper()

	for name, content := range files {
		path := filepath.Join(dir, name)
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte(content), 0644); err != nil {
			t.Fatal(err)
		}
	}
}

// Author returns a fixed commit signature for tests.
func Author() *object.Signature {
	return &object.Signature{Name: "test", Email: "test@localhost", When: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}
