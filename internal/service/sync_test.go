package service_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/propsync/propsync/internal/config"
	"github.com/propsync/propsync/internal/gittest"
	"github.com/propsync/propsync/internal/logging"
	"github.com/propsync/propsync/internal/service"
)

type fakeProvider struct {
	value string
	err   error
	calls int
}

func (f *fakeProvider) Fetch(_ context.Context, _, _ string) (string, error) {
	f.calls++
	return f.value, f.err
}

func testConfig(t *testing.T, remote *gittest.Remote) *config.Root {
	t.Helper()

	raw := fmt.Sprintf(`
repository:
  url: %s
  branch: main
  path: %s
properties:
  file: app.properties
  key: db.url
secret:
  name: prod/db
  region: us-east-1
`, remote.URL, filepath.Join(t.TempDir(), "workdir"))

	cfg, err := config.Parse([]byte(raw))
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	return cfg
}

func TestExecuteUpdatesProperty(t *testing.T) {
	remote := gittest.NewRemote(t, "main", map[string]string{"app.properties": "db.url=old\nother=1\n"})
	cfg := testConfig(t, remote)
	provider := &fakeProvider{value: "jdbc:mysql://db:3306/app"}

	result := service.NewSyncer(cfg, logging.NewNopLogger()).
		WithSecretProvider(provider).
		Execute(context.Background())

	if result.Err != nil {
		t.Fatalf("execute: %v", result.Err)
	}
	if !result.Updated {
		t.Error("expected an update")
	}
	if !strings.HasPrefix(result.Branch, "db-update-") {
		t.Errorf("branch = %q, want db-update- prefix", result.Branch)
	}
	if result.OldValue != "old" || result.NewValue != "jdbc:mysql://db:3306/app" {
		t.Errorf("unexpected values: old %q new %q", result.OldValue, result.NewValue)
	}

	want := "db.url=jdbc:mysql://db:3306/app\nother=1\n"
	if got := remote.FileContent("main", "app.properties"); got != want {
		t.Errorf("remote main content = %q, want %q", got, want)
	}
	if got := remote.FileContent(result.Branch, "app.properties"); got != want {
		t.Errorf("remote feature branch content = %q, want %q", got, want)
	}
}

func TestExecuteIdempotent(t *testing.T) {
	remote := gittest.NewRemote(t, "main", map[string]string{"app.properties": "db.url=old\n"})
	cfg := testConfig(t, remote)
	provider := &fakeProvider{value: "new"}
	log := logging.NewNopLogger()

	first := service.NewSyncer(cfg, log).WithSecretProvider(provider).Execute(context.Background())
	if first.Err != nil {
		t.Fatalf("first execute: %v", first.Err)
	}
	if !first.Updated {
		t.Fatal("first run should update")
	}

	head := remote.Head("main")
	branches := len(remote.Branches())

	second := service.NewSyncer(cfg, log).WithSecretProvider(provider).Execute(context.Background())
	if second.Err != nil {
		t.Fatalf("second execute: %v", second.Err)
	}
	if second.Updated {
		t.Error("second run with an unchanged secret must be a no-op")
	}
	if second.Branch != "" {
		t.Errorf("no-op run must not create a branch, got %q", second.Branch)
	}
	if remote.Head("main") != head {
		t.Error("no-op run must not move the remote")
	}
	if len(remote.Branches()) != branches {
		t.Errorf("no-op run must not add branches: %v", remote.Branches())
	}
}

func TestExecuteDryRun(t *testing.T) {
	remote := gittest.NewRemote(t, "main", map[string]string{"app.properties": "db.url=old\n"})
	cfg := testConfig(t, remote)
	provider := &fakeProvider{value: "new"}

	head := remote.Head("main")

	result := service.NewSyncer(cfg, logging.NewNopLogger()).
		WithSecretProvider(provider).
		WithDryRun(true).
		Execute(context.Background())

	if result.Err != nil {
		t.Fatalf("execute: %v", result.Err)
	}
	if result.Updated {
		t.Error("dry run must not report an update")
	}
	if result.OldValue != "old" || result.NewValue != "new" {
		t.Errorf("dry run should report the pending change: old %q new %q", result.OldValue, result.NewValue)
	}

	bs, err := os.ReadFile(filepath.Join(cfg.Repository.Path, "app.properties"))
	if err != nil {
		t.Fatal(err)
	}
	if string(bs) != "db.url=old\n" {
		t.Errorf("dry run must not touch the file, got %q", bs)
	}
	if remote.Head("main") != head {
		t.Error("dry run must not move the remote")
	}
	if got := remote.Branches(); len(got) != 1 {
		t.Errorf("dry run must not create branches: %v", got)
	}
}

func TestExecuteAppendsMissingKey(t *testing.T) {
	remote := gittest.NewRemote(t, "main", map[string]string{"app.properties": "other=1\n"})
	cfg := testConfig(t, remote)
	provider := &fakeProvider{value: "new"}

	result := service.NewSyncer(cfg, logging.NewNopLogger()).
		WithSecretProvider(provider).
		Execute(context.Background())

	if result.Err != nil {
		t.Fatalf("execute: %v", result.Err)
	}
	if !result.Updated {
		t.Error("expected an update")
	}
	if got := remote.FileContent("main", "app.properties"); got != "other=1\ndb.url=new\n" {
		t.Errorf("remote main content = %q", got)
	}
}

func TestExecuteSecretError(t *testing.T) {
	remote := gittest.NewRemote(t, "main", map[string]string{"app.properties": "db.url=old\n"})
	cfg := testConfig(t, remote)
	provider := &fakeProvider{err: errors.New("access denied")}

	result := service.NewSyncer(cfg, logging.NewNopLogger()).
		WithSecretProvider(provider).
		Execute(context.Background())

	if !errors.Is(result.Err, service.ErrSecretUnavailable) {
		t.Fatalf("expected ErrSecretUnavailable, got %v", result.Err)
	}
	if result.Success() {
		t.Error("failed sync must not report success")
	}
}

func TestExecuteEmptySecret(t *testing.T) {
	remote := gittest.NewRemote(t, "main", map[string]string{"app.properties": "db.url=old\n"})
	cfg := testConfig(t, remote)
	provider := &fakeProvider{value: ""}

	result := service.NewSyncer(cfg, logging.NewNopLogger()).
		WithSecretProvider(provider).
		Execute(context.Background())

	if !errors.Is(result.Err, service.ErrSecretUnavailable) {
		t.Fatalf("expected ErrSecretUnavailable for empty value, got %v", result.Err)
	}
}

func TestExecuteMissingPropertiesFile(t *testing.T) {
	remote := gittest.NewRemote(t, "main", map[string]string{"README.md": "hello\n"})
	cfg := testConfig(t, remote)
	provider := &fakeProvider{value: "new"}

	result := service.NewSyncer(cfg, logging.NewNopLogger()).
		WithSecretProvider(provider).
		Execute(context.Background())

	if !errors.Is(result.Err, service.ErrFileNotFound) {
		t.Fatalf("expected ErrFileNotFound, got %v", result.Err)
	}
}

func TestExecuteRepoSyncError(t *testing.T) {
	remote := gittest.NewRemote(t, "main", map[string]string{"app.properties": "db.url=old\n"})
	cfg := testConfig(t, remote)
	provider := &fakeProvider{value: "new"}

	remote.Destroy()

	result := service.NewSyncer(cfg, logging.NewNopLogger()).
		WithSecretProvider(provider).
		Execute(context.Background())

	if !errors.Is(result.Err, service.ErrRepoSync) {
		t.Fatalf("expected ErrRepoSync, got %v", result.Err)
	}
}
