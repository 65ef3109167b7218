package properties_test

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/propsync/propsync/internal/properties"
)

func write(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.properties")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func read(t *testing.T, path string) string {
	t.Helper()
	bs, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	return string(bs)
}

func TestRead(t *testing.T) {
	tests := []struct {
		name    string
		content string
		key     string
		value   string
		found   bool
	}{
		{
			name:    "equals separator",
			content: "db.url=jdbc:mysql://localhost:3306/db\n",
			key:     "db.url",
			value:   "jdbc:mysql://localhost:3306/db",
			found:   true,
		},
		{
			name:    "colon separator",
			content: "x: 5\n",
			key:     "x",
			value:   "5",
			found:   true,
		},
		{
			name:    "equals wins over colon",
			content: "a:b=c\n",
			key:     "a:b",
			value:   "c",
			found:   true,
		},
		{
			name:    "splits at first separator only",
			content: "url=host=localhost;port=5432\n",
			key:     "url",
			value:   "host=localhost;port=5432",
			found:   true,
		},
		{
			name:    "comment lines are not entries",
			content: "# a=1\n! b=2\na=3\n",
			key:     "a",
			value:   "3",
			found:   true,
		},
		{
			name:    "first occurrence wins",
			content: "a=1\na=2\n",
			key:     "a",
			value:   "1",
			found:   true,
		},
		{
			name:    "surrounding whitespace trimmed",
			content: "  a   =   1  \n",
			key:     "a",
			value:   "1",
			found:   true,
		},
		{
			name:    "absent key",
			content: "a=1\n",
			key:     "b",
			found:   false,
		},
		{
			name:    "crlf input",
			content: "a=1\r\nb=2\r\n",
			key:     "b",
			value:   "2",
			found:   true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := write(t, tt.content)

			value, found, err := properties.Read(path, tt.key)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if found != tt.found {
				t.Fatalf("found = %v, want %v", found, tt.found)
			}
			if value != tt.value {
				t.Fatalf("value = %q, want %q", value, tt.value)
			}
		})
	}
}

func TestReadMissingFile(t *testing.T) {
	_, _, err := properties.Read(filepath.Join(t.TempDir(), "nope.properties"), "a")
	if !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("expected fs.ErrNotExist, got %v", err)
	}
}

func TestUpsert(t *testing.T) {
	tests := []struct {
		name    string
		content string
		key     string
		value   string
		want    string
	}{
		{
			name:    "update preserves comments and order",
			content: "a=1\n#comment\nb=2\n",
			key:     "b",
			value:   "9",
			want:    "a=1\n#comment\nb=9\n",
		},
		{
			name:    "append when absent",
			content: "a=1\n",
			key:     "c",
			value:   "3",
			want:    "a=1\nc=3\n",
		},
		{
			name:    "colon entry rewritten with canonical separator",
			content: "x: 5\n",
			key:     "x",
			value:   "6",
			want:    "x=6\n",
		},
		{
			name:    "duplicate keys all rewritten",
			content: "a=1\nb=2\na=3\n",
			key:     "a",
			value:   "9",
			want:    "a=9\nb=2\na=9\n",
		},
		{
			name:    "missing trailing newline tolerated",
			content: "a=1\nb=2",
			key:     "b",
			value:   "3",
			want:    "a=1\nb=3\n",
		},
		{
			name:    "crlf normalized to lf",
			content: "a=1\r\nb=2\r\n",
			key:     "a",
			value:   "5",
			want:    "a=5\nb=2\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := write(t, tt.content)

			if err := properties.Upsert(path, tt.key, tt.value); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}

			if diff := cmp.Diff(tt.want, read(t, path)); diff != "" {
				t.Fatalf("unexpected file content (-want +got):\n%s", diff)
			}
		})
	}
}

func TestUpsertMissingFile(t *testing.T) {
	err := properties.Upsert(filepath.Join(t.TempDir(), "nope.properties"), "a", "1")
	if !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("expected fs.ErrNotExist, got %v", err)
	}
}

func TestRoundTrip(t *testing.T) {
	content := "# header comment\n\na=1\n   \n! bang comment\nb : 2\nnot an entry line\nc=3\n"
	path := write(t, content)

	f, err := properties.Load(path)
	if err != nil {
		t.Fatal(err)
	}

	if diff := cmp.Diff(content, string(f.Bytes())); diff != "" {
		t.Fatalf("round-trip not byte-identical (-want +got):\n%s", diff)
	}
}

func TestRoundTripNormalizesLineEndings(t *testing.T) {
	path := write(t, "a=1\r\n# comment\r\nb=2")

	f, err := properties.Load(path)
	if err != nil {
		t.Fatal(err)
	}

	if diff := cmp.Diff("a=1\n# comment\nb=2\n", string(f.Bytes())); diff != "" {
		t.Fatalf("unexpected serialization (-want +got):\n%s", diff)
	}
}
