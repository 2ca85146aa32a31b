package uploads

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
	"time"

	logx "courier/pkg/logx"
)

func newTestStore(t *testing.T, maxSize int64) *Store {
	t.Helper()
	s, err := New(Config{Dir: t.TempDir(), MaxSize: maxSize}, logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func TestSafeName(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"report.PDF", `^report_[0-9a-f]{8}\.pdf$`},
		{"my photo (1).jpg", `^my_photo__1__[0-9a-f]{8}\.jpg$`},
		{"../../etc/passwd", `^passwd_[0-9a-f]{8}$`},
		{`C:\Users\x\doc.txt`, `^doc_[0-9a-f]{8}\.txt$`},
		{strings.Repeat("a", 80) + ".csv", `^a{50}_[0-9a-f]{8}\.csv$`},
	}
	for _, tc := range cases {
		got := SafeName(tc.in)
		if !regexp.MustCompile(tc.want).MatchString(got) {
			t.Fatalf("SafeName(%q) = %q, want match %s", tc.in, got, tc.want)
		}
	}
	if SafeName("a.txt") == SafeName("a.txt") {
		t.Fatal("SafeName should be unique per call")
	}
}

func TestAllowed(t *testing.T) {
	for _, ct := range []string{"image/png", "text/csv; charset=utf-8", "APPLICATION/PDF", "video/webm"} {
		if !Allowed(ct) {
			t.Fatalf("%q should be allowed", ct)
		}
	}
	for _, ct := range []string{"", "application/x-msdownload", "text/html", "garbage"} {
		if Allowed(ct) {
			t.Fatalf("%q should be rejected", ct)
		}
	}
}

func TestSaveAndResolve(t *testing.T) {
	s := newTestStore(t, 0)
	f, err := s.Save("notes.txt", "text/plain", strings.NewReader("hello"))
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if f.Size != 5 || f.OriginalName != "notes.txt" {
		t.Fatalf("file = %+v", f)
	}

	path, err := s.Resolve(f.ID)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	b, _ := os.ReadFile(path)
	if string(b) != "hello" {
		t.Fatalf("content = %q", b)
	}
}

func TestSaveRejects(t *testing.T) {
	s := newTestStore(t, 8)

	if _, err := s.Save("x.exe", "application/x-msdownload", strings.NewReader("MZ")); !errors.Is(err, ErrUnsupportedType) {
		t.Fatalf("err = %v, want ErrUnsupportedType", err)
	}
	if _, err := s.Save("big.txt", "text/plain", bytes.NewReader(make([]byte, 9))); !errors.Is(err, ErrTooLarge) {
		t.Fatalf("err = %v, want ErrTooLarge", err)
	}
	entries, _ := os.ReadDir(s.Dir())
	if len(entries) != 0 {
		t.Fatalf("rejected upload left %d files", len(entries))
	}
	if _, err := s.Save("fits.txt", "text/plain", bytes.NewReader(make([]byte, 8))); err != nil {
		t.Fatalf("Save at the limit: %v", err)
	}
}

func TestResolveRejectsTraversal(t *testing.T) {
	s := newTestStore(t, 0)
	for _, id := range []string{"", "..", "../x", "a/b", `a\b`, "x..y"} {
		if _, err := s.Resolve(id); !errors.Is(err, ErrInvalidID) {
			t.Fatalf("Resolve(%q) err = %v, want ErrInvalidID", id, err)
		}
	}
	if _, err := s.Resolve("missing_1234abcd.txt"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing file err = %v", err)
	}
}

func TestCleanupOlderThan(t *testing.T) {
	s := newTestStore(t, 0)
	oldF, _ := s.Save("old.txt", "text/plain", strings.NewReader("o"))
	newF, _ := s.Save("new.txt", "text/plain", strings.NewReader("n"))

	past := time.Now().Add(-25 * time.Hour)
	if err := os.Chtimes(filepath.Join(s.Dir(), oldF.ID), past, past); err != nil {
		t.Fatal(err)
	}

	n, err := s.Cleanup()
	if err != nil || n != 1 {
		t.Fatalf("Cleanup = %d, %v", n, err)
	}
	if _, err := s.Resolve(oldF.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("old file kept: %v", err)
	}
	if _, err := s.Resolve(newF.ID); err != nil {
		t.Fatalf("new file removed: %v", err)
	}
}
