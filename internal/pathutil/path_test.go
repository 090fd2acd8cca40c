package pathutil

import (
	"path/filepath"
	"testing"
)

func TestExpand(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("LAKE_ROOT", "/srv/lake")
	cases := []struct {
		in   string
		want string
	}{
		{in: "", want: ""},
		{in: "~", want: home},
		{in: "~/config.yaml", want: filepath.Join(home, "config.yaml")},
		{in: "$LAKE_ROOT/data", want: "/srv/lake/data"},
		{in: "${LAKE_ROOT}", want: "/srv/lake"},
		{in: "relative/dir", want: "relative/dir"},
		{in: "~other/x", want: "~other/x"},
	}
	for _, tc := range cases {
		got, err := Expand(tc.in)
		if err != nil {
			t.Fatalf("Expand(%q): %v", tc.in, err)
		}
		if got != tc.want {
			t.Fatalf("Expand(%q)=%q want %q", tc.in, got, tc.want)
		}
	}
}

func TestAbs(t *testing.T) {
	got, err := Abs("relative/dir")
	if err != nil {
		t.Fatalf("Abs: %v", err)
	}
	if !filepath.IsAbs(got) {
		t.Fatalf("expected absolute path, got %q", got)
	}
	if got, err := Abs("  "); err != nil || got != "" {
		t.Fatalf("expected empty path, got %q err=%v", got, err)
	}
}
