package pathmatch

import "testing"

func TestMatch(t *testing.T) {
	cases := []struct {
		a, b string
		want bool
	}{
		{"/repo/one", "/repo/one", true},
		{"/repo/one", "/repo/one/", true},
		{"/Repo/One", "/repo/one", true},
		{"/repo", "/repo/sub/dir", true},
		{"/repo/sub/dir", "/repo", true},
		{"/repo", "/repo-two", false},
		{"/repo/one", "/repo/two", false},
		{"", "/repo", false},
		{"/repo", "", false},
		{"", "", false},
		{"/", "/anything", true},
		{"/a/b/../c", "/a/c", true},
	}

	for _, c := range cases {
		if got := Match(c.a, c.b); got != c.want {
			t.Errorf("Match(%q, %q) = %v, want %v", c.a, c.b, got, c.want)
		}
	}
}

func TestExact(t *testing.T) {
	if !Exact("/Repo/One/", "/repo/one") {
		t.Error("expected exact match after normalization")
	}
	if Exact("/repo", "/repo/sub") {
		t.Error("prefix should not be an exact match")
	}
	if Exact("", "") {
		t.Error("empty paths never match")
	}
}

func TestNormalize(t *testing.T) {
	if Normalize("/Repo/One/") != "/repo/one" {
		t.Errorf("got %q", Normalize("/Repo/One/"))
	}
	if Normalize("") != "" {
		t.Errorf("empty path should stay empty")
	}
}
