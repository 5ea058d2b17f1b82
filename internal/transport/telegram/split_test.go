package telegram

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestSplitText(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name      string
		in        string
		limit     int
		parseMode string
		wantN     int
	}{
		{name: "short", in: "hello", limit: 10, wantN: 1},
		{name: "exact", in: strings.Repeat("a", 10), limit: 10, wantN: 1},
		{name: "hard cut", in: strings.Repeat("a", 25), limit: 10, wantN: 3},
		{name: "newline preferred", in: strings.Repeat("a", 6) + "\n" + strings.Repeat("b", 6), limit: 10, wantN: 2},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := splitText(tc.in, tc.limit, tc.parseMode)
			if len(got) != tc.wantN {
				t.Fatalf("chunks=%d want %d (%q)", len(got), tc.wantN, got)
			}
			for _, c := range got {
				if utf8.RuneCountInString(c) > tc.limit {
					t.Fatalf("chunk over limit: %q", c)
				}
			}
		})
	}
}

func TestSplitTextKeepsNewlineBoundary(t *testing.T) {
	t.Parallel()
	got := splitText("aaaaaa\nbbbbbb", 10, "")
	if got[0] != "aaaaaa" || got[1] != "bbbbbb" {
		t.Fatalf("unexpected chunks %q", got)
	}
}

func TestSplitTextAvoidsOpenTag(t *testing.T) {
	t.Parallel()
	in := "abcdefg<b>xyz</b>"
	got := splitText(in, 9, "HTML")
	if !strings.HasPrefix(got[1], "<b") {
		t.Fatalf("tag was split: %q", got)
	}
}
