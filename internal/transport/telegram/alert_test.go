package telegram

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestSplitText(t *testing.T) {
	t.Parallel()

	long := strings.Repeat("a", 30) + "\n" + strings.Repeat("b", 30)
	tests := []struct {
		name  string
		in    string
		limit int
		want  []string
	}{
		{"short", "hello", 10, []string{"hello"}},
		{"exact", "abcde", 5, []string{"abcde"}},
		{"newline boundary", long, 40, []string{strings.Repeat("a", 30), strings.Repeat("b", 30)}},
		{"hard cut", "abcdefghij", 4, []string{"abcd", "efgh", "ij"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := splitText(tt.in, tt.limit)
			if strings.Join(got, "|") != strings.Join(tt.want, "|") {
				t.Fatalf("splitText() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestSplitTextCountsRunes(t *testing.T) {
	t.Parallel()

	in := strings.Repeat("ж", 9)
	got := splitText(in, 4)
	if len(got) != 3 {
		t.Fatalf("got %d chunks, want 3", len(got))
	}
	for _, c := range got {
		if utf8.RuneCountInString(c) > 4 {
			t.Fatalf("chunk %q exceeds limit", c)
		}
	}
}

func TestNewAlertSenderRequiresToken(t *testing.T) {
	t.Parallel()

	if _, err := NewAlertSender("  "); err == nil {
		t.Fatal("expected error for empty token")
	}
	if _, err := NewAlertSender("123:abc"); err != nil {
		t.Fatalf("offline bot should not contact the API: %v", err)
	}
}
