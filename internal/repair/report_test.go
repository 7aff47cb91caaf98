package repair

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/charmbracelet/x/ansi"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTruncate(t *testing.T) {
	tests := []struct {
		name string
		in   string
		n    int
		want string
	}{
		{name: "short", in: "fine", n: 10, want: "fine"},
		{name: "newlines", in: "a\nb", n: 10, want: "a b"},
		{name: "ascii", in: "abcdefghijkl", n: 8, want: "abcde..."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, truncate(tt.in, tt.n))
		})
	}
}

func TestTruncate_MultibyteDetail(t *testing.T) {
	detail := strings.Repeat("réservation annulée, ", 6)
	got := truncate(detail, 20)
	assert.True(t, utf8.ValidString(got), "cut inside a rune: %q", got)
	assert.True(t, strings.HasSuffix(got, "..."))
	assert.LessOrEqual(t, ansi.StringWidth(got), 20)

	wide := strings.Repeat("予約", 40)
	got = truncate(wide, 21)
	assert.True(t, utf8.ValidString(got))
	assert.LessOrEqual(t, ansi.StringWidth(got), 21)
}

func TestReport_TableKeepsMultibyteDetailValid(t *testing.T) {
	r := &Report{Items: 1, Outcomes: []Outcome{{
		Tool:   "cancel_reservation",
		Status: StatusFailed,
		Detail: strings.Repeat("ü", 80),
	}}}
	table := r.Table()
	require.True(t, utf8.ValidString(table))
	assert.Contains(t, table, strings.Repeat("ü", 57)+"...")
}
