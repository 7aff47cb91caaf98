package verify

import (
	"fmt"
	"sort"
)

// Source says which stage produced a ReviewComment.
type Source string

const (
	SourceLint       Source = "lint"
	SourceTest       Source = "test"
	SourceGeneration Source = "generation"
)

// ReviewComment is one finding about a candidate guard.
type ReviewComment struct {
	Source    Source `json:"source"`
	Rule      string `json:"rule,omitempty"`
	Message   string `json:"message"`
	Line      int    `json:"line,omitempty"`
	Iteration int    `json:"iteration"`
}

func (c ReviewComment) String() string {
	tag := string(c.Source)
	if c.Rule != "" {
		tag += " " + c.Rule
	}
	if c.Line > 0 {
		tag += fmt.Sprintf(" line %d", c.Line)
	}
	return fmt.Sprintf("[%s] %s", tag, c.Message)
}

// WithIteration stamps every comment with iteration n.
func WithIteration(comments []ReviewComment, n int) []ReviewComment {
	out := make([]ReviewComment, len(comments))
	for i, c := range comments {
		c.Iteration = n
		out[i] = c
	}
	return out
}

// Rounds groups comments by iteration, oldest first.
func Rounds(comments []ReviewComment) [][]ReviewComment {
	byIter := make(map[int][]ReviewComment)
	var iters []int
	for _, c := range comments {
		if _, ok := byIter[c.Iteration]; !ok {
			iters = append(iters, c.Iteration)
		}
		byIter[c.Iteration] = append(byIter[c.Iteration], c)
	}
	sort.Ints(iters)
	out := make([][]ReviewComment, len(iters))
	for i, it := range iters {
		out[i] = byIter[it]
	}
	return out
}
