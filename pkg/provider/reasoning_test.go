package provider

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func runFilter(f *ReasoningFilter, chunks ...string) string {
	var b strings.Builder
	for _, c := range chunks {
		b.WriteString(f.Push(c))
	}
	b.WriteString(f.Flush())
	return b.String()
}

func TestReasoningFilter_Strip(t *testing.T) {
	cases := []struct {
		name   string
		chunks []string
		want   string
	}{
		{"no reasoning", []string{"Hello", " world"}, "Hello world"},
		{"single chunk", []string{"<think>plan</think>\n\nAnswer"}, "Answer"},
		{"split tags", []string{"<thi", "nk>pl", "an</th", "ink>", "\n\nAns", "wer"}, "Answer"},
		{"tag split one byte at a time", strings.Split("<think>x</think>ok", ""), "ok"},
		{"unterminated reasoning dropped", []string{"<think>still thinking"}, ""},
		{"lone angle bracket kept", []string{"a <", " b"}, "a < b"},
		{"trailing partial tag flushed", []string{"value <thin"}, "value <thin"},
		{"inline block keeps surrounding text", []string{"a<think>b</think> c"}, "a c"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, runFilter(NewReasoningFilter(ReasoningStrip), tc.chunks...))
		})
	}
}

func TestReasoningFilter_Keep(t *testing.T) {
	f := NewReasoningFilter(ReasoningKeep)
	require.Equal(t, "<think>x</think>y", runFilter(f, "<think>x", "</think>y"))
}

func TestReasoningFilter_CountsReasoning(t *testing.T) {
	f := NewReasoningFilter(ReasoningStrip)
	runFilter(f, "<think>abc", "def</think>z")
	require.Equal(t, 6, f.ReasoningBytes())
}

func TestParseReasoningPolicy(t *testing.T) {
	p, ok := ParseReasoningPolicy("")
	require.True(t, ok)
	require.Equal(t, ReasoningStrip, p)
	p, ok = ParseReasoningPolicy("KEEP")
	require.True(t, ok)
	require.Equal(t, ReasoningKeep, p)
	_, ok = ParseReasoningPolicy("hide")
	require.False(t, ok)
}
