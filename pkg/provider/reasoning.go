package provider

import "strings"

type ReasoningPolicy string

const (
	// ReasoningStrip removes <think>...</think> preambles (deepseek-r1 on Ollama).
	ReasoningStrip ReasoningPolicy = "strip"
	// ReasoningKeep forwards fragments untouched.
	ReasoningKeep ReasoningPolicy = "keep"
)

func ParseReasoningPolicy(s string) (ReasoningPolicy, bool) {
	switch ReasoningPolicy(strings.ToLower(strings.TrimSpace(s))) {
	case "", ReasoningStrip:
		return ReasoningStrip, true
	case ReasoningKeep:
		return ReasoningKeep, true
	default:
		return "", false
	}
}

const (
	thinkOpen  = "<think>"
	thinkClose = "</think>"
)

// ReasoningFilter strips reasoning blocks from a fragment sequence. Tags may
// be split across fragments, so a possible partial tag is held back until the
// next Push or Flush. Not safe for concurrent use.
type ReasoningFilter struct {
	policy       ReasoningPolicy
	inThink      bool
	pending      string
	emitted      bool
	trimLeading  bool
	reasoningLen int
}

func NewReasoningFilter(policy ReasoningPolicy) *ReasoningFilter {
	if policy == "" {
		policy = ReasoningStrip
	}
	return &ReasoningFilter{policy: policy}
}

// Push consumes one upstream fragment and returns the visible text, which may be empty.
func (f *ReasoningFilter) Push(chunk string) string {
	if f == nil || f.policy == ReasoningKeep {
		return chunk
	}
	buf := f.pending + chunk
	f.pending = ""

	var out strings.Builder
	for buf != "" {
		if f.inThink {
			idx := strings.Index(buf, thinkClose)
			if idx < 0 {
				n := partialTagSuffix(buf, thinkClose)
				f.reasoningLen += len(buf) - n
				f.pending = buf[len(buf)-n:]
				break
			}
			f.reasoningLen += idx
			f.inThink = false
			buf = buf[idx+len(thinkClose):]
			if !f.emitted && out.Len() == 0 {
				f.trimLeading = true
			}
			continue
		}
		idx := strings.Index(buf, thinkOpen)
		if idx < 0 {
			n := partialTagSuffix(buf, thinkOpen)
			out.WriteString(buf[:len(buf)-n])
			f.pending = buf[len(buf)-n:]
			break
		}
		out.WriteString(buf[:idx])
		f.inThink = true
		buf = buf[idx+len(thinkOpen):]
	}
	return f.visible(out.String())
}

// Flush releases any held-back text. An unterminated reasoning block is dropped.
func (f *ReasoningFilter) Flush() string {
	if f == nil || f.policy == ReasoningKeep {
		return ""
	}
	rest := f.pending
	f.pending = ""
	if f.inThink {
		f.reasoningLen += len(rest)
		return ""
	}
	return f.visible(rest)
}

// ReasoningBytes reports how much reasoning text was removed.
func (f *ReasoningFilter) ReasoningBytes() int {
	if f == nil {
		return 0
	}
	return f.reasoningLen
}

func (f *ReasoningFilter) visible(s string) string {
	if f.trimLeading {
		s = strings.TrimLeft(s, " \t\r\n")
		if s != "" {
			f.trimLeading = false
		}
	}
	if s != "" {
		f.emitted = true
	}
	return s
}

// partialTagSuffix returns the length of the longest suffix of s that is a
// proper prefix of tag.
func partialTagSuffix(s, tag string) int {
	limit := min(len(tag)-1, len(s))
	for k := limit; k > 0; k-- {
		if strings.HasSuffix(s, tag[:k]) {
			return k
		}
	}
	return 0
}
