// Package safety guards text that crosses between agents: secrets are
// scrubbed before notes enter shared memory, and recalled notes are screened
// before they are pasted into another worker's task.
package safety

import (
	"regexp"
	"strings"
)

// Verdict is the outcome of screening a text.
type Verdict int

const (
	Allow Verdict = iota
	// Flag marks suspicious text that may still be delivered.
	Flag
	// Block marks text that must not reach another agent.
	Block
)

func (v Verdict) String() string {
	switch v {
	case Flag:
		return "flag"
	case Block:
		return "block"
	default:
		return "allow"
	}
}

type Screening struct {
	Verdict Verdict
	Reason  string
}

var screenRules = []struct {
	re      *regexp.Regexp
	verdict Verdict
	reason  string
}{
	{regexp.MustCompile(`(?i)\bignore\s+(all\s+)?(previous|above|prior)\s+(instructions?|prompts?|rules?|tasks?)\b`), Block, "instruction override"},
	{regexp.MustCompile(`(?i)\byou\s+are\s+now\s+(a|an|the)\s+\w+`), Block, "identity override"},
	{regexp.MustCompile(`(?i)\b(new\s+instructions?|override\s+(system\s+)?prompt|system\s+prompt\s+override)\b`), Block, "prompt override"},
	{regexp.MustCompile(`(?i)\b(reveal|show|print|output|repeat)\s+(\w+\s+)?(your\s+)?(system\s+)?(prompt|instructions?)\b`), Block, "prompt extraction"},
	// Mesh control prefixes belong to the orchestrator; a note carrying one
	// could pose as a task or a shutdown.
	{regexp.MustCompile(`(?m)^\s*\[(task from [^\]]+|shutdown|done)\]`), Block, "spoofed control message"},
	{regexp.MustCompile(`(?i)\[\s*SYSTEM\s*\]`), Flag, "system tag"},
	{regexp.MustCompile(`(?i)<\s*\|?\s*(system|im_start|im_end)\s*\|?\s*>`), Flag, "chat template tag"},
	{regexp.MustCompile(`(aWdub3Jl|SWdub3Jl)`), Flag, "encoded instruction"},
}

// Screen checks text that one agent wrote before it is shown to another.
// The most severe matching rule wins.
func Screen(text string) Screening {
	if strings.TrimSpace(text) == "" {
		return Screening{}
	}
	var out Screening
	for _, r := range screenRules {
		if r.verdict > out.Verdict && r.re.MatchString(text) {
			out = Screening{Verdict: r.verdict, Reason: r.reason}
		}
	}
	return out
}
