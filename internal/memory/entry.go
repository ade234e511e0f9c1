package memory

import (
	"fmt"
	"time"
)

// Type classifies an entry. Importance rises message < discovery < decision < summary.
type Type string

const (
	TypeMessage   Type = "message"
	TypeDiscovery Type = "discovery"
	TypeDecision  Type = "decision"
	TypeSummary   Type = "summary"
)

var importance = map[Type]int{
	TypeMessage:   0,
	TypeDiscovery: 1,
	TypeDecision:  2,
	TypeSummary:   3,
}

// Importance returns the eviction rank of t; lower is evicted first.
func (t Type) Importance() int { return importance[t] }

func ParseType(s string) (Type, error) {
	t := Type(s)
	if _, ok := importance[t]; !ok {
		return "", fmt.Errorf("unknown memory type %q", s)
	}
	return t, nil
}

// AllTypes lists types in importance order.
func AllTypes() []Type {
	return []Type{TypeMessage, TypeDiscovery, TypeDecision, TypeSummary}
}

// Entry is one stored note.
type Entry struct {
	ID          string    `json:"id"`
	Agent       string    `json:"agent"`
	Type        Type      `json:"type"`
	Source      string    `json:"source"`
	CreatedAt   time.Time `json:"createdAt"`
	TaskID      string    `json:"taskId,omitempty"`
	Workstream  string    `json:"workstream,omitempty"`
	Files       []string  `json:"files,omitempty"`
	ContentHash string    `json:"contentHash"`
	Text        string    `json:"text"`
	Vector      []float32 `json:"-"`
}

// Metadata accompanies a Remember call.
type Metadata struct {
	Agent      string
	Type       Type
	Source     string
	TaskID     string
	Workstream string
	Files      []string
}

// WriteResult reports a Remember outcome. Degraded means memory was skipped
// and the caller should carry on without it.
type WriteResult struct {
	OK        bool   `json:"ok"`
	ID        string `json:"id,omitempty"`
	Duplicate bool   `json:"duplicate,omitempty"`
	Evicted   int    `json:"evicted,omitempty"`
	Degraded  bool   `json:"degraded,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// RecallOptions narrows a Recall. Zero values fall back to store defaults.
type RecallOptions struct {
	Agent         string
	Type          Type
	Workstream    string
	TopK          int
	MinSimilarity float64
	TokenBudget   int
}

// Hit is one recalled entry with its scores.
type Hit struct {
	Entry      Entry   `json:"entry"`
	Similarity float64 `json:"similarity"`
	Score      float64 `json:"score"`
}

type RecallResult struct {
	Hits       []Hit  `json:"hits"`
	TokensUsed int    `json:"tokensUsed"`
	Degraded   bool   `json:"degraded,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

// Stats summarises the store.
type Stats struct {
	Enabled      bool           `json:"enabled"`
	Open         bool           `json:"open"`
	Total        int            `json:"total"`
	MaxEntries   int            `json:"maxEntries"`
	ByAgent      map[string]int `json:"byAgent"`
	ByType       map[string]int `json:"byType"`
	Degraded     bool           `json:"degraded"`
	Reason       string         `json:"reason,omitempty"`
	BreakerOpen  bool           `json:"breakerOpen"`
	BreakerUntil *time.Time     `json:"breakerUntil,omitempty"`
	Failures     int            `json:"consecutiveFailures"`
	Dimensions   int            `json:"dimensions"`
}
