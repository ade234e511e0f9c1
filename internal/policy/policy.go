// Package policy decides which mesh identities may call which tools. Rules
// live in policy.yaml in the state dir; without the file every call is
// allowed.
package policy

import (
	"fmt"
	"hash/fnv"
	"os"
	"path"
	"strconv"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// Checker is the interface used by the tool registry.
type Checker interface {
	AllowTool(identity, tool string) bool
	PolicyVersion() string
}

// Rule applies to identities matching Identity. Deny is checked before
// Allow. Patterns are path.Match globs such as "agents.*".
type Rule struct {
	Identity string   `yaml:"identity"`
	Allow    []string `yaml:"allow,omitempty"`
	Deny     []string `yaml:"deny,omitempty"`
}

// Policy is the serializable policy data. The first rule whose identity
// matches and that names the tool decides; otherwise Default does.
type Policy struct {
	Default string `yaml:"default"` // "allow" or "deny"
	Rules   []Rule `yaml:"rules,omitempty"`
}

func Default() Policy {
	return Policy{Default: "allow"}
}

func Load(path string) (Policy, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return Policy{}, fmt.Errorf("read policy: %w", err)
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return Default(), nil
	}
	var p Policy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Policy{}, fmt.Errorf("parse policy: %w", err)
	}
	if p.Default == "" {
		p.Default = "allow"
	}
	if err := p.validate(); err != nil {
		return Policy{}, err
	}
	return p, nil
}

// AllowTool reports whether identity may call tool.
func (p Policy) AllowTool(identity, tool string) bool {
	for _, r := range p.Rules {
		if !match(r.Identity, identity) {
			continue
		}
		if matchAny(r.Deny, tool) {
			return false
		}
		if matchAny(r.Allow, tool) {
			return true
		}
	}
	return !strings.EqualFold(p.Default, "deny")
}

func (p Policy) PolicyVersion() string {
	return policyVersionFor(p)
}

// match treats an empty pattern as "*".
func match(pattern, value string) bool {
	pattern = strings.TrimSpace(pattern)
	if pattern == "" || pattern == "*" {
		return true
	}
	ok, err := path.Match(pattern, value)
	return err == nil && ok
}

func matchAny(patterns []string, value string) bool {
	for _, p := range patterns {
		if strings.TrimSpace(p) != "" && match(p, value) {
			return true
		}
	}
	return false
}

func (p Policy) validate() error {
	switch strings.ToLower(p.Default) {
	case "allow", "deny":
	default:
		return fmt.Errorf("invalid policy default %q: must be allow or deny", p.Default)
	}
	for i, r := range p.Rules {
		if len(r.Allow)+len(r.Deny) == 0 {
			return fmt.Errorf("rule %d (%s): needs allow or deny", i, r.Identity)
		}
		for _, pat := range append(append([]string{r.Identity}, r.Allow...), r.Deny...) {
			if _, err := path.Match(pat, ""); err != nil {
				return fmt.Errorf("rule %d: bad pattern %q: %w", i, pat, err)
			}
		}
	}
	return nil
}

// LivePolicy wraps a Policy for concurrent reads and whole-file reloads.
type LivePolicy struct {
	mu   sync.RWMutex
	data Policy
}

func NewLivePolicy(initial Policy) *LivePolicy {
	return &LivePolicy{data: initial}
}

// AllowTool is the thread-safe check used at runtime.
func (lp *LivePolicy) AllowTool(identity, tool string) bool {
	lp.mu.RLock()
	defer lp.mu.RUnlock()
	return lp.data.AllowTool(identity, tool)
}

func (lp *LivePolicy) PolicyVersion() string {
	lp.mu.RLock()
	defer lp.mu.RUnlock()
	return policyVersionFor(lp.data)
}

// Reload replaces the policy data from a fresh Policy snapshot.
func (lp *LivePolicy) Reload(p Policy) {
	lp.mu.Lock()
	defer lp.mu.Unlock()
	lp.data = p
}

// Snapshot returns a copy of the current policy data.
func (lp *LivePolicy) Snapshot() Policy {
	lp.mu.RLock()
	defer lp.mu.RUnlock()
	cp := Policy{Default: lp.data.Default}
	for _, r := range lp.data.Rules {
		cp.Rules = append(cp.Rules, Rule{
			Identity: r.Identity,
			Allow:    append([]string(nil), r.Allow...),
			Deny:     append([]string(nil), r.Deny...),
		})
	}
	return cp
}

// ReloadFromFile updates the live policy only when the incoming file parses and validates.
// On error, the previous policy remains active.
func ReloadFromFile(lp *LivePolicy, path string) error {
	if lp == nil {
		return fmt.Errorf("nil live policy")
	}
	p, err := Load(path)
	if err != nil {
		return err
	}
	lp.Reload(p)
	return nil
}

func policyVersionFor(p Policy) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte("default=" + strings.ToLower(p.Default) + "|"))
	for _, r := range p.Rules {
		_, _ = h.Write([]byte("id=" + strings.TrimSpace(r.Identity) + "|"))
		for _, v := range r.Allow {
			_, _ = h.Write([]byte("+" + strings.TrimSpace(v) + "|"))
		}
		for _, v := range r.Deny {
			_, _ = h.Write([]byte("-" + strings.TrimSpace(v) + "|"))
		}
	}
	return "policy-" + strconv.FormatUint(h.Sum64(), 16)
}
