package policy_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/basket/go-crew/internal/policy"
)

func writePolicy(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "policy.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write policy: %v", err)
	}
	return path
}

func TestLoad_AllowAllWhenMissing(t *testing.T) {
	p, err := policy.Load(filepath.Join(t.TempDir(), "missing-policy.yaml"))
	if err != nil {
		t.Fatalf("load policy: %v", err)
	}
	for _, tool := range []string{"agents.spawn", "agents.kill_all", "memory.reset"} {
		if !p.AllowTool("anyone", tool) {
			t.Fatalf("default policy must allow %s", tool)
		}
	}
}

func TestLoad_EmptyFileIsDefault(t *testing.T) {
	p, err := policy.Load(writePolicy(t, "\n"))
	if err != nil {
		t.Fatalf("load policy: %v", err)
	}
	if p.Default != "allow" {
		t.Fatalf("default = %q, want allow", p.Default)
	}
}

func TestAllowTool_RulesInOrder(t *testing.T) {
	path := writePolicy(t, `default: allow
rules:
  - identity: orchestrator
    allow: ["*"]
  - identity: "*"
    deny: ["agents.spawn", "agents.kill*", "memory.reset"]
`)
	p, err := policy.Load(path)
	if err != nil {
		t.Fatalf("load policy: %v", err)
	}
	cases := []struct {
		identity, tool string
		want           bool
	}{
		{"orchestrator", "agents.spawn", true},
		{"orchestrator", "memory.reset", true},
		{"atlas", "agents.spawn", false},
		{"atlas", "agents.kill_all", false},
		{"atlas", "agents.kill", false},
		{"atlas", "agents.done", true},
		{"atlas", "memory.remember", true},
		{"", "memory.reset", false},
	}
	for _, tc := range cases {
		if got := p.AllowTool(tc.identity, tc.tool); got != tc.want {
			t.Errorf("AllowTool(%q, %q) = %v, want %v", tc.identity, tc.tool, got, tc.want)
		}
	}
}

func TestAllowTool_DefaultDeny(t *testing.T) {
	p, err := policy.Load(writePolicy(t, `default: deny
rules:
  - identity: "worker-*"
    allow: ["memory.*", "agents.done"]
`))
	if err != nil {
		t.Fatalf("load policy: %v", err)
	}
	if !p.AllowTool("worker-1", "memory.recall") {
		t.Fatal("worker should recall")
	}
	if p.AllowTool("worker-1", "agents.spawn") {
		t.Fatal("worker must not spawn under default deny")
	}
	if p.AllowTool("lead", "memory.recall") {
		t.Fatal("unmatched identity falls to default deny")
	}
}

func TestLoad_Invalid(t *testing.T) {
	cases := map[string]string{
		"bad default":  "default: maybe\n",
		"empty rule":   "rules:\n  - identity: atlas\n",
		"bad pattern":  "rules:\n  - identity: atlas\n    deny: [\"agents.[\"]\n",
		"not yaml map": "- just\n- a list\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := policy.Load(writePolicy(t, body)); err == nil {
				t.Fatal("expected load error")
			}
		})
	}
}

func TestReloadFromFile_InvalidRetainsPrevious(t *testing.T) {
	path := writePolicy(t, "rules:\n  - identity: atlas\n    deny: [\"memory.reset\"]\n")
	initial, err := policy.Load(path)
	if err != nil {
		t.Fatalf("load policy: %v", err)
	}
	live := policy.NewLivePolicy(initial)
	before := live.PolicyVersion()

	if err := os.WriteFile(path, []byte("default: sometimes\n"), 0o644); err != nil {
		t.Fatalf("rewrite policy: %v", err)
	}
	if err := policy.ReloadFromFile(live, path); err == nil {
		t.Fatal("expected reload error")
	}
	if live.AllowTool("atlas", "memory.reset") {
		t.Fatal("previous policy should remain active")
	}
	if live.PolicyVersion() != before {
		t.Fatal("version changed on failed reload")
	}

	if err := os.WriteFile(path, []byte("default: allow\n"), 0o644); err != nil {
		t.Fatalf("rewrite policy: %v", err)
	}
	if err := policy.ReloadFromFile(live, path); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if !live.AllowTool("atlas", "memory.reset") {
		t.Fatal("reloaded policy should allow")
	}
	if live.PolicyVersion() == before {
		t.Fatal("version should change after reload")
	}
}

func TestSnapshotIsCopy(t *testing.T) {
	live := policy.NewLivePolicy(policy.Policy{
		Default: "allow",
		Rules:   []policy.Rule{{Identity: "atlas", Deny: []string{"memory.reset"}}},
	})
	snap := live.Snapshot()
	snap.Rules[0].Deny[0] = "nothing"
	if live.AllowTool("atlas", "memory.reset") {
		t.Fatal("mutating a snapshot changed the live policy")
	}
}
