package policy

import (
	"os"
	"path/filepath"
	"testing"
)

func testCatalog() map[string]ToolSpec {
	return map[string]ToolSpec{
		"run-command": {
			Name:        "run-command",
			Categories:  []string{CategoryExecution},
			SubTools:    []string{"shell.exec", "shell.spawn"},
			Destructive: true,
		},
		"delegate-to-agent": {
			Name:       "delegate-to-agent",
			Categories: []string{CategoryDelegation},
		},
		"send-message": {
			Name:       "send-message",
			Categories: []string{CategoryMessaging},
		},
		"store-memory": {
			Name:       "store-memory",
			Categories: []string{CategoryMemory},
		},
		"write-file": {
			Name:        "write-file",
			Categories:  []string{CategoryFilesystem},
			Destructive: true,
		},
	}
}

func blockedReason(d Decision, tool string) (BlockedTool, bool) {
	for _, b := range d.BlockedTools {
		if b.Tool == tool {
			return b, true
		}
	}
	return BlockedTool{}, false
}

func TestResolve_SafetyBeatsExplicitAllow(t *testing.T) {
	settings := Settings{
		Mode:            string(ModePermissive),
		SafetyBlocklist: []string{"run-command"},
		Allowlist:       []string{"run-command"},
	}
	d := ResolveSessionToolPolicy(settings, []string{"run-command"}, testCatalog())

	if d.Enabled("run-command") {
		t.Fatal("safety blocklist must override explicit allow")
	}
	b, ok := blockedReason(d, "run-command")
	if !ok {
		t.Fatal("expected run-command in blocked list")
	}
	if b.Source != SourceSafety {
		t.Fatalf("source = %q, want safety", b.Source)
	}
}

func TestResolve_SafetyMatchesSubTool(t *testing.T) {
	settings := Settings{
		Mode:            string(ModePermissive),
		SafetyBlocklist: []string{"shell.exec"},
	}
	d := ResolveSessionToolPolicy(settings, []string{"run-command"}, testCatalog())

	b, ok := blockedReason(d, "run-command")
	if !ok {
		t.Fatal("expected run-command blocked via its sub-tool")
	}
	if b.Source != SourceSafety {
		t.Fatalf("source = %q, want safety", b.Source)
	}
}

func TestResolve_AllowOverridesBlocklistAndMode(t *testing.T) {
	settings := Settings{
		Mode:      string(ModeStrict),
		Allowlist: []string{"run-command"},
		Blocklist: []string{"run-command"},
	}
	d := ResolveSessionToolPolicy(settings, []string{"run-command"}, testCatalog())

	if !d.Enabled("run-command") {
		t.Fatal("explicit allow must override blocklist and strict mode")
	}
}

func TestResolve_PolicyBlocklist(t *testing.T) {
	settings := Settings{
		Mode:      string(ModePermissive),
		Blocklist: []string{"store-memory"},
	}
	d := ResolveSessionToolPolicy(settings, []string{"store-memory"}, testCatalog())

	b, ok := blockedReason(d, "store-memory")
	if !ok {
		t.Fatal("expected store-memory blocked")
	}
	if b.Source != SourcePolicy {
		t.Fatalf("source = %q, want policy", b.Source)
	}
}

func TestResolve_BlockedCategory(t *testing.T) {
	settings := Settings{
		Mode:              string(ModePermissive),
		BlockedCategories: []string{CategoryDelegation},
	}
	d := ResolveSessionToolPolicy(settings, []string{"delegate-to-agent", "store-memory"}, testCatalog())

	if d.Enabled("delegate-to-agent") {
		t.Fatal("delegation category should be blocked")
	}
	if !d.Enabled("store-memory") {
		t.Fatal("store-memory should pass")
	}
}

func TestResolve_ModeDefaults(t *testing.T) {
	requested := []string{"run-command", "write-file", "store-memory", "send-message", "delegate-to-agent"}

	t.Run("permissive blocks nothing", func(t *testing.T) {
		d := ResolveSessionToolPolicy(Settings{Mode: string(ModePermissive)}, requested, testCatalog())
		if len(d.BlockedTools) != 0 {
			t.Fatalf("blocked = %v, want none", d.BlockedTools)
		}
	})

	t.Run("balanced blocks destructive", func(t *testing.T) {
		d := ResolveSessionToolPolicy(Settings{Mode: string(ModeBalanced)}, requested, testCatalog())
		if d.Enabled("run-command") || d.Enabled("write-file") {
			t.Fatal("balanced mode must block destructive tools")
		}
		if !d.Enabled("store-memory") || !d.Enabled("send-message") || !d.Enabled("delegate-to-agent") {
			t.Fatal("balanced mode should pass non-destructive tools")
		}
	})

	t.Run("strict blocks risk categories and connector messaging", func(t *testing.T) {
		d := ResolveSessionToolPolicy(Settings{Mode: string(ModeStrict)}, requested, testCatalog())
		for _, tool := range []string{"run-command", "write-file", "delegate-to-agent", "send-message"} {
			if d.Enabled(tool) {
				t.Fatalf("strict mode should block %s", tool)
			}
		}
		if !d.Enabled("store-memory") {
			t.Fatal("strict mode should still pass memory tools")
		}
	})
}

func TestResolve_UnknownToolFollowsModeDefault(t *testing.T) {
	d := ResolveSessionToolPolicy(Settings{Mode: string(ModeBalanced)}, []string{"mystery-tool"}, testCatalog())
	if !d.Enabled("mystery-tool") {
		t.Fatal("unknown non-destructive tool should pass in balanced mode")
	}
}

func TestResolveConcreteToolBlock(t *testing.T) {
	open := Settings{Mode: string(ModePermissive), SafetyBlocklist: []string{"shell.spawn"}}
	openDecision := Decision{Mode: ModePermissive, EnabledTools: []string{"run-command"}}

	if b, blocked := ResolveConcreteToolBlock(open, openDecision, "run-command", "shell.spawn"); !blocked {
		t.Fatal("sub-tool in safety blocklist must be blocked at dispatch")
	} else if b.Source != SourceSafety {
		t.Fatalf("source = %q, want safety", b.Source)
	}

	if _, blocked := ResolveConcreteToolBlock(open, openDecision, "run-command", "shell.exec"); blocked {
		t.Fatal("unblocked sub-tool of an enabled parent should pass")
	}
}

func TestResolveConcreteToolBlock_InheritsParentBlock(t *testing.T) {
	decision := Decision{
		Mode: ModeStrict,
		BlockedTools: []BlockedTool{
			{Tool: "run-command", Reason: "category \"execution\" blocked in strict mode", Source: SourcePolicy},
		},
	}
	b, blocked := ResolveConcreteToolBlock(Settings{Mode: string(ModeStrict)}, decision, "run-command", "shell.exec")
	if !blocked {
		t.Fatal("sub-tool of blocked parent must be blocked")
	}
	if b.Source != SourcePolicy {
		t.Fatalf("source = %q, want policy", b.Source)
	}
}

func TestLoad_FileAndDefaults(t *testing.T) {
	t.Run("missing file yields defaults", func(t *testing.T) {
		s, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
		if err != nil {
			t.Fatalf("load: %v", err)
		}
		if s.EffectiveMode() != ModeBalanced {
			t.Fatalf("mode = %q, want balanced", s.EffectiveMode())
		}
	})

	t.Run("parses yaml", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "policy.yaml")
		content := "mode: strict\nsafety_blocklist:\n  - run-command\nallowlist:\n  - store-memory\n"
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
		s, err := Load(path)
		if err != nil {
			t.Fatalf("load: %v", err)
		}
		if s.EffectiveMode() != ModeStrict {
			t.Fatalf("mode = %q, want strict", s.EffectiveMode())
		}
		if len(s.SafetyBlocklist) != 1 || s.SafetyBlocklist[0] != "run-command" {
			t.Fatalf("safety blocklist = %v", s.SafetyBlocklist)
		}
	})

	t.Run("rejects unknown mode", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "policy.yaml")
		if err := os.WriteFile(path, []byte("mode: yolo\n"), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
		if _, err := Load(path); err == nil {
			t.Fatal("expected error for unknown mode")
		}
	})
}

func TestLivePolicy_ReloadChangesVersion(t *testing.T) {
	lp := NewLivePolicy(Default())
	v1 := lp.PolicyVersion()

	lp.Reload(Settings{Mode: string(ModeStrict), Blocklist: []string{"send-message"}})
	v2 := lp.PolicyVersion()

	if v1 == v2 {
		t.Fatalf("version should change on reload, got %q twice", v1)
	}
	if lp.Mode() != ModeStrict {
		t.Fatalf("mode = %q, want strict", lp.Mode())
	}
}

func TestLivePolicy_SnapshotIsCopy(t *testing.T) {
	lp := NewLivePolicy(Settings{Mode: string(ModeBalanced), Blocklist: []string{"a"}})
	snap := lp.Snapshot()
	snap.Blocklist[0] = "mutated"

	if lp.Snapshot().Blocklist[0] != "a" {
		t.Fatal("snapshot mutation leaked into live policy")
	}
}
