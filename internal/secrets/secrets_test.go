package secrets

import "testing"

func TestResolve_ScopedBeatsUnscoped(t *testing.T) {
	r := NewResolver(map[string]string{
		"github":         "general-token",
		"github/deploys": "deploy-token",
	})
	if v, ok := r.Resolve("github", "deploys"); !ok || v != "deploy-token" {
		t.Fatalf("scoped = %q/%v", v, ok)
	}
	if v, ok := r.Resolve("github", "issues"); !ok || v != "general-token" {
		t.Fatalf("unscoped fallback = %q/%v", v, ok)
	}
}

func TestResolve_EnvIndirection(t *testing.T) {
	t.Setenv("GH_TOKEN", "from-env")
	r := NewResolver(map[string]string{"github": "env:GH_TOKEN"})
	if v, ok := r.Resolve("github", ""); !ok || v != "from-env" {
		t.Fatalf("env indirection = %q/%v", v, ok)
	}
}

func TestResolve_EnvFallback(t *testing.T) {
	t.Setenv("DROVER_SECRET_SLACK_BOT", "xoxb-1")
	r := NewResolver(nil)
	if v, ok := r.Resolve("slack-bot", ""); !ok || v != "xoxb-1" {
		t.Fatalf("env fallback = %q/%v", v, ok)
	}
}

func TestResolve_Missing(t *testing.T) {
	r := NewResolver(map[string]string{})
	if _, ok := r.Resolve("nothing", "here"); ok {
		t.Fatal("missing secret resolved")
	}
}

func TestReload(t *testing.T) {
	r := NewResolver(map[string]string{"a": "1"})
	r.Reload(map[string]string{"b": "2"})
	if _, ok := r.Resolve("a", ""); ok {
		t.Fatal("stale secret survived reload")
	}
	if v, ok := r.Resolve("b", ""); !ok || v != "2" {
		t.Fatalf("reloaded secret = %q/%v", v, ok)
	}
}
