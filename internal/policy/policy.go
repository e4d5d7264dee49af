// Package policy resolves which tools a session may invoke. The decision
// function is pure: settings + requested tool names in, enabled/blocked
// verdicts out. LivePolicy wraps the settings for hot reload.
package policy

import (
	"fmt"
	"hash/fnv"
	"os"
	"strconv"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// Mode selects how aggressively the engine blocks tools that no explicit
// rule covers.
type Mode string

const (
	ModePermissive Mode = "permissive"
	ModeBalanced   Mode = "balanced"
	ModeStrict     Mode = "strict"
)

// BlockSource records which layer of the policy blocked a tool.
type BlockSource string

const (
	SourceSafety BlockSource = "safety"
	SourcePolicy BlockSource = "policy"
)

// Tool categories recognized by the engine. Strict mode blocks the
// higher-risk ones wholesale.
const (
	CategoryExecution  = "execution"
	CategoryDelegation = "delegation"
	CategoryPlatform   = "platform"
	CategoryOutbound   = "outbound"
	CategoryFilesystem = "filesystem"
	CategoryMessaging  = "messaging"
	CategoryMemory     = "memory"
	CategoryTasking    = "tasking"
)

// strictBlockedCategories are blocked under ModeStrict regardless of
// destructiveness.
var strictBlockedCategories = map[string]struct{}{
	CategoryExecution:  {},
	CategoryDelegation: {},
	CategoryPlatform:   {},
	CategoryOutbound:   {},
	CategoryFilesystem: {},
}

// ConnectorMessagingTool is blocked by name under ModeStrict even though
// the messaging category as a whole is not.
const ConnectorMessagingTool = "send-message"

// ToolSpec describes one tool the engine can rule on.
type ToolSpec struct {
	Name        string
	Categories  []string
	SubTools    []string // concrete low-level actions dispatched under this tool
	Destructive bool
}

// Settings is the serializable policy configuration.
type Settings struct {
	Mode              string   `yaml:"mode"`
	SafetyBlocklist   []string `yaml:"safety_blocklist"`
	Allowlist         []string `yaml:"allowlist"`
	Blocklist         []string `yaml:"blocklist"`
	BlockedCategories []string `yaml:"blocked_categories"`
}

// Default returns balanced-mode settings with no explicit rules.
func Default() Settings {
	return Settings{Mode: string(ModeBalanced)}
}

// Load reads settings from a YAML file. A missing or empty file yields the
// defaults so a fresh install works without a policy file.
func Load(path string) (Settings, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return Settings{}, fmt.Errorf("read policy: %w", err)
	}
	if len(data) == 0 {
		return Default(), nil
	}
	var s Settings
	if err := yaml.Unmarshal(data, &s); err != nil {
		return Settings{}, fmt.Errorf("parse policy: %w", err)
	}
	if err := s.validate(); err != nil {
		return Settings{}, err
	}
	return s, nil
}

func (s Settings) validate() error {
	switch Mode(strings.ToLower(strings.TrimSpace(s.Mode))) {
	case "", ModePermissive, ModeBalanced, ModeStrict:
	default:
		return fmt.Errorf("unknown policy mode %q", s.Mode)
	}
	return nil
}

// EffectiveMode normalizes the configured mode, defaulting to balanced.
func (s Settings) EffectiveMode() Mode {
	switch Mode(strings.ToLower(strings.TrimSpace(s.Mode))) {
	case ModePermissive:
		return ModePermissive
	case ModeStrict:
		return ModeStrict
	default:
		return ModeBalanced
	}
}

// BlockedTool is one denied entry in a Decision.
type BlockedTool struct {
	Tool   string
	Reason string
	Source BlockSource
}

// Decision is the resolved policy for one session's requested tool set.
// Derived, never persisted.
type Decision struct {
	Mode           Mode
	RequestedTools []string
	EnabledTools   []string
	BlockedTools   []BlockedTool
}

// Enabled reports whether the decision enabled the named tool.
func (d Decision) Enabled(tool string) bool {
	tool = normalize(tool)
	for _, t := range d.EnabledTools {
		if normalize(t) == tool {
			return true
		}
	}
	return false
}

// ResolveSessionToolPolicy maps each requested tool to enabled or blocked.
// Evaluation order per tool, first match wins:
//  1. safety blocklist (tool or any concrete sub-tool): blocks even an
//     explicit allow
//  2. explicit allowlist: enabled
//  3. explicit blocklist: blocked
//  4. blocked-category membership: blocked
//  5. mode default: permissive passes, balanced blocks destructive tools,
//     strict blocks high-risk categories and the connector messaging tool
//
// An unknown tool name gets an empty spec, so only explicit name rules and
// the mode default apply to it.
func ResolveSessionToolPolicy(settings Settings, requested []string, catalog map[string]ToolSpec) Decision {
	mode := settings.EffectiveMode()
	decision := Decision{
		Mode:           mode,
		RequestedTools: append([]string(nil), requested...),
	}

	safety := normalizeSet(settings.SafetyBlocklist)
	allow := normalizeSet(settings.Allowlist)
	block := normalizeSet(settings.Blocklist)
	blockedCats := normalizeSet(settings.BlockedCategories)

	for _, raw := range requested {
		tool := normalize(raw)
		if tool == "" {
			continue
		}
		spec := catalog[tool]

		if hit, offender := safetyHit(safety, tool, spec); hit {
			decision.BlockedTools = append(decision.BlockedTools, BlockedTool{
				Tool:   tool,
				Reason: fmt.Sprintf("safety blocklist (%s)", offender),
				Source: SourceSafety,
			})
			continue
		}
		if _, ok := allow[tool]; ok {
			decision.EnabledTools = append(decision.EnabledTools, tool)
			continue
		}
		if _, ok := block[tool]; ok {
			decision.BlockedTools = append(decision.BlockedTools, BlockedTool{
				Tool:   tool,
				Reason: "policy blocklist",
				Source: SourcePolicy,
			})
			continue
		}
		if cat, ok := categoryHit(blockedCats, spec); ok {
			decision.BlockedTools = append(decision.BlockedTools, BlockedTool{
				Tool:   tool,
				Reason: fmt.Sprintf("blocked category %q", cat),
				Source: SourcePolicy,
			})
			continue
		}
		if reason, blocked := modeDefaultBlock(mode, tool, spec); blocked {
			decision.BlockedTools = append(decision.BlockedTools, BlockedTool{
				Tool:   tool,
				Reason: reason,
				Source: SourcePolicy,
			})
			continue
		}
		decision.EnabledTools = append(decision.EnabledTools, tool)
	}
	return decision
}

// ResolveConcreteToolBlock re-checks one concrete sub-tool name against a
// previously computed decision plus the raw settings. Dispatch code calls
// this just before executing a low-level action so a sub-tool named in the
// safety blocklist is caught even when its parent tool was enabled.
func ResolveConcreteToolBlock(settings Settings, decision Decision, parentTool, subTool string) (BlockedTool, bool) {
	subTool = normalize(subTool)
	parentTool = normalize(parentTool)

	safety := normalizeSet(settings.SafetyBlocklist)
	if _, ok := safety[subTool]; ok {
		return BlockedTool{
			Tool:   subTool,
			Reason: "safety blocklist",
			Source: SourceSafety,
		}, true
	}
	if _, ok := normalizeSet(settings.Blocklist)[subTool]; ok {
		return BlockedTool{
			Tool:   subTool,
			Reason: "policy blocklist",
			Source: SourcePolicy,
		}, true
	}
	for _, blocked := range decision.BlockedTools {
		if normalize(blocked.Tool) == parentTool {
			return BlockedTool{
				Tool:   subTool,
				Reason: fmt.Sprintf("parent tool %s blocked: %s", parentTool, blocked.Reason),
				Source: blocked.Source,
			}, true
		}
	}
	return BlockedTool{}, false
}

func safetyHit(safety map[string]struct{}, tool string, spec ToolSpec) (bool, string) {
	if _, ok := safety[tool]; ok {
		return true, tool
	}
	for _, sub := range spec.SubTools {
		if _, ok := safety[normalize(sub)]; ok {
			return true, normalize(sub)
		}
	}
	return false, ""
}

func categoryHit(blockedCats map[string]struct{}, spec ToolSpec) (string, bool) {
	for _, cat := range spec.Categories {
		if _, ok := blockedCats[normalize(cat)]; ok {
			return normalize(cat), true
		}
	}
	return "", false
}

func modeDefaultBlock(mode Mode, tool string, spec ToolSpec) (string, bool) {
	switch mode {
	case ModePermissive:
		return "", false
	case ModeBalanced:
		if spec.Destructive {
			return "destructive tool blocked in balanced mode", true
		}
		return "", false
	case ModeStrict:
		if tool == ConnectorMessagingTool {
			return "connector messaging blocked in strict mode", true
		}
		for _, cat := range spec.Categories {
			if _, ok := strictBlockedCategories[normalize(cat)]; ok {
				return fmt.Sprintf("category %q blocked in strict mode", normalize(cat)), true
			}
		}
		return "", false
	}
	return "", false
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func normalizeSet(vals []string) map[string]struct{} {
	out := make(map[string]struct{}, len(vals))
	for _, v := range vals {
		v = normalize(v)
		if v == "" {
			continue
		}
		out[v] = struct{}{}
	}
	return out
}

// LivePolicy wraps Settings with thread-safe reload. The config watcher
// swaps in fresh settings when the policy file changes on disk.
type LivePolicy struct {
	mu   sync.RWMutex
	data Settings
}

// NewLivePolicy creates a LivePolicy from an initial settings snapshot.
func NewLivePolicy(initial Settings) *LivePolicy {
	return &LivePolicy{data: initial}
}

// Resolve is the thread-safe session resolution used at runtime.
func (lp *LivePolicy) Resolve(requested []string, catalog map[string]ToolSpec) Decision {
	lp.mu.RLock()
	defer lp.mu.RUnlock()
	return ResolveSessionToolPolicy(lp.data, requested, catalog)
}

// ResolveConcrete is the thread-safe sub-tool re-check used at dispatch.
func (lp *LivePolicy) ResolveConcrete(decision Decision, parentTool, subTool string) (BlockedTool, bool) {
	lp.mu.RLock()
	defer lp.mu.RUnlock()
	return ResolveConcreteToolBlock(lp.data, decision, parentTool, subTool)
}

// Mode returns the currently effective mode.
func (lp *LivePolicy) Mode() Mode {
	lp.mu.RLock()
	defer lp.mu.RUnlock()
	return lp.data.EffectiveMode()
}

// Reload replaces the settings from a fresh snapshot.
func (lp *LivePolicy) Reload(s Settings) {
	lp.mu.Lock()
	defer lp.mu.Unlock()
	lp.data = s
}

// Snapshot returns a copy of the current settings.
func (lp *LivePolicy) Snapshot() Settings {
	lp.mu.RLock()
	defer lp.mu.RUnlock()
	cp := lp.data
	cp.SafetyBlocklist = append([]string(nil), lp.data.SafetyBlocklist...)
	cp.Allowlist = append([]string(nil), lp.data.Allowlist...)
	cp.Blocklist = append([]string(nil), lp.data.Blocklist...)
	cp.BlockedCategories = append([]string(nil), lp.data.BlockedCategories...)
	return cp
}

// PolicyVersion is a stable fingerprint of the current settings, logged on
// reload so operators can tell which policy was active for a given run.
func (lp *LivePolicy) PolicyVersion() string {
	lp.mu.RLock()
	defer lp.mu.RUnlock()
	return versionFor(lp.data)
}

// ReloadFromFile updates the live policy only when the incoming file parses
// and validates. On error, the previous settings remain active.
func ReloadFromFile(lp *LivePolicy, path string) error {
	if lp == nil {
		return fmt.Errorf("nil live policy")
	}
	s, err := Load(path)
	if err != nil {
		return err
	}
	lp.Reload(s)
	return nil
}

func versionFor(s Settings) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(normalize(s.Mode) + "|"))
	for _, group := range [][]string{s.SafetyBlocklist, s.Allowlist, s.Blocklist, s.BlockedCategories} {
		for _, v := range group {
			_, _ = h.Write([]byte(normalize(v) + "|"))
		}
		_, _ = h.Write([]byte(";"))
	}
	return "policy-" + strconv.FormatUint(h.Sum64(), 16)
}
