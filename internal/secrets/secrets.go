// Package secrets resolves service credentials for the get-secret tool.
// Values come from the config secrets map with environment fallbacks, so
// deployments can keep credentials out of config.yaml entirely.
package secrets

import (
	"os"
	"strings"
	"sync"
)

// Resolver looks up secrets by service name and optional scope.
type Resolver struct {
	mu     sync.RWMutex
	values map[string]string
}

func NewResolver(values map[string]string) *Resolver {
	copied := make(map[string]string, len(values))
	for k, v := range values {
		copied[k] = v
	}
	return &Resolver{values: copied}
}

// Reload swaps in a new secrets map, for config hot-reload.
func (r *Resolver) Reload(values map[string]string) {
	copied := make(map[string]string, len(values))
	for k, v := range values {
		copied[k] = v
	}
	r.mu.Lock()
	r.values = copied
	r.mu.Unlock()
}

// Resolve returns the secret for a service, scoped then unscoped. A
// configured value of the form "env:NAME" defers to that environment
// variable; when nothing is configured at all, DROVER_SECRET_<SERVICE>
// is the last resort. The boolean is false when no value exists.
func (r *Resolver) Resolve(service, scope string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	keys := []string{service}
	if scope != "" {
		keys = []string{service + "/" + scope, service}
	}
	for _, key := range keys {
		raw, ok := r.values[key]
		if !ok {
			continue
		}
		if name, isEnv := strings.CutPrefix(raw, "env:"); isEnv {
			if v := os.Getenv(name); v != "" {
				return v, true
			}
			continue
		}
		if raw != "" {
			return raw, true
		}
	}

	if v := os.Getenv(envFallbackName(service)); v != "" {
		return v, true
	}
	return "", false
}

func envFallbackName(service string) string {
	var sb strings.Builder
	sb.WriteString("DROVER_SECRET_")
	for _, r := range strings.ToUpper(service) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			sb.WriteRune(r)
		} else {
			sb.WriteRune('_')
		}
	}
	return sb.String()
}
