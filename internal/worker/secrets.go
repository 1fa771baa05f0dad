package worker

import (
	"sort"
	"strings"
	"sync"
)

const redactedPlaceholder = "***"

// minSecretLength keeps trivial values out of the registry so common short
// words never get scrubbed from user output.
const minSecretLength = 6

// SecretRegistry collects secret values materialized while an execution
// runs and scrubs them from every log line, error string and serialized
// result before it leaves the process.
type SecretRegistry struct {
	mu      sync.RWMutex
	secrets []string
}

func NewSecretRegistry() *SecretRegistry {
	return &SecretRegistry{}
}

// Register records one secret value. Duplicates are ignored.
func (r *SecretRegistry) Register(value string) {
	if len(value) < minSecretLength {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.secrets {
		if existing == value {
			return
		}
	}
	r.secrets = append(r.secrets, value)

	// Longest first, so a secret that prefixes a longer one cannot split
	// the longer one's occurrences.
	sort.Slice(r.secrets, func(i, j int) bool {
		return len(r.secrets[i]) > len(r.secrets[j])
	})
}

// Redact replaces every occurrence of a registered secret in s.
func (r *SecretRegistry) Redact(s string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, secret := range r.secrets {
		s = strings.ReplaceAll(s, secret, redactedPlaceholder)
	}
	return s
}

// Len reports how many secrets are registered.
func (r *SecretRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.secrets)
}
