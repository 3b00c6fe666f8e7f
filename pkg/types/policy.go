package types

import (
	"strings"
	"time"
)

// Policy says how long and where a cached response lives.
type Policy struct {
	TTL  time.Duration `yaml:"ttl" json:"ttl"`
	Tier Tier          `yaml:"tier" json:"tier"`
}

// PolicySet maps resource path prefixes to policies.
type PolicySet struct {
	Default Policy            `yaml:"default" json:"default"`
	Rules   map[string]Policy `yaml:"rules" json:"rules"`
}

// Resolve returns the policy of the longest rule prefixing path, or the
// default when none does. Zero fields of a matched rule inherit the default.
func (p PolicySet) Resolve(path string) Policy {
	best := -1
	policy := p.Default
	for prefix, rule := range p.Rules {
		if len(prefix) > best && strings.HasPrefix(path, prefix) {
			best = len(prefix)
			policy = rule
		}
	}
	if policy.TTL <= 0 {
		policy.TTL = p.Default.TTL
	}
	if policy.Tier == "" {
		policy.Tier = p.Default.Tier
	}
	return policy
}
