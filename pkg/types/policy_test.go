package types

import (
	"testing"
	"time"
)

func TestPolicySet_Resolve(t *testing.T) {
	set := PolicySet{
		Default: Policy{TTL: 5 * time.Minute, Tier: TierMemory},
		Rules: map[string]Policy{
			"/api/universities":         {TTL: time.Hour, Tier: TierHybrid},
			"/api/universities/compare": {TTL: 10 * time.Minute},
			"/api/profile":              {Tier: TierSession},
		},
	}

	tests := []struct {
		path string
		want Policy
	}{
		{"/api/bookmarks", Policy{5 * time.Minute, TierMemory}},
		{"/api/universities/42", Policy{time.Hour, TierHybrid}},
		{"/api/universities/compare?ids=1,2", Policy{10 * time.Minute, TierMemory}},
		{"/api/profile", Policy{5 * time.Minute, TierSession}},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			if got := set.Resolve(tt.path); got != tt.want {
				t.Errorf("Resolve(%q) = %+v, want %+v", tt.path, got, tt.want)
			}
		})
	}
}
