package types

import (
	"testing"
)

// TestInterfaces verifies that the no-op recorder satisfies the contract
func TestInterfaces(t *testing.T) {
	var _ MetricsRecorder = NoopRecorder{}
}

func TestParseTier(t *testing.T) {
	tests := []struct {
		in      string
		want    Tier
		wantErr bool
	}{
		{"memory", TierMemory, false},
		{" Durable ", TierDurable, false},
		{"SESSION", TierSession, false},
		{"hybrid", TierHybrid, false},
		{"all", TierAll, false},
		{"", TierMemory, false},
		{"disk", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseTier(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseTier(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseTier(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestTier_Targets(t *testing.T) {
	if got := TierHybrid.Targets(); len(got) != 2 || got[0] != TierMemory || got[1] != TierDurable {
		t.Errorf("hybrid targets = %v, want [memory durable]", got)
	}
	if got := TierAll.Targets(); len(got) != 3 {
		t.Errorf("all targets = %v, want three tiers", got)
	}
	if got := TierSession.Targets(); len(got) != 1 || got[0] != TierSession {
		t.Errorf("session targets = %v, want [session]", got)
	}
}
