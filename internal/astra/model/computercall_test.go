package model

import "testing"

func TestPolicyDecision_Blocked(t *testing.T) {
	tests := []struct {
		verdict PolicyVerdict
		want    bool
	}{
		{PolicyAllow, false},
		{PolicyRequireAck, false},
		{PolicyBlock, true},
	}
	for _, tt := range tests {
		d := PolicyDecision{Verdict: tt.verdict}
		if got := d.Blocked(); got != tt.want {
			t.Errorf("Blocked() for verdict %q = %v, want %v", tt.verdict, got, tt.want)
		}
	}
}

func TestPolicyDecision_NeedsAck(t *testing.T) {
	tests := []struct {
		verdict PolicyVerdict
		want    bool
	}{
		{PolicyAllow, false},
		{PolicyRequireAck, true},
		{PolicyBlock, false},
	}
	for _, tt := range tests {
		d := PolicyDecision{Verdict: tt.verdict}
		if got := d.NeedsAck(); got != tt.want {
			t.Errorf("NeedsAck() for verdict %q = %v, want %v", tt.verdict, got, tt.want)
		}
	}
}
