package sysutil

import "testing"

func TestLimitLow(t *testing.T) {
	tests := []struct {
		soft uint64
		want bool
	}{
		{256, true},
		{MinOpenFiles - 1, true},
		{MinOpenFiles, false},
		{1 << 20, false},
	}
	for _, tt := range tests {
		if got := (Limit{Soft: tt.soft, Hard: 1 << 20}).Low(); got != tt.want {
			t.Errorf("Limit{Soft: %d}.Low() = %v, want %v", tt.soft, got, tt.want)
		}
	}
}
