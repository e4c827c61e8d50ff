package indexer

import (
	"testing"

	kerr "github.com/hyperjump/kensaku/pkg/errors"
)

func TestTransitions(t *testing.T) {
	tests := []struct {
		from, to FileState
		want     bool
	}{
		{StateUnseen, StateStale, true},
		{StateUnseen, StateIndexed, false},
		{StateUnseen, StateRemoved, false},
		{StateIndexed, StateStale, true},
		{StateIndexed, StateIndexed, false},
		{StateIndexed, StateRemoved, true},
		{StateStale, StateIndexed, true},
		{StateStale, StateStale, true},
		{StateStale, StateRemoved, true},
		{StateRemoved, StateStale, true},
		{StateRemoved, StateIndexed, false},
		{StateRemoved, StateRemoved, false},
	}
	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestIllegalTransitionIsCorrupt(t *testing.T) {
	err := transition("a.go", StateUnseen, StateIndexed)
	if !kerr.IsCorrupt(err) {
		t.Fatalf("expected corrupt error, got %v", err)
	}
	if got := kerr.ReasonOf(err); got != kerr.ReasonIndexCorrupt {
		t.Errorf("ReasonOf = %q", got)
	}
}

func TestFileStateText(t *testing.T) {
	b, _ := StateStale.MarshalText()
	if string(b) != "stale" {
		t.Errorf("MarshalText = %q", b)
	}
	if FileState(42).String() != "invalid" {
		t.Error("unknown state should render as invalid")
	}
}
