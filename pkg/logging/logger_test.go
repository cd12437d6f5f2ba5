package logging

import "testing"

func TestNewNopLoggerDiscards(t *testing.T) {
	l := NewNopLogger()
	if l == nil {
		t.Fatal("NewNopLogger returned nil")
	}
	// Silent no-ops on every level.
	l.Debug("debug %d", 1)
	l.Info("info %d", 2)
	l.Warn("warn %d", 3)
	l.Error("error %d", 4)

	var _ Logger = l
}

func TestFromVerbose(t *testing.T) {
	if _, ok := FromVerbose("test", true).(*PrintfLogger); !ok {
		t.Error("FromVerbose(true) should return a PrintfLogger")
	}
	if _, ok := FromVerbose("test", false).(*NopLogger); !ok {
		t.Error("FromVerbose(false) should return a NopLogger")
	}
}
