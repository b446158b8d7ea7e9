package notification

import "testing"

func TestService_PublishIfFirst(t *testing.T) {
	s := NewService("node-1")

	first := New(JournalInsufficientDiskSpace, SeverityUrgent).AddDetail("journal_dir", "/var/journal")
	if !s.PublishIfFirst(first) {
		t.Fatal("first publish should succeed")
	}
	if s.PublishIfFirst(New(JournalInsufficientDiskSpace, SeverityUrgent)) {
		t.Error("second publish of the same type should be ignored")
	}
	if s.IsFirst(JournalInsufficientDiskSpace) {
		t.Error("IsFirst should be false while active")
	}

	all := s.All()
	if len(all) != 1 {
		t.Fatalf("All() = %d notifications, want 1", len(all))
	}
	if all[0].NodeID != "node-1" || all[0].Details["journal_dir"] != "/var/journal" {
		t.Errorf("stored notification = %+v", all[0])
	}
}

func TestService_Fix(t *testing.T) {
	s := NewService("node-1")

	if s.Fix(JournalInsufficientDiskSpace) {
		t.Error("Fix of inactive type should report false")
	}
	s.PublishIfFirst(New(JournalInsufficientDiskSpace, SeverityUrgent))
	if !s.Fix(JournalInsufficientDiskSpace) {
		t.Error("Fix of active type should report true")
	}
	if !s.IsFirst(JournalInsufficientDiskSpace) {
		t.Error("IsFirst should be true after Fix")
	}
	if !s.PublishIfFirst(New(JournalInsufficientDiskSpace, SeverityUrgent)) {
		t.Error("publish after Fix should succeed")
	}
}

func TestService_AllSorted(t *testing.T) {
	s := NewService("node-1")

	a := New(JournalUtilizationTooHigh, SeverityNormal)
	b := New(JournalInsufficientDiskSpace, SeverityUrgent)
	b.Timestamp = a.Timestamp.Add(-1)
	s.PublishIfFirst(a)
	s.PublishIfFirst(b)

	all := s.All()
	if len(all) != 2 || all[0].Type != JournalInsufficientDiskSpace {
		t.Errorf("All() order = %v", all)
	}
}
