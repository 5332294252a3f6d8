package manifest

import (
	"testing"
	"time"
)

func TestRecordAndList(t *testing.T) {
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	base := time.Date(2025, 3, 2, 9, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		err := s.Record(Entry{
			File:      "model.pt.tar",
			Bytes:     100 + i,
			Cycle:     i,
			WrittenAt: base.Add(time.Duration(i) * time.Minute),
		})
		if err != nil {
			t.Fatalf("record %d: %v", i, err)
		}
	}

	entries, err := s.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 3 {
		t.Fatalf("listed %d entries, want 3", len(entries))
	}
	for i, e := range entries {
		if e.Cycle != i || e.Bytes != 100+i {
			t.Fatalf("entry %d = %+v", i, e)
		}
		if !e.WrittenAt.Equal(base.Add(time.Duration(i) * time.Minute)) {
			t.Fatalf("entry %d timestamp = %v", i, e.WrittenAt)
		}
	}
}

func TestSequenceSurvivesReopen(t *testing.T) {
	dir := t.TempDir()

	s, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Record(Entry{File: "a", Cycle: 0, WrittenAt: time.Now()}); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	s, err = Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	if err := s.Record(Entry{File: "b", Cycle: 1, WrittenAt: time.Now()}); err != nil {
		t.Fatal(err)
	}

	entries, err := s.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 || entries[0].File != "a" || entries[1].File != "b" {
		t.Fatalf("entries = %+v", entries)
	}
}

func TestListEmpty(t *testing.T) {
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	entries, err := s.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Fatalf("entries = %+v, want none", entries)
	}
}
