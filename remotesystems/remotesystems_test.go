package remotesystems

import (
	"os"
	"path/filepath"
	"testing"
)

func writeMachinesFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "machines")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestParseMachinesFileParsesFieldsAndDefaultsSpeedFactor(t *testing.T) {
	path := writeMachinesFile(t, "# comment\n\nbuilder1 x86_64-linux,aarch64-linux 4 2.0\nbuilder2 x86_64-linux 1\n")

	machines, err := ParseMachinesFile(path)
	if err != nil {
		t.Fatalf("ParseMachinesFile: %v", err)
	}
	if len(machines) != 2 {
		t.Fatalf("expected 2 machines, got %d", len(machines))
	}

	b1 := machines[0]
	if b1.Hostname != "builder1" || b1.MaxJobs != 4 || b1.SpeedFactor != 2.0 {
		t.Fatalf("unexpected builder1: %+v", b1)
	}
	if !b1.CanBuild("aarch64-linux") || b1.CanBuild("i686-linux") {
		t.Fatalf("unexpected CanBuild for builder1: %+v", b1)
	}

	b2 := machines[1]
	if b2.SpeedFactor != 1.0 {
		t.Fatalf("expected default speedFactor 1.0, got %v", b2.SpeedFactor)
	}
}

func TestParseMachinesFileRejectsMalformedLine(t *testing.T) {
	path := writeMachinesFile(t, "builder1 x86_64-linux\n")
	if _, err := ParseMachinesFile(path); err == nil {
		t.Fatal("expected an error for a line missing maxJobs")
	}
}

func TestLoadTrackerAcquireReleaseRoundTrip(t *testing.T) {
	tracker, err := NewLoadTracker(t.TempDir(), "builder1")
	if err != nil {
		t.Fatal(err)
	}

	if load, err := tracker.CurrentLoad(); err != nil || load != 0 {
		t.Fatalf("expected zero initial load, got %d (%v)", load, err)
	}

	s1, err := tracker.Acquire()
	if err != nil {
		t.Fatal(err)
	}
	s2, err := tracker.Acquire()
	if err != nil {
		t.Fatal(err)
	}

	if load, err := tracker.CurrentLoad(); err != nil || load != 2 {
		t.Fatalf("expected load 2 after two acquires, got %d (%v)", load, err)
	}

	if err := s1.Release(); err != nil {
		t.Fatal(err)
	}
	if load, err := tracker.CurrentLoad(); err != nil || load != 1 {
		t.Fatalf("expected load 1 after one release, got %d (%v)", load, err)
	}

	if err := s2.Release(); err != nil {
		t.Fatal(err)
	}
	if load, err := tracker.CurrentLoad(); err != nil || load != 0 {
		t.Fatalf("expected load 0 after releasing both, got %d (%v)", load, err)
	}
}
