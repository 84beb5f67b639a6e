package procutil

import (
	"os"
	"testing"
)

func TestReadComm_Self(t *testing.T) {
	comm := ReadComm(int32(os.Getpid()))
	if comm == "" {
		t.Fatal("ReadComm on self returned empty string")
	}
	t.Logf("self comm = %q", comm)
}

func TestReadComm_InvalidPID(t *testing.T) {
	comm := ReadComm(-1)
	if comm != "" {
		t.Errorf("expected empty string for invalid PID, got %q", comm)
	}
}

func TestReadPPID_Self(t *testing.T) {
	ppid := ReadPPID(int32(os.Getpid()))
	if ppid == 0 {
		t.Fatal("ReadPPID on self returned 0")
	}
	expected := int32(os.Getppid())
	if ppid != expected {
		t.Errorf("expected ppid %d, got %d", expected, ppid)
	}
}

func TestReadPPID_InvalidPID(t *testing.T) {
	ppid := ReadPPID(-1)
	if ppid != 0 {
		t.Errorf("expected 0 for invalid PID, got %d", ppid)
	}
}
