package loopdevice

import (
	"testing"

	"go.uber.org/zap"
)

func testAllocator(t *testing.T, low, high int) *Allocator {
	t.Helper()
	// mknod against /dev/loopN requires root and a real loop-capable
	// kernel; ensureNode logs and continues on failure, so the allocator
	// is still exercisable in a sandboxed test environment.
	return New(low, high, zap.NewNop().Sugar())
}

func TestAcquireRelease(t *testing.T) {
	a := testAllocator(t, 0, 2)

	d1, err := a.Acquire()
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if d1 != "/dev/loop0" {
		t.Fatalf("got %s, want /dev/loop0", d1)
	}

	if a.BusyCount() != 1 {
		t.Fatalf("BusyCount = %d, want 1", a.BusyCount())
	}

	if err := a.Release(d1); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if a.BusyCount() != 0 {
		t.Fatalf("BusyCount after release = %d, want 0", a.BusyCount())
	}
}

func TestAcquireExhaustion(t *testing.T) {
	a := testAllocator(t, 0, 1)

	if _, err := a.Acquire(); err != nil {
		t.Fatalf("Acquire 1: %v", err)
	}
	if _, err := a.Acquire(); err != nil {
		t.Fatalf("Acquire 2: %v", err)
	}
	if _, err := a.Acquire(); err == nil {
		t.Fatal("expected NoFreeLoopDevice, got nil")
	}
}

func TestReleaseUnknownDevice(t *testing.T) {
	a := testAllocator(t, 0, 1)

	if err := a.Release("/dev/loop99"); err == nil {
		t.Fatal("expected error releasing unknown device")
	}
	if err := a.Release("/dev/sda"); err == nil {
		t.Fatal("expected error releasing malformed device path")
	}
}

func TestDoubleReleaseFails(t *testing.T) {
	a := testAllocator(t, 0, 0)

	d, err := a.Acquire()
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if err := a.Release(d); err != nil {
		t.Fatalf("first Release: %v", err)
	}
	if err := a.Release(d); err == nil {
		t.Fatal("expected error on double release")
	}
}
