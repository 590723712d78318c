package clint

import (
	"testing"
	"time"
)

func TestStepTimer(t *testing.T) {
	c := New(1)

	if sw, timer := c.Pending(0); sw || timer {
		t.Fatalf("fresh CLINT has pending lines: sw=%v timer=%v", sw, timer)
	}

	if err := c.Write(Mtimecmp, 8, 3); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 2; i++ {
		c.Tick()
	}
	if _, timer := c.Pending(0); timer {
		t.Fatalf("timer pending at mtime=%d", c.Time())
	}
	c.Tick()
	if _, timer := c.Pending(0); !timer {
		t.Fatalf("timer not pending at mtime=%d", c.Time())
	}

	v, err := c.Read(Mtime, 8)
	if err != nil || v != 3 {
		t.Fatalf("mtime: expected 3, got %d (err=%v)", v, err)
	}
}

func TestSoftwareInterrupt(t *testing.T) {
	c := New(2)

	if err := c.Write(Msip+4, 4, 1); err != nil {
		t.Fatal(err)
	}
	if sw, _ := c.Pending(0); sw {
		t.Error("hart 0 sees hart 1's msip")
	}
	if sw, _ := c.Pending(1); !sw {
		t.Error("hart 1 msip not pending")
	}
	if v, _ := c.Read(Msip+4, 4); v != 1 {
		t.Errorf("msip read: expected 1, got %d", v)
	}

	_ = c.Write(Msip+4, 4, 0xfffe)
	if sw, _ := c.Pending(1); sw {
		t.Error("msip only implements bit 0")
	}
}

func TestSplitMtimecmp(t *testing.T) {
	c := New(1)

	// RV32 guests program the compare register as two words.
	_ = c.Write(Mtimecmp, 4, 0x89ab_cdef)
	_ = c.Write(Mtimecmp+4, 4, 0x0123_4567)
	v, _ := c.Read(Mtimecmp, 8)
	if v != 0x0123_4567_89ab_cdef {
		t.Fatalf("mtimecmp: got %#x", v)
	}
	hi, _ := c.Read(Mtimecmp+4, 4)
	if hi != 0x0123_4567 {
		t.Fatalf("mtimecmp high word: got %#x", hi)
	}
}

func TestRealtime(t *testing.T) {
	now := time.Unix(100, 0)
	c := New(1, WithRealtime(100), WithClock(func() time.Time { return now }))

	if c.Mode() != ModeRealtime {
		t.Fatalf("mode: got %s", c.Mode())
	}
	now = now.Add(time.Microsecond)
	if got := c.Time(); got != 10 {
		t.Fatalf("mtime after 1us at 10MHz: expected 10, got %d", got)
	}

	// Tick does not move a real-time clock.
	c.Tick()
	if got := c.Time(); got != 10 {
		t.Fatalf("mtime after Tick: expected 10, got %d", got)
	}

	_ = c.Write(Mtime, 8, 1000)
	now = now.Add(time.Microsecond)
	if got := c.Time(); got != 1010 {
		t.Fatalf("mtime after guest write: expected 1010, got %d", got)
	}
}
