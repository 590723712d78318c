package uart

import (
	"bytes"
	"sync"
	"testing"
)

func TestTransmit(t *testing.T) {
	var out bytes.Buffer
	u := New(&out)

	for _, c := range []byte("RV64!") {
		if err := u.Write(RegTHR, 1, uint64(c)); err != nil {
			t.Fatal(err)
		}
	}
	if out.String() != "RV64!" {
		t.Fatalf("output: expected %q, got %q", "RV64!", out.String())
	}

	lsr, _ := u.Read(RegLSR, 1)
	if lsr&(LSRTHREmpty|LSRTxEmpty) != LSRTHREmpty|LSRTxEmpty {
		t.Fatalf("LSR: transmitter not idle: %#x", lsr)
	}
}

func TestReceive(t *testing.T) {
	u := New(nil)

	if lsr, _ := u.Read(RegLSR, 1); lsr&LSRDataReady != 0 {
		t.Fatal("data ready with empty FIFO")
	}

	if n := u.EnqueueInput('h', 'i'); n != 2 {
		t.Fatalf("EnqueueInput accepted %d bytes", n)
	}
	if lsr, _ := u.Read(RegLSR, 1); lsr&LSRDataReady == 0 {
		t.Fatal("data ready not set")
	}
	for _, want := range []byte("hi") {
		got, _ := u.Read(RegRBR, 1)
		if byte(got) != want {
			t.Fatalf("RBR: expected %q, got %q", want, byte(got))
		}
	}
	if lsr, _ := u.Read(RegLSR, 1); lsr&LSRDataReady != 0 {
		t.Fatal("data ready after draining FIFO")
	}
}

func TestRxOverrun(t *testing.T) {
	u := New(nil)

	data := make([]byte, FIFODepth+4)
	if n := u.EnqueueInput(data...); n != FIFODepth {
		t.Fatalf("accepted %d bytes, expected %d", n, FIFODepth)
	}
	lsr, _ := u.Read(RegLSR, 1)
	if lsr&LSROverrun == 0 {
		t.Fatal("overrun not reported")
	}
	lsr, _ = u.Read(RegLSR, 1)
	if lsr&LSROverrun != 0 {
		t.Fatal("overrun not cleared by LSR read")
	}
}

func TestInterrupts(t *testing.T) {
	u := New(nil)

	if u.InterruptPending() {
		t.Fatal("interrupt pending at reset")
	}
	if iir, _ := u.Read(RegIIR, 1); iir != IIRFIFOEnabled|IIRNoInterrupt {
		t.Fatalf("IIR at reset: %#x", iir)
	}

	_ = u.Write(RegIER, 1, IERRxAvailable)
	u.EnqueueInput('x')
	if !u.InterruptPending() {
		t.Fatal("rx interrupt not raised")
	}
	if iir, _ := u.Read(RegIIR, 1); iir != IIRFIFOEnabled|IIRRxAvailable {
		t.Fatalf("IIR: expected rx available, got %#x", iir)
	}
	_, _ = u.Read(RegRBR, 1)
	if u.InterruptPending() {
		t.Fatal("rx interrupt still raised after read")
	}

	_ = u.Write(RegIER, 1, IERTxEmpty)
	if iir, _ := u.Read(RegIIR, 1); iir != IIRFIFOEnabled|IIRTxEmpty {
		t.Fatalf("IIR: expected tx empty, got %#x", iir)
	}
}

func TestDivisorLatch(t *testing.T) {
	var out bytes.Buffer
	u := New(&out)

	_ = u.Write(RegLCR, 1, 0x83)
	_ = u.Write(RegDLL, 1, 0x03)
	_ = u.Write(RegDLM, 1, 0x00)
	_ = u.Write(RegLCR, 1, 0x03)

	if out.Len() != 0 {
		t.Fatalf("divisor write leaked to output: %q", out.String())
	}
	if ier, _ := u.Read(RegIER, 1); ier != 0 {
		t.Fatalf("IER changed by divisor write: %#x", ier)
	}

	_ = u.Write(RegLCR, 1, 0x83)
	if dll, _ := u.Read(RegDLL, 1); dll != 3 {
		t.Fatalf("DLL: expected 3, got %d", dll)
	}
}

func TestLoopback(t *testing.T) {
	var out bytes.Buffer
	u := New(&out)

	_ = u.Write(RegMCR, 1, 0x10)
	_ = u.Write(RegTHR, 1, 'z')
	if out.Len() != 0 {
		t.Fatalf("loopback byte reached output: %q", out.String())
	}
	if got, _ := u.Read(RegRBR, 1); got != 'z' {
		t.Fatalf("loopback: expected 'z', got %q", byte(got))
	}
}

func TestConcurrentInput(t *testing.T) {
	u := New(nil)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				u.EnqueueInput('a')
			}
		}()
	}
	for i := 0; i < 400; i++ {
		_, _ = u.Read(RegRBR, 1)
	}
	wg.Wait()
}
