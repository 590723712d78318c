package hart

import (
	"github.com/Chungws/riscv-emulator/internal/csr"
	"github.com/Chungws/riscv-emulator/internal/isa"
)

// Arbitration order within each level: external, software, timer.
var (
	machineInterrupts    = [...]uint64{isa.IntMExternal, isa.IntMSoftware, isa.IntMTimer}
	supervisorInterrupts = [...]uint64{isa.IntSExternal, isa.IntSSoftware, isa.IntSTimer}
)

// pendingInterrupt selects the interrupt to take before the next fetch.
//
// Machine-level sources are considered first and fire when mstatus.MIE is set,
// the source is enabled in mie and it is not delegated through mideleg.
// Supervisor-level sources fire only while the hart runs in supervisor mode
// with mstatus.SIE set and the source enabled.
func (cpu *CPU) pendingInterrupt() (uint64, bool) {
	pending := cpu.CSR.Pending()
	if pending == 0 {
		return 0, false
	}
	mstatus := cpu.CSR.Get(csr.Mstatus)

	if mstatus&isa.MstatusMIE != 0 {
		eligible := pending &^ cpu.CSR.Get(csr.Mideleg)
		for _, code := range machineInterrupts {
			if eligible&(1<<code) != 0 {
				return code, true
			}
		}
	}

	if cpu.Priv == isa.PrivSupervisor && mstatus&isa.MstatusSIE != 0 {
		for _, code := range supervisorInterrupts {
			if pending&(1<<code) != 0 {
				return code, true
			}
		}
	}

	return 0, false
}
