package kernel

import "runtime"

// faultAddr extracts the faulting address from a recovered memory fault.
// Thread goroutines run with debug.SetPanicOnFault, so the runtime reports
// the fault as a runtime.Error with an Addr method.
func faultAddr(r any) (uintptr, bool) {
	re, ok := r.(runtime.Error)
	if !ok {
		return 0, false
	}
	af, ok := re.(interface{ Addr() uintptr })
	if !ok {
		return 0, false
	}
	return af.Addr(), true
}

func (k *Kernel) handleFault(id ThreadID, addr uintptr) bool {
	hp := k.fault.Load()
	if hp == nil {
		return false
	}
	if !(*hp)(id, addr) {
		return false
	}
	k.faults.Add(1)
	k.log.Warn().Int("thread", int(id)).Uint64("addr", uint64(addr)).Msg("thread terminated on protection fault")
	return true
}
