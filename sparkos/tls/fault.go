package tls

import "uthreads/sparkos/kernel"

// handleFault claims protection faults on TLS storage taken by a bound
// thread. The kernel then terminates the thread. Unbound threads and
// addresses outside every region are left to the default behaviour.
func (m *Manager) handleFault(id kernel.ThreadID, addr uintptr) bool {
	if _, ok := m.bindings.Load(id); !ok {
		return false
	}

	m.mu.Lock()
	hit := false
	for r := range m.live {
		if r.mapping.Contains(addr) {
			hit = true
			break
		}
	}
	m.mu.Unlock()
	if !hit {
		return false
	}

	m.faults.Add(1)
	m.log.Warn().Int("thread", int(id)).Uint64("addr", uint64(addr)).Msg("illegal region access")
	return true
}
