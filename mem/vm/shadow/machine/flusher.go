package machine

import "github.com/sarchlab/vmshadow/mem/vm/shadow"

// Now returns the flush clock. It advances with every flush.
func (m *Machine) Now() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.clock
}

// Filter removes from mask every CPU that has flushed after stamp.
func (m *Machine) Filter(mask shadow.CPUSet, stamp uint64) shadow.CPUSet {
	m.mu.Lock()
	defer m.mu.Unlock()

	for cpu := 0; cpu < 64; cpu++ {
		if mask.Has(cpu) && m.cpuStamp[cpu] > stamp {
			mask &^= shadow.CPUSet(0).Add(cpu)
		}
	}

	return mask
}

// Flush flushes the TLBs of the CPUs in mask.
func (m *Machine) Flush(mask shadow.CPUSet) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.clock++

	for cpu := 0; cpu < 64; cpu++ {
		if mask.Has(cpu) {
			m.cpuStamp[cpu] = m.clock
		}
	}

	m.flushLog = append(m.flushLog, mask)
}

// Flushes returns the masks of every flush so far, oldest first.
func (m *Machine) Flushes() []shadow.CPUSet {
	m.mu.Lock()
	defer m.mu.Unlock()

	return append([]shadow.CPUSet(nil), m.flushLog...)
}

// ResetFlushes forgets the flush log.
func (m *Machine) ResetFlushes() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.flushLog = nil
}

// SetYieldEvery makes every n-th preemption check fire. Zero never fires.
func (m *Machine) SetYieldEvery(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.yieldEvery = n
	m.checks = 0
}

// ShouldYield reports whether a long operation should yield now.
func (m *Machine) ShouldYield() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.yieldEvery <= 0 {
		return false
	}

	m.checks++

	return m.checks%m.yieldEvery == 0
}
