//go:build linux

package tpcengine

import "golang.org/x/sys/unix"

// applyAffinity pins the calling thread to the given CPUs. Returns the
// CPU set actually in effect afterwards so callers can warn on mismatch.
// Must be called from the eventloop thread, after LockOSThread.
func applyAffinity(cpus []int) (applied []int, err error) {
	var set unix.CPUSet
	for _, cpu := range cpus {
		set.Set(cpu)
	}
	if err := unix.SchedSetaffinity(0, &set); err != nil {
		return nil, err
	}
	var actual unix.CPUSet
	if err := unix.SchedGetaffinity(0, &actual); err != nil {
		return nil, err
	}
	for cpu := 0; cpu < 1024; cpu++ {
		if actual.IsSet(cpu) {
			applied = append(applied, cpu)
		}
	}
	return applied, nil
}
