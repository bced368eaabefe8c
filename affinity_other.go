//go:build !linux

package tpcengine

// applyAffinity is a no-op outside Linux; the requested set is reported
// back unchanged so callers do not warn.
func applyAffinity(cpus []int) ([]int, error) {
	return cpus, nil
}
