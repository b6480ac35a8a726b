//go:build linux

package worker

import "golang.org/x/sys/unix"

// pinToCore restricts the whole process to one CPU. Workers run fine
// unpinned; pinning just keeps cameras from trampling each other's caches.
func pinToCore(core int) error {
	var set unix.CPUSet
	set.Zero()
	set.Set(core)
	return unix.SchedSetaffinity(0, &set)
}
