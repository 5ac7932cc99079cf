//go:build unix

package spool

import (
	"fmt"
	"syscall"
)

func volumeUtilization(dir string) (float64, error) {
	var st syscall.Statfs_t
	if err := syscall.Statfs(dir, &st); err != nil {
		return 0, fmt.Errorf("statfs %s: %w", dir, err)
	}
	total := uint64(st.Blocks) * uint64(st.Bsize)
	if total == 0 {
		return 0, fmt.Errorf("statfs %s: zero-size volume", dir)
	}
	free := uint64(st.Bavail) * uint64(st.Bsize)
	return float64(total-free) / float64(total), nil
}
