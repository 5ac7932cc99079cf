//go:build !unix

package spool

import "fmt"

func volumeUtilization(dir string) (float64, error) {
	return 0, fmt.Errorf("volume stats unavailable on this platform; set storage.spool.capacity_bytes")
}
