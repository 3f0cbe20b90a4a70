//go:build !linux

package api

// systemStats reports zeros on platforms without a /proc to read.
func systemStats() SystemStats {
	return SystemStats{}
}
