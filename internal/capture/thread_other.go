//go:build !linux

package capture

func threadID() int { return 0 }
