//go:build unix

package fsutil

import (
	"os"
	"syscall"
)

// Owner returns the user and group ids recorded in info
func Owner(info os.FileInfo) (uid, gid int, ok bool) {
	stat, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return 0, 0, false
	}
	return int(stat.Uid), int(stat.Gid), true
}
