//go:build !unix

package fsutil

import "os"

// Owner is not available on this platform
func Owner(info os.FileInfo) (uid, gid int, ok bool) {
	return 0, 0, false
}
