//go:build unix

package watcher

import (
	"os/user"
	"strconv"

	"golang.org/x/sys/unix"
)

func fileOwner(path string) (string, error) {
	var st unix.Stat_t
	if err := unix.Lstat(path, &st); err != nil {
		return "", err
	}
	u, err := user.LookupId(strconv.FormatUint(uint64(st.Uid), 10))
	if err != nil {
		return "", err
	}
	return u.Username, nil
}
