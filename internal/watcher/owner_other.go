//go:build !unix && !windows

package watcher

import "errors"

func fileOwner(string) (string, error) {
	return "", errors.New("watcher: file owner lookup not supported")
}
