//go:build windows

package watcher

import (
	"golang.org/x/sys/windows"
)

func fileOwner(path string) (string, error) {
	sd, err := windows.GetNamedSecurityInfo(path, windows.SE_FILE_OBJECT, windows.OWNER_SECURITY_INFORMATION)
	if err != nil {
		return "", err
	}
	owner, _, err := sd.Owner()
	if err != nil {
		return "", err
	}
	account, _, _, err := owner.LookupAccount("")
	if err != nil {
		return "", err
	}
	return account, nil
}
