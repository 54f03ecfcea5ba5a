package watcher

import (
	"os/user"
	"strings"
)

// UnknownUser is reported when neither the file owner nor the current user
// can be resolved.
const UnknownUser = "Unknown"

// ResolveUsername returns the owner of path, falling back to the current
// user and then to UnknownUser. Domain prefixes are stripped.
func ResolveUsername(path string) string {
	if name, err := fileOwner(path); err == nil && name != "" {
		return stripDomain(name)
	}
	return CurrentUsername()
}

// CurrentUsername returns the name of the user running the process.
func CurrentUsername() string {
	u, err := user.Current()
	if err != nil || u.Username == "" {
		return UnknownUser
	}
	return stripDomain(u.Username)
}

func stripDomain(name string) string {
	if i := strings.LastIndexByte(name, '\\'); i >= 0 {
		return name[i+1:]
	}
	return name
}
