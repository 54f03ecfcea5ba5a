package monitor

import (
	"path/filepath"
	"strings"

	"github.com/tripwire/dupwatch/internal/config"
)

// systemExtensions are OS bookkeeping files skipped when a root excludes
// system extensions.
var systemExtensions = map[string]struct{}{
	".sys": {}, ".dll": {}, ".ini": {}, ".dat": {}, ".log": {}, ".etl": {},
	".evtx": {}, ".lnk": {}, ".pf": {}, ".regtrans-ms": {}, ".blf": {},
	".cat": {}, ".mui": {}, ".db-journal": {},
}

// tempExtensions are transient editor and download files skipped when a root
// excludes temp extensions.
var tempExtensions = map[string]struct{}{
	".tmp": {}, ".temp": {}, ".swp": {}, ".swx": {}, ".part": {},
	".crdownload": {}, ".partial": {}, ".download": {}, ".bak": {},
	".lock": {}, ".cache": {},
}

// Filter decides which paths reach the debouncer.
type Filter struct {
	Excluded      [][]string
	ExcludeSystem bool
	ExcludeTemp   bool
}

// IsExcluded reports whether any excluded segment sequence appears
// contiguously inside path.
func (f Filter) IsExcluded(path string) bool {
	if len(f.Excluded) == 0 {
		return false
	}
	parts := config.Segments(path)
	for _, ex := range f.Excluded {
		if containsRun(parts, ex) {
			return true
		}
	}
	return false
}

// Allow applies exclusion, then the system and temp extension filters.
func (f Filter) Allow(path string) bool {
	if path == "" || f.IsExcluded(path) {
		return false
	}
	ext := strings.ToLower(filepath.Ext(path))
	if f.ExcludeSystem {
		if _, ok := systemExtensions[ext]; ok {
			return false
		}
	}
	if f.ExcludeTemp {
		if _, ok := tempExtensions[ext]; ok {
			return false
		}
		if strings.HasSuffix(path, "~") {
			return false
		}
	}
	return true
}

func containsRun(parts, run []string) bool {
	if len(run) == 0 || len(run) > len(parts) {
		return false
	}
outer:
	for i := 0; i+len(run) <= len(parts); i++ {
		for j := range run {
			if parts[i+j] != run[j] {
				continue outer
			}
		}
		return true
	}
	return false
}
