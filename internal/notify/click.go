package notify

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
)

// blockedExtensions are never opened from a notification click: programs,
// scripts, shortcuts and documents whose default handler runs code.
var blockedExtensions = map[string]struct{}{
	".exe": {}, ".bat": {}, ".cmd": {}, ".com": {}, ".ps1": {}, ".vbs": {},
	".js": {}, ".jar": {}, ".msi": {}, ".scr": {}, ".hta": {}, ".lnk": {},
	".reg": {},

	".pif": {}, ".cpl": {}, ".msc": {}, ".msp": {}, ".inf": {}, ".scf": {},
	".url": {}, ".wsf": {}, ".wsh": {}, ".wsc": {}, ".vbe": {}, ".jse": {},
	".psm1": {}, ".psd1": {}, ".ps1xml": {}, ".appref-ms": {}, ".gadget": {},
	".application": {}, ".settingcontent-ms": {}, ".library-ms": {},
	".html": {}, ".htm": {}, ".xhtml": {}, ".svg": {}, ".mht": {}, ".mhtml": {},
	".py": {}, ".pyw": {}, ".pl": {}, ".rb": {}, ".php": {}, ".sh": {},
	".bash": {}, ".zsh": {}, ".command": {}, ".desktop": {}, ".app": {},
	".appimage": {}, ".run": {}, ".deb": {}, ".rpm": {}, ".pkg": {},
	".dmg": {}, ".workflow": {}, ".scpt": {}, ".applescript": {},
}

var (
	// ErrBlocked is returned by Click for files with a do-not-run extension.
	ErrBlocked = errors.New("notify: file type blocked from opening")
	// ErrUnknownNotification is returned by Click for IDs the dispatcher
	// never issued or that have expired.
	ErrUnknownNotification = errors.New("notify: unknown notification")
)

// Blocked reports whether path has an extension that must not be opened.
func Blocked(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	if ext == "" {
		return false
	}
	_, ok := blockedExtensions[ext]
	return ok
}

// Opener opens a file with the desktop's default handler.
type Opener interface {
	Open(path string) error
}

// OpenerFunc adapts a function to Opener.
type OpenerFunc func(path string) error

// Open calls f.
func (f OpenerFunc) Open(path string) error { return f(path) }

// SystemOpener launches the platform file browser or default handler
// without waiting for it.
type SystemOpener struct{}

// Open starts the handler for path.
func (SystemOpener) Open(path string) error {
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "windows":
		cmd = exec.Command("explorer", path)
	case "darwin":
		cmd = exec.Command("open", path)
	default:
		cmd = exec.Command("xdg-open", path)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("notify: launch opener: %w", err)
	}
	go func() { _ = cmd.Wait() }()
	return nil
}

// Click handles a click on the delivered notification with the given ID
// and opens the file it was raised for. Unknown IDs, missing files and
// blocked extensions are refused.
func (d *Dispatcher) Click(id string) error {
	path, ok := d.clicks.Get(id)
	if !ok {
		d.logger.Warn("notify: click for unknown notification", slog.String("id", id))
		return ErrUnknownNotification
	}
	if _, err := os.Stat(path); err != nil {
		d.console(fmt.Sprintf("[WARNING] File no longer exists: %s", path))
		return fmt.Errorf("notify: click %q: %w", path, err)
	}
	if Blocked(path) {
		d.blocked.Inc()
		d.console(fmt.Sprintf("[SECURITY] Blocked potentially unsafe file from opening: %s", path))
		d.logger.Warn("notify: blocked unsafe file", slog.String("path", path))
		return ErrBlocked
	}
	if err := d.opts.Opener.Open(path); err != nil {
		d.console(fmt.Sprintf("[ERROR] Opener launch failed: %v", err))
		d.logger.Error("notify: open failed", slog.String("path", path), slog.Any("error", err))
		return err
	}
	return nil
}
