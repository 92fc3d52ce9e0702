package timeline

import (
	"os"
	"strings"
	"time"

	appLog "inkcal/internal/log"
)

// tzProbe holds the host lookups used to discover the system timezone.
type tzProbe struct {
	getenv   func(string) string
	readFile func(string) ([]byte, error)
	readlink func(string) (string, error)
	local    *time.Location
}

var hostProbe = tzProbe{
	getenv:   os.Getenv,
	readFile: os.ReadFile,
	readlink: os.Readlink,
	local:    time.Local,
}

// SystemTimezone returns the host's configured timezone name. When it
// cannot be determined it logs a warning and returns ok == false; callers
// should then use UTC.
func SystemTimezone() (name string, ok bool) {
	return hostProbe.resolve()
}

func (p tzProbe) resolve() (string, bool) {
	if tz := strings.TrimPrefix(strings.TrimSpace(p.getenv("TZ")), ":"); tz != "" {
		if name, ok := zoneFromPath(tz); ok && usable(name, "TZ") {
			return name, true
		}
		if !strings.HasPrefix(tz, "/") && usable(tz, "TZ") {
			return tz, true
		}
	}

	if data, err := p.readFile("/etc/timezone"); err == nil {
		if name := strings.TrimSpace(string(data)); name != "" && usable(name, "/etc/timezone") {
			return name, true
		}
	}

	if target, err := p.readlink("/etc/localtime"); err == nil {
		if name, ok := zoneFromPath(target); ok && usable(name, "/etc/localtime") {
			return name, true
		}
	}

	if p.local != nil {
		if name := p.local.String(); name != "" && name != "Local" && usable(name, "process") {
			return name, true
		}
	}

	appLog.Warn("system timezone could not be determined; set timezone manually, using UTC")
	return "", false
}

// usable reports whether LoadTimezone accepts name. POSIX TZ rules and
// typos are skipped so the next source is tried.
func usable(name, from string) bool {
	if _, err := LoadTimezone(name); err != nil {
		appLog.Debug("ignoring unloadable system timezone", "source", from, "name", name)
		return false
	}
	return true
}

// zoneFromPath extracts "Area/City" from a zoneinfo path such as
// /usr/share/zoneinfo/Europe/Berlin.
func zoneFromPath(p string) (string, bool) {
	const marker = "zoneinfo/"
	i := strings.LastIndex(p, marker)
	if i < 0 {
		return "", false
	}
	name := p[i+len(marker):]
	return name, name != ""
}
