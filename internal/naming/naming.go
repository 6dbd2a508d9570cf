// Package naming builds snapshot names from host identity, subvolume path and
// creation time.
package naming

import (
	"fmt"
	"strings"
	"time"

	"brb/internal/snapshot"

	"github.com/juju/clock"
	"golang.org/x/sys/unix"
)

// TimeFormat orders lexically the same way it orders chronologically.
const TimeFormat = "2006-01-02_15:04:05"

type Host struct {
	NodeName string
	SysName  string
	Machine  string
}

func LocalHost() (Host, error) {
	var uts unix.Utsname
	if err := unix.Uname(&uts); err != nil {
		return Host{}, fmt.Errorf("failed to read host identity: %w", err)
	}
	return Host{
		NodeName: unix.ByteSliceToString(uts.Nodename[:]),
		SysName:  strings.ToLower(unix.ByteSliceToString(uts.Sysname[:])),
		Machine:  unix.ByteSliceToString(uts.Machine[:]),
	}, nil
}

// Prefix is shared by every snapshot this host creates.
func (h Host) Prefix() string {
	return fmt.Sprintf("%s-%s-%s-", h.NodeName, strings.ToLower(h.SysName), h.Machine)
}

// BaseName returns the name prefix of all snapshots of subvolume. An empty
// subvolume yields the host prefix, which matches any subvolume.
func BaseName(h Host, subvolume string) string {
	path := strings.Trim(subvolume, "/")
	return h.Prefix() + strings.ReplaceAll(path, "/", "_")
}

func Timestamp(t time.Time) string {
	return t.Format(TimeFormat)
}

// UniqueName returns base-timestamp, or the first base-timestamp-N not yet
// present in existing. Two concurrent callers may still pick the same name.
func UniqueName(base, timestamp string, existing snapshot.Index) string {
	candidate := base + "-" + timestamp
	name := candidate
	for i := 1; existing.Contains(name); i++ {
		name = fmt.Sprintf("%s-%d", candidate, i)
	}
	return name
}

// ParseTimestamp reads the timestamp at the start of rest, ignoring any
// collision suffix that follows it.
func ParseTimestamp(rest string, loc *time.Location) (time.Time, error) {
	if len(rest) < len(TimeFormat) {
		return time.Time{}, fmt.Errorf("timestamp %q too short", rest)
	}
	if tail := rest[len(TimeFormat):]; tail != "" && !isCollisionSuffix(tail) {
		return time.Time{}, fmt.Errorf("unexpected suffix %q after timestamp", tail)
	}
	t, err := time.ParseInLocation(TimeFormat, rest[:len(TimeFormat)], loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse timestamp %q: %w", rest, err)
	}
	return t, nil
}

func isCollisionSuffix(s string) bool {
	if len(s) < 2 || s[0] != '-' {
		return false
	}
	for _, c := range s[1:] {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

// Namer names snapshots for one host using an injected clock.
type Namer struct {
	Host  Host
	Clock clock.Clock
}

func NewNamer(host Host, clk clock.Clock) *Namer {
	return &Namer{Host: host, Clock: clk}
}

func (n *Namer) Now() time.Time {
	return n.Clock.Now()
}

func (n *Namer) Base(subvolume string) string {
	return BaseName(n.Host, subvolume)
}

// Next returns a fresh, unused snapshot name for subvolume.
func (n *Namer) Next(subvolume string, existing snapshot.Index) string {
	return UniqueName(n.Base(subvolume), Timestamp(n.Now()), existing)
}

// Created returns the creation time encoded in a snapshot name of subvolume.
func (n *Namer) Created(subvolume, name string) (time.Time, error) {
	base := n.Base(subvolume)
	if !strings.HasPrefix(name, base+"-") {
		return time.Time{}, fmt.Errorf("snapshot %q does not belong to %q", name, subvolume)
	}
	return ParseTimestamp(name[len(base)+1:], n.Now().Location())
}
