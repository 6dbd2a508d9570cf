// Package filter parses user supplied filter commands and substitutes the
// {file} placeholder used by file repositories.
package filter

import (
	"errors"
	"fmt"
	"strings"

	"brb/internal/execute"

	"github.com/kballard/go-shellquote"
)

const FileToken = "{file}"

var ErrNoFileToken = errors.New("replacement string " + FileToken + " not found")

// Parse splits each filter string into an argv vector using shell quoting rules.
func Parse(filters []string) ([]execute.Command, error) {
	cmds := make([]execute.Command, 0, len(filters))
	for _, f := range filters {
		cmd, err := ParseOne(f)
		if err != nil {
			return nil, err
		}
		cmds = append(cmds, cmd)
	}
	return cmds, nil
}

func ParseOne(s string) (execute.Command, error) {
	args, err := shellquote.Split(s)
	if err != nil {
		return nil, fmt.Errorf("failed to parse command %q: %w", s, err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("%w: %q", execute.ErrEmpty, s)
	}
	return args, nil
}

func Contains(cmd execute.Command) bool {
	return tokenIndex(cmd) >= 0
}

func tokenIndex(cmd execute.Command) int {
	for i, arg := range cmd {
		if strings.Contains(arg, FileToken) {
			return i
		}
	}
	return -1
}

// Replace returns a copy of cmds in which the first argument containing
// {file} is repeated once per file, with the placeholder replaced by it.
func Replace(cmds []execute.Command, files []string) ([]execute.Command, error) {
	for i, cmd := range cmds {
		at := tokenIndex(cmd)
		if at < 0 {
			continue
		}
		out := make([]execute.Command, len(cmds))
		copy(out, cmds)
		out[i] = expand(cmd, at, files)
		return out, nil
	}
	return nil, fmt.Errorf("%w in: %q", ErrNoFileToken, describe(cmds))
}

func expand(cmd execute.Command, at int, files []string) execute.Command {
	out := make(execute.Command, 0, len(cmd)-1+len(files))
	out = append(out, cmd[:at]...)
	for _, f := range files {
		out = append(out, strings.ReplaceAll(cmd[at], FileToken, f))
	}
	return append(out, cmd[at+1:]...)
}

// Spring returns one copy of cmd per file, each with the {file} argument
// replaced by that file.
func Spring(cmd execute.Command, files []string) (execute.Stage, error) {
	at := tokenIndex(cmd)
	if at < 0 {
		return nil, fmt.Errorf("%w in: %q", ErrNoFileToken, cmd.String())
	}
	stage := make(execute.Stage, 0, len(files))
	for _, f := range files {
		stage = append(stage, expand(cmd, at, []string{f}))
	}
	return stage, nil
}

// CheckFirst requires the first filter to carry {file}.
func CheckFirst(cmds []execute.Command) error {
	if len(cmds) == 0 || !Contains(cmds[0]) {
		return fmt.Errorf("%w in the first filter of: %q", ErrNoFileToken, describe(cmds))
	}
	return nil
}

// CheckLast requires the last filter to carry {file}.
func CheckLast(cmds []execute.Command) error {
	if len(cmds) == 0 || !Contains(cmds[len(cmds)-1]) {
		return fmt.Errorf("%w in the last filter of: %q", ErrNoFileToken, describe(cmds))
	}
	return nil
}

func describe(cmds []execute.Command) string {
	return execute.Describe(execute.Stages(cmds...))
}
