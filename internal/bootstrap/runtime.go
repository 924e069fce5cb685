// Package bootstrap checks that backend launch commands can be found
// before anything is spawned.
package bootstrap

import (
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/lydakis/mcpbrowser/internal/mcppool"
)

type lookupPathFunc func(file string) (string, error)

var lookupPathFn lookupPathFunc = exec.LookPath

// MissingRuntimeError names a backend whose command is not on PATH.
type MissingRuntimeError struct {
	Backend string
	Runtime string
}

func (e *MissingRuntimeError) Error() string {
	return fmt.Sprintf("%s: required runtime %q not found in PATH", e.Backend, e.Runtime)
}

// CheckDefinitions looks up the runtime of every definition and joins a
// MissingRuntimeError for each one that cannot be found.
func CheckDefinitions(defs []mcppool.Definition) error {
	var errs []error
	for _, def := range defs {
		if runtime := missingRuntime(def.Command, def.Args, lookupPathFn); runtime != "" {
			errs = append(errs, &MissingRuntimeError{Backend: def.Name, Runtime: runtime})
		}
	}
	return errors.Join(errs...)
}

// missingRuntime returns the first command needed to launch command that
// lookup cannot resolve. Commands wrapped in env(1) are checked too.
func missingRuntime(command string, args []string, lookup lookupPathFunc) string {
	command = strings.TrimSpace(command)
	if command == "" {
		return ""
	}
	if _, err := lookup(command); err != nil {
		return command
	}
	if filepath.Base(command) != "env" {
		return ""
	}
	if target := envTarget(args); target != "" {
		if _, err := lookup(target); err != nil {
			return target
		}
	}
	return ""
}

// envValueFlags are env(1) options whose value is the next argument.
var envValueFlags = map[string]bool{
	"-u": true, "--unset": true,
	"-C": true, "--chdir": true,
}

// envTarget returns the program an env(1) argument list runs, skipping
// options and NAME=value assignments. Split strings given with -S are
// searched as their own argument list.
func envTarget(args []string) string {
	options := true
	for i := 0; i < len(args); i++ {
		tok := strings.TrimSpace(args[i])
		switch {
		case tok == "":
		case options && tok == "--":
			options = false
		case options && (tok == "-S" || tok == "--split-string"):
			i++
			if i < len(args) {
				if target := envTarget(strings.Fields(args[i])); target != "" {
					return target
				}
			}
		case options && (strings.HasPrefix(tok, "-S=") || strings.HasPrefix(tok, "--split-string=")):
			_, split, _ := strings.Cut(tok, "=")
			if target := envTarget(strings.Fields(split)); target != "" {
				return target
			}
		case options && envValueFlags[tok]:
			i++
		case options && strings.HasPrefix(tok, "-"):
		case strings.Index(stripQuotes(tok), "=") > 0:
		default:
			return stripQuotes(tok)
		}
	}
	return ""
}

func stripQuotes(tok string) string {
	if n := len(tok); n >= 2 && (tok[0] == '"' || tok[0] == '\'') && tok[n-1] == tok[0] {
		return tok[1 : n-1]
	}
	return tok
}
