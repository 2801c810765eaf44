package supervisor

import (
	"fmt"
	"os"
	"strconv"

	"github.com/jelmore/jelmore/internal/bus"
	"github.com/jelmore/jelmore/internal/store"
	"github.com/jelmore/jelmore/internal/types"
)

// Profile describes one supported process variant: the binary it launches,
// how its arguments are built from a session config, and which stderr markers
// are fatal. The variant set is closed at startup; sessions name a variant
// and everything else is resolved through its profile.
type Profile struct {
	Name            string
	Bin             string
	CriticalMarkers []string
	BuildArgs       func(cfg types.SessionConfig, query string, resume bool) []string
}

// CommandSpec is a fully resolved process invocation.
type CommandSpec struct {
	Bin  string
	Args []string
	Dir  string
	Env  []string
}

// envAllowlist is the set of inherited environment variables. Everything else
// from the broker's environment is withheld from session processes.
var envAllowlist = []string{"PATH", "HOME", "LANG", "TERM", "USER", "TMPDIR"}

// buildEnv returns the allowlisted subset of the current environment plus any
// extra entries.
func buildEnv(extra ...string) []string {
	env := make([]string, 0, len(envAllowlist)+len(extra))
	for _, key := range envAllowlist {
		if v, ok := os.LookupEnv(key); ok {
			env = append(env, key+"="+v)
		}
	}
	return append(env, extra...)
}

// Spec resolves the profile into a concrete invocation for the session.
func (p Profile) Spec(sess *types.Session, query string, resume bool) CommandSpec {
	return CommandSpec{
		Bin:  p.Bin,
		Args: p.BuildArgs(sess.Config, query, resume),
		Dir:  sess.CurrentDirectory,
		Env:  buildEnv(),
	}
}

// ClaudeProfile launches the claude CLI in non-interactive streaming mode.
func ClaudeProfile(bin string) Profile {
	if bin == "" {
		bin = "claude"
	}
	return Profile{
		Name: "claude",
		Bin:  bin,
		CriticalMarkers: []string{
			"FATAL",
			"panic:",
			"out of memory",
			"rate limit exceeded",
		},
		BuildArgs: func(cfg types.SessionConfig, query string, resume bool) []string {
			args := []string{"--print", query, "--output-format", "stream-json"}
			if cfg.MaxTurns > 0 {
				args = append(args, "--max-turns", strconv.Itoa(cfg.MaxTurns))
			}
			if cfg.Model != "" {
				args = append(args, "--model", cfg.Model)
			}
			if cfg.Temperature > 0 {
				args = append(args, "--temperature", fmt.Sprintf("%g", cfg.Temperature))
			}
			if cfg.SystemPrompt != "" {
				args = append(args, "--system", cfg.SystemPrompt)
			}
			if resume || cfg.Continue {
				args = append(args, "--continue")
			}
			return args
		},
	}
}

// OpenCodeProfile launches the opencode CLI in JSON output mode.
func OpenCodeProfile(bin string) Profile {
	if bin == "" {
		bin = "opencode"
	}
	return Profile{
		Name: "opencode",
		Bin:  bin,
		CriticalMarkers: []string{
			"FATAL",
			"panic:",
		},
		BuildArgs: func(cfg types.SessionConfig, query string, resume bool) []string {
			args := []string{"run", "--format", "json"}
			if cfg.Model != "" {
				args = append(args, "--model", cfg.Model)
			}
			if resume || cfg.Continue {
				args = append(args, "--continue")
			}
			return append(args, query)
		},
	}
}

// Constructor builds the agent for one session.
type Constructor func(sess *types.Session) types.Agent

// Registry returns the closed variant table mapping variant names to agent
// constructors. bins optionally overrides the binary per variant name.
func Registry(st *store.Store, pub *bus.Publisher, opts Options, bins map[string]string) map[string]Constructor {
	build := func(profile Profile) Constructor {
		return func(sess *types.Session) types.Agent {
			o := opts
			o.Profile = profile
			return New(sess, st, pub, o)
		}
	}
	return map[string]Constructor{
		"claude":   build(ClaudeProfile(bins["claude"])),
		"opencode": build(OpenCodeProfile(bins["opencode"])),
	}
}
