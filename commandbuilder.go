package main

import (
	"fmt"
	"os/exec"
)

// nodeRunnerCommand and pythonRunnerCommand are the package-runner binaries
// invoked to spawn a child server without a prior install step.
const (
	nodeRunnerCommand   = "npx"
	pythonRunnerCommand = "uvx"
)

// nodeNonInteractiveFlag and pythonNonInteractiveFlag suppress any runner
// prompt that would otherwise hang a spawn waiting on a TTY that does not
// exist (spec.md §4.D).
const (
	nodeNonInteractiveFlag   = "--yes"
	pythonNonInteractiveFlag = "--no-progress"
)

// BuiltCommand is the resolved (command, argv) pair ready to hand to
// os/exec, plus the runtime binary that was resolved for it.
type BuiltCommand struct {
	Path string
	Argv []string
}

// runtimeLookup is swapped out in tests; defaults to exec.LookPath.
var runtimeLookup = exec.LookPath

// build resolves the package-runner binary for ecosystem and assembles its
// argv for the given package and extra arguments (spec.md §4.D). It replaces
// the teacher's shell `which`-based discovery with exec.LookPath, per
// spec.md §9's redesign note: a missing runtime surfaces as
// RUNTIME_NOT_AVAILABLE instead of a raw exec error.
func build(ecosystem Ecosystem, parsed ParsedPackage, extraArgs []string) (BuiltCommand, error) {
	var runner, flag, token string

	switch ecosystem {
	case EcosystemNode:
		runner, flag = nodeRunnerCommand, nodeNonInteractiveFlag
		token = parsed.FullName
		if parsed.Version != "latest" {
			token = fmt.Sprintf("%s@%s", parsed.FullName, parsed.Version)
		}
	case EcosystemPython:
		runner, flag = pythonRunnerCommand, pythonNonInteractiveFlag
		token = parsed.FullName
		if parsed.Version != "latest" {
			token = fmt.Sprintf("%s==%s", parsed.FullName, parsed.Version)
		}
	default:
		return BuiltCommand{}, NewGatewayError(ErrServerStartFailed, fmt.Sprintf("unknown ecosystem %q", ecosystem))
	}

	path, err := runtimeLookup(runner)
	if err != nil {
		return BuiltCommand{}, NewGatewayError(ErrRuntimeNotAvailable, fmt.Sprintf("package runner %q not found on PATH", runner)).
			WithData(map[string]string{"command": runner, "ecosystem": string(ecosystem)}).
			WithErr(err)
	}

	argv := append([]string{flag, token}, extraArgs...)
	return BuiltCommand{Path: path, Argv: argv}, nil
}
