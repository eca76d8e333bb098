// Package deploy drives the docker compose stack backing the pipeline:
// the document store, the NGAS archive and the containerised test
// runner.
package deploy

import (
	"os"
	"os/exec"
)

// CommandExecutor runs one external command. The abstraction exists so
// orchestration logic is testable without docker installed.
type CommandExecutor interface {
	// Run executes the command and returns the combined output
	// (stdout+stderr).
	Run() ([]byte, error)

	// SetEnv appends KEY=VALUE pairs to the inherited environment.
	SetEnv(env []string)
}

// CommandBuilder creates executors for external commands.
type CommandBuilder interface {
	BuildCommand(name string, args ...string) CommandExecutor
}

// RealCommandExecutor wraps exec.Cmd to implement CommandExecutor.
type RealCommandExecutor struct {
	cmd *exec.Cmd
}

// Run executes the command and returns combined output.
func (r *RealCommandExecutor) Run() ([]byte, error) {
	return r.cmd.CombinedOutput()
}

// SetEnv appends to the inherited environment.
func (r *RealCommandExecutor) SetEnv(env []string) {
	if r.cmd.Env == nil {
		r.cmd.Env = os.Environ()
	}
	r.cmd.Env = append(r.cmd.Env, env...)
}

// RealCommandBuilder implements CommandBuilder using exec.Command.
type RealCommandBuilder struct{}

// NewRealCommandBuilder creates a new RealCommandBuilder.
func NewRealCommandBuilder() *RealCommandBuilder {
	return &RealCommandBuilder{}
}

// BuildCommand creates a CommandExecutor for the given command and
// arguments.
func (b *RealCommandBuilder) BuildCommand(name string, args ...string) CommandExecutor {
	return &RealCommandExecutor{cmd: exec.Command(name, args...)}
}

// MockCommandExecutor implements CommandExecutor for testing.
type MockCommandExecutor struct {
	// Output is the output to return from Run.
	Output []byte
	// Err is the error to return from Run.
	Err error
	// Env holds the environment pairs that were set.
	Env []string
	// RunCalled indicates whether Run was called.
	RunCalled bool
}

// Run returns the configured output and error.
func (m *MockCommandExecutor) Run() ([]byte, error) {
	m.RunCalled = true
	return m.Output, m.Err
}

// SetEnv records the environment pairs.
func (m *MockCommandExecutor) SetEnv(env []string) {
	m.Env = append(m.Env, env...)
}

// MockCommandBuilder implements CommandBuilder for testing.
type MockCommandBuilder struct {
	// Commands records all commands that were built.
	Commands []MockBuiltCommand
	// NextExecutor is the next executor to return. If nil, a default
	// MockCommandExecutor is created.
	NextExecutor *MockCommandExecutor
}

// MockBuiltCommand records details of a built command.
type MockBuiltCommand struct {
	Name     string
	Args     []string
	Executor *MockCommandExecutor
}

// NewMockCommandBuilder creates a new MockCommandBuilder.
func NewMockCommandBuilder() *MockCommandBuilder {
	return &MockCommandBuilder{}
}

// BuildCommand creates a MockCommandExecutor and records the command.
func (b *MockCommandBuilder) BuildCommand(name string, args ...string) CommandExecutor {
	executor := b.NextExecutor
	if executor == nil {
		executor = &MockCommandExecutor{}
	}
	b.NextExecutor = nil
	b.Commands = append(b.Commands, MockBuiltCommand{
		Name:     name,
		Args:     args,
		Executor: executor,
	})
	return executor
}

// LastCommand returns the most recently built command, or nil if none.
func (b *MockCommandBuilder) LastCommand() *MockBuiltCommand {
	if len(b.Commands) == 0 {
		return nil
	}
	return &b.Commands[len(b.Commands)-1]
}
