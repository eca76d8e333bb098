package deploy

import (
	"errors"
	"strings"
	"testing"
)

func newTestCompose(builder *MockCommandBuilder) *Compose {
	c := NewCompose("docker-compose.yml", "huntsman", false, nil)
	c.builder = builder
	return c
}

func argsString(cmd *MockBuiltCommand) string {
	return cmd.Name + " " + strings.Join(cmd.Args, " ")
}

func TestComposeUp(t *testing.T) {
	builder := NewMockCommandBuilder()
	c := newTestCompose(builder)

	if _, err := c.Up(ServiceMongoDB, ServiceNGAS); err != nil {
		t.Fatalf("Up failed: %v", err)
	}

	cmd := builder.LastCommand()
	if cmd == nil {
		t.Fatal("Expected a command to be built")
	}
	got := argsString(cmd)
	want := "docker compose -f docker-compose.yml -p huntsman up -d mongodb ngas"
	if got != want {
		t.Errorf("Command = %q, want %q", got, want)
	}
}

func TestComposeUp_AllServices(t *testing.T) {
	builder := NewMockCommandBuilder()
	c := newTestCompose(builder)

	if _, err := c.Up(); err != nil {
		t.Fatalf("Up failed: %v", err)
	}

	got := argsString(builder.LastCommand())
	if !strings.HasSuffix(got, "up -d") {
		t.Errorf("Expected bare 'up -d', got %q", got)
	}
}

func TestComposeDown(t *testing.T) {
	builder := NewMockCommandBuilder()
	c := newTestCompose(builder)

	if _, err := c.Down(); err != nil {
		t.Fatalf("Down failed: %v", err)
	}

	got := argsString(builder.LastCommand())
	if !strings.HasSuffix(got, "down --remove-orphans") {
		t.Errorf("Unexpected down command %q", got)
	}
}

func TestComposeStatus(t *testing.T) {
	builder := NewMockCommandBuilder()
	builder.NextExecutor = &MockCommandExecutor{Output: []byte("NAME   STATUS\nmongodb   running\n")}
	c := newTestCompose(builder)

	output, err := c.Status()
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}

	if !strings.Contains(output, "mongodb") {
		t.Errorf("Expected container listing, got %q", output)
	}
	got := argsString(builder.LastCommand())
	if !strings.HasSuffix(got, "ps") {
		t.Errorf("Unexpected status command %q", got)
	}
}

func TestComposeRunTests(t *testing.T) {
	builder := NewMockCommandBuilder()
	c := newTestCompose(builder)

	if _, err := c.RunTests("/tmp/coverage"); err != nil {
		t.Fatalf("RunTests failed: %v", err)
	}

	cmd := builder.LastCommand()
	got := argsString(cmd)
	want := "docker compose -f docker-compose.yml -p huntsman run --rm -e COVERAGE_DIR=/tmp/coverage test-runner"
	if got != want {
		t.Errorf("Command = %q, want %q", got, want)
	}

	foundEnv := false
	for _, pair := range cmd.Executor.Env {
		if pair == "COVERAGE_DIR=/tmp/coverage" {
			foundEnv = true
		}
	}
	if !foundEnv {
		t.Errorf("Expected COVERAGE_DIR in command env, got %v", cmd.Executor.Env)
	}
}

func TestComposeDryRun(t *testing.T) {
	builder := NewMockCommandBuilder()
	c := newTestCompose(builder)
	c.DryRun = true

	output, err := c.Up(ServiceMongoDB)
	if err != nil {
		t.Fatalf("Up failed: %v", err)
	}

	if !strings.Contains(output, "[DRY-RUN]") {
		t.Errorf("Expected dry-run marker, got %q", output)
	}
	if !strings.Contains(output, "docker compose") {
		t.Errorf("Expected the command line in dry-run output, got %q", output)
	}
	if len(builder.Commands) != 0 {
		t.Errorf("Expected no commands executed in dry-run, got %d", len(builder.Commands))
	}
}

func TestComposeRunError(t *testing.T) {
	builder := NewMockCommandBuilder()
	builder.NextExecutor = &MockCommandExecutor{
		Output: []byte("no such service: ngas"),
		Err:    errors.New("exit status 1"),
	}
	c := newTestCompose(builder)

	output, err := c.Up(ServiceNGAS)
	if err == nil {
		t.Fatal("Expected error from failing command")
	}
	if !strings.Contains(output, "no such service") {
		t.Errorf("Expected command output passed through, got %q", output)
	}
	if !strings.Contains(err.Error(), "up -d ngas") {
		t.Errorf("Expected command line in error, got %v", err)
	}
}

func TestComposeNoFileNoProject(t *testing.T) {
	builder := NewMockCommandBuilder()
	c := NewCompose("", "", false, nil)
	c.builder = builder

	if _, err := c.Status(); err != nil {
		t.Fatalf("Status failed: %v", err)
	}

	got := argsString(builder.LastCommand())
	if got != "docker compose ps" {
		t.Errorf("Command = %q, want %q", got, "docker compose ps")
	}
}
