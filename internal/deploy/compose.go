package deploy

import (
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/huntsman-array/huntsman-drp/internal/logging"
)

// Compose service names, matching docker-compose.yml.
const (
	ServiceMongoDB    = "mongodb"
	ServiceNGAS       = "ngas"
	ServiceTestRunner = "test-runner"
)

// Compose orchestrates the docker compose stack.
type Compose struct {
	// File is the compose file path. Empty uses compose's default
	// lookup.
	File string

	// Project is the compose project name.
	Project string

	// DryRun reports the commands instead of executing them.
	DryRun bool

	builder CommandBuilder
	logger  *zap.SugaredLogger
}

// NewCompose builds an orchestrator over the given compose file.
func NewCompose(file, project string, dryRun bool, logger *zap.SugaredLogger) *Compose {
	return &Compose{
		File:    file,
		Project: project,
		DryRun:  dryRun,
		builder: NewRealCommandBuilder(),
		logger:  logging.OrDefault(logger),
	}
}

// Up starts the named services detached, or the whole stack when none
// are given.
func (c *Compose) Up(services ...string) (string, error) {
	args := append([]string{"up", "-d"}, services...)
	return c.run(nil, args...)
}

// Down stops the stack and removes its containers.
func (c *Compose) Down() (string, error) {
	return c.run(nil, "down", "--remove-orphans")
}

// Status reports the container states.
func (c *Compose) Status() (string, error) {
	return c.run(nil, "ps")
}

// RunTests runs the containerised test suite. Coverage reports land in
// coverageDir, which is exported to both compose and the container.
func (c *Compose) RunTests(coverageDir string) (string, error) {
	env := []string{"COVERAGE_DIR=" + coverageDir}
	return c.run(env, "run", "--rm",
		"-e", "COVERAGE_DIR="+coverageDir,
		ServiceTestRunner)
}

// run assembles and executes one docker compose invocation.
func (c *Compose) run(env []string, args ...string) (string, error) {
	full := []string{"compose"}
	if c.File != "" {
		full = append(full, "-f", c.File)
	}
	if c.Project != "" {
		full = append(full, "-p", c.Project)
	}
	full = append(full, args...)

	display := "docker " + strings.Join(full, " ")
	if c.DryRun {
		return fmt.Sprintf("[DRY-RUN] Would execute: %s", display), nil
	}

	c.logger.Debugf("Executing: %s", display)
	cmd := c.builder.BuildCommand("docker", full...)
	if len(env) > 0 {
		cmd.SetEnv(env)
	}
	output, err := cmd.Run()
	if err != nil {
		c.logger.Debugf("Command failed: %v, output: %s", err, output)
		return string(output), fmt.Errorf("%s: %w", display, err)
	}
	return string(output), nil
}
