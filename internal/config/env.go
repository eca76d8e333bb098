package config

import "os"

// Environment variables consumed by the pipeline. HUNTSMAN_DRP is the
// only one required at startup; the rest carry documented defaults.
const (
	// EnvRootDir points at the checkout holding the config directory.
	EnvRootDir = "HUNTSMAN_DRP"

	// EnvObsConfigDir points at the observatory instrument package. When
	// set, its camera.yaml is merged into the configuration.
	EnvObsConfigDir = "OBS_HUNTSMAN"

	// EnvObsTestData points at the instrument package's test exposures.
	EnvObsTestData = "OBS_HUNTSMAN_TESTDATA"

	// EnvDataDir is the directory the cameras deliver exposures into.
	EnvDataDir = "DATA"

	// EnvMountDir is the host directory bind-mounted into the compose
	// services.
	EnvMountDir = "HUNTSMAN_MOUNT"

	// EnvLogDir overrides the log file directory.
	EnvLogDir = "HUNTSMAN_LOG_DIR"

	// EnvPipelineHome is the install prefix of the external reduction
	// pipeline, passed through to the test-runner container.
	EnvPipelineHome = "LSST_HOME"

	// EnvCoverage enables coverage collection in the test runner.
	EnvCoverage = "HUNTSMAN_COVERAGE"

	// EnvCoverageDir is where the test runner writes coverage reports.
	EnvCoverageDir = "COVERAGE_DIR"
)

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// RootDir returns the configured pipeline root, or "" when unset.
func RootDir() string { return os.Getenv(EnvRootDir) }

// ObsConfigDir returns the instrument package directory, or "".
func ObsConfigDir() string { return os.Getenv(EnvObsConfigDir) }

// ObsTestDataDir returns the instrument test data directory, or "".
func ObsTestDataDir() string { return os.Getenv(EnvObsTestData) }

// PipelineHome returns the external pipeline install prefix, or "".
func PipelineHome() string { return os.Getenv(EnvPipelineHome) }

// CoverageEnabled reports whether the test runner should collect
// coverage.
func CoverageEnabled() bool {
	switch os.Getenv(EnvCoverage) {
	case "", "0", "false", "no":
		return false
	}
	return true
}

// CoverageDir returns where coverage reports land, defaulting to
// ./coverage.
func CoverageDir() string { return envOr(EnvCoverageDir, "coverage") }
