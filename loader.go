package powertest

import (
	"fmt"
	"os/exec"
	"strings"
)

// DeviceLoader flashes the test binary onto the target and resets it into a
// running state. Both must complete (or fail) before the sample source
// begins producing; the core makes no other assumption about how loading
// happens.
type DeviceLoader interface {
	Flash(elfPath string) error
	Reset() error
}

// ProbeLoader drives an external probe tool (probe-rs style) for flashing
// and resetting. Stdout/stderr of the tool go to the problem logger.
type ProbeLoader struct {
	Command string // e.g. "probe-rs"
	Chip    string // e.g. "nRF52840_xxAA"
}

func (pl *ProbeLoader) run(args ...string) error {
	cmd := exec.Command(pl.Command, args...)
	out, err := cmd.CombinedOutput()
	if len(out) > 0 {
		ProblemLogger.Printf("%s %s:\n%s", pl.Command, strings.Join(args, " "), out)
	}
	if err != nil {
		return fmt.Errorf("%s %s: %w", pl.Command, strings.Join(args, " "), err)
	}
	return nil
}

// Flash programs the ELF onto the target.
func (pl *ProbeLoader) Flash(elfPath string) error {
	return pl.run("download", "--chip", pl.Chip, elfPath)
}

// Reset releases the target so it starts executing the tests.
func (pl *ProbeLoader) Reset() error {
	return pl.run("reset", "--chip", pl.Chip)
}

// NullLoader is for targets that are already flashed and running, or where
// a human operates the programmer.
type NullLoader struct{}

func (NullLoader) Flash(string) error { return nil }
func (NullLoader) Reset() error       { return nil }
