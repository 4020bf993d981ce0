package powertest

import (
	"log"
	"os"
	"time"
)

// Portnumbers structs can contain all TCP port numbers used by Powertest.
type Portnumbers struct {
	Reports int
	Status  int
}

// Ports globally holds all TCP port numbers used by Powertest.
var Ports Portnumbers

func setPortnumbers(base int) {
	Ports.Reports = base
	Ports.Status = base + 1
}

// BuildInfo can contain compile-time information about the build
type BuildInfo struct {
	Version string
	Githash string
	Date    string
}

// Build is a global holding compile-time information about the build
var Build = BuildInfo{
	Version: "0.3.1",
	Githash: "no git hash computed",
	Date:    "no build date computed",
}

// StartTime is a global holding the time init() was run
var StartTime time.Time

// ProblemLogger will log warning messages to a file
var ProblemLogger *log.Logger

// UpdateLogger will log per-test reports and session progress to a file
var UpdateLogger *log.Logger

func init() {
	setPortnumbers(5600)
	StartTime = time.Now()

	// Powertest main program will override these, but at least initialize with sensible values
	ProblemLogger = log.New(os.Stderr, "", log.LstdFlags)
	UpdateLogger = log.New(os.Stdout, "", log.LstdFlags)
}
