// Command powertest benchmarks the power consumption of an embedded test
// suite: it flashes the test binary, streams current samples from the power
// profiler, and reports the average current draw of each test.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"path"
	"path/filepath"
	"runtime"
	"runtime/pprof"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/hdoordt/powertest"
	"github.com/hdoordt/powertest/internal/mqttsink"
	"github.com/hdoordt/powertest/internal/powerdb"
)

var githash = "githash not computed"
var gitdate = "git date not computed"
var buildDate = "build date not computed"

// makeFileExist checks that dir/filename exists, and creates the directory
// and file if it doesn't.
func makeFileExist(dir, filename string) (string, error) {
	// Replace 1 instance of "$HOME" in the path with the actual home directory.
	if strings.Contains(dir, "$HOME") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		dir = strings.Replace(dir, "$HOME", home, 1)
	}

	// Create directory <path>, if needed
	if _, err := os.Stat(dir); err != nil {
		if !os.IsNotExist(err) {
			return "", err
		}
		err2 := os.MkdirAll(dir, 0775)
		if err2 != nil {
			return "", err2
		}
	}

	// Create an empty file path/filename, if it doesn't exist.
	fullname := path.Join(dir, filename)
	_, err := os.Stat(fullname)
	if os.IsNotExist(err) {
		f, err2 := os.OpenFile(fullname, os.O_WRONLY|os.O_CREATE, 0664)
		if err2 != nil {
			return "", err2
		}
		f.Close()
	}
	return fullname, nil
}

// setupViper sets up the viper configuration manager: says where to find
// config files and the filename and suffix. Sets some defaults.
func setupViper() error {
	viper.SetDefault("listen", "127.0.0.1:56780")
	viper.SetDefault("chip", "nRF52840_xxAA")
	viper.SetDefault("probe", "")
	viper.SetDefault("mqttbroker", "")

	HOME, err := os.UserHomeDir()
	if err != nil {
		fmt.Printf("Error finding User Home Dir: %s\n", err)
	}
	dotPowertest := filepath.Join(HOME, ".powertest")
	const filename string = "config"
	const suffix string = ".yaml"
	if _, err := makeFileExist(dotPowertest, filename+suffix); err != nil {
		return err
	}

	viper.SetConfigName(filename)
	viper.AddConfigPath(filepath.FromSlash("/etc/powertest"))
	viper.AddConfigPath(dotPowertest)
	viper.AddConfigPath(".")
	err = viper.ReadInConfig()
	if err != nil {
		return fmt.Errorf("error reading config file: %s", err)
	}
	return nil
}

func startLogger(pfname string) *log.Logger {
	probFile, err := os.OpenFile(pfname, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0666)
	if err != nil {
		msg := fmt.Sprintf("Could not open log file '%s'", pfname)
		panic(msg)
	}
	probLogger := log.New(probFile, "", log.LstdFlags)
	probLogger.SetOutput(&lumberjack.Logger{
		Filename:   pfname,
		MaxSize:    10,   // megabytes after which new file is created
		MaxBackups: 4,    // number of backups
		MaxAge:     180,  // days
		Compress:   true, // whether to gzip the backups
	})
	return probLogger
}

func main() {
	buildDate = strings.Replace(buildDate, ".", " ", -1) // workaround for Make problems
	powertest.Build.Date = buildDate
	powertest.Build.Githash = githash

	printVersion := flag.Bool("version", false, "print version and quit")
	cpuprofile := flag.String("cpuprofile", "", "write CPU profile to given file")
	memprofile := flag.String("memprofile", "", "write memory profile to given file")
	numTests := flag.Int("num-tests", 0, "the number of tests the device will run (0: read from the ELF)")
	sim := flag.Bool("sim", false, "run against a simulated device instead of hardware")
	listen := flag.String("listen", "", "UDP host:port the instrument bridge streams samples to")
	pin := flag.Uint("pin", 0, "logic-port pin carrying the test boundary signal (0-7)")
	debounce := flag.Int("debounce", powertest.DefaultDebounceWindow, "debounce window in consecutive samples")
	idle := flag.Duration("idle-timeout", powertest.DefaultIdleTimeout, "max wall-clock gap between pin transitions")
	anomalyLimit := flag.Int("anomaly-limit", powertest.DefaultAnomalyLimit, "protocol anomalies tolerated before aborting")
	traceDir := flag.String("trace-dir", "", "directory for per-test .npy current traces (empty: no capture)")
	publish := flag.Bool("publish", false, "publish reports on a ZMQ PUB socket")
	mqttBroker := flag.String("mqtt", "", "MQTT broker URL for report telemetry (empty: disabled)")
	useDB := flag.Bool("db", false, "record the session in ClickHouse")
	probe := flag.String("probe", "", "probe tool used to flash and reset the target (empty: target already running)")
	chip := flag.String("chip", "", "chip name passed to the probe tool")
	flag.Parse()

	if *printVersion {
		fmt.Printf("This is powertest version %s\n", powertest.Build.Version)
		fmt.Printf("Git commit hash: %s\n", githash)
		fmt.Printf("Build time: %s\n", buildDate)
		fmt.Printf("Built on go version %s\n", runtime.Version())
		os.Exit(0)
	}

	banner := fmt.Sprintf("\nThis is powertest version %s (git commit %s)\n", powertest.Build.Version, githash)
	fmt.Print(banner)

	if *cpuprofile != "" {
		f, err := os.Create(*cpuprofile)
		if err != nil {
			log.Fatal(err)
		}
		pprof.StartCPUProfile(f)
		defer pprof.StopCPUProfile()
	}

	// Start logging problems and updates to 2 log files.
	HOME, err := os.UserHomeDir()
	if err != nil {
		panic(err)
	}
	logdir := filepath.Join(HOME, ".powertest", "logs")
	problemname, err := makeFileExist(logdir, "problems.log")
	if err != nil {
		panic(err)
	}
	logname, err := makeFileExist(logdir, "updates.log")
	if err != nil {
		panic(err)
	}
	powertest.ProblemLogger = startLogger(problemname)
	powertest.UpdateLogger = startLogger(logname)
	fmt.Printf("Logging problems to %s\n", problemname)
	fmt.Printf("Logging reports  to %s\n\n", logname)
	powertest.UpdateLogger.Printf("\n\n\n\n%s", banner)

	// Find config file, creating it if needed, and read it.
	if err := setupViper(); err != nil {
		panic(err)
	}
	if *listen == "" {
		*listen = viper.GetString("listen")
	}
	if *probe == "" {
		*probe = viper.GetString("probe")
	}
	if *chip == "" {
		*chip = viper.GetString("chip")
	}
	if *mqttBroker == "" {
		*mqttBroker = viper.GetString("mqttbroker")
	}

	if err := run(runConfig{
		elf:          flag.Arg(0),
		numTests:     *numTests,
		sim:          *sim,
		listen:       *listen,
		pin:          *pin,
		debounce:     *debounce,
		idle:         *idle,
		anomalyLimit: *anomalyLimit,
		traceDir:     *traceDir,
		publish:      *publish,
		mqttBroker:   *mqttBroker,
		useDB:        *useDB,
		probe:        *probe,
		chip:         *chip,
	}); err != nil {
		powertest.ProblemLogger.Printf("fatal: %v", err)
		fmt.Fprintf(os.Stderr, "powertest: %v\n", err)
		os.Exit(1)
	}
	writeMemoryProfile(memprofile)
}

type runConfig struct {
	elf          string
	numTests     int
	sim          bool
	listen       string
	pin          uint
	debounce     int
	idle         time.Duration
	anomalyLimit int
	traceDir     string
	publish      bool
	mqttBroker   string
	useDB        bool
	probe        string
	chip         string
}

func run(rc runConfig) error {
	if rc.elf == "" && !rc.sim {
		return fmt.Errorf("no test binary given (pass an ELF path, or -sim)")
	}

	// Establish the expected test count and validate the whole session
	// configuration before touching any device.
	expected := rc.numTests
	if expected == 0 && rc.elf != "" {
		var err error
		if expected, err = powertest.ReadTestCount(rc.elf); err != nil {
			return err
		}
	}
	cfg := powertest.SessionConfig{
		ExpectedTests:  expected,
		DebounceWindow: rc.debounce,
		IdleTimeout:    rc.idle,
		AnomalyLimit:   rc.anomalyLimit,
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	fmt.Printf("Expecting %d tests\n", expected)

	// Flash and reset the target before the sample stream opens.
	var loader powertest.DeviceLoader = powertest.NullLoader{}
	if rc.probe != "" {
		loader = &powertest.ProbeLoader{Command: rc.probe, Chip: rc.chip}
	}
	if rc.elf != "" && !rc.sim {
		if err := loader.Flash(rc.elf); err != nil {
			return fmt.Errorf("flashing target: %w", err)
		}
		if err := loader.Reset(); err != nil {
			return fmt.Errorf("resetting target: %w", err)
		}
	}

	var source powertest.SampleSource
	if rc.sim {
		source = powertest.NewSimulatedSource(powertest.SimConfig{
			NumTests:      expected,
			SetupSamples:  500,
			TestSamples:   2000,
			GapSamples:    500,
			BaseMicroAmps: 1800,
			StepMicroAmps: 350,
			IdleMicroAmps: 90,
		})
	} else {
		var err error
		if source, err = powertest.NewUDPSource(rc.listen, rc.pin); err != nil {
			return fmt.Errorf("opening sample source: %w", err)
		}
	}

	sinks := powertest.MultiSink{powertest.LogSink{}}
	if rc.publish {
		pub, err := powertest.NewReportPublisher(powertest.Ports.Reports)
		if err != nil {
			source.Close()
			return fmt.Errorf("binding report publisher: %w", err)
		}
		defer pub.Close()
		sinks = append(sinks, pub)
	}

	controller, err := powertest.NewSessionController(cfg, source, nil)
	if err != nil {
		source.Close()
		return err
	}

	if rc.mqttBroker != "" {
		mq, err := mqttsink.NewRealPublisher(rc.mqttBroker)
		if err != nil {
			source.Close()
			return fmt.Errorf("connecting MQTT sink: %w", err)
		}
		defer mq.Close()
		sinks = append(sinks, powertest.NewMQTTSink(mq, controller.ID()))
	}
	if rc.useDB {
		dbAbort := make(chan struct{})
		db := powerdb.Start(dbAbort)
		// Stop the database goroutine and wait for it to disconnect, so
		// the terminal rows are handed off before the process exits.
		defer db.Wait()
		defer close(dbAbort)
		sinks = append(sinks, powertest.NewDBSink(db, controller.ID(), rc.elf, expected))
	}
	controller.SetSink(sinks)

	if rc.traceDir != "" {
		tw, err := powertest.NewTraceWriter(rc.traceDir)
		if err != nil {
			source.Close()
			return fmt.Errorf("opening trace dir: %w", err)
		}
		controller.SetTraceWriter(tw)
	}

	status, err := controller.Run()
	if err != nil {
		return err
	}
	fmt.Printf("Session %s: %s\n", status.SessionID, status.Summary)
	for _, r := range controller.Reports() {
		fmt.Printf("  %s\n", r)
	}
	return nil
}

// writeMemoryProfile writes the memory use profile to the indicated file.
// If `memprofile` points to an empty string, do not write.
func writeMemoryProfile(memprofile *string) {
	if *memprofile == "" {
		return
	}

	f, err := os.Create(*memprofile)
	if err != nil {
		log.Fatal("could not create memory profile: ", err)
	}
	defer f.Close()
	runtime.GC() // get up-to-date statistics
	if err := pprof.WriteHeapProfile(f); err != nil {
		log.Fatal("could not write memory profile: ", err)
	}
}
