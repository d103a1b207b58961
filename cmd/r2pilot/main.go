package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"
)

const version = "1.0.0"

func printVersion() {
	fmt.Printf("r2pilot v%s\n", version)
	fmt.Println("Joystick control loop for an R2 unit: drive, dome and sound/servo actions")
}

func printUsage() {
	printVersion()
	fmt.Println()
	fmt.Println("USAGE:")
	fmt.Println("  r2pilot [OPTIONS]")
	fmt.Println()
	fmt.Println("DESCRIPTION:")
	fmt.Println("  Reads a Linux joystick, shapes the sticks into drive/turn/dome motor")
	fmt.Println("  commands, maps button combos to remote actions (sounds, servos) and")
	fmt.Println("  brings the robot to a safe stop when the controller goes away or a")
	fmt.Println("  stop is requested.")
	fmt.Println()
	fmt.Println("OPTIONS:")
	fmt.Println("  -config string")
	fmt.Println("        YAML config file (defaults are used when omitted)")
	fmt.Println()
	fmt.Println("  -dry-run")
	fmt.Println("        Log motor commands instead of opening the serial ports")
	fmt.Println()
	fmt.Println("  -input-device string")
	fmt.Println("        Joystick device (default \"/dev/input/js0\")")
	fmt.Println()
	fmt.Println("  -actions-file string")
	fmt.Println("        Button combo action table, CSV or YAML (default \"keys.csv\")")
	fmt.Println()
	fmt.Println("  -base-url string")
	fmt.Printf("        Remote action service base URL (default %q)\n", defaultBaseURL)
	fmt.Println()
	fmt.Println("  -ipc-socket string")
	fmt.Println("        Unix domain socket path for IPC (default \"/tmp/r2pilot.sock\")")
	fmt.Println()
	fmt.Println("  -status-port int")
	fmt.Println("        Status HTTP/websocket port, 0 disables (default 0)")
	fmt.Println()
	fmt.Println("  -log-level string")
	fmt.Println("        Log level: error, warn, info, debug (default \"info\")")
	fmt.Println()
	fmt.Println("  -print-config")
	fmt.Println("        Print the effective configuration as YAML and exit")
	fmt.Println()
	fmt.Println("  -version")
	fmt.Println("        Print version and exit")
	fmt.Println()
	fmt.Println("  -help")
	fmt.Println("        Print this help message")
	fmt.Println()
	fmt.Println("EXAMPLES:")
	fmt.Println("  # Run with a config file")
	fmt.Println("  r2pilot -config /etc/r2pilot.yaml")
	fmt.Println()
	fmt.Println("  # Try a controller without motors attached")
	fmt.Println("  r2pilot -dry-run -log-level debug")
	fmt.Println()
	fmt.Println("NOTES:")
	fmt.Println("  - Requires read access to the joystick (add user to the 'input' group)")
	fmt.Println("  - Creating the stop marker file shuts the robot down safely")
	fmt.Println()
}

func main() {
	for _, arg := range os.Args[1:] {
		if arg == "-version" || arg == "--version" {
			printVersion()
			return
		}
		if arg == "-help" || arg == "--help" || arg == "-h" {
			printUsage()
			return
		}
	}

	var (
		configPath  = flag.String("config", "", "YAML config file")
		dryRun      = flag.Bool("dry-run", false, "Log motor commands instead of sending them")
		inputDevice = flag.String("input-device", "", "Joystick device (e.g. /dev/input/js0)")
		actionsFile = flag.String("actions-file", "", "Button combo action table (CSV or YAML)")
		baseURL     = flag.String("base-url", "", "Remote action service base URL")
		ipcSocket   = flag.String("ipc-socket", "", "Unix domain socket path for IPC")
		statusPort  = flag.Int("status-port", 0, "Status HTTP/websocket port (0 disables)")
		logLevelStr = flag.String("log-level", "", "Log level: error, warn, info, debug")
		printConfig = flag.Bool("print-config", false, "Print the effective configuration and exit")
		_           = flag.Bool("version", false, "Print version and exit")
		_           = flag.Bool("help", false, "Print help message")
	)
	flag.Usage = printUsage
	flag.Parse()

	cfg := DefaultConfig()
	if *configPath != "" {
		loaded, err := LoadConfigFile(*configPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
			os.Exit(1)
		}
		cfg = loaded
	}

	// Only flags given on the command line override the file.
	var o FlagOverrides
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "input-device":
			o.InputDevice = inputDevice
		case "actions-file":
			o.ActionsFile = actionsFile
		case "base-url":
			o.BaseURL = baseURL
		case "ipc-socket":
			o.IPCSocket = ipcSocket
		case "status-port":
			o.StatusPort = statusPort
		case "log-level":
			o.LogLevel = logLevelStr
		}
	})
	o.Apply(&cfg)

	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, "error: invalid config:", err)
		os.Exit(1)
	}

	if *printConfig {
		if err := writeConfig(os.Stdout, cfg); err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
			os.Exit(1)
		}
		return
	}

	logLevel, err := parseLogLevel(cfg.Logging.Level)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
	logger := setupLogger(logLevel)

	if err := run(cfg, *dryRun, logger); err != nil {
		var exitErr *LoopExitError
		if errors.As(err, &exitErr) {
			logger.Error("stopped", "reason", exitErr.Reason)
		} else {
			fmt.Fprintln(os.Stderr, "error:", err)
		}
		os.Exit(1)
	}
}

func writeConfig(w io.Writer, cfg Config) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	return enc.Close()
}

// run wires the daemon together and blocks until the control loop has shut down.
// Errors before the loop starts are returned before any actuation happens.
func run(cfg Config, dryRun bool, logger *slog.Logger) error {
	runID := uuid.NewString()
	logger = logger.With("run_id", runID)

	audit, err := OpenAuditLog(ExpandPath(cfg.Audit.File), cfg.Audit.Buffer)
	if err != nil {
		return err
	}
	defer func() {
		if err := audit.Close(); err != nil {
			logger.Warn("audit log close failed", "error", err)
		}
		if n := audit.Dropped(); n > 0 {
			logger.Warn("audit records dropped", "count", n)
		}
	}()
	audit.Recordf("****** %s started ****** : run %s", cfg.Audit.Name, runID)

	actions, err := LoadActionTable(ExpandPath(cfg.Actions.File))
	if err != nil {
		return err
	}
	logger.Info("action table loaded", "file", cfg.Actions.File, "bindings", actions.Len(), "width", actions.Width())

	remoteClient, err := NewRemoteClient(cfg.Remote.BaseURL, cfg.RemoteTimeout())
	if err != nil {
		return err
	}
	remote := NewRemoteDispatcher(remoteClient, cfg.Remote.Queue, cfg.RemoteTimeout(), logger)

	stops := anyStop{markerFile{path: ExpandPath(cfg.Stop.MarkerFile)}}
	if cfg.Stop.GPIOPin > 0 {
		pin, err := openGPIOStop(cfg.Stop.GPIOPin, cfg.Stop.GPIOActiveLow)
		if err != nil {
			return err
		}
		defer pin.Close()
		stops = append(stops, pin)
		logger.Info("gpio stop input enabled", "pin", cfg.Stop.GPIOPin, "active_low", cfg.Stop.GPIOActiveLow)
	}

	var actuator Actuator
	if dryRun {
		actuator = newDryRunActuator(logger)
	} else {
		motors, err := OpenMotors(cfg.Drive, cfg.Dome, logger)
		if err != nil {
			return err
		}
		actuator = motors
	}
	defer func() {
		if err := actuator.Close(); err != nil {
			logger.Warn("actuator close failed", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cmds := make(chan LoopCommand, 16)
	shutdown := NewShutdownProcedure(cfg.ToShutdownConfig(), actuator, remote, audit, logger)

	deps := LoopDeps{
		Input: JoystickOpener{
			Path:    ExpandPath(cfg.Input.Device),
			Buttons: cfg.Input.Buttons,
			Logger:  logger,
		},
		Actuator: actuator,
		Remote:   remote,
		Actions:  actions,
		Stop:     stops,
		Audit:    audit,
		Shutdown: shutdown,
		Logger:   logger,
		Commands: cmds,
	}

	var status *StatusServer
	var broadcasts broadcastChan
	if cfg.Status.Port > 0 {
		broadcasts = make(broadcastChan, 256)
		status = NewStatusServer(logger, cmds, HubConfig{})
		deps.Status = broadcasts
	}

	loop, err := NewControlLoop(cfg.ToLoopConfig(runID), deps)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	svcCtx, cancelServices := context.WithCancel(gctx)
	defer cancelServices()

	g.Go(func() error {
		defer cancelServices()
		return loop.Run(gctx)
	})
	g.Go(func() error {
		remote.Run(svcCtx)
		return nil
	})
	g.Go(func() error {
		return runIPCServer(svcCtx, ExpandPath(cfg.IPC.SocketPath), cmds, logger)
	})
	if status != nil {
		mux := http.NewServeMux()
		status.Register(mux, cfg.Status.Path)
		g.Go(func() error {
			status.Hub().Run(svcCtx)
			return nil
		})
		g.Go(func() error {
			RunBroadcaster(svcCtx, status.Hub(), broadcasts, logger)
			return nil
		})
		g.Go(func() error {
			return runStatusServer(svcCtx, cfg.Status.Port, mux, logger)
		})
	}

	logger.Info("r2pilot running",
		"version", version,
		"input", cfg.Input.Device,
		"dry_run", dryRun,
		"ipc", cfg.IPC.SocketPath,
		"status_port", cfg.Status.Port,
		"remote", cfg.Remote.BaseURL)

	err = g.Wait()

	// The loop always runs the procedure; this covers a loop that never started.
	shutdown.Run(context.Background(), "exit")

	logger.Info("r2pilot stopped",
		"remote_dropped", remote.Dropped(),
		"remote_failed", remote.Failed())
	return err
}
