package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/shlex"
	"golang.org/x/term"

	"github.com/shaunagostinho/obd-telemetry/internal/diag"
	"github.com/shaunagostinho/obd-telemetry/internal/link"
	"github.com/shaunagostinho/obd-telemetry/internal/server"
	"github.com/shaunagostinho/obd-telemetry/internal/session"
)

func writeErr(format string, a ...interface{}) {
	fmt.Fprintf(os.Stderr, format, a...)
	fmt.Fprintf(os.Stderr, "\n")
}

func Usage() {
	fmt.Printf("Usage: %s [OPTION...] [COMMAND [ARG...]]\n", os.Args[0])
	fmt.Println("\nWithout a COMMAND an interactive shell is started.")
	fmt.Println("")
	fmt.Printf("Available OPTIONs:\n")
	flag.PrintDefaults()
	fmt.Println("")
	fmt.Printf("Available COMMANDs:\n")
	printCommands(os.Stdout)
}

func runCommand(con *console, args []string, timeout time.Duration) int {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := execute(ctx, con, args); err != nil {
		writeErr("Failed to execute command: %s", err)
		return 1
	}
	return 0
}

func runInteractiveShell(con *console, in io.Reader, prompt bool, timeout time.Duration) int {
	showPrompt := func() {
		if prompt {
			fmt.Fprint(con.out, "> ")
		}
	}
	scanner := bufio.NewScanner(in)
	for showPrompt(); scanner.Scan(); showPrompt() {
		args, err := shlex.Split(scanner.Text())
		if len(args) == 0 {
			continue
		}
		if args[0] == "exit" {
			return 0
		}
		if args[0] == "help" {
			printCommands(con.out)
			continue
		}
		if err != nil {
			writeErr("Invalid command: %s", err)
			continue
		}
		runCommand(con, args, timeout)
	}
	if err := scanner.Err(); err != nil {
		writeErr("Error reading command: %s", err)
		return 1
	}
	return 0
}

func main() {
	status := 1
	defer func() {
		os.Exit(status)
	}()

	var (
		configPath     string
		port           string
		baud           int
		demo           bool
		commandTimeout time.Duration
	)
	flag.Usage = Usage
	flag.StringVar(&configPath, "config", "", "Read adapter settings from this config file")
	flag.StringVar(&port, "port", "", "Serial node of the adapter (e.g. /dev/rfcomm0)")
	flag.IntVar(&baud, "baud", 0, "Serial baud rate")
	flag.BoolVar(&demo, "demo", false, "Talk to the built-in ELM327 emulator")
	flag.DurationVar(&commandTimeout, "command-timeout", 30*time.Second, "Set timeout for each console command.")
	flag.Parse()

	cfg := server.DefaultConfig()
	if configPath != "" {
		cfg = server.LoadConfig(configPath)
	}
	if port != "" {
		cfg.OBD.PortPath = port
	}
	if baud != 0 {
		cfg.OBD.BaudRate = baud
	}
	if err := cfg.Validate(); err != nil {
		writeErr("Invalid configuration: %s", err)
		return
	}

	var dialer link.Dialer = link.SerialDialer{
		BaudRate:    cfg.OBD.BaudRate,
		ReadTimeout: time.Duration(cfg.OBD.ReadTimeoutMs) * time.Millisecond,
	}
	if demo || cfg.OBD.Type == "demo" {
		dialer = link.NewDemoDialer()
	}

	sess := session.New(cfg.OBD.SessionConfig(dialer, diag.Log{Tag: "obdctl"}))
	defer sess.Disconnect()
	sess.SetDevice(link.Device{Name: "ELM327", Port: cfg.OBD.PortPath})

	con := &console{sess: sess, out: os.Stdout, ports: link.Ports}

	args := flag.Args()
	if len(args) > 0 {
		if args[0] == "help" {
			Usage()
			status = 0
			return
		}
		// One-shot commands that talk to the vehicle connect first.
		if info, ok := commands[args[0]]; ok && info.requiresLink {
			if status = runCommand(con, []string{"connect"}, commandTimeout); status != 0 {
				return
			}
		}
		status = runCommand(con, args, commandTimeout)
		return
	}

	prompt := term.IsTerminal(int(os.Stdin.Fd()))
	status = runInteractiveShell(con, os.Stdin, prompt, commandTimeout)
}
