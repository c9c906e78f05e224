package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/shaunagostinho/obd-telemetry/internal/link"
	"github.com/shaunagostinho/obd-telemetry/internal/obd"
	"github.com/shaunagostinho/obd-telemetry/internal/session"
)

var (
	ErrCommandLineArgs = errors.New("invalid command line arguments")
	ErrUnknownCommand  = errors.New("unrecognized command")
	ErrNotConnected    = errors.New("adapter not connected, run connect first")
	ErrCommandFailed   = errors.New("command failed, see diagnostics")
)

type Argument struct {
	name string
	help string
}

type Handler func(ctx context.Context, con *console, args map[string]string) error

type Command struct {
	help         string
	requiresLink bool // True if the adapter must be connected
	args         []Argument
	optional     []Argument
	handler      Handler
}

// console is the state shared by all commands.
type console struct {
	sess  *session.Session
	out   io.Writer
	ports func() ([]string, error)
}

var pids = map[string]func() obd.PID{
	"speed":    obd.Speed,
	"rpm":      obd.RPM,
	"throttle": obd.Throttle,
	"voltage":  obd.ModuleVoltage,
	"vin":      obd.VIN,
}

func lookupPID(name string) (obd.PID, error) {
	fn, ok := pids[strings.ToLower(name)]
	if !ok {
		return obd.PID{}, fmt.Errorf("%w: unknown pid %q", ErrCommandLineArgs, name)
	}
	return fn(), nil
}

func parseScale(s string) (float64, error) {
	if s == "" {
		return 1, nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: scale %q: %s", ErrCommandLineArgs, s, err)
	}
	return v, nil
}

func parseFormula(s string) (obd.Formula, error) {
	f := obd.Formula(strings.ToUpper(s))
	if !f.Known() {
		return "", fmt.Errorf("%w: unknown formula %q (want %s, %s or %s)",
			ErrCommandLineArgs, s, obd.FormulaA, obd.FormulaInt32, obd.FormulaPercent)
	}
	return f, nil
}

func (con *console) run(ctx context.Context, cmd obd.Command) error {
	res, ok := con.sess.Run(ctx, cmd)
	if !ok {
		if !con.sess.IsConnected() {
			return ErrNotConnected
		}
		return ErrCommandFailed
	}
	fmt.Fprintln(con.out, res.Formatted)
	return nil
}

func execute(ctx context.Context, con *console, args []string) error {
	if len(args) == 0 {
		return errors.New("missing COMMAND")
	}

	info, ok := commands[args[0]]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownCommand, args[0])
	}
	if info.requiresLink && !con.sess.IsConnected() {
		return ErrNotConnected
	}

	var err error
	if len(args)-1 < len(info.args) || len(args)-1 > len(info.args)+len(info.optional) {
		err = fmt.Errorf("%w: %d given (%d required, %d optional)", ErrCommandLineArgs, len(args)-1, len(info.args), len(info.optional))
	} else {
		keywords := make(map[string]string)
		for i, argInfo := range info.args {
			keywords[argInfo.name] = args[i+1]
		}
		index := len(info.args) + 1
		for _, argInfo := range info.optional {
			if index >= len(args) {
				break
			}
			keywords[argInfo.name] = args[index]
			index++
		}
		err = info.handler(ctx, con, keywords)
	}

	// Print command-specific help
	if errors.Is(err, ErrCommandLineArgs) {
		info.Usage(con.out, args[0])
	}
	return err
}

func (c *Command) Usage(w io.Writer, name string) {
	fmt.Fprintf(w, "Usage: %s", name)
	maxLength := 0
	for _, arg := range c.args {
		fmt.Fprintf(w, " %s", arg.name)
		maxLength = max(maxLength, len(arg.name))
	}
	if len(c.optional) > 0 {
		fmt.Fprintf(w, " [")
	}
	for _, arg := range c.optional {
		fmt.Fprintf(w, " %s", arg.name)
		maxLength = max(maxLength, len(arg.name))
	}
	if len(c.optional) > 0 {
		fmt.Fprintf(w, " ]")
	}
	fmt.Fprintf(w, "\n%s\n", c.help)
	maxLength++
	for _, arg := range append(append([]Argument(nil), c.args...), c.optional...) {
		fmt.Fprintf(w, "    %s:%s%s\n", arg.name, strings.Repeat(" ", maxLength-len(arg.name)), arg.help)
	}
}

func printCommands(w io.Writer) {
	maxLength := 0
	var labels []string
	for command := range commands {
		labels = append(labels, command)
		maxLength = max(maxLength, len(command))
	}
	sort.Strings(labels)
	for _, command := range labels {
		fmt.Fprintf(w, "  %s%s %s\n", command, strings.Repeat(" ", maxLength-len(command)), commands[command].help)
	}
}

var commands = map[string]*Command{
	"connect": &Command{
		help: "Open the adapter link and initialise it",
		handler: func(ctx context.Context, con *console, args map[string]string) error {
			if !con.sess.CanConnect() {
				return fmt.Errorf("backing off until %s", con.sess.NextConnect().Format("15:04:05"))
			}
			if err := con.sess.Connect(ctx); err != nil {
				return err
			}
			fmt.Fprintf(con.out, "connected to %s\n", con.sess.Name())
			return nil
		},
	},
	"disconnect": &Command{
		help: "Close the adapter link",
		handler: func(ctx context.Context, con *console, args map[string]string) error {
			con.sess.Disconnect()
			return nil
		},
	},
	"status": &Command{
		help: "Show link state, VIN and session id",
		handler: func(ctx context.Context, con *console, args map[string]string) error {
			dev, _ := con.sess.Device()
			fmt.Fprintf(con.out, "device:    %s (%s)\n", con.sess.Name(), dev.Port)
			fmt.Fprintf(con.out, "connected: %t\n", con.sess.IsConnected())
			if vin := con.sess.VIN(); vin != "" {
				fmt.Fprintf(con.out, "vin:       %s\n", vin)
			}
			if con.sess.IsConnected() {
				fmt.Fprintf(con.out, "session:   %s\n", con.sess.ID())
			} else if !con.sess.CanConnect() {
				fmt.Fprintf(con.out, "backoff:   until %s\n", con.sess.NextConnect().Format("15:04:05"))
			}
			return nil
		},
	},
	"raw": &Command{
		help:         "Send an adapter directive verbatim, without asserting a header",
		requiresLink: true,
		args: []Argument{
			Argument{name: "REQUEST", help: "e.g. \"AT RV\" or \"AT DP\""},
		},
		handler: func(ctx context.Context, con *console, args map[string]string) error {
			return con.run(ctx, obd.NewDirective("Raw", args["REQUEST"]))
		},
	},
	"send": &Command{
		help:         "Send a request to an ECU header and print the raw reply",
		requiresLink: true,
		args: []Argument{
			Argument{name: "HEADER", help: "ECU header, e.g. 7E0; \"\" for the default"},
			Argument{name: "REQUEST", help: "request bytes, e.g. 0105"},
		},
		handler: func(ctx context.Context, con *console, args map[string]string) error {
			return con.run(ctx, obd.NewAddressed(args["HEADER"], args["REQUEST"]))
		},
	},
	"calc": &Command{
		help:         "Send a request and decode the reply with a formula",
		requiresLink: true,
		args: []Argument{
			Argument{name: "HEADER", help: "ECU header; \"\" for the default"},
			Argument{name: "REQUEST", help: "request bytes, e.g. 228334"},
			Argument{name: "FORMULA", help: "A, INT32(A:B:C:D) or PCT(A)"},
		},
		optional: []Argument{
			Argument{name: "SCALE", help: "multiplier, default 1"},
		},
		handler: func(ctx context.Context, con *console, args map[string]string) error {
			f, err := parseFormula(args["FORMULA"])
			if err != nil {
				return err
			}
			scale, err := parseScale(args["SCALE"])
			if err != nil {
				return err
			}
			return con.run(ctx, obd.NewCalculated(args["HEADER"], args["REQUEST"], f, scale))
		},
	},
	"pid": &Command{
		help:         "Read a well-known PID",
		requiresLink: true,
		args: []Argument{
			Argument{name: "NAME", help: "speed, rpm, throttle, voltage or vin"},
		},
		handler: func(ctx context.Context, con *console, args map[string]string) error {
			p, err := lookupPID(args["NAME"])
			if err != nil {
				return err
			}
			return con.run(ctx, p)
		},
	},
	"ports": &Command{
		help: "List serial ports (RFCOMM nodes appear once bound)",
		handler: func(ctx context.Context, con *console, args map[string]string) error {
			ports, err := con.ports()
			if err != nil {
				return err
			}
			if len(ports) == 0 {
				fmt.Fprintln(con.out, "no serial ports found")
			}
			for _, p := range ports {
				fmt.Fprintln(con.out, p)
			}
			return nil
		},
	},
	"device": &Command{
		help: "Switch to another adapter; clears any backoff",
		args: []Argument{
			Argument{name: "PORT", help: "serial node, e.g. /dev/rfcomm1"},
		},
		optional: []Argument{
			Argument{name: "NAME", help: "adapter name shown in status"},
		},
		handler: func(ctx context.Context, con *console, args map[string]string) error {
			name := args["NAME"]
			if name == "" {
				name = "ELM327"
			}
			con.sess.SetDevice(link.Device{Name: name, Port: args["PORT"]})
			return nil
		},
	},
}
