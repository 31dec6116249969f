package command

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/yndnr/simctl/internal/cli/connection"
	"github.com/yndnr/simctl/internal/cli/output"
	"github.com/yndnr/simctl/internal/infra/buildinfo"
)

// App creates the CLI application.
func App() *cli.App {
	return &cli.App{
		Name:    "simctl",
		Usage:   "Control and inspect simctl runs",
		Version: buildinfo.String(),
		Flags:   globalFlags(),
		Commands: []*cli.Command{
			SignalCommand(),
			StatusCommand(),
			PingCommand(),
			CheckpointsCommand(),
		},
		Before: func(c *cli.Context) error {
			_, err := output.ParseFormat(c.String("output"))
			return err
		},
	}
}

// globalFlags returns the global CLI flags.
func globalFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "socket",
			Aliases: []string{"s"},
			Usage:   "Control socket of the run",
			EnvVars: []string{"SIMCTL_SOCKET", "SIMCTL_CONTROL_SOCKET"},
		},
		&cli.StringFlag{
			Name:    "endpoint",
			Aliases: []string{"e"},
			Usage:   "Metrics endpoint of the run (host:port), used by status",
			EnvVars: []string{"SIMCTL_ENDPOINT"},
		},
		&cli.StringFlag{
			Name:    "output",
			Aliases: []string{"o"},
			Usage:   "Output format: table, json, yaml",
			Value:   "table",
		},
		&cli.BoolFlag{
			Name:  "no-headers",
			Usage: "Omit table headers",
		},
		&cli.DurationFlag{
			Name:  "timeout",
			Usage: "Timeout of one request",
			Value: connection.DefaultTimeout,
		},
	}
}

// GlobalFlags defines flags available to all commands.
type GlobalFlags struct {
	Socket    string
	Endpoint  string
	Output    output.Format
	NoHeaders bool
	Timeout   time.Duration
}

// ParseGlobalFlags extracts global flags from context.
func ParseGlobalFlags(c *cli.Context) *GlobalFlags {
	format, _ := output.ParseFormat(c.String("output"))
	return &GlobalFlags{
		Socket:    c.String("socket"),
		Endpoint:  c.String("endpoint"),
		Output:    format,
		NoHeaders: c.Bool("no-headers"),
		Timeout:   c.Duration("timeout"),
	}
}

// socketClient returns the control socket client selected by the flags.
func socketClient(c *cli.Context) *connection.SocketClient {
	flags := ParseGlobalFlags(c)
	return connection.NewSocketClient(flags.Socket, flags.Timeout)
}

// render writes data in the selected output format.
func render(c *cli.Context, data any) error {
	flags := ParseGlobalFlags(c)
	f := output.NewFormatter(flags.Output)
	if tf, ok := f.(*output.TableFormatter); ok {
		tf.NoHeaders = flags.NoHeaders
	}
	return f.Format(writer(c), data)
}

func writer(c *cli.Context) io.Writer {
	if c.App != nil && c.App.Writer != nil {
		return c.App.Writer
	}
	return os.Stdout
}

// PrintError prints an error message to stderr.
func PrintError(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "error: "+format+"\n", args...)
}
