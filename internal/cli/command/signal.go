package command

import (
	"fmt"
	"strconv"

	"github.com/urfave/cli/v2"

	"github.com/yndnr/simctl/internal/cli/output"
	"github.com/yndnr/simctl/internal/infra/trigger"
)

// deliverResult mirrors the control socket reply to checkpoint and stop.
type deliverResult struct {
	Kind      string `json:"kind"`
	Rank      int    `json:"rank"`
	Delivered int    `json:"delivered"`
}

func (r deliverResult) Table() *output.Table {
	t := output.NewTable("KIND", "RANK", "DELIVERED")
	rank := strconv.Itoa(r.Rank)
	if r.Rank == trigger.AllRanks {
		rank = "all"
	}
	t.AddRow(r.Kind, rank, r.Delivered)
	return t
}

// SignalCommand groups the control requests a run accepts.
func SignalCommand() *cli.Command {
	return &cli.Command{
		Name:    "signal",
		Aliases: []string{"sig"},
		Usage:   "Send a control request to a run",
		Subcommands: []*cli.Command{
			CheckpointCommand(),
			StopCommand(),
		},
	}
}

// CheckpointCommand requests a checkpoint.
func CheckpointCommand() *cli.Command {
	return signalCommand(trigger.Checkpoint,
		"Request a checkpoint at the next agreed step",
		"The request is raised on the given rank (every rank served by the\n"+
			"socket by default) and agreed on by the whole fleet.")
}

// StopCommand requests an early stop.
func StopCommand() *cli.Command {
	return signalCommand(trigger.Stop,
		"Request an early stop at the next agreed step",
		"The run finishes at the agreed step as if it were the target.")
}

func signalCommand(kind trigger.Kind, usage, description string) *cli.Command {
	return &cli.Command{
		Name:        kind.String(),
		Usage:       usage,
		Description: description,
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "rank",
				Aliases: []string{"r"},
				Usage:   "Rank to signal (-1 means every rank served by the socket)",
				Value:   trigger.AllRanks,
			},
		},
		Action: func(c *cli.Context) error {
			return deliver(c, kind, c.Int("rank"))
		},
	}
}

func deliver(c *cli.Context, kind trigger.Kind, rank int) error {
	if rank < trigger.AllRanks {
		return fmt.Errorf("invalid rank %d", rank)
	}
	cmd := kind.String()
	if rank != trigger.AllRanks {
		cmd += " " + strconv.Itoa(rank)
	}

	var res deliverResult
	if err := socketClient(c).Execute(c.Context, cmd, &res); err != nil {
		return err
	}
	return render(c, res)
}
