package command

import (
	"github.com/urfave/cli/v2"

	"github.com/yndnr/simctl/internal/cli/connection"
	"github.com/yndnr/simctl/internal/cli/output"
)

// rankStatus mirrors the per-rank status document of a run.
type rankStatus struct {
	Rank            int    `json:"rank"`
	State           string `json:"state"`
	Step            uint64 `json:"step"`
	Target          uint64 `json:"target"`
	CheckpointCount int    `json:"checkpoint_count"`
	Round           uint64 `json:"round"`
	SoftRestart     int    `json:"soft_restart"`
	Period          string `json:"checkpoint_period"`
}

// runStatus mirrors the status document of a run.
type runStatus struct {
	RunID   string       `json:"run_id"`
	Version string       `json:"version"`
	Mode    string       `json:"mode"`
	Size    int          `json:"size"`
	Ranks   []rankStatus `json:"ranks"`
	Error   string       `json:"error,omitempty"`
}

func (s runStatus) Table() *output.Table {
	t := output.NewTable("RANK", "STATE", "STEP", "TARGET", "CHECKPOINTS", "ROUND", "SOFT RESTART", "PERIOD")
	for _, r := range s.Ranks {
		t.AddRow(r.Rank, r.State, r.Step, r.Target, r.CheckpointCount, r.Round, r.SoftRestart, r.Period)
	}
	return t
}

// StatusCommand shows the state of every rank a run serves.
func StatusCommand() *cli.Command {
	return &cli.Command{
		Name:  "status",
		Usage: "Show the loop state of a run",
		Action: func(c *cli.Context) error {
			st, err := fetchStatus(c)
			if err != nil {
				return err
			}
			if st.Error != "" {
				PrintError("run failed: %s", st.Error)
			}
			return render(c, st)
		},
	}
}

// fetchStatus prefers the control socket and falls back to the metrics
// endpoint when only --endpoint is set.
func fetchStatus(c *cli.Context) (runStatus, error) {
	flags := ParseGlobalFlags(c)
	var st runStatus
	if flags.Socket == "" && flags.Endpoint != "" {
		client := connection.NewHTTPClient(flags.Endpoint, flags.Timeout)
		err := client.Get(c.Context, "/status", &st)
		return st, err
	}
	err := socketClient(c).Execute(c.Context, "status", &st)
	return st, err
}

// PingCommand checks that a run answers on its control socket.
func PingCommand() *cli.Command {
	return &cli.Command{
		Name:  "ping",
		Usage: "Check that the run answers on its control socket",
		Action: func(c *cli.Context) error {
			client := socketClient(c)
			if err := client.Execute(c.Context, "ping", nil); err != nil {
				return err
			}
			_, err := writer(c).Write([]byte("pong from " + client.Path() + "\n"))
			return err
		},
	}
}
