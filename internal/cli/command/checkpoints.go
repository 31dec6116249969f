package command

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/urfave/cli/v2"

	"github.com/yndnr/simctl/internal/cli/output"
	"github.com/yndnr/simctl/internal/storage/masterlog"
	"github.com/yndnr/simctl/internal/storage/statestore"
)

// checkpointEntry is one master log entry and the ranks holding state for
// it.
type checkpointEntry struct {
	Step  uint64 `json:"step"`
	Ranks []int  `json:"ranks,omitempty"`
}

type checkpointList struct {
	Dir     string            `json:"dir"`
	Entries []checkpointEntry `json:"entries"`
	// Orphans are stored steps with no master log entry.
	Orphans []uint64 `json:"orphans,omitempty"`

	withRanks bool
}

func (l checkpointList) Table() *output.Table {
	if !l.withRanks {
		t := output.NewTable("STEP")
		for _, e := range l.Entries {
			t.AddRow(e.Step)
		}
		return t
	}
	t := output.NewTable("STEP", "RANKS")
	for _, e := range l.Entries {
		t.AddRow(e.Step, joinInts(e.Ranks))
	}
	for _, s := range l.Orphans {
		t.AddRow(s, "orphan")
	}
	return t
}

// CheckpointsCommand inspects a checkpoint directory offline.
func CheckpointsCommand() *cli.Command {
	dirFlag := &cli.StringFlag{
		Name:     "dir",
		Aliases:  []string{"d"},
		Usage:    "Checkpoint directory",
		EnvVars:  []string{"SIMCTL_CHECKPOINT_DIR"},
		Required: true,
	}
	return &cli.Command{
		Name:    "checkpoints",
		Aliases: []string{"ckpt"},
		Usage:   "Inspect a checkpoint directory",
		Subcommands: []*cli.Command{
			{
				Name:  "list",
				Usage: "List the checkpoints of the master log",
				Flags: []cli.Flag{
					dirFlag,
					&cli.BoolFlag{
						Name:  "ranks",
						Usage: "Show which rank stores hold each step",
					},
				},
				Action: checkpointsList,
			},
			{
				Name:  "latest",
				Usage: "Print the step a restart would resume from",
				Flags: []cli.Flag{dirFlag},
				Action: func(c *cli.Context) error {
					step, ok, err := masterlog.New(c.String("dir")).Latest()
					if err != nil {
						return err
					}
					if !ok {
						return fmt.Errorf("no checkpoint in %s", c.String("dir"))
					}
					_, err = fmt.Fprintln(writer(c), step)
					return err
				},
			},
			{
				Name:  "prune",
				Usage: "Delete rank state older than a step",
				Flags: []cli.Flag{
					dirFlag,
					&cli.Uint64Flag{
						Name:     "before",
						Usage:    "Delete state for steps below this one",
						Required: true,
					},
				},
				Action: checkpointsPrune,
			},
		},
	}
}

func checkpointsList(c *cli.Context) error {
	dir := c.String("dir")
	steps, err := masterlog.New(dir).ReadAll()
	if err != nil {
		return err
	}
	list := checkpointList{Dir: dir, withRanks: c.Bool("ranks")}
	byStep := make(map[uint64]int, len(steps))
	for _, s := range steps {
		if _, dup := byStep[s]; dup {
			continue
		}
		byStep[s] = len(list.Entries)
		list.Entries = append(list.Entries, checkpointEntry{Step: s})
	}

	if list.withRanks {
		err := eachRankStore(dir, func(rank int, store *statestore.Store) error {
			held, err := store.Steps()
			if err != nil {
				return err
			}
			for _, s := range held {
				if i, ok := byStep[s]; ok {
					list.Entries[i].Ranks = append(list.Entries[i].Ranks, rank)
				} else if !slices.Contains(list.Orphans, s) {
					list.Orphans = append(list.Orphans, s)
				}
			}
			return nil
		})
		if err != nil {
			return err
		}
		slices.Sort(list.Orphans)
	}
	return render(c, list)
}

func checkpointsPrune(c *cli.Context) error {
	before := c.Uint64("before")
	t := output.NewTable("RANK", "DELETED")
	err := eachRankStore(c.String("dir"), func(rank int, store *statestore.Store) error {
		n, err := store.Prune(before)
		if err != nil {
			return err
		}
		t.AddRow(rank, n)
		return nil
	})
	if err != nil {
		return err
	}
	return render(c, t)
}

// eachRankStore opens every rank store under dir in rank order.
func eachRankStore(dir string, fn func(rank int, store *statestore.Store) error) error {
	matches, err := filepath.Glob(filepath.Join(dir, "rank-*"))
	if err != nil {
		return err
	}
	type found struct {
		rank int
		path string
	}
	var stores []found
	for _, m := range matches {
		rank, err := strconv.Atoi(strings.TrimPrefix(filepath.Base(m), "rank-"))
		if err != nil || statestore.RankDir(dir, rank) != m {
			continue
		}
		stores = append(stores, found{rank, m})
	}
	slices.SortFunc(stores, func(a, b found) int { return a.rank - b.rank })

	quiet := slog.New(slog.DiscardHandler)
	for _, s := range stores {
		store, err := statestore.Open(s.path, quiet)
		if err != nil {
			return fmt.Errorf("rank %d: %w", s.rank, err)
		}
		err = fn(s.rank, store)
		if cerr := store.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return fmt.Errorf("rank %d: %w", s.rank, err)
		}
	}
	return nil
}

func joinInts(v []int) string {
	parts := make([]string, len(v))
	for i, n := range v {
		parts[i] = strconv.Itoa(n)
	}
	return strings.Join(parts, ",")
}
