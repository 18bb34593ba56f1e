package commands

import (
	"context"
	"errors"
	"fmt"

	"github.com/alecthomas/kingpin/v2"
)

type HistoryCommand struct {
	Cmd     *kingpin.CmdClause
	rootCmd *RootCommand

	limit int
}

// NewHistoryCommand returns the history command.
func NewHistoryCommand(rootCmd *RootCommand, app *kingpin.Application) *HistoryCommand {
	c := &HistoryCommand{rootCmd: rootCmd}
	c.Cmd = app.Command("history", "List journaled transcriptions, newest first.")
	c.Cmd.Flag("limit", "Maximum number of tasks to list; 0 lists all.").Default("20").IntVar(&c.limit)
	return c
}

func (c HistoryCommand) Name() string { return c.Cmd.FullCommand() }

func (c HistoryCommand) Run(ctx context.Context) error {
	store, closer := c.rootCmd.NewStore()
	if store == nil {
		return errors.New("history needs a journal, set --redis-addr")
	}
	defer closer.Close()

	evs, err := store.List(ctx, c.limit)
	if err != nil {
		return fmt.Errorf("could not list journal: %w", err)
	}
	newRenderer(c.rootCmd.Stdout, c.rootCmd.NoColor).History(evs)
	return nil
}
