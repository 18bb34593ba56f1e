package commands

import (
	"context"
	"errors"

	"github.com/alecthomas/kingpin/v2"
)

type HealthCommand struct {
	Cmd     *kingpin.CmdClause
	rootCmd *RootCommand
}

// NewHealthCommand returns the health command.
func NewHealthCommand(rootCmd *RootCommand, app *kingpin.Application) *HealthCommand {
	c := &HealthCommand{rootCmd: rootCmd}
	c.Cmd = app.Command("health", "Check the summarization backend of the service.")
	return c
}

func (c HealthCommand) Name() string { return c.Cmd.FullCommand() }

func (c HealthCommand) Run(ctx context.Context) error {
	client, err := c.rootCmd.NewClient()
	if err != nil {
		return err
	}
	h, err := client.OllamaHealth(ctx)
	if err != nil {
		return err
	}
	newRenderer(c.rootCmd.Stdout, c.rootCmd.NoColor).Health(h)
	if !h.Healthy() {
		return errors.New("summarization backend unavailable")
	}
	return nil
}
