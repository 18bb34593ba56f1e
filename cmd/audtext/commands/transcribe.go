package commands

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/alecthomas/kingpin/v2"

	audtext "github.com/audtext/audtext-go"
)

type TranscribeCommand struct {
	Cmd     *kingpin.CmdClause
	rootCmd *RootCommand

	file    string
	summary string
	export  string
	output  string
	noLive  bool
}

// NewTranscribeCommand returns the transcribe command.
func NewTranscribeCommand(rootCmd *RootCommand, app *kingpin.Application) *TranscribeCommand {
	c := &TranscribeCommand{rootCmd: rootCmd}

	c.Cmd = app.Command("transcribe", "Upload an audio file and follow its transcription.")
	c.Cmd.Arg("file", "Audio file to transcribe.").Required().ExistingFileVar(&c.file)
	c.Cmd.Flag("summary", "Summarize the transcript once done (concise, detailed, bullet_points).").EnumVar(&c.summary,
		string(audtext.SummaryConcise), string(audtext.SummaryDetailed), string(audtext.SummaryBulletPoints))
	c.Cmd.Flag("export", "Download the transcript in this format once done (txt, srt, vtt, json).").EnumVar(&c.export,
		string(audtext.ExportTXT), string(audtext.ExportSRT), string(audtext.ExportVTT), string(audtext.ExportJSON))
	c.Cmd.Flag("output", "Export destination; defaults to transcript_<task>.<format>.").Short('o').StringVar(&c.output)
	c.Cmd.Flag("no-live", "Track by polling only.").BoolVar(&c.noLive)

	return c
}

func (c TranscribeCommand) Name() string { return c.Cmd.FullCommand() }

func (c TranscribeCommand) Run(ctx context.Context) error {
	logger := c.rootCmd.Logger
	render := newRenderer(c.rootCmd.Stdout, c.rootCmd.NoColor)

	f, err := os.Open(c.file)
	if err != nil {
		return fmt.Errorf("could not open audio file: %w", err)
	}
	defer f.Close()

	client, err := c.rootCmd.NewClient()
	if err != nil {
		return err
	}

	opts := []audtext.Option{
		audtext.WithLogger(logger),
		audtext.PollInterval(c.rootCmd.PollInterval),
	}
	if !c.noLive {
		opts = append(opts, audtext.WithLiveChannel(audtext.LiveConfig{
			Endpoint:       client.LiveURL,
			ReconnectDelay: c.rootCmd.ReconnectDelay,
		}))
	}
	if store, closer := c.rootCmd.NewStore(); store != nil {
		defer closer.Close()
		opts = append(opts, audtext.WithStore(store))
	}

	tracker := audtext.NewTracker(client, opts...)
	defer tracker.Close()
	events, unsubscribe := tracker.Subscribe()
	defer unsubscribe()

	if err := tracker.Submit(ctx, audtext.Upload{Filename: filepath.Base(c.file), Body: f}); err != nil {
		return fmt.Errorf("could not submit: %w", err)
	}

	var last audtext.Event
	for last.State == "" {
		select {
		case <-ctx.Done():
			tracker.Reset()
			logger.Infof("Transcription abandoned")
			return ctx.Err()
		case ev := <-events:
			render.Event(ev)
			if ev.State.Terminal() {
				last = ev
			}
		}
	}

	if last.State == audtext.StateFailed {
		return fmt.Errorf("transcription failed (%s): %s", last.FailureKind, last.FailureReason)
	}
	render.Result(last.Result)

	if c.summary != "" {
		s, err := client.Summarize(ctx, last.TaskID, audtext.SummaryStyle(c.summary))
		if err != nil {
			return fmt.Errorf("could not summarize: %w", err)
		}
		render.Summary(s)
	}

	if c.export != "" {
		if err := c.exportTo(ctx, client, render, last.TaskID); err != nil {
			return err
		}
	}
	return nil
}

func (c TranscribeCommand) exportTo(ctx context.Context, client *audtext.Client, render *renderer, taskID string) error {
	path := c.output
	if path == "" {
		path = fmt.Sprintf("transcript_%s.%s", taskID, c.export)
	}
	out, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("could not create export file: %w", err)
	}
	n, err := client.Export(ctx, audtext.ExportFormat(c.export), taskID, out)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("could not export transcript: %w", err)
	}
	c.rootCmd.Logger.Debugf("Exported %d bytes to %s", n, path)
	render.Exported(path, audtext.ExportFormat(c.export))
	return nil
}
