package commands

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"github.com/redis/go-redis/v9"

	audtext "github.com/audtext/audtext-go"
)

const (
	// LoggerTypeDefault is the logger default type.
	LoggerTypeDefault = "default"
	// LoggerTypeJSON is the logger json type.
	LoggerTypeJSON = "json"
)

// Command represents an application command, all commands that want to be executed
// should implement and setup on main.
type Command interface {
	Name() string
	Run(ctx context.Context) error
}

// RootCommand represents the root command configuration and global configuration
// for all the commands.
type RootCommand struct {
	// Global flags.
	Debug          bool
	NoLog          bool
	NoColor        bool
	LoggerType     string
	ServerURL      string
	RedisAddr      string
	RedisPassword  string
	RedisNamespace string
	Retention      time.Duration
	PollInterval   time.Duration
	ReconnectDelay time.Duration

	// Global instances.
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
	Logger audtext.Logger
}

// NewRootCommand initializes the main root configuration.
func NewRootCommand(app *kingpin.Application) *RootCommand {
	c := &RootCommand{}

	app.Flag("debug", "Enable debug mode.").BoolVar(&c.Debug)
	app.Flag("no-log", "Disable logger.").BoolVar(&c.NoLog)
	app.Flag("no-color", "Disable colored output.").BoolVar(&c.NoColor)
	app.Flag("logger", "Selects the logger type.").Default(LoggerTypeDefault).EnumVar(&c.LoggerType, LoggerTypeDefault, LoggerTypeJSON)
	app.Flag("server-url", "Transcription service base URL.").Default("http://localhost:8000").StringVar(&c.ServerURL)
	app.Flag("redis-addr", "Redis address of the task journal; empty disables it.").StringVar(&c.RedisAddr)
	app.Flag("redis-password", "Redis password of the task journal.").StringVar(&c.RedisPassword)
	app.Flag("redis-namespace", "Key prefix of the task journal.").Default("audtext").StringVar(&c.RedisNamespace)
	app.Flag("retention", "How long finished tasks stay in the journal.").Default("168h").DurationVar(&c.Retention)
	app.Flag("poll-interval", "Delay between status polls.").Default("1.5s").DurationVar(&c.PollInterval)
	app.Flag("reconnect-delay", "Delay before reconnecting the live progress channel.").Default("2s").DurationVar(&c.ReconnectDelay)

	return c
}

// NewClient returns a service client for the configured server.
func (c *RootCommand) NewClient() (*audtext.Client, error) {
	client, err := audtext.NewClient(audtext.ClientConfig{
		BaseURL: c.ServerURL,
		Logger:  c.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("could not create client: %w", err)
	}
	return client, nil
}

// NewStore returns the Redis task journal, or nil when no Redis address is configured.
// Callers close the returned client.
func (c *RootCommand) NewStore() (audtext.Store, io.Closer) {
	if c.RedisAddr == "" {
		return nil, nil
	}
	rdb := redis.NewClient(&redis.Options{Addr: c.RedisAddr, Password: c.RedisPassword})
	store := audtext.NewRedisStore(rdb, audtext.RedisStoreConfig{
		Namespace: c.RedisNamespace,
		Retention: c.Retention,
	})
	return store, rdb
}
