// AZRP receiver: CLI entry point.
//
// The receiver binds one UDP port, accepts one transfer at a time from any
// sender speaking the AZRP protocol, stores binary payloads under the output
// directory and logs text payloads. A text message "quit" stops it.
//
// It can be launched interactively (no port) or non-interactively:
//
//	receiver [-timeout 5s] [-log-file log.txt] [-config azrp.yaml] [-monitor :8080] [-debug] <port> [<output-directory>]
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"time"

	"github.com/anacrolix/tagflag"
	"github.com/pterm/pterm"
	"golang.org/x/term"

	"github.com/1ureka/azrp/internal/config"
	"github.com/1ureka/azrp/internal/monitor"
	"github.com/1ureka/azrp/internal/receiver"
	"github.com/1ureka/azrp/internal/store"
	"github.com/1ureka/azrp/internal/util"
)

var version = "dev"

var flags = struct {
	Timeout time.Duration `help:"receive timeout while a transfer is in flight"`
	LogFile string        `help:"statistics log, one line per completed transfer"`
	Config  string        `help:"YAML configuration file"`
	Monitor string        `help:"serve the WebSocket event feed on this address"`
	Debug   bool          `help:"enable debug logging"`
	tagflag.StartPos
	Port      int    `arity:"?" help:"UDP port to listen on, 1~65535"`
	OutputDir string `arity:"?" help:"directory for received files"`
}{}

func main() {
	// Root context, cancelled on Ctrl+C.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	tagflag.Parse(&flags)

	cfg, err := loadConfig()
	if err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}
	if cfg.Debug {
		util.EnableDebug()
	}

	pterm.Info.Printfln("AZRP receiver v%s", version)
	pterm.Println()

	if err := ensurePort(&cfg, os.Stdin); err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		util.LogError("invalid configuration: %v", err)
		os.Exit(1)
	}

	if err := run(ctx, cfg); err != nil {
		util.LogError("receiver stopped: %v", err)
		os.Exit(1)
	}
	util.LogInfo("receiver closed")
}

// loadConfig layers the config file (if any) and the command line over the
// built-in defaults.
func loadConfig() (config.Config, error) {
	cfg := config.Default()
	if flags.Config != "" {
		var err error
		if cfg, err = config.Load(flags.Config); err != nil {
			return cfg, err
		}
	}

	if flags.Timeout != 0 {
		cfg.Timeout = flags.Timeout
	}
	if flags.LogFile != "" {
		cfg.LogFile = flags.LogFile
	}
	if flags.Monitor != "" {
		cfg.Monitor = flags.Monitor
	}
	if flags.Debug {
		cfg.Debug = true
	}
	if flags.Port != 0 {
		cfg.Port = flags.Port
	}
	if flags.OutputDir != "" {
		cfg.OutputDir = flags.OutputDir
	}
	return cfg, nil
}

func run(ctx context.Context, cfg config.Config) error {
	opts := receiver.Options{
		Timeout:        cfg.Timeout,
		MaxMessageSize: cfg.MaxMessageSize,
		QuitToken:      cfg.QuitToken,
		Types:          cfg.FileTypeTable(),
		Files:          store.FileSink{Dir: cfg.OutputDir},
		Texts:          store.TextSink{},
		Stats:          store.StatsLog{Path: cfg.LogFile},
	}

	if cfg.Monitor != "" {
		srv, err := monitor.Listen(cfg.Monitor)
		if err != nil {
			return err
		}
		defer func() {
			util.LogDebug("closing event feed (%d clients connected)", srv.Clients())
			srv.Close()
		}()
		opts.Observer = srv
		util.LogInfo("event feed on ws://%s/events", srv.Addr())
	}

	util.LogDebug("file type table: %d tokens", opts.Types.Len())
	util.StartStatsReporter(ctx, cfg.StatsInterval)
	util.LogSuccess("listening on UDP %s, saving files to %s", cfg.Addr(), cfg.OutputDir)

	return receiver.ListenAndServe(ctx, cfg.Addr(), opts)
}

// ensurePort fills in a missing port from an interactive prompt. Without a
// terminal on stdin there is nobody to ask.
func ensurePort(cfg *config.Config, stdin *os.File) error {
	if cfg.Port != 0 {
		return nil
	}
	if !term.IsTerminal(int(stdin.Fd())) {
		return errors.New("missing port: usage: receiver [flags] <port> [<output-directory>]")
	}
	port, err := askPort("UDP port to listen on (1 ~ 65535)")
	if err != nil {
		return err
	}
	cfg.Port = port
	return nil
}

// askPort prompts the user for a port number until a valid one is entered.
func askPort(prompt string) (int, error) {
	for {
		raw, err := pterm.DefaultInteractiveTextInput.
			WithDefaultText(prompt).
			Show()
		if err != nil {
			return 0, fmt.Errorf("failed to read port: %w", err)
		}

		port, err := strconv.Atoi(strings.TrimSpace(raw))
		if err == nil && port >= 1 && port <= 65535 {
			pterm.Println()
			return port, nil
		}

		util.LogWarning("invalid port number: must be 1 ~ 65535")
		pterm.Println()
	}
}
