package main

import (
	"codeberg.org/miketth/monitoggle/pkg/busapi"
	"codeberg.org/miketth/monitoggle/pkg/config"
	"codeberg.org/miketth/monitoggle/pkg/journal/memory"
	"codeberg.org/miketth/monitoggle/pkg/journal/sqlite"
	"codeberg.org/miketth/monitoggle/pkg/monitoggle"
	"codeberg.org/miketth/monitoggle/pkg/mutter"
	"context"
	"fmt"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"log"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		stop()
		log.Fatalf("error: %+v", err)
	}
}

// app carries what every subcommand needs. Connections are opened lazily so
// that e.g. history works without a session bus.
type app struct {
	configPath string
	cfg        *config.Config
	log        *zap.SugaredLogger

	client  *mutter.Client
	journal monitoggle.Journal
	closers []func() error
}

func newRootCommand() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:           "monitoggle",
		Short:         "Turn monitors on and off under GNOME/Mutter",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.init(cmd)
		},
		PersistentPostRunE: func(*cobra.Command, []string) error {
			return a.close()
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&a.configPath, "config", "", "config file (default "+config.DefaultPath()+")")
	flags.Bool("debug", false, "enable debug logging")
	flags.String("apply-method", "temporary", "how changes are applied: verify, temporary or persistent")
	flags.Bool("reassign-primary", false, "allow disabling the primary monitor, promoting another one")
	flags.Bool("restore-orientation", false, "re-enable monitors with their last known mode, scale and rotation")
	flags.Duration("call-timeout", 0, "timeout for each call to the display service")

	root.AddCommand(
		newListCommand(a),
		newToggleCommand(a),
		newEnableAllCommand(a),
		newDisableOthersCommand(a),
		newHistoryCommand(a),
		newDaemonCommand(a),
	)

	return root
}

func (a *app) init(cmd *cobra.Command) error {
	cfg, err := config.Load(a.configPath, cmd.Flags())
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	a.cfg = cfg

	// the daemon logs to stdout for journald; everything else keeps stdout
	// for its output
	output := "stderr"
	if cmd.Name() == "daemon" {
		output = "stdout"
	}
	a.log, err = newLogger(cfg.Debug, output)
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	a.closers = append(a.closers, func() error {
		_ = a.log.Sync()
		return nil
	})

	return nil
}

func (a *app) close() error {
	var firstErr error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	a.closers = nil
	return firstErr
}

func (a *app) mutterClient() (*mutter.Client, error) {
	if a.client != nil {
		return a.client, nil
	}

	client, err := mutter.Connect(a.cfg.CallTimeout)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	a.client = client
	a.closers = append(a.closers, client.Close)
	return client, nil
}

func (a *app) openJournal() (monitoggle.Journal, error) {
	if a.journal != nil {
		return a.journal, nil
	}

	switch a.cfg.Journal.Driver {
	case config.JournalSQLite:
		j, err := sqlite.NewJournal(a.cfg.Journal.Path, a.log)
		if err != nil {
			return nil, fmt.Errorf("open journal: %w", err)
		}
		a.closers = append(a.closers, j.Close)
		a.journal = j
	case config.JournalMemory:
		a.journal = memory.NewJournal(memory.DefaultCapacity)
	case config.JournalNone:
		return nil, nil
	}

	return a.journal, nil
}

func (a *app) newReconciler(recorder monitoggle.Recorder) (*monitoggle.Reconciler, error) {
	client, err := a.mutterClient()
	if err != nil {
		return nil, err
	}

	method, err := a.cfg.Method()
	if err != nil {
		return nil, err
	}

	opts := monitoggle.Options{
		Method:             method,
		ReassignPrimary:    a.cfg.ReassignPrimary,
		RestoreOrientation: a.cfg.RestoreOrientation,
		Recorder:           recorder,
	}

	if opts.Journal, err = a.openJournal(); err != nil {
		return nil, err
	}

	return monitoggle.NewReconciler(client, a.log, opts), nil
}

// controller is what the one-shot commands drive: a running daemon when
// there is one, the display service directly otherwise.
func (a *app) controller(ctx context.Context) (controller, error) {
	client, err := a.mutterClient()
	if err != nil {
		return nil, err
	}

	remote, ok, err := busapi.DialRemote(ctx, client.Conn())
	if err != nil {
		return nil, err
	}
	if ok {
		a.log.Debugw("forwarding to running daemon", "name", busapi.BusName)
		return remote, nil
	}

	r, err := a.newReconciler(nil)
	if err != nil {
		return nil, err
	}
	return localController{r}, nil
}

func newLogger(debug bool, output string) (*zap.SugaredLogger, error) {
	loggerConfig := zap.NewDevelopmentConfig()

	loggerConfig.OutputPaths = []string{output}
	loggerConfig.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	loggerConfig.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	if debug {
		loggerConfig.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}

	logger, err := loggerConfig.Build()
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}

	return logger.Sugar(), nil
}
