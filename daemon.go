package main

import (
	"codeberg.org/miketth/monitoggle/pkg/busapi"
	"codeberg.org/miketth/monitoggle/pkg/metrics"
	"codeberg.org/miketth/monitoggle/pkg/monitoggle"
	"context"
	"errors"
	"fmt"
	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/spf13/cobra"
	"sync"
	"time"
)

func newDaemonCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "daemon",
		Short: "Track display changes and serve monitor operations on the session bus",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.runDaemon(cmd.Context())
		},
	}
}

func (a *app) runDaemon(ctx context.Context) error {
	log := a.log

	client, err := a.mutterClient()
	if err != nil {
		return err
	}

	met := metrics.New()
	r, err := a.newReconciler(met)
	if err != nil {
		return err
	}

	// the first snapshot is the baseline orientation memory starts from
	if err := r.Refresh(ctx); err != nil {
		return fmt.Errorf("initial refresh: %w", err)
	}

	unexport, err := busapi.NewServer(r, a.cfg.CallTimeout, log).Export(client.Conn())
	if err != nil {
		return fmt.Errorf("export bus api: %w", err)
	}
	defer unexport()

	log.Infow("started monitoggle",
		"monitors", len(r.ListMonitors()),
		"method", a.cfg.ApplyMethod,
		"bus-name", busapi.BusName,
	)

	errChan := make(chan error, 3)
	var wg sync.WaitGroup

	wg.Add(2)
	go func() {
		defer wg.Done()
		err := r.Watch(ctx, client)
		if err != nil {
			errChan <- fmt.Errorf("watch changes: %w", err)
		}
	}()

	go func() {
		defer wg.Done()
		err := systemdNotifyLoop(ctx)
		if err != nil {
			errChan <- fmt.Errorf("systemd notify: %w", err)
		}
	}()

	if addr := a.cfg.Metrics.Listen; addr != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := met.Serve(ctx, addr, healthCheck(r), log)
			if err != nil {
				errChan <- fmt.Errorf("serve metrics: %w", err)
			}
		}()
	}

	err = <-errChan
	switch {
	case errors.Is(err, context.Canceled):
		log.Info("shutting down")
		wg.Wait()
		return nil
	case err != nil:
		return err
	}

	return nil
}

func healthCheck(r *monitoggle.Reconciler) func() error {
	return func() error {
		if r.State().Current() == nil {
			return errors.New("no display configuration observed yet")
		}
		return nil
	}
}

func systemdNotifyLoop(ctx context.Context) error {
	// tell systemd that we're ready
	supported, err := daemon.SdNotify(false, daemon.SdNotifyReady)
	if err != nil {
		return fmt.Errorf("notify systemd: %w", err)
	}
	if !supported {
		return nil
	}

	_, _ = daemon.SdNotify(false, "STATUS=Watching monitors")

	t, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		return fmt.Errorf("check watchdog: %w", err)
	}
	// if watchdog is not enabled, we don't need to notify it
	if t == 0 {
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-time.After(t / 2):
			_, err := daemon.SdNotify(false, daemon.SdNotifyWatchdog)
			if err != nil {
				return fmt.Errorf("notify watchdog: %w", err)
			}
		}
	}
}
