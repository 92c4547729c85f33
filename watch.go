package main

import (
	"context"
	"os"
	"os/signal"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"
	"golang.org/x/sys/unix"

	"github.com/schubergphilis/apparmorctl/internal/config"
	"github.com/schubergphilis/apparmorctl/internal/profile"
)

var watchCommand = cli.Command{
	Name:  "watch",
	Usage: "merge automatically whenever staged fragments change",
	Description: `The watch command keeps running and re-runs the merge batch whenever a
fragment is staged or removed, after a short settle period so a burst of
contributions triggers a single merge. It stops on SIGINT or SIGTERM.`,
	Flags: []cli.Flag{
		cli.DurationFlag{
			Name:  "settle",
			Value: 500 * time.Millisecond,
			Usage: "quiet period after the last fragment event before merging",
		},
		cli.BoolFlag{
			Name:  "no-load",
			Usage: "install merged profiles without loading them into the kernel",
		},
		cli.BoolFlag{
			Name:  "no-reload",
			Usage: "skip the service unit reload after loading changed profiles",
		},
	},
	Action: func(context *cli.Context) error {
		if err := checkArgs(context, 0, exactArgs); err != nil {
			return err
		}
		cfg, store, err := setup(context)
		if err != nil {
			return err
		}
		opts := mergeOptions{
			noLoad:   context.Bool("no-load"),
			noReload: context.Bool("no-reload"),
		}
		return watchStaging(cfg, store, context.Duration("settle"), opts)
	},
}

// watchStaging blocks, debouncing fragment events into merge batches. New
// profile directories are picked up as they appear.
func watchStaging(cfg *config.Config, store *profile.Store, settle time.Duration, opts mergeOptions) error {
	if err := os.MkdirAll(cfg.StagingDir, 0o755); err != nil {
		return err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(cfg.StagingDir); err != nil {
		return err
	}
	names, err := store.ListProfiles()
	if err != nil {
		return err
	}
	for _, name := range names {
		dir, err := store.StagingDir(name)
		if err != nil {
			return err
		}
		if err := watcher.Add(dir); err != nil {
			return err
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, unix.SIGTERM)
	defer stop()

	logrus.WithField("dir", cfg.StagingDir).Info("watching staged fragments")

	// fires immediately once so startup state gets merged too
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			logrus.Info("shutting down")
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op.Has(fsnotify.Create) {
				if st, err := os.Stat(event.Name); err == nil && st.IsDir() {
					if err := watcher.Add(event.Name); err != nil {
						logrus.WithError(err).WithField("dir", event.Name).Warn("cannot watch new profile directory")
					}
				}
			}
			logrus.WithField("event", event.String()).Debug("fragment change")
			timer.Reset(settle)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logrus.WithError(err).Warn("watch error")
		case <-timer.C:
			if err := runMergeBatch(cfg, store, opts); err != nil {
				logrus.WithError(err).Error("merge batch failed")
			}
		}
	}
}
