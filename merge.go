package main

import (
	"context"
	"fmt"
	"os"
	"sort"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"

	"github.com/schubergphilis/apparmorctl/internal/apparmor"
	"github.com/schubergphilis/apparmorctl/internal/config"
	"github.com/schubergphilis/apparmorctl/internal/profile"
	"github.com/schubergphilis/apparmorctl/internal/systemd"
)

var mergeCommand = cli.Command{
	Name:  "merge",
	Usage: "merge staged fragments and install the resulting profiles",
	Description: `The merge command combines the staged fragments of each profile into one
policy document and reconciles it with the installed profile. A profile
whose document is unchanged is left alone. A changed profile is backed up,
replaced atomically, loaded with apparmor_parser, and the AppArmor service
unit is reloaded once at the end of the run.

A profile whose fragments fail to parse is reported and skipped; the rest
of the batch still completes.`,
	Flags: []cli.Flag{
		cli.StringSliceFlag{
			Name:  "profile, p",
			Usage: "merge only the named profile (repeatable; default: all staged profiles)",
		},
		cli.BoolFlag{
			Name:  "no-load",
			Usage: "install merged profiles without loading them into the kernel",
		},
		cli.BoolFlag{
			Name:  "no-reload",
			Usage: "skip the service unit reload after loading changed profiles",
		},
		cli.BoolFlag{
			Name:  "purge-staging",
			Usage: "remove a profile's staged fragments after a successful merge",
		},
		cli.BoolFlag{
			Name:  "dry-run",
			Usage: "report which profiles would change without writing anything",
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
			profiles: context.StringSlice("profile"),
			noLoad:   context.Bool("no-load"),
			noReload: context.Bool("no-reload"),
			purge:    context.Bool("purge-staging") || cfg.PurgeStaging,
			dryRun:   context.Bool("dry-run"),
		}
		return runMergeBatch(cfg, store, opts)
	},
}

type mergeOptions struct {
	profiles []string
	noLoad   bool
	noReload bool
	purge    bool
	dryRun   bool
}

type mergeResult struct {
	changed bool
	loaded  bool
}

// runMergeBatch merges and installs every requested profile sequentially,
// then reloads the service unit once if anything was loaded. A failing
// profile is reported and skipped; the rest of the batch proceeds.
func runMergeBatch(cfg *config.Config, store *profile.Store, opts mergeOptions) error {
	names := opts.profiles
	if len(names) == 0 {
		var err error
		if names, err = store.ListProfiles(); err != nil {
			return err
		}
	}
	sort.Strings(names)

	var parser *apparmor.Parser
	if !opts.dryRun && !opts.noLoad {
		if !apparmor.IsEnabled() {
			logrus.Warn("apparmor is not enabled on this host; installing profiles without loading them")
		} else {
			var err error
			if parser, err = apparmor.FindParser(cfg.ParserPath); err != nil {
				logrus.WithError(err).Warn("apparmor_parser unavailable; installing profiles without loading them")
				parser = nil
			}
		}
	}

	ctx := context.Background()
	var failed, loaded int
	for _, name := range names {
		res, err := mergeProfile(ctx, cfg, store, parser, name, opts)
		if err != nil {
			failed++
			logrus.WithField("profile", name).WithError(err).Error("profile merge failed")
			continue
		}
		if res.loaded {
			loaded++
		}
	}

	if loaded > 0 && !opts.noReload {
		reloader := systemd.NewReloader(cfg.ServiceUnit)
		defer reloader.Close()
		if err := reloader.Reload(ctx); err != nil {
			return fmt.Errorf("reload %s: %w", cfg.ServiceUnit, err)
		}
		logrus.WithField("unit", cfg.ServiceUnit).Info("service unit reloaded")
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d profiles failed", failed, len(names))
	}
	return nil
}

// mergeProfile takes one profile through merge, syntax check, install and
// kernel load.
func mergeProfile(ctx context.Context, cfg *config.Config, store *profile.Store, parser *apparmor.Parser, name string, opts mergeOptions) (mergeResult, error) {
	frags, err := store.LoadFragments(name)
	if err != nil {
		return mergeResult{}, err
	}
	if len(frags) == 0 {
		logrus.WithField("profile", name).Debug("no fragments staged, skipping")
		return mergeResult{}, nil
	}
	doc := profile.Merge(name, frags, profile.Defaults{
		Mode:       cfg.Mode(),
		Attachment: cfg.Attachments[name],
	})
	log := logrus.WithFields(logrus.Fields{
		"profile":   name,
		"fragments": len(frags),
		"mode":      doc.Mode,
	})

	if opts.dryRun {
		upToDate, err := store.UpToDate(doc)
		if err != nil {
			return mergeResult{}, err
		}
		if upToDate {
			log.Info("unchanged")
		} else {
			log.Info("would change")
		}
		return mergeResult{changed: !upToDate}, nil
	}

	// fail fast: compile the document before the installed profile is
	// touched, when a parser is around to do it
	if parser != nil {
		if err := checkDocument(ctx, parser, doc); err != nil {
			return mergeResult{}, err
		}
	}

	res, err := store.Install(doc, cfg.Backup)
	if err != nil {
		return mergeResult{}, err
	}
	if !res.Changed {
		log.Info("unchanged")
	} else if res.BackupPath != "" {
		log.WithField("backup", res.BackupPath).Info("profile installed")
	} else {
		log.Info("profile installed")
	}

	result := mergeResult{changed: res.Changed}
	if res.Changed && parser != nil {
		if err := loadDocument(ctx, parser, store, doc, cfg.ProfileDir); err != nil {
			return mergeResult{}, err
		}
		result.loaded = true
	}

	if opts.purge {
		if err := store.PurgeStaging(name); err != nil {
			return mergeResult{}, err
		}
		log.Debug("staging directory purged")
	}
	return result, nil
}

// checkDocument runs the parser's syntax check against a scratch copy of
// the document.
func checkDocument(ctx context.Context, parser *apparmor.Parser, doc *profile.Document) error {
	tmp, err := os.CreateTemp("", doc.Profile+".check")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.WriteString(doc.Text); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return parser.CheckSyntax(ctx, tmp.Name())
}

// loadDocument reconciles the kernel with the freshly installed profile.
// Disabled profiles are unloaded and marked so they stay out at boot.
func loadDocument(ctx context.Context, parser *apparmor.Parser, store *profile.Store, doc *profile.Document, profileDir string) error {
	path, err := store.InstalledPath(doc.Profile)
	if err != nil {
		return err
	}
	if doc.Mode == apparmor.ModeDisable {
		if err := parser.UnloadProfile(ctx, path); err != nil {
			return err
		}
		return apparmor.SetDisabled(profileDir, doc.Profile, true)
	}
	if err := apparmor.SetDisabled(profileDir, doc.Profile, false); err != nil {
		return err
	}
	return parser.LoadProfile(ctx, path)
}
