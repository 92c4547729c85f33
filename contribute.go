package main

import (
	"os"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"

	"github.com/schubergphilis/apparmorctl/internal/apparmor"
	"github.com/schubergphilis/apparmorctl/internal/profile"
)

// contributorEnv names the contributing unit when --contributor is not
// given, so orchestration wrappers can set it once per role.
const contributorEnv = "APPARMORCTL_CONTRIBUTOR"

var contributeCommand = cli.Command{
	Name:  "contribute",
	Usage: "stage a profile fragment for one contributor",
	Description: `The contribute command creates, updates or removes one fragment file for
one (profile, contributor) pair under the staging directory. Exactly one
of --fragment or --fragment-src must be given when the state is "present".
Re-running with identical inputs changes nothing. Fragments are merged and
installed by a separate, explicit "merge" run.

The fragment may be a bare list of rules, or a complete profile wrapped in
"name { ... }" syntax; the wrapper is stripped during merge.`,
	Flags: []cli.Flag{
		cli.StringFlag{
			Name:  "name, n",
			Usage: "profile name, as it appears in the profile directory (e.g. usr.sbin.nginx)",
		},
		cli.StringFlag{
			Name:  "contributor",
			Usage: "contributing unit name (defaults to $" + contributorEnv + ")",
		},
		cli.StringFlag{
			Name:  "fragment",
			Usage: "inline fragment content",
		},
		cli.StringFlag{
			Name:  "fragment-src",
			Usage: "path to a file holding the fragment content",
		},
		cli.StringFlag{
			Name:  "mode",
			Usage: "profile mode: enforce, complain, disable or audit (defaults to the configured default_mode)",
		},
		cli.StringFlag{
			Name:  "state",
			Value: "present",
			Usage: "desired fragment state: present or absent",
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
		name := context.String("name")
		contributor, err := contributorName(context.String("contributor"))
		if err != nil {
			return err
		}
		log := logrus.WithFields(logrus.Fields{
			"profile":     name,
			"contributor": contributor,
		})

		switch state := context.String("state"); state {
		case "present":
			content, err := resolveFragment(state, context.String("fragment"), context.String("fragment-src"))
			if err != nil {
				return err
			}
			modeStr := context.String("mode")
			if modeStr == "" {
				modeStr = cfg.DefaultMode
			}
			mode, err := apparmor.ParseMode(modeStr)
			if err != nil {
				return profile.NewConfigError("%v", err)
			}
			changed, path, err := store.WriteFragment(name, contributor, content, mode)
			if err != nil {
				return err
			}
			if changed {
				log.WithField("path", path).Info("fragment staged")
			} else {
				log.WithField("path", path).Info("fragment already staged, unchanged")
			}
		case "absent":
			if _, err := resolveFragment(state, context.String("fragment"), context.String("fragment-src")); err != nil {
				return err
			}
			changed, err := store.RemoveFragment(name, contributor)
			if err != nil {
				return err
			}
			if changed {
				log.Info("fragment removed")
			} else {
				log.Info("fragment not staged, nothing to remove")
			}
		default:
			return profile.NewConfigError("unknown state %q (expected present or absent)", state)
		}
		return nil
	},
}

// resolveFragment yields the fragment text from exactly one of the two
// sources. Any templating of source files is the calling orchestration's
// job; the content read here is staged verbatim. With state absent no
// source may be given: content supplied on a removal is a misconfigured
// invocation, not a no-op.
func resolveFragment(state, inline, src string) (string, error) {
	if state == "absent" {
		if inline != "" || src != "" {
			return "", profile.NewConfigError("--fragment and --fragment-src cannot be combined with --state absent")
		}
		return "", nil
	}
	switch {
	case inline != "" && src != "":
		return "", profile.NewConfigError("--fragment and --fragment-src are mutually exclusive")
	case inline == "" && src == "":
		return "", profile.NewConfigError("one of --fragment or --fragment-src is required when state is present")
	case inline != "":
		return inline, nil
	}
	data, err := os.ReadFile(src)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func contributorName(explicit string) (string, error) {
	if explicit != "" {
		return explicit, nil
	}
	if c := os.Getenv(contributorEnv); c != "" {
		return c, nil
	}
	return "", profile.NewConfigError("contributor name required: pass --contributor or set $" + contributorEnv)
}
