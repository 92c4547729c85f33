package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"

	"github.com/schubergphilis/apparmorctl/internal/config"
)

// version is overridden at build time via ldflags.
var (
	version   = "1.1.0"
	gitCommit = ""
)

const usage = `AppArmor profile fragment manager

apparmorctl lets independent configuration units contribute partial AppArmor
policy for a named profile. Contributors stage fragments with "contribute";
"merge" combines all fragments of each profile into one policy document,
installs it with a timestamped backup and an atomic replace, loads it with
apparmor_parser, and reloads the AppArmor service once per run.

To stage rules for the nginx profile and apply them:

    # apparmorctl contribute --name usr.sbin.nginx --contributor webserver \
          --fragment-src nginx.rules
    # apparmorctl merge
`

func main() {
	app := cli.NewApp()
	app.Name = "apparmorctl"
	app.Usage = usage
	v := []string{version}
	if gitCommit != "" {
		v = append(v, "commit: "+gitCommit)
	}
	app.Version = strings.Join(v, "\n")
	app.Flags = []cli.Flag{
		cli.BoolFlag{
			Name:  "debug",
			Usage: "enable debug output for logging",
		},
		cli.StringFlag{
			Name:  "log",
			Usage: "set the log file path where internal debug information is written",
		},
		cli.StringFlag{
			Name:  "log-format",
			Value: "text",
			Usage: "set the format used by logs ('text' (default), or 'json')",
		},
		cli.StringFlag{
			Name:  "config",
			Value: config.DefaultPath,
			Usage: "path to the apparmorctl configuration file",
		},
		cli.StringFlag{
			Name:  "staging-dir",
			Usage: "directory holding contributed profile fragments (overrides the config file)",
		},
		cli.StringFlag{
			Name:  "profile-dir",
			Usage: "directory holding installed AppArmor profiles (overrides the config file)",
		},
	}
	app.Commands = []cli.Command{
		contributeCommand,
		mergeCommand,
		statusCommand,
		watchCommand,
	}
	app.Before = func(context *cli.Context) error {
		return configLogrus(context)
	}
	if err := app.Run(os.Args); err != nil {
		fatal(err)
	}
}

func configLogrus(context *cli.Context) error {
	if context.GlobalBool("debug") {
		logrus.SetLevel(logrus.DebugLevel)
	}
	switch f := context.GlobalString("log-format"); f {
	case "text":
		// retain logrus's default.
	case "json":
		logrus.SetFormatter(new(logrus.JSONFormatter))
	default:
		return fmt.Errorf("unknown log-format %q", f)
	}
	if path := context.GlobalString("log"); path != "" {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND|os.O_SYNC, 0o644)
		if err != nil {
			return err
		}
		logrus.SetOutput(f)
	}
	return nil
}
