package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"

	"github.com/schubergphilis/apparmorctl/internal/config"
	"github.com/schubergphilis/apparmorctl/internal/profile"
)

const (
	exactArgs = iota
	minArgs
	maxArgs
)

func checkArgs(context *cli.Context, expected, checkType int) error {
	var err error
	cmdName := context.Command.Name
	switch checkType {
	case exactArgs:
		if context.NArg() != expected {
			err = fmt.Errorf("%s: %q requires exactly %d argument(s)", os.Args[0], cmdName, expected)
		}
	case minArgs:
		if context.NArg() < expected {
			err = fmt.Errorf("%s: %q requires a minimum of %d argument(s)", os.Args[0], cmdName, expected)
		}
	case maxArgs:
		if context.NArg() > expected {
			err = fmt.Errorf("%s: %q requires a maximum of %d argument(s)", os.Args[0], cmdName, expected)
		}
	}
	if err != nil {
		fmt.Printf("incorrect usage.\n\n")
		cli.ShowCommandHelp(context, cmdName)
		return err
	}
	return nil
}

// fatal prints the error's details then exits with status 1.
func fatal(err error) {
	// make sure the error is written to the logger
	logrus.Error(err)
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}

// setup resolves the tool configuration and the profile store for a
// command invocation. Flags win over the config file.
func setup(context *cli.Context) (*config.Config, *profile.Store, error) {
	cfg, err := config.Load(context.GlobalString("config"))
	if err != nil {
		return nil, nil, err
	}
	if dir := context.GlobalString("staging-dir"); dir != "" {
		cfg.StagingDir = dir
	}
	if dir := context.GlobalString("profile-dir"); dir != "" {
		cfg.ProfileDir = dir
	}
	return cfg, profile.NewStore(cfg.StagingDir, cfg.ProfileDir), nil
}
