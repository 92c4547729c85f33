package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/docker/go-units"
	"github.com/urfave/cli"

	"github.com/schubergphilis/apparmorctl/internal/config"
	"github.com/schubergphilis/apparmorctl/internal/profile"
)

var statusCommand = cli.Command{
	Name:  "status",
	Usage: "show staged fragments and installed profile state",
	Description: `The status command lists every profile with staged fragments: who
contributed, the resolved mode, how much is staged, when it last changed,
and whether the installed profile is in sync with what a merge would
produce.`,
	Flags: []cli.Flag{
		cli.BoolFlag{
			Name:  "quiet, q",
			Usage: "display only profile names",
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
		names, err := store.ListProfiles()
		if err != nil {
			return err
		}
		if context.Bool("quiet") {
			for _, name := range names {
				fmt.Println(name)
			}
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 12, 1, 3, ' ', 0)
		fmt.Fprint(w, "PROFILE\tFRAGMENTS\tCONTRIBUTORS\tMODE\tSTAGED\tUPDATED\tSTATE\n")
		for _, name := range names {
			row, err := profileRow(cfg, store, name)
			if err != nil {
				return err
			}
			fmt.Fprintln(w, row)
		}
		return w.Flush()
	},
}

func profileRow(cfg *config.Config, store *profile.Store, name string) (string, error) {
	fragNames, err := store.ListFragments(name)
	if err != nil {
		return "", err
	}
	dir, err := store.StagingDir(name)
	if err != nil {
		return "", err
	}

	var size int64
	var newest time.Time
	contributors := make([]string, 0, len(fragNames))
	for _, fragName := range fragNames {
		contributors = append(contributors, strings.TrimSuffix(fragName, profile.FragmentSuffix))
		if st, err := os.Stat(filepath.Join(dir, fragName)); err == nil {
			size += st.Size()
			if st.ModTime().After(newest) {
				newest = st.ModTime()
			}
		}
	}

	mode := "-"
	state := "empty"
	if len(fragNames) > 0 {
		frags, err := store.LoadFragments(name)
		if err != nil {
			// a broken fragment gets its own row instead of killing the listing
			state = "error: " + err.Error()
		} else {
			doc := profile.Merge(name, frags, profile.Defaults{
				Mode:       cfg.Mode(),
				Attachment: cfg.Attachments[name],
			})
			mode = doc.Mode.String()
			upToDate, err := store.UpToDate(doc)
			if err != nil {
				return "", err
			}
			switch {
			case upToDate:
				state = "in-sync"
			default:
				state = "stale"
				if path, err := store.InstalledPath(name); err == nil {
					if _, err := os.Stat(path); os.IsNotExist(err) {
						state = "absent"
					}
				}
			}
		}
	}

	updated := "-"
	if !newest.IsZero() {
		updated = units.HumanDuration(time.Since(newest)) + " ago"
	}
	return fmt.Sprintf("%s\t%d\t%s\t%s\t%s\t%s\t%s",
		name,
		len(fragNames),
		strings.Join(contributors, ","),
		mode,
		units.HumanSize(float64(size)),
		updated,
		state), nil
}
