package main

import (
	"encoding/json"
	"sort"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"mailerd/queue"
)

type statusReport struct {
	Locations  map[queue.Location]int `json:"locations"`
	Incomplete queue.Counts           `json:"incomplete"`
}

func newStatusCmd(a *app) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show queue status",
		Long:  `Status counts the messages in each lifecycle location and tallies the recipients of messages still in flight. Nothing is modified.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.status(cmd, asJSON)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the report as JSON")
	return cmd
}

func (a *app) status(cmd *cobra.Command, asJSON bool) error {
	ctx := cmd.Context()
	spool, err := a.openSpool()
	if err != nil {
		return err
	}

	rep := statusReport{Locations: make(map[queue.Location]int, len(queue.Locations))}
	for _, loc := range queue.Locations {
		buckets, err := spool.Buckets(ctx, loc)
		if err != nil {
			return err
		}
		for _, b := range buckets {
			ids, err := spool.IDs(ctx, loc, b)
			if err != nil {
				return err
			}
			rep.Locations[loc] += len(ids)
		}
	}
	pending, err := spool.ListIncomplete(ctx)
	if err != nil {
		return err
	}
	rep.Incomplete = queue.Tally(pending...)

	out := cmd.OutOrStdout()
	if asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(rep)
	}

	bold := color.New(color.Bold).SprintFunc()
	fprintf(out, "%s %s\n", bold("spool"), spool.Root())
	for _, loc := range queue.Locations {
		fprintf(out, "  %-9s %d\n", loc, rep.Locations[loc])
	}
	fprintf(out, "%s %s\n", bold("in flight"), rep.Incomplete)
	ids := make([]string, 0, len(pending))
	for _, st := range pending {
		ids = append(ids, st.ID)
	}
	sort.Strings(ids)
	for _, id := range ids {
		fprintf(out, "  %s\n", id)
	}
	return nil
}
