package main

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/ehr/console/internal/domain/association"
	"github.com/ehr/console/internal/domain/entity"
)

func connectionsCmd() *cobra.Command {
	var (
		kindFilter string
		term       string
		page       int
		pageSize   int
	)

	cmd := &cobra.Command{
		Use:   "connections KIND ID",
		Short: "Print the organization chart and a page of connections for an entity",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := entity.ParseKind(args[0])
			if err != nil {
				return err
			}
			var filter entity.Kind
			if kindFilter != "" {
				if filter, err = entity.ParseKind(kindFilter); err != nil {
					return err
				}
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if pageSize <= 0 {
				pageSize = cfg.DefaultPageSize
			}
			logger := newLogger(cfg)
			client, err := newRemoteClient(cfg, logger)
			if err != nil {
				return err
			}

			reg, err := association.Load(context.Background(), client, entity.Ref{Kind: kind, ID: args[1]}, logger)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			printCounts(out, reg.Counts())
			items, total, pages := reg.Find(association.Query{Kind: filter, Term: term, Page: page, PageSize: pageSize})
			printPage(out, items, page, pages, total)
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVar(&kindFilter, "kind", "", "Only list connections of this kind")
	f.StringVarP(&term, "query", "q", "", "Case-insensitive name filter")
	f.IntVar(&page, "page", 1, "Page number")
	f.IntVar(&pageSize, "page-size", 0, "Page size (defaults to DEFAULT_PAGE_SIZE)")

	return cmd
}

func printCounts(out io.Writer, counts map[entity.Kind]int) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "KIND\tCOUNT")
	for _, k := range entity.All() {
		fmt.Fprintf(w, "%s\t%d\n", k.Label(), counts[k])
	}
	w.Flush()
}

func printPage(out io.Writer, items []association.AssociatedEntity, page, pages, total int) {
	fmt.Fprintf(out, "\nPage %d of %d (%d matching)\n", page, max(pages, 1), total)
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tKIND\tNAME")
	for _, a := range items {
		fmt.Fprintf(w, "%s\t%s\t%s\n", a.ID, a.Kind, a.Name)
	}
	w.Flush()
}
