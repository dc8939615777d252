package cmd

import (
	"fmt"
	"io"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/logscope/logscope/player"
)

// infoCmd prints the merged metadata of one or more logs
var infoCmd = &cobra.Command{
	Use:   "info <file>...",
	Short: "Print the merged time range, topics and statistics of logs",
	Args:  cobra.ArbitraryArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(args)
		if err != nil {
			return err
		}
		src := player.NewMultiSource(cfg.Sources,
			player.WithSchemaConflictPolicy(player.SchemaConflictPolicy(cfg.SchemaConflict)))
		defer func() { _ = src.Close() }()
		ini, err := src.Initialize(cmd.Context())
		if err != nil {
			return err
		}
		return printInfo(cmd.OutOrStdout(), cfg.Sources, ini)
	},
}

func printInfo(w io.Writer, sources []string, ini *player.Initialization) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintf(tw, "sources:\t%d\n", len(sources))
	for _, s := range sources {
		_, _ = fmt.Fprintf(tw, "\t%s\n", s)
	}
	_, _ = fmt.Fprintf(tw, "start:\t%v\n", ini.Start)
	_, _ = fmt.Fprintf(tw, "end:\t%v\n", ini.End)
	_, _ = fmt.Fprintf(tw, "duration:\t%v\n", ini.End.Sub(ini.Start))
	if ini.Profile != "" {
		_, _ = fmt.Fprintf(tw, "profile:\t%s\n", ini.Profile)
	}
	_, _ = fmt.Fprintf(tw, "topics:\t%d\n", len(ini.Topics))
	for _, t := range ini.Topics {
		stats := ini.TopicStats[t.Name]
		_, _ = fmt.Fprintf(tw, "\t%s\t%s\t%d msgs\n", t.Name, t.SchemaName, stats.NumMessages)
	}
	for _, md := range ini.Metadata {
		keys := make([]string, 0, len(md.Entries))
		for k := range md.Entries {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			_, _ = fmt.Fprintf(tw, "metadata:\t%s.%s = %s\n", md.Name, k, md.Entries[k])
		}
	}
	for _, a := range ini.Alerts {
		_, _ = fmt.Fprintf(tw, "alert:\t%s\n", a)
	}
	return tw.Flush()
}
