package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"ralphd/internal/config"
	"ralphd/internal/store"
)

var sessionsAll bool

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List tracked sessions from the local database",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return err
		}

		st, err := store.Open(cfg.DatabasePath)
		if err != nil {
			return err
		}
		defer st.Close()

		sessions, err := st.ListActive()
		if sessionsAll {
			sessions, err = st.ListSessions()
		}
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tSTATUS\tTOKENS\tUSAGE\tTASK")
		for _, s := range sessions {
			task := s.TaskDescription
			if len(task) > 60 {
				task = task[:57] + "..."
			}
			fmt.Fprintf(w, "%s\t%s\t%d/%d\t%.0f%%\t%s\n",
				s.ID[:8], s.Status, s.CurrentTokens, s.MaxTokens, s.ContextUsage()*100, task)
		}
		return w.Flush()
	},
}

func init() {
	sessionsCmd.Flags().BoolVarP(&sessionsAll, "all", "a", false, "include completed, terminated and inactive sessions")
}
