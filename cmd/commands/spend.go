package commands

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"text/tabwriter"

	"github.com/urfave/cli/v3"

	"github.com/dohr-michael/drudge/internal/config"
	"github.com/dohr-michael/drudge/internal/storage"
)

// NewSpendCommand returns the spend subcommand.
func NewSpendCommand() *cli.Command {
	return &cli.Command{
		Name:  "spend",
		Usage: "Show accumulated cost per task owner",
		Action: func(_ context.Context, _ *cli.Command) error {
			totals, err := storage.ReadLedger(filepath.Join(config.DrudgePath(), "ledger.json"))
			if err != nil {
				return err
			}
			if len(totals) == 0 {
				fmt.Println("No spend recorded.")
				return nil
			}

			sort.Slice(totals, func(i, j int) bool {
				return totals[i].TotalCost > totals[j].TotalCost
			})

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "OWNER\tTASKS\tTOTAL\tLAST")
			for _, s := range totals {
				fmt.Fprintf(w, "%s\t%d\t$%.2f\t%s\n",
					s.Owner,
					s.Tasks,
					s.TotalCost,
					s.LastAt.Format("2006-01-02 15:04"),
				)
			}
			return w.Flush()
		},
	}
}
