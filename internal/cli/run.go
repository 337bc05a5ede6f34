package cli

import (
	"strings"

	"github.com/samber/lo"
	"github.com/spf13/cobra"
)

var runSymbols []string

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Stream the configured venue and alert on price deviations",
	RunE: func(cmd *cobra.Command, args []string) error {
		a := getApp()
		if len(runSymbols) > 0 {
			a.Config.Feed.Symbols = lo.Uniq(lo.Map(runSymbols, func(s string, _ int) string {
				return strings.ToUpper(strings.TrimSpace(s))
			}))
		}
		return a.Run(cmd.Context())
	},
}

func init() {
	runCmd.Flags().StringSliceVar(&runSymbols, "symbols", nil, "Override feed.symbols (comma separated)")
}
