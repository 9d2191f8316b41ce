package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hkcontrol/querytap/internal/report"
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Generate a bearer token for the status server",
	Long: `Generates a random bearer token and its bcrypt hash.

Put the hash in metrics.token_hash (or QUERYTAP_METRICS_TOKEN_HASH) and give the
token to whoever scrapes /metrics, /status and /failures. The token is not stored.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		token, hash, err := report.GenerateToken()
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "token:      %s\n", token)
		fmt.Fprintf(out, "token_hash: %s\n", hash)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(tokenCmd)
}
