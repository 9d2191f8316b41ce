package cmd

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/hkcontrol/querytap/internal/discover"
)

var findCmd = &cobra.Command{
	Use:   "find [name]",
	Short: "List processes whose name matches exactly",
	Long: `Lists the live processes with the given name in enumeration order. The first
row is the one watch and inject would pick. Without a name every process is listed.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name := ""
		if len(args) == 1 {
			name = args[0]
		}

		table := discover.NewSystemTable(int32(os.Getpid()))
		table.Detail = true
		procs, err := discover.NewLocator(table).List(context.Background(), name)
		if err != nil {
			return fmt.Errorf("failed to list processes: %w", err)
		}

		if len(procs) == 0 {
			fmt.Println("No matching processes")
			return nil
		}

		out := tablewriter.NewWriter(os.Stdout)
		out.Header("PID", "Name", "Executable", "Started")
		for _, p := range procs {
			started := "-"
			if !p.CreateTime.IsZero() {
				started = p.CreateTime.Format("2006-01-02 15:04:05")
			}
			out.Append(strconv.Itoa(int(p.PID)), p.Name, p.Exe, started)
		}
		out.Render()
		fmt.Printf("\nTotal: %d\n", len(procs))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(findCmd)
}
