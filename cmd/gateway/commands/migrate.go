package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

// MigrateCmd is a documented stub: persistence schema migrations are a
// Non-goal (spec §1), so this defers to an external migration tool (e.g.
// golang-migrate) to create the tables internal/store/pg queries; no
// schema or DDL ships in this repository.
var MigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the relational schema (delegates to an external migration tool)",
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Println("migrate: schema migrations are out of scope for this binary.")
		fmt.Println("Run your migration tool of choice to create the tables internal/store/pg queries.")
		return nil
	},
}
