// Taxsync CLI entry point
//
// Taxsync keeps tax-return edits in a durable local queue and syncs them to
// the filing service whenever it is reachable.
package main

import "github.com/jbctechsolutions/taxsync/internal/presentation/cli/commands"

func main() {
	commands.Execute()
}
