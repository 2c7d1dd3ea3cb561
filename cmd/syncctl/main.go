// Command syncctl drives the bidirectional reconciliation engine between
// the CRM of record and the datastore.
package main

import (
	"os"

	"github.com/ipiton/zoho-airtable-sync/cmd/syncctl/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
