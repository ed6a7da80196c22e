// watchledger keeps a ledger of watched items in a local SQLite store and
// syncs it with a PostgREST-backed remote table.
//
// Usage:
//
//	watchledger setup                  # store remote credentials, pick a provider
//	watchledger serve                  # HTTP command API plus auto-sync
//	watchledger sync-once              # one sync pass (preview on first run)
//	watchledger status                 # provider and sync state
//	watchledger switch <local|remote>  # change the current provider
//	watchledger migrate <src> <dst>    # copy every record between providers
//	watchledger export | import        # JSON backup and restore
//	watchledger search <query>         # find records by id or title
//	watchledger reset                  # clear records and sync state
//	watchledger credentials clear      # forget stored remote credentials
//	watchledger remote-schema --dsn …  # install the server-side table
//	watchledger service install        # run `serve` as a systemd user service
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
