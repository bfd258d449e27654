package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"citysim.ai/internal/persistence/recordstore"
)

const usage = `usage: admin <command> [flags]

store:
  activities   list activities (-citizen, -status, -type)
  ledger       list transactions (-citizen, -type)
  contracts    list contracts (-citizen, -type, -status)
  citizens     list citizens with balances
  seed         load a YAML seed file into the store (-file)
  export       write a snapshot of the store (-out)
  import       restore a snapshot into the store (-in)

logs:
  audit        decode audit logs (-action, -contract, -citizen)
  events       decode tick logs (-from_tick, -to_tick)
  snapshots    list snapshot files

server:
  state        print the running server's state
  snapshot     ask the running server for a snapshot
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	args := os.Args[2:]
	var err error
	switch os.Args[1] {
	case "activities":
		err = activitiesCmd(args, os.Stdout)
	case "ledger":
		err = ledgerCmd(args, os.Stdout)
	case "contracts":
		err = contractsCmd(args, os.Stdout)
	case "citizens":
		err = citizensCmd(args, os.Stdout)
	case "seed":
		err = seedCmd(args, os.Stdout)
	case "export":
		err = exportCmd(args, os.Stdout)
	case "import":
		err = importCmd(args, os.Stdout)
	case "audit":
		err = auditCmd(args, os.Stdout)
	case "events":
		err = eventsCmd(args, os.Stdout)
	case "snapshots":
		err = snapshotsCmd(args, os.Stdout)
	case "state":
		err = stateCmd(args, os.Stdout)
	case "snapshot":
		err = snapshotCmd(args, os.Stdout)
	case "-h", "-help", "--help", "help":
		fmt.Print(usage)
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", os.Args[1], usage)
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, os.Args[1]+":", err)
		os.Exit(1)
	}
}

// storeFlags are shared by the commands that open the record store.
type storeFlags struct {
	dataDir string
	store   string
}

func (f *storeFlags) spec() string {
	if s := strings.TrimSpace(f.store); s != "" {
		return s
	}
	if s := strings.TrimSpace(os.Getenv("CS_STORE")); s != "" {
		return s
	}
	return filepath.Join(f.dataDir, "citysim.sqlite")
}

func (f *storeFlags) open() (*recordstore.SQLStore, error) {
	return recordstore.Open(f.spec(), nil)
}

func withStore(f *storeFlags, fn func(ctx context.Context, st recordstore.Store) error) error {
	st, err := f.open()
	if err != nil {
		return err
	}
	defer st.Close()
	return fn(context.Background(), st)
}
