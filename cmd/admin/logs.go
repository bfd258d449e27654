package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	persistlog "citysim.ai/internal/persistence/log"
	"citysim.ai/internal/persistence/snapshot"
)

func auditCmd(args []string, w io.Writer) error {
	fs := flag.NewFlagSet("audit", flag.ContinueOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	action := fs.String("action", "", "audit action (SETTLE, TRANSFER_FAILED, ...)")
	contract := fs.String("contract", "", "contract id")
	citizen := fs.String("citizen", "", "citizen id (as actor, payer or payee)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	entries, err := persistlog.ReadAudit(*dataDir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if *action != "" && !strings.EqualFold(e.Action, *action) {
			continue
		}
		if *contract != "" && e.ContractID != *contract {
			continue
		}
		if *citizen != "" && e.Citizen != *citizen && e.From != *citizen && e.To != *citizen {
			continue
		}
		printJSON(w, e)
	}
	return nil
}

// tickHeader is the part of a tick log line used for filtering; the line is
// printed as written.
type tickHeader struct {
	Tick uint64 `json:"tick"`
}

func eventsCmd(args []string, w io.Writer) error {
	fs := flag.NewFlagSet("events", flag.ContinueOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	fromTick := fs.Uint64("from_tick", 0, "first tick (inclusive)")
	toTick := fs.Uint64("to_tick", 0, "last tick (inclusive, 0 = no limit)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	files, err := persistlog.Files(filepath.Join(*dataDir, "events"), "events")
	if err != nil {
		return err
	}
	for _, p := range files {
		err := persistlog.Scan(p, func(line []byte) error {
			var h tickHeader
			if err := json.Unmarshal(line, &h); err != nil {
				return fmt.Errorf("unmarshal: %w", err)
			}
			if h.Tick < *fromTick || (*toTick > 0 && h.Tick > *toTick) {
				return nil
			}
			_, err := fmt.Fprintf(w, "%s\n", line)
			return err
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func snapshotsCmd(args []string, w io.Writer) error {
	fs := flag.NewFlagSet("snapshots", flag.ContinueOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	if err := fs.Parse(args); err != nil {
		return err
	}
	dir := filepath.Join(*dataDir, "snapshots")
	ents, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, e := range ents {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".snap.zst") {
			continue
		}
		path := filepath.Join(dir, e.Name())
		h, err := snapshot.ReadHeader(path)
		if err != nil {
			fmt.Fprintln(os.Stderr, "skip", path+":", err)
			continue
		}
		printJSON(w, map[string]any{"path": path, "tick": h.Tick, "taken_at": h.TakenAt})
	}
	return nil
}
