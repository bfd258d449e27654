package main

import (
	"context"
	"io"
	"path/filepath"
	"time"

	"citysim.ai/internal/persistence/recordstore"
	"citysim.ai/internal/persistence/snapshot"
)

func seedCmd(args []string, w io.Writer) error {
	var sf storeFlags
	fs := newFlagSet("seed", &sf)
	file := fs.String("file", "", "YAML seed file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := required("file", *file); err != nil {
		return err
	}
	snap, err := snapshot.ReadSeed(*file)
	if err != nil {
		return err
	}
	return withStore(&sf, func(ctx context.Context, st recordstore.Store) error {
		if err := snapshot.Restore(ctx, st, snap); err != nil {
			return err
		}
		printJSON(w, map[string]any{"ok": true, "file": *file, "records": snap.Records()})
		return nil
	})
}

func exportCmd(args []string, w io.Writer) error {
	var sf storeFlags
	fs := newFlagSet("export", &sf)
	out := fs.String("out", "", "output path (default: <data>/snapshots/<tick>.snap.zst)")
	tick := fs.Uint64("tick", 0, "tick number recorded in the header")
	if err := fs.Parse(args); err != nil {
		return err
	}
	return withStore(&sf, func(ctx context.Context, st recordstore.Store) error {
		snap, err := snapshot.Capture(ctx, st, *tick, time.Now())
		if err != nil {
			return err
		}
		path := *out
		if path == "" {
			path = filepath.Join(sf.dataDir, "snapshots", snapshot.FileName(*tick))
		}
		if err := snapshot.WriteSnapshot(path, snap); err != nil {
			return err
		}
		printJSON(w, map[string]any{"ok": true, "path": path, "records": snap.Records()})
		return nil
	})
}

func importCmd(args []string, w io.Writer) error {
	var sf storeFlags
	fs := newFlagSet("import", &sf)
	in := fs.String("in", "", "snapshot path (default: latest under <data>/snapshots)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	path := *in
	if path == "" {
		path = snapshot.Latest(filepath.Join(sf.dataDir, "snapshots"))
	}
	if err := required("in", path); err != nil {
		return err
	}
	snap, err := snapshot.ReadSnapshot(path)
	if err != nil {
		return err
	}
	return withStore(&sf, func(ctx context.Context, st recordstore.Store) error {
		if err := snapshot.Restore(ctx, st, snap); err != nil {
			return err
		}
		printJSON(w, map[string]any{"ok": true, "path": path, "tick": snap.Header.Tick, "records": snap.Records()})
		return nil
	})
}
