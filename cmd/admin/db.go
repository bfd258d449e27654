package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"sort"
	"strings"

	"citysim.ai/internal/persistence/recordstore"
	"citysim.ai/internal/sim/model"
)

func newFlagSet(name string, sf *storeFlags) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.StringVar(&sf.dataDir, "data", "./data", "runtime data directory")
	fs.StringVar(&sf.store, "store", "", "record store (postgres:// url or sqlite path; default $CS_STORE or <data>/citysim.sqlite)")
	return fs
}

func activitiesCmd(args []string, w io.Writer) error {
	var sf storeFlags
	fs := newFlagSet("activities", &sf)
	citizen := fs.String("citizen", "", "citizen id")
	status := fs.String("status", "", "created|completed|failed")
	typ := fs.String("type", "", "activity type")
	limit := fs.Int("limit", 50, "result limit")
	if err := fs.Parse(args); err != nil {
		return err
	}

	var conds []recordstore.Cond
	if *citizen != "" {
		conds = append(conds, recordstore.Eq("citizen", *citizen))
	}
	if *status != "" {
		conds = append(conds, recordstore.Eq("status", *status))
	}
	if *typ != "" {
		conds = append(conds, recordstore.Eq("type", *typ))
	}
	return withStore(&sf, func(ctx context.Context, st recordstore.Store) error {
		as, err := st.ListActivities(ctx, recordstore.Where(conds...).OrderBy("-end_time", "id").Take(*limit))
		if err != nil {
			return err
		}
		for _, a := range as {
			printJSON(w, a)
		}
		return nil
	})
}

type ledgerRow struct {
	model.Transaction
	Direction string `json:"direction,omitempty"`
}

func ledgerCmd(args []string, w io.Writer) error {
	var sf storeFlags
	fs := newFlagSet("ledger", &sf)
	citizen := fs.String("citizen", "", "citizen id (as buyer or seller)")
	typ := fs.String("type", "", "transaction type")
	limit := fs.Int("limit", 50, "result limit")
	if err := fs.Parse(args); err != nil {
		return err
	}
	return withStore(&sf, func(ctx context.Context, st recordstore.Store) error {
		rows, err := ledger(ctx, st, *citizen, *typ, *limit)
		if err != nil {
			return err
		}
		for _, r := range rows {
			printJSON(w, r)
		}
		return nil
	})
}

// ledger lists transactions newest first. With a citizen, both sides are
// merged and tagged "in" (citizen was paid) or "out".
func ledger(ctx context.Context, st recordstore.Store, citizen, typ string, limit int) ([]ledgerRow, error) {
	base := func(extra ...recordstore.Cond) recordstore.Filter {
		conds := extra
		if typ != "" {
			conds = append(conds, recordstore.Eq("type", typ))
		}
		return recordstore.Where(conds...).OrderBy("-timestamp", "id").Take(limit)
	}
	if citizen == "" {
		ts, err := st.ListTransactions(ctx, base())
		if err != nil {
			return nil, err
		}
		out := make([]ledgerRow, len(ts))
		for i, t := range ts {
			out[i] = ledgerRow{Transaction: t}
		}
		return out, nil
	}

	sold, err := st.ListTransactions(ctx, base(recordstore.Eq("seller", citizen)))
	if err != nil {
		return nil, err
	}
	bought, err := st.ListTransactions(ctx, base(recordstore.Eq("buyer", citizen)))
	if err != nil {
		return nil, err
	}
	out := make([]ledgerRow, 0, len(sold)+len(bought))
	for _, t := range sold {
		out = append(out, ledgerRow{Transaction: t, Direction: "in"})
	}
	for _, t := range bought {
		out = append(out, ledgerRow{Transaction: t, Direction: "out"})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.After(out[j].Timestamp)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func contractsCmd(args []string, w io.Writer) error {
	var sf storeFlags
	fs := newFlagSet("contracts", &sf)
	citizen := fs.String("citizen", "", "buyer or seller")
	typ := fs.String("type", "", "public_sell|import|building_purchase|service")
	status := fs.String("status", "active", "contract status (empty for all)")
	limit := fs.Int("limit", 50, "result limit")
	if err := fs.Parse(args); err != nil {
		return err
	}
	var conds []recordstore.Cond
	if *typ != "" {
		conds = append(conds, recordstore.Eq("type", *typ))
	}
	if *status != "" {
		conds = append(conds, recordstore.Eq("status", *status))
	}
	return withStore(&sf, func(ctx context.Context, st recordstore.Store) error {
		seen := map[string]bool{}
		fields := []string{""}
		if *citizen != "" {
			fields = []string{"seller", "buyer"}
		}
		for _, field := range fields {
			cs := conds
			if field != "" {
				cs = append(append([]recordstore.Cond(nil), conds...), recordstore.Eq(field, *citizen))
			}
			list, err := st.ListContracts(ctx, recordstore.Where(cs...).OrderBy("created_at", "id").Take(*limit))
			if err != nil {
				return err
			}
			for _, c := range list {
				if seen[c.ID] {
					continue
				}
				seen[c.ID] = true
				printJSON(w, c)
			}
		}
		return nil
	})
}

func citizensCmd(args []string, w io.Writer) error {
	var sf storeFlags
	fs := newFlagSet("citizens", &sf)
	class := fs.String("class", "", "social class")
	if err := fs.Parse(args); err != nil {
		return err
	}
	var conds []recordstore.Cond
	if *class != "" {
		conds = append(conds, recordstore.Eq("social_class", *class))
	}
	return withStore(&sf, func(ctx context.Context, st recordstore.Store) error {
		cs, err := st.ListCitizens(ctx, recordstore.Where(conds...))
		if err != nil {
			return err
		}
		for _, c := range cs {
			pos := ""
			if c.Position != nil {
				pos = fmt.Sprintf("%.5f,%.5f", c.Position.Lat, c.Position.Lng)
			}
			printJSON(w, struct {
				ID        string `json:"id"`
				Class     string `json:"social_class"`
				Ducats    string `json:"ducats"`
				Position  string `json:"position,omitempty"`
				Home      string `json:"home,omitempty"`
				Workplace string `json:"workplace,omitempty"`
			}{c.ID, c.SocialClass, c.Ducats.String(), pos, c.Home, c.Workplace})
		}
		return nil
	})
}

func printJSON(w io.Writer, v any) {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v)
}

func required(name, v string) error {
	if strings.TrimSpace(v) == "" {
		return fmt.Errorf("missing -%s", name)
	}
	return nil
}
