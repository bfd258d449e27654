package snapshot

import (
	"bufio"
	"context"
	"encoding/gob"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/zstd"
	"gopkg.in/yaml.v3"

	"citysim.ai/internal/persistence/recordstore"
	"citysim.ai/internal/sim/model"
)

const Version = 1

type Header struct {
	Version int       `json:"version"`
	Tick    uint64    `json:"tick"`
	TakenAt time.Time `json:"taken_at"`
}

// SnapshotV1 is the full content of a record store. Seed files use the same
// shape without a header.
type SnapshotV1 struct {
	Header Header `json:"header"`

	Citizens      []model.Citizen       `json:"citizens,omitempty"`
	Buildings     []model.Building      `json:"buildings,omitempty"`
	Resources     []model.ResourceStack `json:"resources,omitempty"`
	Contracts     []model.Contract      `json:"contracts,omitempty"`
	Activities    []model.Activity      `json:"activities,omitempty"`
	Transactions  []model.Transaction   `json:"transactions,omitempty"`
	Notifications []model.Notification  `json:"notifications,omitempty"`
	Relationships []model.Relationship  `json:"relationships,omitempty"`
}

func (s SnapshotV1) Records() int {
	return len(s.Citizens) + len(s.Buildings) + len(s.Resources) + len(s.Contracts) +
		len(s.Activities) + len(s.Transactions) + len(s.Notifications) + len(s.Relationships)
}

// Capture reads every table of st, each ordered by id.
func Capture(ctx context.Context, st recordstore.Store, tick uint64, at time.Time) (SnapshotV1, error) {
	snap := SnapshotV1{Header: Header{Version: Version, Tick: tick, TakenAt: at.UTC()}}
	all := recordstore.Filter{}.OrderBy("id")
	var err error
	if snap.Citizens, err = st.ListCitizens(ctx, all); err != nil {
		return snap, err
	}
	if snap.Buildings, err = st.ListBuildings(ctx, all); err != nil {
		return snap, err
	}
	if snap.Resources, err = st.ListResources(ctx, all); err != nil {
		return snap, err
	}
	if snap.Contracts, err = st.ListContracts(ctx, all); err != nil {
		return snap, err
	}
	if snap.Activities, err = st.ListActivities(ctx, all); err != nil {
		return snap, err
	}
	if snap.Transactions, err = st.ListTransactions(ctx, all); err != nil {
		return snap, err
	}
	if snap.Notifications, err = st.ListNotifications(ctx, all); err != nil {
		return snap, err
	}
	if snap.Relationships, err = st.ListRelationships(ctx, all); err != nil {
		return snap, err
	}
	return snap, nil
}

// Restore writes every record of snap into st. Mutable records are upserted;
// transactions and notifications already present are left alone.
func Restore(ctx context.Context, st recordstore.Store, snap SnapshotV1) error {
	for _, c := range snap.Citizens {
		if err := st.PutCitizen(ctx, c); err != nil {
			return err
		}
	}
	for _, b := range snap.Buildings {
		if err := st.PutBuilding(ctx, b); err != nil {
			return err
		}
	}
	for _, r := range snap.Resources {
		if r.ID == "" {
			r.ID = model.StackID(r.Kind, r.Holder(), r.Owner)
		}
		if err := st.PutResource(ctx, r); err != nil {
			return err
		}
	}
	for _, c := range snap.Contracts {
		if c.Status == "" {
			c.Status = model.ContractActive
		}
		if err := st.PutContract(ctx, c); err != nil {
			return err
		}
	}
	for _, a := range snap.Activities {
		if err := st.PutActivity(ctx, a); err != nil {
			return err
		}
	}
	for _, r := range snap.Relationships {
		if r.ID == "" {
			r.ID = model.RelationshipID(r.Citizen1, r.Citizen2)
		}
		if err := st.PutRelationship(ctx, r); err != nil {
			return err
		}
	}

	if len(snap.Transactions) > 0 {
		have, err := st.ListTransactions(ctx, recordstore.Filter{})
		if err != nil {
			return err
		}
		seen := make(map[string]bool, len(have))
		for _, t := range have {
			seen[t.ID] = true
		}
		for _, t := range snap.Transactions {
			if seen[t.ID] {
				continue
			}
			if err := st.CreateTransaction(ctx, t); err != nil {
				return err
			}
		}
	}
	if len(snap.Notifications) > 0 {
		have, err := st.ListNotifications(ctx, recordstore.Filter{})
		if err != nil {
			return err
		}
		seen := make(map[string]bool, len(have))
		for _, n := range have {
			seen[n.ID] = true
		}
		for _, n := range snap.Notifications {
			if seen[n.ID] {
				continue
			}
			if err := st.CreateNotification(ctx, n); err != nil {
				return err
			}
		}
	}
	return nil
}

func WriteSnapshot(path string, snap SnapshotV1) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return err
	}
	defer enc.Close()

	bw := bufio.NewWriterSize(enc, 256*1024)
	defer bw.Flush()

	// The JSON header line lets tools peek without decoding the gob body.
	hb, _ := json.Marshal(snap.Header)
	if _, err := bw.Write(hb); err != nil {
		return err
	}
	if err := bw.WriteByte('\n'); err != nil {
		return err
	}

	if err := gob.NewEncoder(bw).Encode(&snap); err != nil {
		return fmt.Errorf("gob encode: %w", err)
	}
	return nil
}

func ReadSnapshot(path string) (SnapshotV1, error) {
	var snap SnapshotV1
	f, err := os.Open(path)
	if err != nil {
		return snap, err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return snap, err
	}
	defer dec.Close()

	br := bufio.NewReaderSize(dec, 256*1024)
	if _, err := br.ReadBytes('\n'); err != nil {
		return snap, fmt.Errorf("read header: %w", err)
	}
	if err := gob.NewDecoder(br).Decode(&snap); err != nil {
		return snap, fmt.Errorf("gob decode: %w", err)
	}
	if snap.Header.Version != Version {
		return snap, fmt.Errorf("unsupported snapshot version %d", snap.Header.Version)
	}
	return snap, nil
}

// ReadHeader decodes only the header line.
func ReadHeader(path string) (Header, error) {
	var h Header
	f, err := os.Open(path)
	if err != nil {
		return h, err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return h, err
	}
	defer dec.Close()

	line, err := bufio.NewReader(dec).ReadBytes('\n')
	if err != nil {
		return h, fmt.Errorf("read header: %w", err)
	}
	if err := json.Unmarshal(line, &h); err != nil {
		return h, fmt.Errorf("decode header: %w", err)
	}
	return h, nil
}

// ReadSeed parses a YAML seed file. Keys follow the JSON field names of the
// records ("social_class", "holder_type", ...).
func ReadSeed(path string) (SnapshotV1, error) {
	var snap SnapshotV1
	b, err := os.ReadFile(path)
	if err != nil {
		return snap, err
	}
	var raw any
	if err := yaml.Unmarshal(b, &raw); err != nil {
		return snap, fmt.Errorf("parse seed: %w", err)
	}
	j, err := json.Marshal(raw)
	if err != nil {
		return snap, fmt.Errorf("seed: %w", err)
	}
	if err := json.Unmarshal(j, &snap); err != nil {
		return snap, fmt.Errorf("seed: %w", err)
	}
	snap.Header.Version = Version
	return snap, nil
}

// Latest returns the newest *.snap.zst under dir, or "" when there is none.
func Latest(dir string) string {
	matches, _ := filepath.Glob(filepath.Join(dir, "*.snap.zst"))
	if len(matches) == 0 {
		return ""
	}
	best := matches[0]
	for _, m := range matches[1:] {
		if m > best {
			best = m
		}
	}
	return best
}

// FileName is the name Capture output is stored under, sortable by tick.
func FileName(tick uint64) string {
	return fmt.Sprintf("%012d.snap.zst", tick)
}
