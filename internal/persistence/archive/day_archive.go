package archive

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"citysim.ai/internal/persistence/snapshot"
	"citysim.ai/internal/sim/model"
)

type DayArchiveMeta struct {
	Day         string       `json:"day"`
	Tick        uint64       `json:"tick"`
	TakenAt     string       `json:"taken_at"`
	Snapshot    string       `json:"snapshot"`
	CreatedAt   string       `json:"created_at"`
	Records     int          `json:"records"`
	Citizens    int          `json:"citizens"`
	Contracts   int          `json:"active_contracts"`
	TotalDucats model.Ducats `json:"total_ducats"`
}

// ArchiveDaySnapshot keeps the first snapshot of each city day under
// `dataDir/archives/day_<YYYY-MM-DD>/`. Later snapshots of an archived day are
// left alone and reported with archived=false.
func ArchiveDaySnapshot(dataDir, snapshotPath string, snap snapshot.SnapshotV1, loc *time.Location) (day string, archivedPath string, archived bool, err error) {
	if snap.Header.TakenAt.IsZero() {
		return "", "", false, nil
	}
	if loc == nil {
		loc = time.UTC
	}
	day = snap.Header.TakenAt.In(loc).Format("2006-01-02")

	archiveDir := filepath.Join(dataDir, "archives", "day_"+day)
	metaPath := filepath.Join(archiveDir, "meta.json")
	if _, err := os.Stat(metaPath); err == nil {
		return day, "", false, nil
	}
	if err := os.MkdirAll(archiveDir, 0o755); err != nil {
		return day, "", false, err
	}

	dst := filepath.Join(archiveDir, filepath.Base(snapshotPath))
	if err := copyFile(snapshotPath, dst); err != nil {
		return day, "", false, err
	}

	meta := DayArchiveMeta{
		Day:       day,
		Tick:      snap.Header.Tick,
		TakenAt:   snap.Header.TakenAt.UTC().Format(time.RFC3339Nano),
		Snapshot:  filepath.Base(dst),
		CreatedAt: time.Now().UTC().Format(time.RFC3339Nano),
		Records:   snap.Records(),
		Citizens:  len(snap.Citizens),
	}
	for _, c := range snap.Citizens {
		meta.TotalDucats += c.Ducats
	}
	for _, c := range snap.Contracts {
		if c.Status == model.ContractActive {
			meta.Contracts++
		}
	}
	b, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return day, "", false, fmt.Errorf("archive meta: %w", err)
	}
	// meta.json marks the day as archived, so it is written last.
	if err := os.WriteFile(metaPath, b, 0o644); err != nil {
		return day, "", false, err
	}
	return day, dst, true, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer func() { _ = out.Close() }()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Close()
}
