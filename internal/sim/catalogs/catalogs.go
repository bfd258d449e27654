package catalogs

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"citysim.ai/internal/sim/model"
)

// Catalogs is read-only reference data, loaded once per run and passed explicitly.
type Catalogs struct {
	Buildings BuildingCatalog
	Resources ResourceCatalog
}

type BuildingCatalog struct {
	ByType map[string]BuildingDef
	Digest string
}

type BuildingDef struct {
	Type            string      `json:"type"`
	Name            string      `json:"name"`
	Category        string      `json:"category"`
	StorageCapacity float64     `json:"storage_capacity"`
	Recipes         []RecipeDef `json:"recipes,omitempty"`
	Sells           []string    `json:"sells,omitempty"`
	TicketPrice     float64     `json:"ticket_price,omitempty"`
	Wages           float64     `json:"wages,omitempty"`
}

type RecipeDef struct {
	Inputs       map[string]float64 `json:"inputs,omitempty"`
	Outputs      map[string]float64 `json:"outputs"`
	CraftMinutes int                `json:"craft_minutes"`
}

type ResourceCatalog struct {
	ByID   map[string]ResourceDef
	Digest string
}

type ResourceDef struct {
	ID          string  `json:"id"`
	Name        string  `json:"name"`
	Category    string  `json:"category"`
	ImportPrice float64 `json:"import_price"`
}

const (
	CategoryHome          = "home"
	CategoryBusiness      = "business"
	CategoryReligious     = "religious"
	CategoryEntertainment = "entertainment"
	CategoryLodging       = "lodging"
	CategoryTransport     = "transport"
)

func (c *Catalogs) Building(t string) (BuildingDef, bool) {
	if c == nil {
		return BuildingDef{}, false
	}
	d, ok := c.Buildings.ByType[t]
	return d, ok
}

// TypesIn returns building types of a category, sorted.
func (c *Catalogs) TypesIn(category string) []string {
	if c == nil {
		return nil
	}
	var out []string
	for t, d := range c.Buildings.ByType {
		if d.Category == category {
			out = append(out, t)
		}
	}
	sort.Strings(out)
	return out
}

// Capacity is the building's own override, else its type's capacity.
func (c *Catalogs) Capacity(b model.Building) float64 {
	if b.StorageCapacity > 0 {
		return b.StorageCapacity
	}
	if d, ok := c.Building(b.Type); ok {
		return d.StorageCapacity
	}
	return 0
}

func (c *Catalogs) ImportPrice(resource string) model.Ducats {
	if c == nil {
		return 0
	}
	return model.DucatsFromFloat(c.Resources.ByID[resource].ImportPrice)
}

func Load(configDir string) (*Catalogs, error) {
	var c Catalogs
	bt, err := os.ReadFile(filepath.Join(configDir, "building_types.json"))
	if err != nil {
		return nil, err
	}
	if err := decodeBuildings(bt, &c.Buildings); err != nil {
		return nil, fmt.Errorf("building_types.json: %w", err)
	}
	rt, err := os.ReadFile(filepath.Join(configDir, "resource_types.json"))
	if err != nil {
		return nil, err
	}
	if err := decodeResources(rt, &c.Resources); err != nil {
		return nil, fmt.Errorf("resource_types.json: %w", err)
	}
	return &c, nil
}

// Fetch pulls both catalogs from the catalog API (GET /building-types, GET /resource-types).
func Fetch(ctx context.Context, hc *http.Client, baseURL string) (*Catalogs, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("empty catalog api url")
	}
	if hc == nil {
		hc = http.DefaultClient
	}
	var c Catalogs
	bt, err := get(ctx, hc, baseURL+"/building-types")
	if err != nil {
		return nil, err
	}
	if err := decodeBuildings(unwrap(bt, "buildingTypes"), &c.Buildings); err != nil {
		return nil, fmt.Errorf("building-types: %w", err)
	}
	rt, err := get(ctx, hc, baseURL+"/resource-types")
	if err != nil {
		return nil, err
	}
	if err := decodeResources(unwrap(rt, "resourceTypes"), &c.Resources); err != nil {
		return nil, fmt.Errorf("resource-types: %w", err)
	}
	return &c, nil
}

func get(ctx context.Context, hc *http.Client, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", url, err)
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode/100 != 2 {
		return nil, fmt.Errorf("get %s: status %d", url, resp.StatusCode)
	}
	return b, nil
}

// unwrap accepts either a bare array or {"success":true,"<key>":[...]}.
func unwrap(raw []byte, key string) []byte {
	trimmed := strings.TrimSpace(string(raw))
	if strings.HasPrefix(trimmed, "[") {
		return raw
	}
	var env map[string]json.RawMessage
	if err := json.Unmarshal(raw, &env); err != nil {
		return raw
	}
	if inner, ok := env[key]; ok {
		return inner
	}
	return raw
}

func decodeBuildings(raw []byte, out *BuildingCatalog) error {
	if err := validate(buildingSchema, raw); err != nil {
		return err
	}
	var defs []BuildingDef
	if err := json.Unmarshal(raw, &defs); err != nil {
		return err
	}
	out.ByType = make(map[string]BuildingDef, len(defs))
	for _, d := range defs {
		if d.Type == "" {
			return fmt.Errorf("empty type")
		}
		out.ByType[d.Type] = d
	}
	out.Digest = sha256Hex(raw)
	return nil
}

func decodeResources(raw []byte, out *ResourceCatalog) error {
	if err := validate(resourceSchema, raw); err != nil {
		return err
	}
	var defs []ResourceDef
	if err := json.Unmarshal(raw, &defs); err != nil {
		return err
	}
	out.ByID = make(map[string]ResourceDef, len(defs))
	for _, d := range defs {
		if d.ID == "" {
			return fmt.Errorf("empty id")
		}
		out.ByID[d.ID] = d
	}
	out.Digest = sha256Hex(raw)
	return nil
}

const buildingSchemaJSON = `{
  "type": "array",
  "items": {
    "type": "object",
    "required": ["type", "category"],
    "properties": {
      "type": {"type": "string", "minLength": 1},
      "category": {"type": "string"},
      "storage_capacity": {"type": "number", "minimum": 0},
      "ticket_price": {"type": "number", "minimum": 0},
      "wages": {"type": "number", "minimum": 0},
      "recipes": {
        "type": "array",
        "items": {
          "type": "object",
          "required": ["outputs"],
          "properties": {
            "craft_minutes": {"type": "integer", "minimum": 0}
          }
        }
      }
    }
  }
}`

const resourceSchemaJSON = `{
  "type": "array",
  "items": {
    "type": "object",
    "required": ["id"],
    "properties": {
      "id": {"type": "string", "minLength": 1},
      "import_price": {"type": "number", "minimum": 0}
    }
  }
}`

var (
	buildingSchema = jsonschema.MustCompileString("building_types.schema.json", buildingSchemaJSON)
	resourceSchema = jsonschema.MustCompileString("resource_types.schema.json", resourceSchemaJSON)
)

func validate(s *jsonschema.Schema, raw []byte) error {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return err
	}
	return s.Validate(v)
}

func sha256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
