package recordstore

import (
	"fmt"

	"citysim.ai/internal/sim/model"
)

type column struct {
	name string
	typ  string
}

// table keeps the whole record as raw_json plus the columns filters may reference.
type table struct {
	name string
	cols []column
}

func (t table) has(field string) bool {
	if field == "id" {
		return true
	}
	for _, c := range t.cols {
		if c.name == field {
			return true
		}
	}
	return false
}

func (t table) ddl() []string {
	stmt := "CREATE TABLE IF NOT EXISTS " + t.name + " (\n\t\t\tid TEXT PRIMARY KEY"
	for _, c := range t.cols {
		stmt += ",\n\t\t\t" + c.name + " " + c.typ
	}
	stmt += ",\n\t\t\traw_json TEXT NOT NULL\n\t\t);"
	out := []string{stmt}
	for _, c := range t.cols {
		out = append(out, fmt.Sprintf("CREATE INDEX IF NOT EXISTS idx_%s_%s ON %s(%s);", t.name, c.name, t.name, c.name))
	}
	return out
}

var (
	tblCitizens = table{name: "citizens", cols: []column{
		{"social_class", "TEXT"},
		{"home", "TEXT"},
		{"workplace", "TEXT"},
		{"is_ai", "BIGINT"},
	}}
	tblBuildings = table{name: "buildings", cols: []column{
		{"type", "TEXT"},
		{"category", "TEXT"},
		{"owner", "TEXT"},
		{"run_by", "TEXT"},
	}}
	tblResources = table{name: "resources", cols: []column{
		{"kind", "TEXT"},
		{"holder_type", "TEXT"},
		{"holder_id", "TEXT"},
		{"owner", "TEXT"},
	}}
	tblContracts = table{name: "contracts", cols: []column{
		{"type", "TEXT"},
		{"seller", "TEXT"},
		{"buyer", "TEXT"},
		{"resource_kind", "TEXT"},
		{"seller_building", "TEXT"},
		{"buyer_building", "TEXT"},
		{"status", "TEXT"},
		{"created_at", "BIGINT"},
	}}
	tblActivities = table{name: "activities", cols: []column{
		{"type", "TEXT"},
		{"citizen", "TEXT"},
		{"status", "TEXT"},
		{"contract_id", "TEXT"},
		{"start_time", "BIGINT"},
		{"end_time", "BIGINT"},
	}}
	tblTransactions = table{name: "transactions", cols: []column{
		{"type", "TEXT"},
		{"seller", "TEXT"},
		{"buyer", "TEXT"},
		{"asset", "TEXT"},
		{"timestamp", "BIGINT"},
	}}
	tblNotifications = table{name: "notifications", cols: []column{
		{"citizen", "TEXT"},
		{"type", "TEXT"},
		{"created_at", "BIGINT"},
	}}
	tblRelationships = table{name: "relationships", cols: []column{
		{"citizen1", "TEXT"},
		{"citizen2", "TEXT"},
	}}

	allTables = []table{tblCitizens, tblBuildings, tblResources, tblContracts, tblActivities, tblTransactions, tblNotifications, tblRelationships}
)

func citizenRow(c model.Citizen) []any {
	return []any{c.SocialClass, c.Home, c.Workplace, normalize(c.IsAI)}
}

func buildingRow(b model.Building) []any {
	return []any{b.Type, b.Category, b.Owner, b.RunBy}
}

func resourceRow(r model.ResourceStack) []any {
	return []any{r.Kind, string(r.HolderType), r.HolderID, r.Owner}
}

func contractRow(c model.Contract) []any {
	return []any{string(c.Type), c.Seller, c.Buyer, c.ResourceKind, c.SellerBuilding, c.BuyerBuilding, string(c.Status), normalize(c.CreatedAt)}
}

func activityRow(a model.Activity) []any {
	return []any{string(a.Type), a.Citizen, string(a.Status), a.ContractID, normalize(a.StartTime), normalize(a.EndTime)}
}

func transactionRow(t model.Transaction) []any {
	return []any{t.Type, t.Seller, t.Buyer, t.Asset, normalize(t.Timestamp)}
}

func notificationRow(n model.Notification) []any {
	return []any{n.Citizen, n.Type, normalize(n.CreatedAt)}
}

func relationshipRow(r model.Relationship) []any {
	return []any{r.Citizen1, r.Citizen2}
}
