package model

import (
	"fmt"
	"time"
)

type ContractType string

const (
	ContractPublicSell       ContractType = "public_sell"
	ContractImport           ContractType = "import"
	ContractBuildingPurchase ContractType = "building_purchase"
	ContractService          ContractType = "service"
)

type ContractStatus string

const (
	ContractActive    ContractStatus = "active"
	ContractCompleted ContractStatus = "completed"
	ContractCancelled ContractStatus = "cancelled"
	ContractFailed    ContractStatus = "failed"
)

type Contract struct {
	ID             string         `json:"id"`
	Type           ContractType   `json:"type"`
	Seller         string         `json:"seller"`
	Buyer          string         `json:"buyer"`
	ResourceKind   string         `json:"resource_kind,omitempty"`
	UnitPrice      Ducats         `json:"unit_price"`
	TargetAmount   float64        `json:"target_amount"`
	SellerBuilding string         `json:"seller_building,omitempty"`
	BuyerBuilding  string         `json:"buyer_building,omitempty"`
	Asset          string         `json:"asset,omitempty"`
	Status         ContractStatus `json:"status"`
	FailureReason  string         `json:"failure_reason,omitempty"`
	Notes          string         `json:"notes,omitempty"`

	CreatedAt  time.Time `json:"created_at"`
	ValidFrom  time.Time `json:"valid_from"`
	ValidUntil time.Time `json:"valid_until"`
}

func (c Contract) Validate() error {
	if c.ID == "" || c.Type == "" {
		return fmt.Errorf("contract: missing id or type")
	}
	if c.UnitPrice < 0 || c.TargetAmount < 0 {
		return fmt.Errorf("contract %s: negative price or amount", c.ID)
	}
	if !c.ValidUntil.IsZero() && c.ValidUntil.Before(c.ValidFrom) {
		return fmt.Errorf("contract %s: validity window ends before it starts", c.ID)
	}
	return nil
}

// Effective reports whether the contract is active and inside its validity window.
func (c Contract) Effective(now time.Time) bool {
	if c.Status != ContractActive {
		return false
	}
	if !c.ValidFrom.IsZero() && now.Before(c.ValidFrom) {
		return false
	}
	if !c.ValidUntil.IsZero() && !now.Before(c.ValidUntil) {
		return false
	}
	return true
}

// Standing offers stay active after a sale.
func (c Contract) Standing() bool { return c.Type == ContractPublicSell }

func (c Contract) Price(amount float64) Ducats { return Cost(c.UnitPrice, amount) }

func PublicSellContractID(seller, building, resource string) string {
	return fmt.Sprintf("contract-public-sell-%s-%s-%s", seller, building, resource)
}

func ImportSplitContractID(contractID, galleyID string) string {
	return fmt.Sprintf("%s-part-%s", contractID, galleyID)
}
