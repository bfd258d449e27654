package ledger

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"citysim.ai/internal/persistence/recordstore"
	"citysim.ai/internal/sim/errs"
	"citysim.ai/internal/sim/model"
	"citysim.ai/internal/sim/resources"
)

const epsilon = 1e-9

// PublicBuyer marks an open offer that anyone may accept.
const PublicBuyer = "public"

type AuditSink interface {
	WriteAudit(model.AuditEntry) error
}

type Ledger struct {
	store recordstore.Store
	res   *resources.Engine
	log   *log.Logger
	audit AuditSink
}

func New(s recordstore.Store, res *resources.Engine, logger *log.Logger, audit AuditSink) *Ledger {
	return &Ledger{store: s, res: res, log: logger, audit: audit}
}

type SettleRequest struct {
	ContractID string
	// Executor is the citizen carrying out the settlement; it is the buyer of open offers.
	Executor string
	// Amount of the resource to settle; <= 0 means the contract's target amount.
	Amount float64
	// Deliver is where purchased goods go; zero means the buyer's own inventory.
	Deliver model.Holder
	Now     time.Time
}

type Settlement struct {
	Contract    model.Contract
	Buyer       string
	Seller      string
	Amount      float64
	Price       model.Ducats
	Transaction *model.Transaction
}

func (l *Ledger) logf(format string, args ...any) {
	if l.log != nil {
		l.log.Printf(format, args...)
	}
}

func (l *Ledger) writeAudit(now time.Time, a model.AuditEntry) {
	if l.audit == nil {
		return
	}
	a.Time = now.UTC()
	if err := l.audit.WriteAudit(a); err != nil {
		l.logf("audit write: %v", err)
	}
}

// Settle pays for a contract and moves its asset. Checks run before any
// mutation; a buyer who cannot pay fails the contract (open offers stay up).
// Once money has moved a failed transaction write is logged, not undone.
func (l *Ledger) Settle(ctx context.Context, req SettleRequest) (Settlement, error) {
	var out Settlement
	c, err := l.store.GetContract(ctx, req.ContractID)
	if err != nil {
		return out, err
	}
	out.Contract = c
	if !c.Effective(req.Now) {
		return out, fmt.Errorf("contract %s is %s: %w", c.ID, c.Status, errs.ErrConcurrentStateChange)
	}

	buyerID := c.Buyer
	if buyerID == "" || buyerID == PublicBuyer {
		buyerID = req.Executor
	}
	if buyerID == "" {
		return out, fmt.Errorf("contract %s: no buyer: %w", c.ID, errs.ErrBadRequest)
	}
	if buyerID == c.Seller {
		return out, fmt.Errorf("contract %s: buyer is the seller: %w", c.ID, errs.ErrBadRequest)
	}
	out.Buyer, out.Seller = buyerID, c.Seller

	buyer, err := l.store.GetCitizen(ctx, buyerID)
	if err != nil {
		return out, err
	}

	amount := req.Amount
	if c.Type == model.ContractBuildingPurchase {
		amount = 1
	} else if amount <= 0 || (!c.Standing() && amount > c.TargetAmount) {
		amount = c.TargetAmount
	}
	price := c.Price(amount)
	if c.Type == model.ContractBuildingPurchase {
		price = c.UnitPrice
	}

	if buyer.Ducats < price {
		err := fmt.Errorf("%s has %s ducats, contract %s costs %s: %w", buyerID, buyer.Ducats, c.ID, price, errs.ErrInsufficientFunds)
		l.failContract(ctx, c, err, req.Now)
		l.notify(ctx, buyerID, "contract_failed", fmt.Sprintf("Could not pay %s ducats for %s: insufficient funds.", price, describe(c)), req.Now)
		return out, err
	}

	// Asset leg.
	var undoAsset func() error
	switch c.Type {
	case model.ContractBuildingPurchase:
		undoAsset, err = l.moveBuilding(ctx, c, buyerID)
	default:
		var moved float64
		moved, undoAsset, err = l.moveGoods(ctx, c, buyerID, amount, req)
		if err == nil && moved+epsilon < amount {
			amount = moved
			price = c.Price(amount)
		}
	}
	if err != nil {
		if !errors.Is(err, errs.ErrCapacityExceeded) {
			l.failContract(ctx, c, err, req.Now)
		}
		l.writeAudit(req.Now, model.AuditEntry{Action: model.AuditSettleFailed, Code: errs.Code(err), Reason: err.Error(), ContractID: c.ID, Citizen: buyerID, Price: price})
		return out, err
	}

	// Money legs.
	if err := l.debit(ctx, buyerID, price, req.Now); err != nil {
		l.compensate(undoAsset, c.ID)
		l.writeAudit(req.Now, model.AuditEntry{Action: model.AuditSettleFailed, Code: errs.Code(err), Reason: err.Error(), ContractID: c.ID, Citizen: buyerID, Price: price})
		return out, fmt.Errorf("debit %s: %w", buyerID, err)
	}
	if err := l.credit(ctx, c.Seller, price, req.Now); err != nil {
		if rerr := l.credit(ctx, buyerID, price, req.Now); rerr != nil {
			l.logf("ledger: refund %s %s for %s failed: %v", buyerID, price, c.ID, rerr)
		}
		l.compensate(undoAsset, c.ID)
		l.writeAudit(req.Now, model.AuditEntry{Action: model.AuditSettleFailed, Code: errs.Code(err), Reason: err.Error(), ContractID: c.ID, Citizen: c.Seller, Price: price})
		return out, fmt.Errorf("credit %s: %w", c.Seller, err)
	}

	// Contract leg. Balances are final from here on.
	if !c.Standing() {
		remaining := c.TargetAmount - amount
		if c.Type == model.ContractBuildingPurchase || remaining <= epsilon {
			c.Status = model.ContractCompleted
		} else {
			c.TargetAmount = remaining
		}
		if err := l.store.PutContract(ctx, c); err != nil {
			l.logf("ledger: contract %s update after settlement failed: %v", c.ID, err)
		}
	}
	out.Contract = c
	out.Amount = amount
	out.Price = price

	tx := model.Transaction{
		ID:        uuid.NewString(),
		Type:      string(c.Type),
		AssetKind: "resource",
		Asset:     c.ResourceKind,
		Seller:    c.Seller,
		Buyer:     buyerID,
		Price:     price,
		Amount:    amount,
		Notes:     c.ID,
		Timestamp: req.Now.UTC(),
	}
	if c.Type == model.ContractBuildingPurchase {
		tx.AssetKind = "building"
		tx.Asset = c.Asset
	}
	if err := l.store.CreateTransaction(ctx, tx); err != nil {
		l.logf("ledger: transaction for %s not recorded: %v", c.ID, err)
		l.writeAudit(req.Now, model.AuditEntry{Action: model.AuditTxWriteFailed, Reason: err.Error(), ContractID: c.ID, From: buyerID, To: c.Seller, Price: price})
	} else {
		out.Transaction = &tx
	}
	l.writeAudit(req.Now, model.AuditEntry{Action: model.AuditSettle, ContractID: c.ID, From: buyerID, To: c.Seller, Kind: tx.Asset, Amount: amount, Price: price})
	return out, nil
}

func (l *Ledger) compensate(undo func() error, contractID string) {
	if undo == nil {
		return
	}
	if err := undo(); err != nil {
		l.logf("ledger: asset rollback for %s failed: %v", contractID, err)
	}
}

func (l *Ledger) moveGoods(ctx context.Context, c model.Contract, buyerID string, amount float64, req SettleRequest) (float64, func() error, error) {
	if c.ResourceKind == "" {
		return 0, nil, fmt.Errorf("contract %s: no resource kind: %w", c.ID, errs.ErrBadRequest)
	}
	from := model.CitizenHolder(c.Seller)
	if c.SellerBuilding != "" {
		from = model.BuildingHolder(c.SellerBuilding)
	}
	to := req.Deliver
	if to.ID == "" {
		to = model.CitizenHolder(buyerID)
	}
	res, err := l.res.Transfer(ctx, resources.Move{
		Kind:      c.ResourceKind,
		Amount:    amount,
		From:      from,
		FromOwner: c.Seller,
		To:        to,
		ToOwner:   buyerID,
	})
	if err != nil {
		return 0, nil, err
	}
	undo := func() error {
		_, err := l.res.Transfer(ctx, resources.Move{
			Kind:      c.ResourceKind,
			Amount:    res.Moved,
			From:      to,
			FromOwner: buyerID,
			To:        from,
			ToOwner:   c.Seller,
		})
		return err
	}
	return res.Moved, undo, nil
}

func (l *Ledger) moveBuilding(ctx context.Context, c model.Contract, buyerID string) (func() error, error) {
	b, err := l.store.GetBuilding(ctx, c.Asset)
	if err != nil {
		return nil, err
	}
	if b.Owner != c.Seller {
		return nil, fmt.Errorf("building %s is owned by %q, not seller %q: %w", b.ID, b.Owner, c.Seller, errs.ErrConcurrentStateChange)
	}
	prev := b
	b.Owner = buyerID
	if b.RunBy == "" || b.RunBy == c.Seller {
		b.RunBy = buyerID
	}
	if err := l.store.PutBuilding(ctx, b); err != nil {
		return nil, err
	}
	return func() error { return l.store.PutBuilding(ctx, prev) }, nil
}

func (l *Ledger) debit(ctx context.Context, id string, amt model.Ducats, now time.Time) error {
	if amt == 0 {
		return nil
	}
	c, err := l.store.GetCitizen(ctx, id)
	if err != nil {
		return err
	}
	// The balance may have changed since the solvency check.
	if c.Ducats < amt {
		return fmt.Errorf("%s has %s, needs %s: %w", id, c.Ducats, amt, errs.ErrInsufficientFunds)
	}
	c.Ducats -= amt
	c.DailyTurnover += amt
	c.UpdatedAt = now.UTC()
	return l.store.PutCitizen(ctx, c)
}

// credit pays a citizen. Sellers unknown to the store (foreign merchants) are a sink.
func (l *Ledger) credit(ctx context.Context, id string, amt model.Ducats, now time.Time) error {
	if amt == 0 || id == "" {
		return nil
	}
	c, err := l.store.GetCitizen(ctx, id)
	if errors.Is(err, errs.ErrRecordNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	c.Ducats += amt
	c.DailyIncome += amt
	c.DailyTurnover += amt
	c.UpdatedAt = now.UTC()
	return l.store.PutCitizen(ctx, c)
}

func (l *Ledger) failContract(ctx context.Context, c model.Contract, cause error, now time.Time) {
	if c.Standing() {
		return
	}
	c.Status = model.ContractFailed
	c.FailureReason = cause.Error()
	if err := l.store.PutContract(ctx, c); err != nil {
		l.logf("ledger: mark contract %s failed: %v", c.ID, err)
	}
	l.writeAudit(now, model.AuditEntry{Action: model.AuditSettleFailed, Code: errs.Code(cause), Reason: cause.Error(), ContractID: c.ID})
}

func (l *Ledger) notify(ctx context.Context, citizen, typ, content string, now time.Time) {
	if citizen == "" {
		return
	}
	n := model.Notification{ID: uuid.NewString(), Citizen: citizen, Type: typ, Content: content, CreatedAt: now.UTC()}
	if err := l.store.CreateNotification(ctx, n); err != nil {
		l.logf("ledger: notify %s: %v", citizen, err)
	}
}

// Notify is exposed for processors that report financially significant failures.
func (l *Ledger) Notify(ctx context.Context, citizen, typ, content string, now time.Time) {
	l.notify(ctx, citizen, typ, content, now)
}

// Pay moves money between citizens without a contract (tickets, wages, lodging).
// An empty or unknown payee is a sink. The transaction is recorded best-effort.
func (l *Ledger) Pay(ctx context.Context, from, to string, amount model.Ducats, txType, asset string, now time.Time) (model.Transaction, error) {
	if amount < 0 {
		return model.Transaction{}, fmt.Errorf("negative payment: %w", errs.ErrBadRequest)
	}
	if from == to {
		return model.Transaction{}, nil
	}
	if err := l.debit(ctx, from, amount, now); err != nil {
		l.writeAudit(now, model.AuditEntry{Action: model.AuditSettleFailed, Code: errs.Code(err), Reason: err.Error(), From: from, To: to, Kind: asset, Price: amount})
		return model.Transaction{}, err
	}
	if err := l.credit(ctx, to, amount, now); err != nil {
		if rerr := l.credit(ctx, from, amount, now); rerr != nil {
			l.logf("ledger: refund %s %s failed: %v", from, amount, rerr)
		}
		return model.Transaction{}, fmt.Errorf("credit %s: %w", to, err)
	}
	tx := model.Transaction{
		ID:        uuid.NewString(),
		Type:      txType,
		AssetKind: "service",
		Asset:     asset,
		Seller:    to,
		Buyer:     from,
		Price:     amount,
		Timestamp: now.UTC(),
	}
	if err := l.store.CreateTransaction(ctx, tx); err != nil {
		l.logf("ledger: transaction %s not recorded: %v", txType, err)
		l.writeAudit(now, model.AuditEntry{Action: model.AuditTxWriteFailed, Reason: err.Error(), From: from, To: to, Price: amount})
	}
	l.writeAudit(now, model.AuditEntry{Action: model.AuditPay, From: from, To: to, Kind: asset, Price: amount})
	return tx, nil
}

func describe(c model.Contract) string {
	switch c.Type {
	case model.ContractBuildingPurchase:
		return "building " + c.Asset
	default:
		if c.ResourceKind != "" {
			return fmt.Sprintf("%.0f %s", c.TargetAmount, c.ResourceKind)
		}
		return "contract " + c.ID
	}
}
