package addons

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rcourtman/pulse-licensing/internal/apiclient"
	apperrors "github.com/rcourtman/pulse-licensing/internal/errors"
	"github.com/rcourtman/pulse-licensing/pkg/licensing"
)

// CreditEventKind names a credit lifecycle event.
type CreditEventKind string

const (
	CreditsConsumed     CreditEventKind = "credits_consumed"
	CreditsInsufficient CreditEventKind = "insufficient_credits"
)

// CreditEvent is emitted after every consumption attempt that reached a
// balance decision.
type CreditEvent struct {
	Kind      CreditEventKind `json:"kind"`
	AddonID   string          `json:"addon_id"`
	Operation string          `json:"operation"`
	Cost      int             `json:"cost"`
	Balance   int             `json:"balance"`
	At        time.Time       `json:"timestamp"`
}

// CreditsObserver receives credit events in registration order.
type CreditsObserver interface {
	ObserveCredits(ctx context.Context, ev CreditEvent)
}

// CreditsObserverFunc adapts a function to CreditsObserver.
type CreditsObserverFunc func(ctx context.Context, ev CreditEvent)

func (f CreditsObserverFunc) ObserveCredits(ctx context.Context, ev CreditEvent) { f(ctx, ev) }

// AddObserver appends a credits observer.
func (m *Manager) AddObserver(o CreditsObserver) {
	if o == nil {
		return
	}
	m.observersMu.Lock()
	m.observers = append(m.observers, o)
	m.observersMu.Unlock()
}

func (m *Manager) emit(ctx context.Context, ev CreditEvent) {
	m.observersMu.RLock()
	observers := append([]CreditsObserver(nil), m.observers...)
	m.observersMu.RUnlock()
	for _, o := range observers {
		o.ObserveCredits(ctx, ev)
	}
}

func (m *Manager) creditLock(id string) *sync.Mutex {
	mu, _ := m.creditLocks.LoadOrStore(id, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// CreditBalance returns the local balance for a credit-based addon. Addons
// that never recorded a balance report the default allowance.
func (m *Manager) CreditBalance(ctx context.Context, id string) (int, error) {
	addon, ok := m.catalog.get(id)
	if !ok {
		return 0, apperrors.InvalidInput("credit_balance", fmt.Sprintf("Unknown addon: %s", id))
	}
	if !addon.CreditBased() {
		return 0, nil
	}
	balance, ok, err := m.store.CreditBalance(ctx, id)
	if err != nil {
		return 0, err
	}
	if !ok {
		return m.defaultBalance, nil
	}
	return balance, nil
}

type creditsRequest struct {
	LicenseKey string `json:"license_key"`
	Domain     string `json:"domain"`
	Feature    string `json:"feature"`
	Cost       int    `json:"cost"`
	Context    string `json:"context"`
	Nonce      string `json:"nonce"`
}

type creditsResponse struct {
	Success *bool  `json:"success"`
	Balance *int   `json:"balance"`
	Message string `json:"message"`
}

// ConsumeCredits debits the cost of operation from addon id. cost overrides
// the catalog cost when non-nil. The addon must be active and its base tier
// must still qualify. The debit is all or nothing: it is confirmed by the
// licensing server first and only then applied locally, and a balance below
// cost leaves everything untouched.
func (m *Manager) ConsumeCredits(ctx context.Context, id, operation string, cost *int) (bool, error) {
	const op = "consume_credits"

	addon, ok := m.catalog.get(id)
	if !ok {
		return false, apperrors.InvalidInput(op, fmt.Sprintf("Unknown addon: %s", id))
	}
	if !addon.CreditBased() {
		return true, nil
	}

	amount := 0
	if cost != nil {
		amount = *cost
	} else if c, ok := addon.Cost(operation); ok {
		amount = c
	} else {
		return false, apperrors.InvalidInput(op, fmt.Sprintf("Unknown operation %q for %s", operation, id))
	}
	if amount < 0 {
		return false, apperrors.InvalidInput(op, "Credit cost cannot be negative.")
	}
	if amount == 0 {
		return true, nil
	}

	if !m.ValidateAddonAccess(ctx, id, "") {
		m.logger.Info().Str("addon", id).Str("operation", operation).Msg("Credit consumption refused for unavailable addon")
		return false, apperrors.AddonUnavailable(op, id)
	}

	mu := m.creditLock(id)
	mu.Lock()
	defer mu.Unlock()

	balance, err := m.CreditBalance(ctx, id)
	if err != nil {
		return false, err
	}
	if balance < amount {
		m.insufficient(ctx, id, operation, amount, balance)
		return false, apperrors.InsufficientCredits(id, amount, balance)
	}

	key, ok, err := m.store.Secret(ctx, secretName(id))
	if err != nil {
		return false, fmt.Errorf("read addon key: %w", err)
	}
	if !ok || key == "" {
		return false, apperrors.New(apperrors.KindClient, op, id+" is not activated.", nil)
	}

	callCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	var resp creditsResponse
	err = m.client.DoJSON(callCtx, apiclient.Request{
		Method: http.MethodPost,
		Path:   CreditsUsePath,
		Body: creditsRequest{
			LicenseKey: key,
			Domain:     m.domain,
			Feature:    id,
			Cost:       amount,
			Context:    operation,
			Nonce:      ulid.Make().String(),
		},
	}, &resp)
	if err != nil {
		m.logger.Warn().Err(err).Str("addon", id).Str("operation", operation).Msg("Remote credit debit failed")
		return false, err
	}
	// The server has answered; local bookkeeping must not die with the caller.
	localCtx := context.WithoutCancel(ctx)
	if resp.Success == nil || !*resp.Success {
		if resp.Balance != nil && *resp.Balance >= 0 {
			if err := m.store.SetCreditBalance(localCtx, id, *resp.Balance); err != nil {
				m.logger.Warn().Err(err).Str("addon", id).Msg("Failed to sync credit balance")
			}
			if *resp.Balance < amount {
				m.insufficient(ctx, id, operation, amount, *resp.Balance)
				return false, apperrors.InsufficientCredits(id, amount, *resp.Balance)
			}
		}
		msg := resp.Message
		if msg == "" {
			msg = "Credit consumption was refused by the licensing server."
		}
		return false, apperrors.FromStatus("POST "+CreditsUsePath, http.StatusUnprocessableEntity, "credits_refused", msg)
	}

	next := balance - amount
	if resp.Balance != nil && *resp.Balance >= 0 {
		next = *resp.Balance
	}
	if err := m.commitBalance(localCtx, id, balance, next); err != nil {
		m.logger.Error().Err(err).Str("addon", id).Msg("Remote debit succeeded but local balance update failed")
		return true, nil
	}

	if m.metrics != nil {
		m.metrics.RecordCreditsConsumed(id, operation, amount)
	}
	m.logger.Debug().Str("addon", id).Str("operation", operation).Int("cost", amount).Int("balance", next).Msg("Credits consumed")
	m.emit(ctx, CreditEvent{Kind: CreditsConsumed, AddonID: id, Operation: operation, Cost: amount, Balance: next, At: m.now()})
	return true, nil
}

func (m *Manager) commitBalance(ctx context.Context, id string, prev, next int) error {
	_, ok, err := m.store.CreditBalance(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return m.store.SetCreditBalance(ctx, id, next)
	}
	swapped, err := m.store.SwapCreditBalance(ctx, id, prev, next)
	if err != nil {
		return err
	}
	if !swapped {
		return m.store.SetCreditBalance(ctx, id, next)
	}
	return nil
}

func (m *Manager) insufficient(ctx context.Context, id, operation string, cost, balance int) {
	if m.metrics != nil {
		m.metrics.RecordInsufficientCredits(id)
	}
	m.logger.Info().Str("addon", id).Str("operation", operation).Int("cost", cost).Int("balance", balance).Msg("Insufficient credits")
	m.emit(ctx, CreditEvent{Kind: CreditsInsufficient, AddonID: id, Operation: operation, Cost: cost, Balance: balance, At: m.now()})
}

// Pricing is the purchase offer for an addon.
type Pricing struct {
	AddonID     string  `json:"addon_id"`
	Name        string  `json:"name"`
	BasePrice   int     `json:"base_price"`
	Discount    int     `json:"discount"`
	FinalPrice  float64 `json:"final_price"`
	Currency    string  `json:"currency"`
	PurchaseURL string  `json:"purchase_url"`
}

const addonBasePrice = 99

// Pricing returns the offer for addon id given the base tier. Agency
// licenses get a volume discount.
func (m *Manager) Pricing(id string, baseTier licensing.Tier) (Pricing, bool) {
	addon, ok := m.catalog.get(id)
	if !ok {
		return Pricing{}, false
	}
	if baseTier == "" {
		baseTier = licensing.TierPro
	}
	discount := 0
	if baseTier == licensing.TierAgency {
		discount = 15
		if id == AddonAutomationAgents {
			discount = 20
		}
	}
	final := float64(addonBasePrice) * (1 - float64(discount)/100)
	return Pricing{
		AddonID:     id,
		Name:        addon.Name,
		BasePrice:   addonBasePrice,
		Discount:    discount,
		FinalPrice:  math.Round(final*100) / 100,
		Currency:    "USD",
		PurchaseURL: m.purchaseLink(id, baseTier),
	}, true
}

func (m *Manager) purchaseLink(id string, baseTier licensing.Tier) string {
	u, err := url.Parse(strings.TrimSuffix(m.purchaseURL, "/") + "/" + url.PathEscape(id) + "/")
	if err != nil {
		return ""
	}
	q := u.Query()
	q.Set("tier", string(baseTier))
	q.Set("utm_source", "plugin")
	q.Set("utm_medium", "addon_prompt")
	q.Set("utm_campaign", "addon_purchase")
	u.RawQuery = q.Encode()
	return u.String()
}
