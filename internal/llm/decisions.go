package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"citysim.ai/internal/sim/errs"
	"citysim.ai/internal/sim/model"
)

const priceSchemaJSON = `{
  "type": "object",
  "required": ["price"],
  "properties": {
    "price": {"type": "number", "exclusiveMinimum": 0},
    "reason": {"type": "string", "maxLength": 2000}
  }
}`

const rumorSchemaJSON = `{
  "type": "object",
  "required": ["content"],
  "properties": {
    "content": {"type": "string", "minLength": 1, "maxLength": 1000},
    "trust_delta": {"type": "number", "minimum": -5, "maximum": 5}
  }
}`

var (
	priceSchema = jsonschema.MustCompileString("price_decision.schema.json", priceSchemaJSON)
	rumorSchema = jsonschema.MustCompileString("rumor.schema.json", rumorSchemaJSON)
)

// ExtractJSON finds the outermost JSON object in free-form assistant content,
// tolerating prose and code fences around it.
func ExtractJSON(content string) (json.RawMessage, bool) {
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start < 0 || end <= start {
		return nil, false
	}
	raw := json.RawMessage(content[start : end+1])
	if !json.Valid(raw) {
		return nil, false
	}
	return raw, true
}

func decode(content string, s *jsonschema.Schema, out any) error {
	raw, ok := ExtractJSON(content)
	if !ok {
		return fmt.Errorf("llm: no json object in reply: %w", errs.ErrBadRequest)
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return fmt.Errorf("llm: %v: %w", err, errs.ErrBadRequest)
	}
	if err := s.Validate(v); err != nil {
		return fmt.Errorf("llm: %v: %w", err, errs.ErrBadRequest)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("llm: %v: %w", err, errs.ErrBadRequest)
	}
	return nil
}

type PriceDecision struct {
	Price  float64 `json:"price"`
	Reason string  `json:"reason"`
}

// DecidePrice asks for a unit price and accepts it only within [base/4, base*4].
func DecidePrice(ctx context.Context, a Asker, citizen model.Citizen, resource string, base model.Ducats) (model.Ducats, string, error) {
	if a == nil {
		return 0, "", fmt.Errorf("llm: not configured: %w", errs.ErrExternalServiceTimeout)
	}
	msg := fmt.Sprintf("You are %s, a %s of Venice with %s ducats. You are about to offer %s for public sale; "+
		"the usual import price is %s ducats per unit. Reply with JSON {\"price\": <ducats per unit>, \"reason\": <short text>}.",
		citizen.Name, citizen.SocialClass, citizen.Ducats, resource, base)
	reply, err := a.Ask(ctx, Request{
		Channel:   citizen.ID,
		Message:   msg,
		AddSystem: "Answer with a single JSON object and nothing else.",
	})
	if err != nil {
		return 0, "", err
	}
	var d PriceDecision
	if err := decode(reply, priceSchema, &d); err != nil {
		return 0, "", err
	}
	price := model.DucatsFromFloat(d.Price)
	if base > 0 && (price*4 < base || price > base*4) {
		return 0, "", fmt.Errorf("llm: price %s outside sane band around %s: %w", price, base, errs.ErrBadRequest)
	}
	if price <= 0 {
		return 0, "", fmt.Errorf("llm: price rounds to zero: %w", errs.ErrBadRequest)
	}
	return price, strings.TrimSpace(d.Reason), nil
}

type Rumor struct {
	Content    string  `json:"content"`
	TrustDelta float64 `json:"trust_delta"`
}

func ComposeRumor(ctx context.Context, a Asker, speaker, listener model.Citizen) (Rumor, error) {
	if a == nil {
		return Rumor{}, fmt.Errorf("llm: not configured: %w", errs.ErrExternalServiceTimeout)
	}
	msg := fmt.Sprintf("You are %s (%s). You meet %s (%s) in the street. "+
		"Reply with JSON {\"content\": <what you tell them>, \"trust_delta\": <-5..5>}.",
		speaker.Name, speaker.SocialClass, listener.Name, listener.SocialClass)
	reply, err := a.Ask(ctx, Request{
		Channel:   speaker.ID,
		Message:   msg,
		AddSystem: "Answer with a single JSON object and nothing else.",
	})
	if err != nil {
		return Rumor{}, err
	}
	var r Rumor
	if err := decode(reply, rumorSchema, &r); err != nil {
		return Rumor{}, err
	}
	r.Content = strings.TrimSpace(r.Content)
	return r, nil
}
