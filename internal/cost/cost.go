// Package cost resolves per-model token pricing, converts token counts to USD
// with fixed-point rounding, and answers monthly budget questions.
package cost

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/Sapphire-Bridge/rag-foundation/internal/config"
)

// Precision is the smallest representable USD unit (one micro-dollar).
var Precision = decimal.New(1, -6)

var mtok = decimal.NewFromInt(1_000_000)

// SpendLedger aggregates QueryLog spend for a user.
type SpendLedger interface {
	SumCostSince(ctx context.Context, userID uint, since time.Time) (decimal.Decimal, error)
}

// BudgetSource reads (and best-effort locks) the per-user budget row.
type BudgetSource interface {
	// MonthlyLimit returns (limit, true) when a budget row exists. No row
	// means unlimited spend.
	MonthlyLimit(ctx context.Context, userID uint) (decimal.Decimal, bool, error)
	// LockRow takes a row-level lock on the budget row where the dialect
	// supports it. Callers treat failure as a degraded, non-fatal condition.
	LockRow(ctx context.Context, userID uint) error
}

// Rates is the fully resolved per-MTok pricing for one model.
type Rates struct {
	InputPrice  float64
	OutputPrice float64
	IndexPrice  float64
}

// QueryCost is the priced result of one chat turn. Total is the rounded sum
// of the two already-rounded parts, not a single rounding at the end.
type QueryCost struct {
	Model            string
	PromptTokens     int64
	CompletionTokens int64
	PromptCost       decimal.Decimal
	CompletionCost   decimal.Decimal
	Total            decimal.Decimal
}

type Engine struct {
	models   map[string]config.ModelRates
	pricing  config.PricingConfig
	defModel string
	ledger   SpendLedger
	budgets  BudgetSource
	now      func() time.Time
	log      zerolog.Logger

	lockDegraded sync.Once
}

func NewEngine(cfg *config.Config, ledger SpendLedger, budgets BudgetSource, log zerolog.Logger) *Engine {
	return &Engine{
		models:   cfg.Models,
		pricing:  cfg.Pricing,
		defModel: cfg.Chat.DefaultModel,
		ledger:   ledger,
		budgets:  budgets,
		now:      time.Now,
		log:      log,
	}
}

// quantize rounds half-up to six decimal places, flooring a strictly-positive
// value that would round to zero at the smallest representable unit so tiny
// costs are never lost.
func quantize(v decimal.Decimal) decimal.Decimal {
	q := v.Round(6)
	if v.IsPositive() && q.IsZero() {
		return Precision
	}
	return q
}

// ResolveModelRates looks up pricing for a model: exact key first, then the
// longest registered prefix (excluding "default"), then the "default" entry.
// Each price field missing from the matched entry falls back to the explicit
// env override when one was set, else the default entry's field, else the
// legacy flat price.
func (e *Engine) ResolveModelRates(model string) Rates {
	entry, ok := e.models[model]
	if !ok {
		best := ""
		for key := range e.models {
			if key == "default" {
				continue
			}
			if strings.HasPrefix(model, key) && len(key) > len(best) {
				best = key
			}
		}
		if best != "" {
			entry = e.models[best]
		} else {
			entry = e.models["default"]
		}
	}
	def := e.models["default"]

	return Rates{
		InputPrice:  resolveField(entry.InputPrice, def.InputPrice, e.pricing.OverrideInput, e.pricing.InputPerMTok),
		OutputPrice: resolveField(entry.OutputPrice, def.OutputPrice, e.pricing.OverrideOutput, e.pricing.OutputPerMTok),
		IndexPrice:  resolveField(entry.IndexPrice, def.IndexPrice, e.pricing.OverrideIndex, e.pricing.IndexPerMTok),
	}
}

func resolveField(matched, def *float64, overridden bool, legacy float64) float64 {
	if matched != nil {
		return *matched
	}
	if overridden {
		return legacy
	}
	if def != nil {
		return *def
	}
	return legacy
}

func tokensCost(tokens int64, pricePerMTok float64) decimal.Decimal {
	if tokens < 0 {
		tokens = 0
	}
	price := decimal.NewFromFloat(pricePerMTok)
	return quantize(decimal.NewFromInt(tokens).Div(mtok).Mul(price))
}

func (e *Engine) CalcQueryCost(model string, promptTokens, completionTokens int64) QueryCost {
	if promptTokens < 0 {
		promptTokens = 0
	}
	if completionTokens < 0 {
		completionTokens = 0
	}
	rates := e.ResolveModelRates(model)
	promptCost := tokensCost(promptTokens, rates.InputPrice)
	completionCost := tokensCost(completionTokens, rates.OutputPrice)
	return QueryCost{
		Model:            model,
		PromptTokens:     promptTokens,
		CompletionTokens: completionTokens,
		PromptCost:       promptCost,
		CompletionCost:   completionCost,
		Total:            quantize(promptCost.Add(completionCost)),
	}
}

func (e *Engine) CalcIndexCost(tokens int64, model string) decimal.Decimal {
	if model == "" {
		model = e.defModel
	}
	rates := e.ResolveModelRates(model)
	return tokensCost(tokens, rates.IndexPrice)
}

// PricingConfigured reports whether the default model resolves to non-zero
// prices for all three fields. Chat refuses to serve when it does not.
func (e *Engine) PricingConfigured() bool {
	rates := e.ResolveModelRates(e.defModel)
	return rates.InputPrice > 0 && rates.OutputPrice > 0 && rates.IndexPrice > 0
}

// EstimateTokensFromBytes estimates tokens with light modality awareness:
// images tokenize under a flat ceiling, compressed audio at roughly 10k
// tokens per MB, everything else at ~4 bytes per token.
func EstimateTokensFromBytes(n int64, mimeType string) int64 {
	if n <= 0 {
		return 0
	}
	mt := strings.ToLower(mimeType)
	switch {
	case strings.HasPrefix(mt, "image/"):
		return 1200
	case strings.HasPrefix(mt, "audio/"):
		est := int64(float64(n) / (1 << 20) * 10000)
		if est < 1000 {
			return 1000
		}
		return est
	}
	return n / 4
}

// EstimateTokensFromText is the crude chat-budgeting heuristic used when the
// upstream SDK provides no usage metadata mid-stream. It can under- or
// over-count for non-ASCII content.
func EstimateTokensFromText(s string) int64 {
	if s == "" {
		return 0
	}
	est := int64(len(s) / 4)
	if est < 1 {
		return 1
	}
	return est
}

// MonthStart returns the first instant of the current calendar month in UTC.
func (e *Engine) MonthStart() time.Time {
	now := e.now().UTC()
	return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
}

func (e *Engine) MonthToDateSpend(ctx context.Context, userID uint) (decimal.Decimal, error) {
	return e.ledger.SumCostSince(ctx, userID, e.MonthStart())
}

// UserBudget returns the user's monthly limit, or ok=false when no budget row
// exists (unlimited).
func (e *Engine) UserBudget(ctx context.Context, userID uint) (decimal.Decimal, bool, error) {
	return e.budgets.MonthlyLimit(ctx, userID)
}

// WouldExceedBudget reports whether month-to-date spend plus addCost crosses
// the user's limit. Users without a budget row never exceed.
func (e *Engine) WouldExceedBudget(ctx context.Context, userID uint, addCost decimal.Decimal) (bool, error) {
	limit, ok, err := e.budgets.MonthlyLimit(ctx, userID)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	spend, err := e.MonthToDateSpend(ctx, userID)
	if err != nil {
		return false, err
	}
	return spend.Add(addCost).GreaterThan(limit), nil
}

// AcquireBudgetLock best-effort serializes concurrent budget checks for one
// user. Lock failure never aborts the request; the degraded path is logged
// once per process so operators can see it happening.
func (e *Engine) AcquireBudgetLock(ctx context.Context, userID uint) {
	if err := e.budgets.LockRow(ctx, userID); err != nil {
		e.lockDegraded.Do(func() {
			e.log.Warn().Err(err).Msg("budget row locking unavailable, budget checks degrade to best-effort")
		})
	}
}
