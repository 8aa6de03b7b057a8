// Package usage prices completed requests and emits structured usage
// reports. All money math runs on arbitrary-precision decimals; binary
// floats never touch a price.
package usage

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// TextTier holds per-token prices for one pricing tier, denominated per
// ModelPricing.Text.PricePer tokens.
type TextTier struct {
	Prompt     json.Number `json:"prompt"`
	Completion json.Number `json:"completion"`
}

// TextPricing prices text tokens.
type TextPricing struct {
	PricePer json.Number         `json:"pricePer"`
	Tiers    map[string]TextTier `json:"tiers"`
}

// ModelPricing is the pricing block carried inside model metadata. Prices
// arrive as json.Number so their decimal representation survives decoding.
type ModelPricing struct {
	ResaleMargin json.Number                       `json:"resaleMargin"`
	Text         TextPricing                       `json:"text"`
	Image        map[string]map[string]json.Number `json:"image"`
}

// TokenUsage is the token breakdown collected from a vendor stream.
type TokenUsage struct {
	PromptTokens              int64 `json:"promptTokens"`
	PromptAudioTokens         int64 `json:"promptAudioTokens"`
	PromptCachedTokens        int64 `json:"promptCachedTokens"`
	CompletionTokens          int64 `json:"completionTokens"`
	CompletionAudioTokens     int64 `json:"completionAudioTokens"`
	CompletionReasoningTokens int64 `json:"completionReasoningTokens"`
	TotalTokens               int64 `json:"totalTokens"`
}

// TokenLeg is one priced leg (prompt or completion) of a token report.
type TokenLeg struct {
	UsageTokens     int64  `json:"usageTokens"`
	CachedTokens    int64  `json:"cachedTokens,omitempty"`
	AudioTokens     int64  `json:"audioTokens,omitempty"`
	ReasoningTokens int64  `json:"reasoningTokens,omitempty"`
	PurchasedFor    string `json:"purchasedFor"`
	SoldToClientFor string `json:"soldToClientFor"`
}

// TokenReport is the priced report for one request's token usage.
type TokenReport struct {
	ReportID                 string         `json:"reportId"`
	EventMeta                map[string]any `json:"eventMeta"`
	AIModel                  string         `json:"aiModel"`
	AIVendorRequestID        string         `json:"aiVendorRequestId"`
	AIRequestReceivedAt      int64          `json:"aiRequestReceivedAt"`
	AIRequestFinishedAt      int64          `json:"aiRequestFinishedAt"`
	TextPricePer             string         `json:"textPricePer"`
	TextPromptPrice          string         `json:"textPromptPrice"`
	TextCompletionPrice      string         `json:"textCompletionPrice"`
	TextPromptPriceResale    string         `json:"textPromptPriceResale"`
	TextCompletionPriceResale string        `json:"textCompletionPriceResale"`
	Prompt                   TokenLeg       `json:"prompt"`
	Completion               TokenLeg       `json:"completion"`
	Total                    TokenLeg       `json:"total"`
}

// ImageReport is the priced report for one request's image generations.
type ImageReport struct {
	ReportID            string         `json:"reportId"`
	EventMeta           map[string]any `json:"eventMeta"`
	AIModel             string         `json:"aiModel"`
	AIVendorRequestID   string         `json:"aiVendorRequestId"`
	AIRequestReceivedAt int64          `json:"aiRequestReceivedAt"`
	AIRequestFinishedAt int64          `json:"aiRequestFinishedAt"`
	ImageSize           string         `json:"imageSize"`
	ImageQuality        string         `json:"imageQuality"`
	PurchasedFor        string         `json:"purchasedFor"`
	SoldToClientFor     string         `json:"soldToClientFor"`
}

// defaultImagePrice covers sizes absent from the pricing table.
var defaultImagePrice = decimal.RequireFromString("0.04")

// Sink receives finished reports. The production sink logs them until the
// usage subject lands.
type Sink interface {
	EmitTokenReport(report TokenReport)
	EmitImageReport(report ImageReport)
}

// LogSink writes reports to the service log.
type LogSink struct {
	Logger *zap.Logger
}

func (s LogSink) EmitTokenReport(report TokenReport) {
	s.Logger.Info("Token usage report",
		zap.String("reportId", report.ReportID),
		zap.String("aiModel", report.AIModel),
		zap.Int64("totalTokens", report.Total.UsageTokens),
		zap.String("totalPurchasedFor", report.Total.PurchasedFor),
		zap.String("totalSoldToClientFor", report.Total.SoldToClientFor))
}

func (s LogSink) EmitImageReport(report ImageReport) {
	s.Logger.Info("Image usage report",
		zap.String("reportId", report.ReportID),
		zap.String("aiModel", report.AIModel),
		zap.String("size", report.ImageSize),
		zap.String("quality", report.ImageQuality),
		zap.String("purchasedFor", report.PurchasedFor),
		zap.String("soldToClientFor", report.SoldToClientFor))
}

// Reporter prices usage and hands reports to the sink. Reporting failures
// are surfaced as errors for the caller to log; they never abort a request.
type Reporter struct {
	sink   Sink
	logger *zap.Logger
}

// NewReporter builds a Reporter. A nil sink falls back to logging.
func NewReporter(sink Sink, logger *zap.Logger) *Reporter {
	if sink == nil {
		sink = LogSink{Logger: logger}
	}
	return &Reporter{sink: sink, logger: logger}
}

// ReportTokensUsage prices token usage and emits one TokenReport.
func (r *Reporter) ReportTokensUsage(
	eventMeta map[string]any,
	pricing ModelPricing,
	provider, model, vendorRequestID string,
	tokens TokenUsage,
	receivedAt, finishedAt int64,
) error {
	resaleMargin, err := decimalFromNumber(pricing.ResaleMargin, "1.0")
	if err != nil {
		return fmt.Errorf("parse resaleMargin: %w", err)
	}
	pricePer, err := decimalFromNumber(pricing.Text.PricePer, "1000000")
	if err != nil {
		return fmt.Errorf("parse pricePer: %w", err)
	}
	if pricePer.IsZero() {
		return fmt.Errorf("pricePer must be non-zero")
	}

	tier := pricing.Text.Tiers["default"]
	promptPrice, err := decimalFromNumber(tier.Prompt, "0")
	if err != nil {
		return fmt.Errorf("parse prompt price: %w", err)
	}
	completionPrice, err := decimalFromNumber(tier.Completion, "0")
	if err != nil {
		return fmt.Errorf("parse completion price: %w", err)
	}

	promptResale := promptPrice.Mul(resaleMargin)
	completionResale := completionPrice.Mul(resaleMargin)

	promptTokens := decimal.NewFromInt(tokens.PromptTokens)
	completionTokens := decimal.NewFromInt(tokens.CompletionTokens)

	promptPurchasedFor := promptPrice.Div(pricePer).Mul(promptTokens)
	promptSoldFor := promptResale.Div(pricePer).Mul(promptTokens)
	completionPurchasedFor := completionPrice.Div(pricePer).Mul(completionTokens)
	completionSoldFor := completionResale.Div(pricePer).Mul(completionTokens)

	report := TokenReport{
		ReportID:                  uuid.NewString(),
		EventMeta:                 eventMeta,
		AIModel:                   provider + ":" + model,
		AIVendorRequestID:         vendorRequestID,
		AIRequestReceivedAt:       receivedAt,
		AIRequestFinishedAt:       finishedAt,
		TextPricePer:              pricePer.String(),
		TextPromptPrice:           promptPrice.String(),
		TextCompletionPrice:       completionPrice.String(),
		TextPromptPriceResale:     promptResale.String(),
		TextCompletionPriceResale: completionResale.String(),
		Prompt: TokenLeg{
			UsageTokens:     tokens.PromptTokens,
			CachedTokens:    tokens.PromptCachedTokens,
			AudioTokens:     tokens.PromptAudioTokens,
			PurchasedFor:    promptPurchasedFor.String(),
			SoldToClientFor: promptSoldFor.String(),
		},
		Completion: TokenLeg{
			UsageTokens:     tokens.CompletionTokens,
			ReasoningTokens: tokens.CompletionReasoningTokens,
			AudioTokens:     tokens.CompletionAudioTokens,
			PurchasedFor:    completionPurchasedFor.String(),
			SoldToClientFor: completionSoldFor.String(),
		},
		Total: TokenLeg{
			UsageTokens:     tokens.TotalTokens,
			PurchasedFor:    promptPurchasedFor.Add(completionPurchasedFor).String(),
			SoldToClientFor: promptSoldFor.Add(completionSoldFor).String(),
		},
	}

	r.sink.EmitTokenReport(report)
	return nil
}

// ReportImageUsage prices one image generation and emits an ImageReport.
// Missing quality tiers fall back to "high"; unknown sizes fall back to a
// flat default price.
func (r *Reporter) ReportImageUsage(
	eventMeta map[string]any,
	pricing ModelPricing,
	provider, model, vendorRequestID string,
	size, quality string,
	receivedAt, finishedAt int64,
) error {
	resaleMargin, err := decimalFromNumber(pricing.ResaleMargin, "1.0")
	if err != nil {
		return fmt.Errorf("parse resaleMargin: %w", err)
	}

	price, err := r.lookupImagePrice(pricing, size, quality)
	if err != nil {
		return err
	}

	report := ImageReport{
		ReportID:            uuid.NewString(),
		EventMeta:           eventMeta,
		AIModel:             provider + ":" + model,
		AIVendorRequestID:   vendorRequestID,
		AIRequestReceivedAt: receivedAt,
		AIRequestFinishedAt: finishedAt,
		ImageSize:           size,
		ImageQuality:        quality,
		PurchasedFor:        price.String(),
		SoldToClientFor:     price.Mul(resaleMargin).String(),
	}

	r.sink.EmitImageReport(report)
	return nil
}

func (r *Reporter) lookupImagePrice(pricing ModelPricing, size, quality string) (decimal.Decimal, error) {
	bySize, ok := pricing.Image[size]
	if !ok {
		r.logger.Warn("No image pricing for size, using default price",
			zap.String("size", size),
			zap.String("defaultPrice", defaultImagePrice.String()))
		return defaultImagePrice, nil
	}
	n, ok := bySize[quality]
	if !ok {
		n, ok = bySize["high"]
		if !ok {
			return decimal.Decimal{}, fmt.Errorf("no image price for size %q quality %q", size, quality)
		}
	}
	price, err := decimalFromNumber(n, "0")
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("parse image price: %w", err)
	}
	return price, nil
}

func decimalFromNumber(n json.Number, fallback string) (decimal.Decimal, error) {
	s := n.String()
	if s == "" {
		s = fallback
	}
	return decimal.NewFromString(s)
}
