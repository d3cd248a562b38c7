// Package pricing converts provider token counts into wallet tokens.
//
// A wallet token is priced at PricePer1M USD per million. Each provider
// model costs some USD per million input/output tokens; the ratio
// cost/PricePer1M*Margin scales raw usage into wallet tokens, rounded up.
package pricing

import (
	"strings"

	"github.com/shopspring/decimal"
)

// Modality selects the rate row for a usage event.
type Modality string

const (
	Text          Modality = "text"
	Audio         Modality = "audio"
	Transcription Modality = "transcription"
)

// TranscriptionEvent is the upstream event billed as transcription.
const TranscriptionEvent = "conversation.item.input_audio_transcription.completed"

var (
	// Margin is the multiplier applied on top of provider cost.
	Margin = decimal.RequireFromString("1.2")
	// PricePer1M is what one million wallet tokens cost in USD.
	PricePer1M = decimal.NewFromInt(10)
	// TranscriptionPerMinute is the provider cost of one minute of audio transcription.
	TranscriptionPerMinute = decimal.RequireFromString("0.006")
)

// Rates are provider costs in USD per million tokens.
type Rates struct {
	Input  decimal.Decimal
	Output decimal.Decimal
}

func rates(in, out string) Rates {
	return Rates{Input: decimal.RequireFromString(in), Output: decimal.RequireFromString(out)}
}

var realtime4o = map[Modality]Rates{
	Text:  rates("5", "20"),
	Audio: rates("40", "80"),
}

var realtime4oMini = map[Modality]Rates{
	Text:  rates("0.6", "2.4"),
	Audio: rates("10", "20"),
}

// DefaultTable holds known provider costs keyed by provider then model.
var DefaultTable = map[string]map[string]map[Modality]Rates{
	"openai": {
		"gpt-4o-realtime-preview":                 realtime4o,
		"gpt-4o-realtime-preview-2024-10-01":      realtime4o,
		"gpt-4o-mini-realtime-preview":            realtime4oMini,
		"gpt-4o-mini-realtime-preview-2024-10-01": realtime4oMini,
	},
}

// Quote is the wallet-token cost of one usage event.
type Quote struct {
	InputTokens  int64           `json:"inputTokens"`
	OutputTokens int64           `json:"outputTokens"`
	Total        int64           `json:"totalTokens"`
	InputRatio   decimal.Decimal `json:"inputRatio"`
	OutputRatio  decimal.Decimal `json:"outputRatio"`
	Known        bool            `json:"known"`
}

// Calculator prices usage against a cost table.
type Calculator struct {
	table map[string]map[string]map[Modality]Rates
}

// New creates a Calculator over table; nil means DefaultTable.
func New(table map[string]map[string]map[Modality]Rates) *Calculator {
	if table == nil {
		table = DefaultTable
	}
	return &Calculator{table: table}
}

// Ratios returns the input and output multipliers for a model. Unknown
// openai models fall back by family (gpt-4o-mini before gpt-4o); anything
// else is priced 1:1 with known=false.
func (c *Calculator) Ratios(provider, model string, modality Modality) (in, out decimal.Decimal, known bool) {
	r, ok := c.lookup(provider, model, modality)
	if !ok {
		return decimal.NewFromInt(1), decimal.NewFromInt(1), false
	}
	in = r.Input.Div(PricePer1M).Mul(Margin)
	out = r.Output.Div(PricePer1M).Mul(Margin)
	return in, out, true
}

func (c *Calculator) lookup(provider, model string, modality Modality) (Rates, bool) {
	models := c.table[provider]
	if r, ok := models[model][modality]; ok {
		return r, true
	}
	if provider != "openai" {
		return Rates{}, false
	}
	var family string
	switch {
	case strings.Contains(model, "gpt-4o-mini"):
		family = "gpt-4o-mini-realtime-preview"
	case strings.Contains(model, "gpt-4o"):
		family = "gpt-4o-realtime-preview"
	default:
		return Rates{}, false
	}
	r, ok := models[family][modality]
	return r, ok
}

// Tokens prices raw input/output counts.
func (c *Calculator) Tokens(provider, model string, modality Modality, input, output int64) Quote {
	inRatio, outRatio, known := c.Ratios(provider, model, modality)
	q := Quote{InputRatio: inRatio, OutputRatio: outRatio, Known: known}
	if input > 0 {
		q.InputTokens = decimal.NewFromInt(input).Mul(inRatio).Ceil().IntPart()
	}
	if output > 0 {
		q.OutputTokens = decimal.NewFromInt(output).Mul(outRatio).Ceil().IntPart()
	}
	q.Total = q.InputTokens + q.OutputTokens
	return q
}

// TokensPerSecond is the duration-billing rate: 12 with the default constants.
func TokensPerSecond() int64 {
	perSecond := TranscriptionPerMinute.Div(decimal.NewFromInt(60))
	return perSecond.Div(PricePer1M).Mul(decimal.NewFromInt(1_000_000)).Mul(Margin).Ceil().IntPart()
}

// DurationTokens prices duration-based usage, rounded up.
func DurationTokens(seconds float64) int64 {
	if seconds <= 0 {
		return 0
	}
	return decimal.NewFromFloat(seconds).Mul(decimal.NewFromInt(TokensPerSecond())).Ceil().IntPart()
}

// ModalityFor infers the modality of a usage event.
func ModalityFor(model, endpoint, eventType string) Modality {
	if eventType == TranscriptionEvent {
		return Transcription
	}
	if strings.Contains(model, "realtime") {
		if strings.Contains(endpoint, "/completions") {
			return Text
		}
		return Audio
	}
	return Text
}
