package llm

import (
	"context"
	"encoding/json"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/text/currency"

	"github.com/sells-group/mailflow/internal/model"
)

// Extract asks the model for transaction fields. category is passed as a
// hint. Provider errors are returned; an unparseable answer degrades to the
// regex heuristic.
func (s *Service) Extract(ctx context.Context, subject, body string, category model.Classification) (*model.ExtractResult, error) {
	text, err := s.complete(ctx, "extract", extractPrompt, s.userPrompt([][2]string{
		{"Category", string(category)},
		{"Subject", subject},
	}, body))
	if err != nil {
		return nil, err
	}

	res, ok := parseExtraction(text)
	if !ok {
		s.log.Warn("unparseable extraction, using heuristic", zap.String("response", snippet(text)))
		return HeuristicExtract(subject, body), nil
	}
	return res, nil
}

func parseExtraction(text string) (*model.ExtractResult, bool) {
	var res model.ExtractResult
	if err := json.Unmarshal([]byte(cleanJSON(text)), &res); err != nil {
		return nil, false
	}
	res.Currency = normalizeCurrency(res.Currency)
	res.Confidence = clamp01(res.Confidence)
	res.Degraded = false
	return &res, true
}

// normalizeCurrency upper-cases an ISO 4217 code and drops anything that is
// not one.
func normalizeCurrency(c *string) *string {
	if c == nil {
		return nil
	}
	unit, err := currency.ParseISO(strings.TrimSpace(*c))
	if err != nil {
		return nil
	}
	code := unit.String()
	return &code
}
