package llm

import (
	"context"
	"encoding/json"
	"strings"

	"go.uber.org/zap"

	"github.com/sells-group/mailflow/internal/model"
)

// Classify asks the model whether a message is financial. Provider errors
// are returned; an answer that cannot be parsed degrades to the keyword
// heuristic.
func (s *Service) Classify(ctx context.Context, subject, body, sender string) (*model.ClassifyResult, error) {
	text, err := s.complete(ctx, "classify", classifyPrompt, s.userPrompt([][2]string{
		{"From", sender},
		{"Subject", subject},
	}, body))
	if err != nil {
		return nil, err
	}

	res, ok := parseClassification(text)
	if !ok {
		s.log.Warn("unparseable classification, using heuristic", zap.String("response", snippet(text)))
		return HeuristicClassify(subject, body, sender), nil
	}
	return res, nil
}

func parseClassification(text string) (*model.ClassifyResult, bool) {
	var res model.ClassifyResult
	if err := json.Unmarshal([]byte(cleanJSON(text)), &res); err != nil {
		return nil, false
	}
	res.Category = strings.TrimSpace(res.Category)
	if res.Category == "" {
		return nil, false
	}
	res.Confidence = clamp01(res.Confidence)
	res.Degraded = false
	return &res, true
}

func snippet(s string) string {
	if len(s) > 200 {
		return s[:200]
	}
	return s
}
