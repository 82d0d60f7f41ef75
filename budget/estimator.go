package budget

import (
	"fmt"
	"sync"

	"github.com/pkoukk/tiktoken-go"
	"go.uber.org/zap"
)

// TokenEstimator projects the token count of a prompt before an agent call.
type TokenEstimator interface {
	Estimate(text string) int
	Name() string
}

// HeuristicEstimator counts CJK characters at 1.5 per token and everything
// else at 4 per token.
type HeuristicEstimator struct{}

// Estimate implements TokenEstimator.
func (HeuristicEstimator) Estimate(text string) int {
	if text == "" {
		return 0
	}
	var cjk, other int
	for _, r := range text {
		if r >= 0x4E00 && r <= 0x9FA5 {
			cjk++
		} else {
			other++
		}
	}
	tokens := float64(cjk)/1.5 + float64(other)/4.0
	if tokens < 1 {
		return 1
	}
	return int(tokens)
}

// Name implements TokenEstimator.
func (HeuristicEstimator) Name() string { return "heuristic" }

// TiktokenEstimator counts with a BPE encoding. The encoding is loaded on
// first use (which may download its ranks); on failure it degrades to the
// heuristic permanently.
type TiktokenEstimator struct {
	encoding string
	logger   *zap.Logger

	once     sync.Once
	enc      *tiktoken.Tiktoken
	initErr  error
	fallback HeuristicEstimator
}

// NewTiktokenEstimator creates an estimator for the given encoding, e.g. "cl100k_base".
func NewTiktokenEstimator(encoding string, logger *zap.Logger) *TiktokenEstimator {
	if encoding == "" {
		encoding = "cl100k_base"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TiktokenEstimator{encoding: encoding, logger: logger.With(zap.String("component", "token_estimator"))}
}

func (t *TiktokenEstimator) init() error {
	t.once.Do(func() {
		enc, err := tiktoken.GetEncoding(t.encoding)
		if err != nil {
			t.initErr = fmt.Errorf("init tiktoken encoding %s: %w", t.encoding, err)
			t.logger.Warn("tiktoken unavailable, using heuristic estimates", zap.Error(t.initErr))
			return
		}
		t.enc = enc
	})
	return t.initErr
}

// Estimate implements TokenEstimator.
func (t *TiktokenEstimator) Estimate(text string) int {
	if text == "" {
		return 0
	}
	if err := t.init(); err != nil {
		return t.fallback.Estimate(text)
	}
	return len(t.enc.Encode(text, nil, nil))
}

// Name implements TokenEstimator.
func (t *TiktokenEstimator) Name() string {
	if t.init() != nil {
		return "heuristic"
	}
	return fmt.Sprintf("tiktoken[%s]", t.encoding)
}
