package listeners

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/INLOpen/nexusarchive/hooks"
	"github.com/INLOpen/nexusarchive/pubsub"
	"github.com/gobwas/glob"
)

// ErrOutlier is returned to veto a record when its rule has Reject set.
var ErrOutlier = errors.New("value outside configured thresholds")

// Thresholds defines the min/max acceptable values for a path.
type Thresholds struct {
	Min float64
	Max float64
}

// OutlierRule applies Thresholds to every record whose path matches Pattern.
// With Reject set the record is dropped instead of only logged.
type OutlierRule struct {
	Pattern    string
	Thresholds Thresholds
	Reject     bool
}

type compiledRule struct {
	pattern string
	match   glob.Glob
	OutlierRule
}

// OutlierDetectionListener checks records for numeric values that fall
// outside configured thresholds before they are recorded.
type OutlierDetectionListener struct {
	logger *slog.Logger
	rules  []compiledRule
}

// NewOutlierDetectionListener creates a new listener for detecting outliers.
// The first matching rule wins.
func NewOutlierDetectionListener(logger *slog.Logger, rules []OutlierRule) (*OutlierDetectionListener, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	compiled := make([]compiledRule, 0, len(rules))
	for _, rule := range rules {
		g, err := pubsub.CompilePattern(rule.Pattern)
		if err != nil {
			return nil, fmt.Errorf("outlier rule %q: %w", rule.Pattern, err)
		}
		if rule.Thresholds.Min > rule.Thresholds.Max {
			return nil, fmt.Errorf("outlier rule %q: min %v is greater than max %v", rule.Pattern, rule.Thresholds.Min, rule.Thresholds.Max)
		}
		compiled = append(compiled, compiledRule{pattern: rule.Pattern, match: g, OutlierRule: rule})
	}
	return &OutlierDetectionListener{
		logger: logger.With("component", "OutlierDetectionListener"),
		rules:  compiled,
	}, nil
}

// OnEvent handles PreRecord events.
func (l *OutlierDetectionListener) OnEvent(ctx context.Context, event hooks.HookEvent) error {
	if event.Type() != hooks.EventPreRecord {
		return nil
	}
	payload, ok := event.Payload().(hooks.PreRecordPayload)
	if !ok || payload.Record == nil {
		l.logger.Error("Received PreRecord event with incorrect payload type", "payload_type", fmt.Sprintf("%T", event.Payload()))
		return nil
	}
	rec := payload.Record

	for _, rule := range l.rules {
		if !rule.match.Match(rec.Path) {
			continue
		}
		v, numeric := rec.Value.Float64()
		if !numeric || (v >= rule.Thresholds.Min && v <= rule.Thresholds.Max) {
			return nil
		}
		l.logger.Warn("Outlier detected",
			"path", rec.Path,
			"rule", rule.pattern,
			"timestamp", rec.Timestamp,
			"value", v,
			"min_threshold", rule.Thresholds.Min,
			"max_threshold", rule.Thresholds.Max,
			"rejected", rule.Reject,
		)
		if rule.Reject {
			return fmt.Errorf("%w: %s=%v", ErrOutlier, rec.Path, v)
		}
		return nil
	}
	return nil
}

// Priority defines the execution order.
func (l *OutlierDetectionListener) Priority() int { return 100 }

// Pre-hooks run synchronously regardless.
func (l *OutlierDetectionListener) IsAsync() bool { return false }
