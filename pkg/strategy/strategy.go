// Package strategy guards against switching between deduplicating and
// pass-through storage once data has been written under one of them.
package strategy

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/jacktea/xgblob/pkg/meta"
	"github.com/jacktea/xgblob/pkg/xerrors"
)

// Strategy selects how blobs are identified and shared.
type Strategy string

const (
	Deduplication Strategy = "deduplication"
	PassThrough   Strategy = "passthrough"
)

// Parse accepts either strategy name in any letter case.
func Parse(s string) (Strategy, error) {
	switch Strategy(strings.ToLower(strings.TrimSpace(s))) {
	case Deduplication:
		return Deduplication, nil
	case PassThrough:
		return PassThrough, nil
	}
	return "", xerrors.E(xerrors.KindInvalid, "strategy.Parse", s)
}

func (s Strategy) String() string { return string(s) }

// MismatchError reports that the configured strategy differs from the one
// the installation was created with.
type MismatchError struct {
	Recorded   Strategy
	Configured Strategy
	RecordedAt time.Time
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("storage strategy mismatch: data was stored with %s (recorded %s) but %s is configured; "+
		"switching strategies on existing data is unsupported",
		e.Recorded, e.RecordedAt.Format(time.RFC3339), e.Configured)
}

// Unwrap classifies the mismatch as xerrors.KindStrategy.
func (e *MismatchError) Unwrap() error {
	return xerrors.ErrStrategy
}

// Enforce compares configured with the last recorded strategy. An empty log
// records configured; a different recorded strategy is an error and is
// never rewritten.
func Enforce(ctx context.Context, log meta.StrategyLog, configured Strategy, now time.Time, logger logrus.FieldLogger) error {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	latest, ok, err := log.Latest(ctx)
	if err != nil {
		return fmt.Errorf("strategy: read history: %w", err)
	}
	if !ok {
		if err := log.Append(ctx, meta.Record{Strategy: configured.String(), Timestamp: now}); err != nil {
			return fmt.Errorf("strategy: record %s: %w", configured, err)
		}
		logger.WithField("strategy", configured).Info("recorded initial storage strategy")
		return nil
	}
	recorded, err := Parse(latest.Strategy)
	if err != nil {
		return xerrors.Wrap(xerrors.KindCorrupt, "strategy.Enforce", latest.Strategy, err)
	}
	if recorded != configured {
		return &MismatchError{Recorded: recorded, Configured: configured, RecordedAt: latest.Timestamp}
	}
	return nil
}

// History returns every recorded strategy decision, oldest first.
func History(ctx context.Context, log meta.StrategyLog) ([]meta.Record, error) {
	return log.All(ctx)
}
