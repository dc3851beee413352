package pipeline

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/jacktea/xgblob/pkg/blob"
	"github.com/jacktea/xgblob/pkg/encryption"
	"github.com/jacktea/xgblob/pkg/strategy"
)

// Config selects which layers a Pipeline is built from.
type Config struct {
	Strategy   strategy.Strategy    `validate:"required,strategy"`
	Digest     blob.DigestAlgorithm `validate:"omitempty,oneof=sha256 blake3"`
	SingleSave bool
	// Encryption is optional; nil or MethodNone stores plaintext.
	Encryption *encryption.Options `validate:"-"`
	Mirror     blob.MirrorOptions  `validate:"-"`
	WriteLease time.Duration       `validate:"gte=0"`
	GC         GCConfig
}

// GCConfig configures the collector of deduplicated blobs.
type GCConfig struct {
	Interval  time.Duration `validate:"gte=0"`
	Grace     time.Duration `validate:"gte=0"`
	BatchSize int           `validate:"gte=0"`
}

// registerValidators installs the custom tags used by Config.
var registerValidators = func(v *validator.Validate) error {
	return v.RegisterValidation("strategy", func(fl validator.FieldLevel) bool {
		_, err := strategy.Parse(fl.Field().String())
		return err == nil
	})
}

// Validate checks cfg before any layer is built.
func (c Config) Validate() error {
	v := validator.New()
	if err := registerValidators(v); err != nil {
		return fmt.Errorf("pipeline: register validators: %w", err)
	}
	if err := v.Struct(c); err != nil {
		return fmt.Errorf("pipeline: invalid config: %w", err)
	}
	if c.Encryption != nil {
		if err := c.Encryption.Validate(); err != nil {
			return fmt.Errorf("pipeline: invalid config: %w", err)
		}
	}
	return nil
}
