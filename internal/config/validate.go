package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/robfig/cron/v3"

	"github.com/mgazza/meter-datafeeds/internal/transforms"
)

// ValidationError describes one invalid field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ScheduleParser parses feed schedules. It accepts standard five-field cron
// specs and descriptors such as @daily.
var ScheduleParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks struct tags first, then the rules tags cannot express.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			var errs []error
			for _, fe := range verrs {
				errs = append(errs, &ValidationError{Field: fieldPath(fe.Namespace()), Message: "failed " + fe.Tag() + " check"})
			}
			return errors.Join(errs...)
		}
		return fmt.Errorf("validate config: %w", err)
	}

	if err := validateLogLevel(c.Log.Level); err != nil {
		return err
	}

	seen := map[string]bool{}
	for i, f := range c.Feeds {
		prefix := fmt.Sprintf("feeds[%d]", i)
		if seen[f.Name] {
			return &ValidationError{Field: prefix + ".name", Message: fmt.Sprintf("duplicate feed %q", f.Name)}
		}
		seen[f.Name] = true

		if f.Schedule != "" {
			if _, err := ScheduleParser.Parse(f.Schedule); err != nil {
				return &ValidationError{Field: prefix + ".schedule", Message: err.Error()}
			}
		}
		for _, name := range f.Transforms {
			if _, err := transforms.Parse(name); err != nil {
				return &ValidationError{Field: prefix + ".transforms", Message: err.Error()}
			}
		}
		if m := f.Configuration.ResolutionMinutes; m > 0 && (24*60)%m != 0 {
			return &ValidationError{Field: prefix + ".configuration.resolution_minutes", Message: "must evenly divide a day"}
		}
		if tz := f.Configuration.Timezone; tz != "" {
			if _, err := time.LoadLocation(tz); err != nil {
				return &ValidationError{Field: prefix + ".configuration.timezone", Message: err.Error()}
			}
		}
	}
	return nil
}

func validateLogLevel(level string) error {
	switch strings.ToLower(level) {
	case "debug", "info", "warn", "warning", "error":
		return nil
	default:
		return &ValidationError{Field: "log.level", Message: "must be one of: debug, info, warn, error"}
	}
}

// fieldPath trims the root struct name from a validator namespace.
func fieldPath(ns string) string {
	if _, rest, ok := strings.Cut(ns, "."); ok {
		return rest
	}
	return ns
}
