package sendnotification

import (
	"time"

	"rental-queue/internal/common/config"
)

type Config struct {
	EmailEnabled bool
	SMSEnabled   bool
	// SMSTypes overrides the per-template SMS flag when non-empty.
	SMSTypes    []string
	FromEmail   string
	AWSRegion   string
	BatchSize   int
	MaxAttempts int
	Timeout     time.Duration
	// ClaimTTL is how long a claimed row may stay in sending before
	// another drain takes it over.
	ClaimTTL time.Duration
}

func LoadConfig(n config.NotificationConfig, wcfg config.WorkerConfig) *Config {
	cfg := &Config{
		EmailEnabled: n.Email.Enabled,
		SMSEnabled:   n.SMS.Enabled,
		SMSTypes:     n.SMS.Types,
		FromEmail:    n.Email.FromEmail,
		AWSRegion:    n.AWS.Region,
		BatchSize:    wcfg.BatchSize,
		MaxAttempts:  n.MaxAttempts,
		Timeout:      30 * time.Second,
		ClaimTTL:     time.Duration(n.ClaimTTL) * time.Second,
	}
	if wcfg.Timeout > 0 {
		cfg.Timeout = time.Duration(wcfg.Timeout) * time.Millisecond
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.ClaimTTL <= 0 {
		cfg.ClaimTTL = 5 * time.Minute
	}
	// a claim must outlive the run that holds it
	if cfg.ClaimTTL < 2*cfg.Timeout {
		cfg.ClaimTTL = 2 * cfg.Timeout
	}
	return cfg
}
