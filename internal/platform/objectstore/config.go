package objectstore

import (
	"errors"
	"fmt"
	"strings"

	"github.com/applaude-labs/applaude-go/internal/platform/env"
)

type Config struct {
	Endpoint      string
	AccessKey     string
	SecretKey     string
	Region        string
	UseSSL        bool
	BucketReports string
}

// Enabled reports whether an endpoint is configured. Report storage is optional.
func (c Config) Enabled() bool {
	return strings.TrimSpace(c.Endpoint) != ""
}

func ConfigFromEnv() (Config, error) {
	useSSL, err := env.Bool("APPLAUDE_MINIO_USE_SSL", false)
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		Endpoint:      env.String("APPLAUDE_MINIO_ENDPOINT", ""),
		AccessKey:     env.String("APPLAUDE_MINIO_ACCESS_KEY", "applaude"),
		SecretKey:     env.String("APPLAUDE_MINIO_SECRET_KEY", "applaudeminio"),
		Region:        env.String("APPLAUDE_MINIO_REGION", "us-east-1"),
		UseSSL:        useSSL,
		BucketReports: env.String("APPLAUDE_MINIO_BUCKET_REPORTS", "run-reports"),
	}
	if !cfg.Enabled() {
		return cfg, nil
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Endpoint) == "" {
		return errors.New("endpoint is required")
	}
	if strings.TrimSpace(c.AccessKey) == "" {
		return errors.New("access key is required")
	}
	if strings.TrimSpace(c.SecretKey) == "" {
		return errors.New("secret key is required")
	}
	if strings.TrimSpace(c.Region) == "" {
		return errors.New("region is required")
	}
	if strings.TrimSpace(c.BucketReports) == "" {
		return errors.New("reports bucket is required")
	}
	if strings.Contains(c.Endpoint, "://") {
		return fmt.Errorf("endpoint must not include scheme: %q", c.Endpoint)
	}
	return nil
}
