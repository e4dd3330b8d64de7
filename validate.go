package buildcachex

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// ValidationError represents a configuration validation error
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid config field %q: %s", e.Field, e.Message)
}

// Unwrap lets callers match validation failures with errors.Is(err, ErrInvalidConfig).
func (e *ValidationError) Unwrap() error {
	return ErrInvalidConfig
}

var structValidator = validator.New(validator.WithRequiredStructEnabled())

// ValidateConfig performs comprehensive validation of cache configuration
func ValidateConfig(cfg *Config) error {
	if cfg == nil {
		return &ValidationError{Field: "config", Message: "configuration cannot be nil"}
	}

	var errs []string

	// Tag-level rules (required fields, enumerations, positive sizes)
	if err := structValidator.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			for _, fe := range verrs {
				errs = append(errs, describeFieldError(fe))
			}
		} else {
			errs = append(errs, err.Error())
		}
	}

	provider := cfg.EffectiveProvider()

	if strings.TrimSpace(cfg.Bucket) == "" {
		errs = append(errs, "bucket cannot be empty")
	}

	if cfg.Bucket != "" && provider != ProviderFileSystem {
		if err := validateBucketName(cfg.Bucket); err != nil {
			errs = append(errs, fmt.Sprintf("invalid bucket name: %v", err))
		}
	}

	if provider == ProviderS3 && cfg.Region == "" && cfg.Endpoint == "" {
		errs = append(errs, "region is required when endpoint is not specified (AWS mode)")
	}

	creds := cfg.Credentials
	if (creds.AccessKey == "" && creds.SecretKey != "") || (creds.AccessKey != "" && creds.SecretKey == "") {
		errs = append(errs, "both access_key and secret_key must be set together; do not provide only one")
	}

	if creds.Type == CredentialsExported && provider != ProviderFileSystem {
		if creds.KeyFile == "" && creds.AccessKey == "" {
			errs = append(errs, "exported credentials require key_file (or access_key+secret_key for s3)")
		}
		if provider == ProviderGCS && creds.KeyFile == "" {
			errs = append(errs, "exported gcs credentials require key_file")
		}
	}

	if creds.RoleARN != "" {
		if provider != ProviderS3 {
			errs = append(errs, "role_arn is only supported by the s3 provider")
		} else if !isPlausibleRoleARN(creds.RoleARN) {
			errs = append(errs, "role_arn looks invalid: must be a valid IAM role ARN (e.g., arn:aws:iam::123456789012:role/RoleName)")
		}
	}

	if cfg.SizeThreshold > 0 && cfg.MaxEntrySize > 0 && cfg.MaxEntrySize < cfg.SizeThreshold {
		errs = append(errs, "max_entry_size must not be smaller than size_threshold")
	}

	if cfg.PartSize < 5<<20 {
		errs = append(errs, "part_size must be at least 5MB")
	}
	if cfg.MultipartConcurrency < 1 || cfg.MultipartConcurrency > 32 {
		errs = append(errs, "multipart_concurrency must be between 1 and 32")
	}

	if cfg.RequestTimeout <= 0 {
		errs = append(errs, "request_timeout must be positive")
	}
	if cfg.RequestTimeout > 10*time.Minute {
		errs = append(errs, "request_timeout should not exceed 10 minutes")
	}

	if cfg.MaxRetries < 0 {
		errs = append(errs, "max_retries cannot be negative")
	}
	if cfg.MaxRetries > 10 {
		errs = append(errs, "max_retries should not exceed 10")
	}

	if cfg.BackoffInitial <= 0 {
		errs = append(errs, "backoff_initial must be positive")
	}
	if cfg.BackoffMax <= cfg.BackoffInitial {
		errs = append(errs, "backoff_max must be greater than backoff_initial")
	}
	if cfg.BackoffMultiplier < 1 {
		errs = append(errs, "backoff_multiplier must be at least 1")
	}

	if cfg.Endpoint != "" {
		if err := validateEndpoint(cfg.Endpoint); err != nil {
			errs = append(errs, fmt.Sprintf("invalid endpoint: %v", err))
		}
	}

	if cfg.KeyPrefix != "" {
		if err := validatePrefix(cfg.KeyPrefix); err != nil {
			errs = append(errs, fmt.Sprintf("invalid prefix: %v", err))
		}
	}

	if len(errs) > 0 {
		return &ValidationError{
			Field:   "config",
			Message: strings.Join(errs, "; "),
		}
	}

	return nil
}

func describeFieldError(fe validator.FieldError) string {
	field := strings.ToLower(fe.Field())
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s cannot be empty", field)
	case "oneof":
		return fmt.Sprintf("unsupported %s %q, must be one of: %s", field, fe.Value(), fe.Param())
	case "gt":
		return fmt.Sprintf("%s must be greater than %s", field, fe.Param())
	default:
		return fmt.Sprintf("%s failed %q validation", field, fe.Tag())
	}
}

// isPlausibleRoleARN performs a light-weight validation of an IAM role ARN
func isPlausibleRoleARN(arn string) bool {
	// Expected form: arn:partition:service:region:account-id:resource
	parts := strings.SplitN(arn, ":", 6)
	if len(parts) != 6 {
		return false
	}
	if parts[0] != "arn" || parts[2] != "iam" {
		return false
	}
	if !isNumeric(parts[4]) {
		return false
	}
	return strings.HasPrefix(parts[5], "role/")
}

// validateBucketName validates the naming rules shared by S3 and GCS
func validateBucketName(bucket string) error {
	if len(bucket) < 3 || len(bucket) > 63 {
		return fmt.Errorf("bucket name must be between 3 and 63 characters")
	}

	if strings.HasPrefix(bucket, "-") || strings.HasSuffix(bucket, "-") {
		return fmt.Errorf("bucket name cannot start or end with a hyphen")
	}

	if strings.HasPrefix(bucket, ".") || strings.HasSuffix(bucket, ".") {
		return fmt.Errorf("bucket name cannot start or end with a period")
	}

	if strings.Contains(bucket, "..") {
		return fmt.Errorf("bucket name cannot contain consecutive periods")
	}

	for _, char := range bucket {
		if !isValidBucketChar(char) {
			return fmt.Errorf("bucket name contains invalid character: %c", char)
		}
	}

	parts := strings.Split(bucket, ".")
	if len(parts) == 4 {
		allNumeric := true
		for _, part := range parts {
			if !isNumeric(part) {
				allNumeric = false
				break
			}
		}
		if allNumeric {
			return fmt.Errorf("bucket name cannot be formatted as an IP address")
		}
	}

	return nil
}

// isValidBucketChar checks if a character is valid in bucket names.
// GCS additionally allows underscores.
func isValidBucketChar(char rune) bool {
	return (char >= 'a' && char <= 'z') ||
		(char >= '0' && char <= '9') ||
		char == '-' || char == '.' || char == '_'
}

// isNumeric checks if a string contains only digits
func isNumeric(s string) bool {
	if len(s) == 0 {
		return false
	}
	for _, char := range s {
		if char < '0' || char > '9' {
			return false
		}
	}
	return true
}

// validateEndpoint validates the endpoint URL format
func validateEndpoint(endpoint string) error {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return fmt.Errorf("endpoint cannot be empty")
	}

	if strings.HasPrefix(endpoint, "http://") || strings.HasPrefix(endpoint, "https://") {
		return nil
	}

	if strings.Contains(endpoint, "://") {
		return fmt.Errorf("endpoint protocol must be http or https")
	}

	if strings.Contains(endpoint, " ") {
		return fmt.Errorf("endpoint cannot contain spaces")
	}

	return nil
}

// validatePrefix validates the key prefix
func validatePrefix(prefix string) error {
	if strings.HasPrefix(prefix, "/") || strings.HasSuffix(prefix, "/") {
		return fmt.Errorf("prefix should not start or end with '/'")
	}

	if strings.Contains(prefix, "..") {
		return fmt.Errorf("prefix cannot contain '..' patterns")
	}

	if strings.Contains(prefix, "//") {
		return fmt.Errorf("prefix cannot contain consecutive slashes")
	}

	return nil
}
