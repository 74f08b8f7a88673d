package job

import (
	"fmt"
	"jobctl/internal/apperrors"
	"net/url"
	"regexp"
	"strings"
)

// Validation limits
const (
	maxNameLength     = 128
	maxImageLength    = 512
	maxCommandLength  = 8192
	maxDescLength     = 1024
	maxTimeoutSecs    = 86400 // 24 hours
	maxEnvEntries     = 64
	maxEnvKeyLen      = 128
	maxEnvValueLen    = 4096
	defaultJobOwner   = SystemUser
	defaultJobType    = TypeContainer
	maxUsernameLength = 64
)

// namePattern allows alphanumeric, dots, hyphens, and underscores
var namePattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]*$`)

// envKeyPattern matches POSIX environment variable names
var envKeyPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// ApplyDefaults sets default values for unspecified spec fields.
func ApplyDefaults(s *Spec) {
	s.Name = strings.TrimSpace(s.Name)
	s.Image = strings.TrimSpace(s.Image)
	if s.Type == "" {
		s.Type = defaultJobType
	}
	s.Type = strings.ToUpper(s.Type)
	if s.Owner == "" {
		s.Owner = defaultJobOwner
	}
}

// Validate validates a job spec. Does not modify the spec.
func Validate(s *Spec) error {
	if s.Name == "" {
		return apperrors.Validation("name", "job name is required")
	}
	if len(s.Name) > maxNameLength {
		return apperrors.Validation("name", fmt.Sprintf("job name exceeds maximum length of %d", maxNameLength))
	}
	if !namePattern.MatchString(s.Name) {
		return apperrors.Validation("name", "job name must be alphanumeric (dots, hyphens and underscores allowed, cannot start with one)")
	}

	if s.Type != TypeContainer {
		return apperrors.Validation("type", fmt.Sprintf("unsupported job type %q", s.Type))
	}

	if s.Image == "" {
		return apperrors.Validation("image", "image is required")
	}
	if len(s.Image) > maxImageLength || strings.ContainsAny(s.Image, " \t\n") {
		return apperrors.Validation("image", "image reference is malformed")
	}

	if len(s.Command) > maxCommandLength {
		return apperrors.Validation("command", fmt.Sprintf("command exceeds maximum length of %d", maxCommandLength))
	}
	if len(s.Description) > maxDescLength {
		return apperrors.Validation("description", fmt.Sprintf("description exceeds maximum length of %d", maxDescLength))
	}
	if len(s.Owner) > maxUsernameLength {
		return apperrors.Validation("owner", fmt.Sprintf("owner exceeds maximum length of %d", maxUsernameLength))
	}

	if s.TimeoutSeconds < 0 || s.TimeoutSeconds > maxTimeoutSecs {
		return apperrors.Validation("timeoutSeconds", fmt.Sprintf("timeout must be between 0 and %d seconds", maxTimeoutSecs))
	}

	if len(s.Environment) > maxEnvEntries {
		return apperrors.Validation("environment", fmt.Sprintf("environment exceeds maximum of %d entries", maxEnvEntries))
	}
	for k, v := range s.Environment {
		if !envKeyPattern.MatchString(k) || len(k) > maxEnvKeyLen {
			return apperrors.Validation("environment", fmt.Sprintf("invalid environment variable name %q", k))
		}
		if len(v) > maxEnvValueLen {
			return apperrors.Validation("environment", fmt.Sprintf("environment value for %s exceeds maximum length of %d", k, maxEnvValueLen))
		}
	}

	return nil
}

// ValidateURL checks that rawURL is an absolute http(s) URL.
func ValidateURL(rawURL string) error {
	if rawURL == "" {
		return nil
	}
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("malformed URL")
	}
	scheme := strings.ToLower(parsed.Scheme)
	if scheme != "http" && scheme != "https" {
		return fmt.Errorf("URL scheme must be http or https, got %q", parsed.Scheme)
	}
	if parsed.Host == "" {
		return fmt.Errorf("URL must have a host")
	}
	return nil
}
