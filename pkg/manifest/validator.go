package manifest

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// ValidationError represents a manifest validation error
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidateManifest validates an agent manifest against the schema
func ValidateManifest(m *AgentManifest) error {
	var errors []string

	// Validate API version
	if m.APIVersion == "" {
		errors = append(errors, "apiVersion is required")
	} else if m.APIVersion != APIVersion {
		errors = append(errors, fmt.Sprintf("unsupported apiVersion: %s (expected %s)", m.APIVersion, APIVersion))
	}

	// Validate kind
	if m.Kind == "" {
		errors = append(errors, "kind is required")
	} else if m.Kind != KindAgent {
		errors = append(errors, fmt.Sprintf("invalid kind: %s (expected %s)", m.Kind, KindAgent))
	}

	// Validate metadata
	if m.Metadata.Name == "" {
		errors = append(errors, "metadata.name is required")
	} else if !isValidName(m.Metadata.Name) {
		errors = append(errors, "metadata.name must be lowercase alphanumeric with hyphens")
	}

	if err := validateSpec(&m.Spec); err != nil {
		errors = append(errors, err.Error())
	}

	if len(errors) > 0 {
		return fmt.Errorf("manifest validation failed:\n  - %s", strings.Join(errors, "\n  - "))
	}

	return nil
}

// validateSpec validates the agent spec
func validateSpec(spec *AgentSpec) error {
	var errors []string

	if spec.Type == "" {
		errors = append(errors, "spec.type is required")
	}

	if spec.Endpoint == "" {
		errors = append(errors, "spec.endpoint is required")
	} else if u, err := url.Parse(spec.Endpoint); err != nil || u.Host == "" {
		errors = append(errors, fmt.Sprintf("invalid spec.endpoint: %s", spec.Endpoint))
	}

	if spec.MaxConnections < 0 {
		errors = append(errors, "spec.maxConnections must be non-negative")
	}

	// Validate capabilities (at least one required)
	if len(spec.Capabilities) == 0 {
		errors = append(errors, "spec.capabilities must have at least one capability")
	}
	sensitive := false
	for i, c := range spec.Capabilities {
		if c.Name == "" {
			errors = append(errors, fmt.Sprintf("spec.capabilities[%d].name is required", i))
		}
		if c.SuccessRate < 0 || c.SuccessRate > 1 {
			errors = append(errors, fmt.Sprintf("spec.capabilities[%d].successRate must be within [0, 1]", i))
		}
		if c.MaxConcurrent < 0 {
			errors = append(errors, fmt.Sprintf("spec.capabilities[%d].maxConcurrent must be non-negative", i))
		}
		if c.AvgResponseTime != "" {
			if _, err := time.ParseDuration(c.AvgResponseTime); err != nil {
				errors = append(errors, fmt.Sprintf("invalid spec.capabilities[%d].avgResponseTime: %v", i, err))
			}
		}
		sensitive = sensitive || c.RequiresSensitiveAccess
	}

	if sensitive && !(spec.Compliance.Encryption && spec.Compliance.Audit) {
		errors = append(errors, "sensitive capabilities require spec.compliance.encryption and spec.compliance.audit")
	}

	if len(errors) > 0 {
		return fmt.Errorf("validation errors: %s", strings.Join(errors, "; "))
	}

	return nil
}

// isValidName checks if a name follows the naming convention
func isValidName(name string) bool {
	if len(name) == 0 || len(name) > 63 {
		return false
	}

	// Must start with lowercase letter
	if name[0] < 'a' || name[0] > 'z' {
		return false
	}

	last := name[len(name)-1]
	if !((last >= 'a' && last <= 'z') || (last >= '0' && last <= '9')) {
		return false
	}

	for _, c := range name {
		if !((c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') || c == '-') {
			return false
		}
	}

	return !strings.Contains(name, "--")
}
