package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/kawamuray/ddi/internal/delay"
)

// =============================================================================
// CONFIG VALIDATION
// =============================================================================
//
// PATTERN: ACCUMULATE ERRORS
// Every problem in the file is collected and reported together, so the
// operator fixes the whole file in one pass.
//
// Two layers:
//
//   1. struct tags checked by go-playground/validator (ranges, enums,
//      required-if relations)
//   2. semantic checks tags cannot express: listen addresses, the target
//      argument grammar, duplicate target names, the attribute root
//
// Both layers feed the same ValidationError.
//
// =============================================================================

// ValidationError holds one or more configuration validation failures.
type ValidationError struct {
	Errors []string
}

// Error formats all validation errors as a numbered list.
func (e *ValidationError) Error() string {
	if len(e.Errors) == 1 {
		return fmt.Sprintf("configuration validation failed: %s", e.Errors[0])
	}

	var b strings.Builder
	b.WriteString("configuration validation failed:\n")
	for i, err := range e.Errors {
		fmt.Fprintf(&b, "  %d. %s\n", i+1, err)
	}
	return b.String()
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks the configuration.
// Returns nil if valid, or a *ValidationError with all problems found.
func (c *Config) Validate() error {
	var errs []string

	errs = append(errs, structErrors(c)...)

	if c.HTTP.Addr != "" {
		if err := validateAddress(c.HTTP.Addr); err != nil {
			errs = append(errs, fmt.Sprintf("http.addr: invalid: %v", err))
		}
	}
	if c.GRPC.Addr != "" {
		if err := validateAddress(c.GRPC.Addr); err != nil {
			errs = append(errs, fmt.Sprintf("grpc.addr: invalid: %v", err))
		}
	}
	if c.HTTP.Addr != "" && c.HTTP.Addr == c.GRPC.Addr {
		errs = append(errs, fmt.Sprintf("grpc.addr: %q is already used by http.addr", c.GRPC.Addr))
	}

	if c.TLS.Enabled && c.TLS.CertFile == "" && !c.TLS.SelfSigned {
		errs = append(errs, "tls: enabled without cert_file/key_file or self_signed")
	}

	if c.Attrs.Backend == AttrBackendDir && c.Attrs.Dir != "" {
		errs = append(errs, validateAttrDir(c.Attrs.Dir)...)
	}

	errs = append(errs, validateTargets(c.Targets)...)

	if len(errs) > 0 {
		return &ValidationError{Errors: errs}
	}
	return nil
}

// structErrors runs the tag validator and renders each failure as
// "<yaml path>: <problem>".
func structErrors(c *Config) []string {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return []string{err.Error()}
	}

	out := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		out = append(out, fmt.Sprintf("%s: %s", fieldPath(fe.Namespace()), describe(fe)))
	}
	return out
}

// fieldPath turns "Config.Attrs.Dir" into "attrs.dir".
func fieldPath(ns string) string {
	parts := strings.Split(ns, ".")
	if len(parts) > 1 {
		parts = parts[1:]
	}
	return strings.ToLower(strings.Join(parts, "."))
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required", "required_if", "required_with":
		return "must not be empty"
	case "oneof":
		return fmt.Sprintf("must be one of [%s], got %q", fe.Param(), fe.Value())
	case "gte", "min":
		return fmt.Sprintf("must be >= %s", fe.Param())
	case "max":
		return fmt.Sprintf("must be <= %s", fe.Param())
	case "excludesall":
		return "must not contain path separators"
	case "excluded_with":
		return "table and args are mutually exclusive"
	default:
		return fmt.Sprintf("failed %q check", fe.Tag())
	}
}

// validateTargets checks the argument grammar and name uniqueness.
func validateTargets(targets []TargetConfig) []string {
	var errs []string
	names := make(map[string]int)

	for i, t := range targets {
		prefix := fmt.Sprintf("targets[%d]", i)

		name, length, args, err := t.Resolved()
		if err != nil {
			errs = append(errs, fmt.Sprintf("%s.table: %v", prefix, err))
			continue
		}
		if length == 0 {
			errs = append(errs, fmt.Sprintf("%s.length: must be > 0", prefix))
		}

		parsed, err := delay.ParseArgs(args)
		if err != nil {
			errs = append(errs, fmt.Sprintf("%s.args: %v", prefix, err))
			continue
		}

		// unnamed targets are keyed by their read device
		key := name
		if key == "" {
			key = parsed.ReadDevice
		}
		if j, dup := names[key]; dup {
			errs = append(errs, fmt.Sprintf("%s: duplicate target %q (also targets[%d])", prefix, key, j))
		} else {
			names[key] = i
		}
	}

	return errs
}

// validateAttrDir checks that the attribute root is usable.
func validateAttrDir(dir string) []string {
	var errs []string

	absDir, err := filepath.Abs(dir)
	if err != nil {
		errs = append(errs, fmt.Sprintf("attrs.dir: cannot resolve path %q: %v", dir, err))
		return errs
	}

	info, err := os.Stat(absDir)
	if err == nil {
		if !info.IsDir() {
			errs = append(errs, fmt.Sprintf("attrs.dir: %q exists but is not a directory", absDir))
		}
		return errs
	}

	if !os.IsNotExist(err) {
		errs = append(errs, fmt.Sprintf("attrs.dir: cannot access %q: %v", absDir, err))
		return errs
	}

	// created on first target; the parent must exist
	parent := filepath.Dir(absDir)
	if _, err := os.Stat(parent); err != nil {
		errs = append(errs, fmt.Sprintf("attrs.dir: %q does not exist and parent %q is not accessible: %v", absDir, parent, err))
	}

	return errs
}

// validateAddress checks that a string is a valid host:port or :port address.
func validateAddress(addr string) error {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("must be host:port format: %w", err)
	}
	if port == "" {
		return fmt.Errorf("port must not be empty")
	}
	return nil
}
