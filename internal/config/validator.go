package config

import (
	"fmt"
	"slices"
	"strings"

	"github.com/fentz26/baton/internal/logging"
	"github.com/fentz26/baton/internal/routing"
)

// ValidationError represents a single validation failure
type ValidationError struct {
	Field   string // The config field path (e.g., "routing.routes[0].backend")
	Value   any    // The invalid value
	Message string // Human-readable error description
}

// Error implements the error interface for ValidationError
func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface for ValidationErrors
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d validation errors:\n", len(e)))
	for i, err := range e {
		sb.WriteString(fmt.Sprintf("  %d. %s\n", i+1, err.Error()))
	}
	return sb.String()
}

// Validate checks the Config for invalid values and returns all validation errors found
func (c *Config) Validate() []ValidationError {
	var errors []ValidationError

	if strings.TrimSpace(c.Store.Path) == "" {
		errors = append(errors, ValidationError{"store.path", c.Store.Path, "must not be empty"})
	}
	if c.Locks.DefaultTTL <= 0 {
		errors = append(errors, ValidationError{"locks.default_ttl", c.Locks.DefaultTTL, "must be positive"})
	}

	errors = append(errors, c.validateTasks()...)
	errors = append(errors, c.validateRouting()...)

	if c.Maintenance.Interval <= 0 {
		errors = append(errors, ValidationError{"maintenance.interval", c.Maintenance.Interval, "must be positive"})
	}
	if strings.TrimSpace(c.Server.Listen) == "" {
		errors = append(errors, ValidationError{"server.listen", c.Server.Listen, "must not be empty"})
	}
	if !slices.Contains(logging.ValidLevels(), strings.ToUpper(c.Logging.Level)) {
		errors = append(errors, ValidationError{"logging.level", c.Logging.Level,
			fmt.Sprintf("must be one of %s", strings.ToLower(strings.Join(logging.ValidLevels(), ", ")))})
	}

	return errors
}

func (c *Config) validateTasks() []ValidationError {
	var errors []ValidationError
	if c.Tasks.MaxAge <= 0 {
		errors = append(errors, ValidationError{"tasks.max_age", c.Tasks.MaxAge, "must be positive"})
	}
	if c.Tasks.PageSize <= 0 {
		errors = append(errors, ValidationError{"tasks.page_size", c.Tasks.PageSize, "must be positive"})
	}
	for i, p := range c.Tasks.AgentClasses {
		if strings.TrimSpace(p) == "" {
			errors = append(errors, ValidationError{fmt.Sprintf("tasks.agent_classes[%d]", i), p, "must not be empty"})
		}
	}
	return errors
}

func (c *Config) validateRouting() []ValidationError {
	var errors []ValidationError
	r := c.Routing

	if r.MaxAttempts <= 0 {
		errors = append(errors, ValidationError{"routing.max_attempts", r.MaxAttempts, "must be positive"})
	}
	if r.ProbeTimeout <= 0 {
		errors = append(errors, ValidationError{"routing.probe_timeout", r.ProbeTimeout, "must be positive"})
	}
	if r.ProbeParallelism <= 0 {
		errors = append(errors, ValidationError{"routing.probe_parallelism", r.ProbeParallelism, "must be positive"})
	}
	if _, err := routing.NewClassifier(r.Classifier); err != nil {
		errors = append(errors, ValidationError{"routing.classifier", "", err.Error()})
	}

	backends := make(map[string]bool, len(r.Backends))
	for name, b := range r.Backends {
		name = strings.ToLower(name)
		backends[name] = true
		field := "routing.backends." + name
		switch b.Kind {
		case BackendExec:
			if b.Command == "" {
				errors = append(errors, ValidationError{field + ".command", b.Command, "required for exec backends"})
			}
			for i, e := range b.Env {
				if k, _, ok := strings.Cut(e, "="); !ok || k == "" {
					errors = append(errors, ValidationError{fmt.Sprintf("%s.env[%d]", field, i), e, "must be KEY=VALUE"})
				}
			}
		case BackendHTTP:
			if b.URL == "" {
				errors = append(errors, ValidationError{field + ".url", b.URL, "required for http backends"})
			}
			if b.Timeout < 0 {
				errors = append(errors, ValidationError{field + ".timeout", b.Timeout, "must not be negative"})
			}
		default:
			errors = append(errors, ValidationError{field + ".kind", b.Kind, "must be exec or http"})
		}
	}

	slots := make(map[int]bool, len(r.Routes))
	for i, rt := range r.Routes {
		field := fmt.Sprintf("routing.routes[%d]", i)
		if slots[rt.Slot] {
			errors = append(errors, ValidationError{field + ".slot", rt.Slot, "duplicate slot"})
		}
		slots[rt.Slot] = true
		if strings.TrimSpace(rt.Credential) == "" {
			errors = append(errors, ValidationError{field + ".credential", rt.Credential, "must not be empty"})
		}
		if !backends[strings.ToLower(rt.Backend)] {
			errors = append(errors, ValidationError{field + ".backend", rt.Backend, "unknown backend"})
		}
	}
	return errors
}
