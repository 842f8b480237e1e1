package runstore

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/fulmenhq/gofulmen/schema"

	schemasassets "github.com/jjss83/mentor/internal/assets/schemas"
)

// ErrInvalidMetadata indicates run_metadata.json failed schema validation.
var ErrInvalidMetadata = errors.New("run metadata validation failed")

// Cached validator instance (compiled once from embedded schema)
var (
	validatorOnce sync.Once
	validator     *schema.Validator
	validatorErr  error
)

// ValidationError represents a single validation issue.
type ValidationError struct {
	// Path is the JSON pointer to the problematic field (e.g., "/runId").
	Path    string
	Message string
}

func (e ValidationError) Error() string {
	if e.Path == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ErrInvalidMetadata.Error()
	}
	parts := make([]string, 0, len(e))
	for _, err := range e {
		parts = append(parts, err.Error())
	}
	return ErrInvalidMetadata.Error() + ": " + strings.Join(parts, "; ")
}

func (e ValidationErrors) Unwrap() error {
	return ErrInvalidMetadata
}

// ValidateMetadataRaw checks raw JSON against the embedded run-metadata schema.
func ValidateMetadataRaw(jsonData []byte) error {
	v, err := getValidator()
	if err != nil {
		return err
	}

	diags, err := v.ValidateJSON(jsonData)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidMetadata, err)
	}
	if len(diags) == 0 {
		return nil
	}

	var errs ValidationErrors
	for _, d := range diags {
		if d.Severity == schema.SeverityError {
			errs = append(errs, ValidationError{Path: d.Pointer, Message: d.Message})
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return errs
}

func getValidator() (*schema.Validator, error) {
	validatorOnce.Do(func() {
		if len(schemasassets.RunMetadataSchema) == 0 {
			validatorErr = errors.New("embedded run-metadata schema is empty")
			return
		}
		validator, validatorErr = schema.NewValidator(schemasassets.RunMetadataSchema)
		if validatorErr != nil {
			validatorErr = fmt.Errorf("failed to compile run-metadata schema: %w", validatorErr)
		}
	})
	return validator, validatorErr
}
