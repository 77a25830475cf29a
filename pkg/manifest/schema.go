package manifest

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/fulmenhq/gofulmen/schema"

	schemasassets "github.com/3leaps/nimbusctl/internal/assets/schemas"
)

// ErrInvalidManifest is matched by every schema failure.
var ErrInvalidManifest = errors.New("invalid job manifest")

// Problem is one schema violation, located by JSON pointer.
type Problem struct {
	Pointer string
	Message string
}

func (p Problem) String() string {
	if p.Pointer == "" {
		return p.Message
	}
	return p.Pointer + ": " + p.Message
}

// SchemaError lists every violation found in a manifest.
type SchemaError struct {
	Problems []Problem
}

func (e *SchemaError) Error() string {
	if len(e.Problems) == 1 {
		return e.Problems[0].String()
	}
	lines := make([]string, 0, len(e.Problems)+1)
	lines = append(lines, fmt.Sprintf("%d problems in job manifest:", len(e.Problems)))
	for _, p := range e.Problems {
		lines = append(lines, "  - "+p.String())
	}
	return strings.Join(lines, "\n")
}

func (e *SchemaError) Unwrap() error { return ErrInvalidManifest }

var compiledSchema = sync.OnceValues(func() (*schema.Validator, error) {
	v, err := schema.NewValidator(schemasassets.JobManifest())
	if err != nil {
		return nil, fmt.Errorf("compile job manifest schema: %w", err)
	}
	return v, nil
})

// checkSchema validates a JSON document against the embedded job manifest
// schema. Warnings are ignored.
func checkSchema(doc []byte) error {
	v, err := compiledSchema()
	if err != nil {
		return err
	}
	diags, err := v.ValidateJSON(doc)
	if err != nil {
		return fmt.Errorf("validate manifest: %w", err)
	}

	var problems []Problem
	for _, d := range diags {
		if d.Severity != schema.SeverityError {
			continue
		}
		problems = append(problems, Problem{Pointer: d.Pointer, Message: d.Message})
	}
	if len(problems) > 0 {
		return &SchemaError{Problems: problems}
	}
	return nil
}
