package aggregate

import (
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/danielpatrickdp/squiggle/internal/telemetry"
)

// rowValidate is shared by every aggregation pass; validator caches struct metadata.
var rowValidate *validator.Validate

func init() {
	rowValidate = validator.New(validator.WithRequiredStructEnabled())
	rowValidate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	_ = rowValidate.RegisterValidation("finite", validateFinite)
	_ = rowValidate.RegisterValidation("unit", validateUnit)
}

func validateFinite(fl validator.FieldLevel) bool {
	f := fl.Field().Float()
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

// validateUnit accepts finite values in [0,1].
func validateUnit(fl validator.FieldLevel) bool {
	f := fl.Field().Float()
	return f >= 0 && f <= 1
}

// #region input-validation
func validateExperimentID(id string) error {
	if id == "" || id == "." || id == ".." || strings.ContainsAny(id, `/\`) || filepath.Base(id) != id {
		return fmt.Errorf("%w: %q", ErrInvalidExperimentID, id)
	}
	return nil
}

// validateInput checks every row; the first failure aborts the pass.
func validateInput(in Input) error {
	if err := validateExperimentID(in.ExperimentID); err != nil {
		return err
	}
	for i, row := range in.ProbeSummaries {
		if err := rowValidate.Struct(row); err != nil {
			return schemaError(ProbeSummariesTable, i, "run_id="+row.RunID, err)
		}
	}

	allowed := make(map[string]struct{}, len(in.DiagnosticMetrics))
	for _, m := range in.DiagnosticMetrics {
		allowed[m] = struct{}{}
	}
	seen := make(map[string]struct{}, len(in.Events))
	for i, row := range in.Events {
		entity := "event_id=" + row.EventID
		if err := rowValidate.Struct(row); err != nil {
			return schemaError(EventsTable, i, entity, err)
		}
		if _, dup := seen[row.EventID]; dup {
			return &SchemaError{Table: EventsTable, Row: i, Entity: entity, Field: "event_id", Reason: "duplicate event id"}
		}
		seen[row.EventID] = struct{}{}
		if err := validateDiagnostics(row, allowed); err != nil {
			err.Table, err.Row, err.Entity = EventsTable, i, entity
			return err
		}
	}
	for name, hash := range in.SourceContentHashes {
		if name == "" || len(hash) != 64 {
			return &SchemaError{Table: "sources", Entity: "source=" + name, Field: "content_hash", Reason: "want 64 hex characters"}
		}
	}
	return nil
}

// validateDiagnostics requires ordered, finite, allow-listed contributions on
// composite events and none elsewhere.
func validateDiagnostics(row EventRow, allowed map[string]struct{}) *SchemaError {
	if row.Metric != telemetry.CompositeMetric {
		if len(row.Diagnostics) > 0 {
			return &SchemaError{Field: "diagnostics", Reason: "only composite events carry diagnostics"}
		}
		return nil
	}
	if len(row.Diagnostics) == 0 {
		return &SchemaError{Field: "diagnostics", Reason: "composite event without diagnostics"}
	}
	names := make(map[string]struct{}, len(row.Diagnostics))
	for _, c := range row.Diagnostics {
		field := "diagnostics." + c.Metric
		if _, ok := allowed[c.Metric]; !ok {
			return &SchemaError{Field: field, Reason: "metric not in the declared diagnostic set"}
		}
		if _, dup := names[c.Metric]; dup {
			return &SchemaError{Field: field, Reason: "duplicate metric"}
		}
		names[c.Metric] = struct{}{}
		if math.IsNaN(c.Contribution) || math.IsInf(c.Contribution, 0) {
			return &SchemaError{Field: field, Reason: "contribution is not finite"}
		}
	}
	return nil
}

func schemaError(table string, row int, entity string, err error) error {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		reason := "failed " + fe.Tag()
		if fe.Param() != "" {
			reason += "=" + fe.Param()
		}
		return &SchemaError{Table: table, Row: row, Entity: entity, Field: fe.Field(), Reason: reason}
	}
	return &SchemaError{Table: table, Row: row, Entity: entity, Reason: err.Error()}
}

// #endregion input-validation
