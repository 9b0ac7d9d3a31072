package clustering

import (
	"errors"
	"fmt"
	"strings"

	"github.com/thebtf/clusterscope/pkg/models"
)

var (
	// ErrNoEmbeddings is returned when a scenario's entity type has no embedded entities.
	ErrNoEmbeddings = errors.New("no entities with embeddings to cluster")
	// ErrScenarioInUse is returned when deleting the scenario behind the active version without force.
	ErrScenarioInUse = errors.New("scenario produced the active production version")
)

// ValidationError reports a rejected scenario parameter.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// ConvergenceError reports a clustering run that never settled.
type ConvergenceError struct {
	Err        error
	Iterations int
	Retries    int
}

func (e *ConvergenceError) Error() string {
	return fmt.Sprintf("clustering did not converge after %d iterations and %d retries", e.Iterations, e.Retries)
}

func (e *ConvergenceError) Unwrap() error { return e.Err }

// PromotionPreconditionError is returned when promoting a scenario that is not completed.
type PromotionPreconditionError struct {
	ScenarioID string
	Status     models.ScenarioStatus
}

func (e *PromotionPreconditionError) Error() string {
	return fmt.Sprintf("scenario %s is %s; only completed scenarios can be promoted", e.ScenarioID, e.Status)
}

// OrphanedClusterInvariantViolation wraps a non-empty orphan report.
type OrphanedClusterInvariantViolation struct {
	Report *OrphanReport
}

func (e *OrphanedClusterInvariantViolation) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d entities reference clusters with no centroid", len(e.Report.Orphans))
	for i, o := range e.Report.Orphans {
		if i == 3 {
			b.WriteString(", ...")
			break
		}
		fmt.Fprintf(&b, "%s %s -> cluster %d@v%d", sep(i), o.EntityID, o.ClusterID, o.ClusterVersion)
	}
	return b.String()
}

func sep(i int) string {
	if i == 0 {
		return ":"
	}
	return ","
}
