package commands

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/fatih/color"
	json "github.com/goccy/go-json"

	"github.com/thebtf/clusterscope/internal/clustering"
	"github.com/thebtf/clusterscope/internal/db"
	"github.com/thebtf/clusterscope/pkg/models"
)

func init() {
	if os.Getenv("NO_COLOR") != "" {
		color.NoColor = true
	}
}

var (
	green  = color.New(color.FgGreen)
	yellow = color.New(color.FgYellow)
	red    = color.New(color.FgRed, color.Bold)
	cyan   = color.New(color.FgCyan)
	faint  = color.New(color.Faint)
)

// success prints a green confirmation line.
func success(w io.Writer, format string, a ...any) {
	green.Fprintf(w, "✓ "+format+"\n", a...)
}

// warning prints a yellow warning line.
func warning(w io.Writer, format string, a ...any) {
	yellow.Fprintf(w, "! "+format+"\n", a...)
}

// PrintError prints err in red with a hint for the errors operators hit most.
func PrintError(w io.Writer, err error) {
	red.Fprintf(w, "Error: %v\n", err)

	var (
		validation *clustering.ValidationError
		precond    *clustering.PromotionPreconditionError
	)
	switch {
	case errors.As(err, &precond):
		fmt.Fprintf(w, "\nOnly completed scenarios can be promoted. Check progress with 'clusterctl scenario get %s'.\n", precond.ScenarioID)
	case errors.Is(err, clustering.ErrScenarioInUse):
		fmt.Fprintln(w, "\nThe scenario backs the active production version. Pass --force to delete it anyway.")
	case errors.As(err, &validation):
		fmt.Fprintf(w, "\nFix the %s value and retry.\n", validation.Field)
	case errors.Is(err, db.ErrVersionNotFound):
		fmt.Fprintln(w, "\nNo such version. 'clusterctl versions list' shows the history.")
	}
}

// writeJSON prints v as indented JSON.
func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// newTable returns a tab-aligned writer; call Flush when done.
func newTable(w io.Writer, headers ...string) *tabwriter.Writer {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, strings.Join(headers, "\t"))
	return tw
}

// statusColor renders a scenario status.
func statusColor(s models.ScenarioStatus) string {
	switch s {
	case models.ScenarioCompleted:
		return green.Sprint(s)
	case models.ScenarioFailed:
		return red.Sprint(s)
	case models.ScenarioProcessing:
		return cyan.Sprint(s)
	}
	return yellow.Sprint(s)
}

// improvementColor renders an outlier improvement; positive beats production.
func improvementColor(v float64) string {
	s := fmt.Sprintf("%+.1f", v)
	switch {
	case v > 0:
		return green.Sprint(s)
	case v < 0:
		return red.Sprint(s)
	}
	return s
}

func printScenarios(w io.Writer, scenarios []*models.Scenario) {
	if len(scenarios) == 0 {
		fmt.Fprintln(w, "No scenarios found.")
		return
	}
	tw := newTable(w, "ID", "TYPE", "K", "THRESHOLD", "STATUS", "ITEMS", "CLUSTERS", "OUTLIERS%", "IMPROVEMENT", "REQUESTED")
	for _, sc := range scenarios {
		items, clusters, outliers, improvement := "-", "-", "-", "-"
		if sc.Status == models.ScenarioCompleted {
			items = fmt.Sprint(sc.TotalItems)
			clusters = fmt.Sprint(sc.ClusterCount)
			outliers = fmt.Sprintf("%.1f", sc.OutlierPercentage)
			improvement = improvementColor(sc.OutlierImprovementPercentage)
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%.2f\t%s\t%s\t%s\t%s\t%s\t%s\n",
			sc.ID, sc.EntityType, sc.KValue, sc.SimilarityThreshold, statusColor(sc.Status),
			items, clusters, outliers, improvement, sc.RequestedAt.Format("2006-01-02 15:04"))
	}
	_ = tw.Flush()
}

func printScenarioDetails(w io.Writer, d *models.ScenarioDetails) {
	sc := d.Scenario
	cyan.Fprintf(w, "Scenario %s\n", sc.ID)
	fmt.Fprintf(w, "  Entity type:  %s\n", sc.EntityType)
	fmt.Fprintf(w, "  Parameters:   k=%d threshold=%.2f\n", sc.KValue, sc.SimilarityThreshold)
	fmt.Fprintf(w, "  Status:       %s\n", statusColor(sc.Status))
	if sc.RequestedBy != "" {
		fmt.Fprintf(w, "  Requested by: %s\n", sc.RequestedBy)
	}
	if sc.Status == models.ScenarioCompleted {
		fmt.Fprintf(w, "  Items:        %d in %d clusters, %d outliers (%.1f%%)\n",
			sc.TotalItems, sc.ClusterCount, sc.OutlierCount, sc.OutlierPercentage)
		fmt.Fprintf(w, "  Production:   %.1f%% outliers, improvement %s points\n",
			sc.ProductionOutlierPercentage, improvementColor(sc.OutlierImprovementPercentage))
		fmt.Fprintf(w, "  Iterations:   %d\n", sc.Iterations)
	}
	if sc.Notes != "" {
		fmt.Fprintln(w, "  Notes:")
		for _, line := range strings.Split(strings.TrimRight(sc.Notes, "\n"), "\n") {
			faint.Fprintf(w, "    %s\n", line)
		}
	}
	if len(d.Clusters) == 0 {
		return
	}
	fmt.Fprintln(w)
	tw := newTable(w, "CLUSTER", "LABEL", "ITEMS", "AVG SIM", "MIN", "MAX", "INDUSTRY", "SAMPLES")
	for _, c := range d.Clusters {
		fmt.Fprintf(tw, "%d\t%s\t%d\t%.3f\t%.3f\t%.3f\t%s\t%s\n",
			c.ClusterID, c.Label, c.ItemCount, c.AvgSimilarity, c.MinSimilarity, c.MaxSimilarity,
			c.PrimaryIndustry, strings.Join(c.SampleTitles, "; "))
	}
	_ = tw.Flush()
}

func printPromotion(w io.Writer, r *models.PromotionResult) {
	success(w, "Scenario %s is production version %d", r.ScenarioID, r.NewVersion)
	if r.PreviousVersion > 0 {
		fmt.Fprintf(w, "  Replaced version: %d\n", r.PreviousVersion)
	}
	fmt.Fprintf(w, "  %s entities stamped: %d, cleared: %d\n", r.EntityType, r.EntitiesUpdated, r.EntitiesCleared)
	fmt.Fprintf(w, "  Centroids carried forward: %d\n", r.CentroidsCopied)
}
