package main

import (
	"strconv"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/limb-lab/mvc/pkg/mvc"
	"github.com/limb-lab/mvc/pkg/recorder"
)

func bold(format string, a ...interface{}) string {
	return color.New(color.Bold).Sprintf(format, a...)
}

func formatValue(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func optValue(v *float64, suffix string) string {
	if v == nil {
		return "-"
	}
	return strconv.FormatFloat(*v, 'f', 1, 64) + suffix
}

func stateText(s mvc.State) string {
	switch s {
	case mvc.StateComplete:
		return color.New(color.Bold, color.FgGreen).Sprint(s)
	case mvc.StateAborted:
		return color.New(color.Bold, color.FgRed).Sprint(s)
	case mvc.StateContraction:
		return color.New(color.Bold, color.FgGreen).Sprint(s)
	default:
		return bold("%s", s)
	}
}

func printRecords(cmd *cobra.Command, recs []recorder.Record) {
	if len(recs) == 0 {
		cmd.Println("  No trials recorded.")
		return
	}
	cmd.Printf("  %-6s %-10s %10s %10s %10s\n", "Trial", "Status", "Peak", "Mean", "%MVC")
	for _, r := range recs {
		cmd.Printf("  %-6d %-10s %10s %10s %10s\n", r.TrialIndex, r.Status, optValue(r.Peak, ""), optValue(r.Mean, ""), optValue(r.PercentMVC, "%"))
	}
}
