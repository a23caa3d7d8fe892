package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"killchain-advisor/internal/analysis"
)

// renderReport writes the human readable form of r.
func renderReport(w io.Writer, r *analysis.Report) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	ix := r.Index

	fmt.Fprintf(tw, "Report %s  fingerprint %s\n", r.ID, shortFingerprint(r.Fingerprint))
	if r.CampaignID != "" {
		fmt.Fprintf(tw, "Scope: campaign %s\n", r.CampaignID)
	}
	for _, warn := range r.Warnings {
		fmt.Fprintf(tw, "WARNING: %s\n", warn)
	}
	fmt.Fprintf(tw, "\n%d cases, %d entities, %d edges, %d lateral pivots\n",
		len(ix.Cases), len(ix.Entities), len(ix.Edges), len(ix.Lateral))

	fmt.Fprintln(tw, "\nCAMPAIGNS")
	fmt.Fprintln(tw, "ID\tRISK\tCASES\tHOPS\tTITLE")
	for _, c := range ix.Campaigns {
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%s\n", c.ID, c.Risk, len(c.CaseIDs), c.LateralHops, c.Title)
	}

	if len(r.Techniques) > 0 {
		fmt.Fprintln(tw, "\nTECHNIQUES")
		fmt.Fprintln(tw, "ID\tTACTIC\tCASES\tNAME")
		for _, t := range r.Techniques {
			fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", t.TechniqueID, t.Tactic, len(t.CaseIDs), t.Name)
		}
	}

	kc := r.KillChain
	fmt.Fprintln(tw, "\nKILL CHAIN")
	stages := make([]string, 0, len(kc.Stages))
	for _, s := range kc.Stages {
		stages = append(stages, string(s))
	}
	fmt.Fprintf(tw, "Observed:\t%s\n", orNone(strings.Join(stages, " > ")))
	current := "none"
	if kc.CurrentStage != nil {
		current = string(*kc.CurrentStage)
	}
	fmt.Fprintf(tw, "Current:\t%s\n", current)
	next := make([]string, 0, len(kc.NextLikely))
	for _, s := range kc.NextLikely {
		next = append(next, string(s))
	}
	fmt.Fprintf(tw, "Next likely:\t%s\n", orNone(strings.Join(next, ", ")))
	fmt.Fprintf(tw, "Confidence:\t%d%%\n", kc.Confidence)

	fmt.Fprintln(tw, "\nDECISIONS")
	for i, d := range r.Decisions {
		fmt.Fprintf(tw, "%d. [%s %d] %s\n", i+1, d.Priority, d.Score, d.Title)
		for _, line := range d.Rationale {
			fmt.Fprintf(tw, "   - %s\n", line)
		}
	}
	if len(r.Decisions) > 0 {
		fmt.Fprintln(tw, "\nGuardrails:")
		for _, g := range r.Decisions[0].Guardrails {
			fmt.Fprintf(tw, "  * %s\n", g)
		}
	}
	return tw.Flush()
}

func shortFingerprint(fp string) string {
	if len(fp) > 12 {
		return fp[:12]
	}
	return fp
}

func orNone(s string) string {
	if s == "" {
		return "none"
	}
	return s
}
