package incident

import (
	"archive/zip"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"
)

// PostmortemRecord is the top-level struct written to incident.json in the bundle.
type PostmortemRecord struct {
	Incident      Incident             `json:"incident"`
	Hypotheses    []Hypothesis         `json:"hypotheses"`
	Actions       []ActionRecord       `json:"actions"`
	Verifications []VerificationRecord `json:"verifications"`
	Timeline      []TimelineEvent      `json:"timeline"`
}

// GeneratePostmortemBundle writes a ZIP postmortem bundle to w.
func GeneratePostmortemBundle(w io.Writer, rec PostmortemRecord) error {
	zw := zip.NewWriter(w)

	// 1. incident.json — full incident record with attached findings
	{
		fw, err := zw.Create("incident.json")
		if err != nil {
			return fmt.Errorf("create incident.json: %w", err)
		}
		enc := json.NewEncoder(fw)
		enc.SetIndent("", "  ")
		if err := enc.Encode(rec); err != nil {
			return fmt.Errorf("write incident.json: %w", err)
		}
	}

	// 2. timeline.jsonl — timeline entries as newline-delimited JSON
	{
		fw, err := zw.Create("timeline.jsonl")
		if err != nil {
			return fmt.Errorf("create timeline.jsonl: %w", err)
		}
		enc := json.NewEncoder(fw)
		for _, entry := range rec.Timeline {
			if encErr := enc.Encode(entry); encErr != nil {
				return fmt.Errorf("write timeline.jsonl: %w", encErr)
			}
		}
	}

	// 3. README.md — human-readable postmortem template
	{
		fw, err := zw.Create("README.md")
		if err != nil {
			return fmt.Errorf("create README.md: %w", err)
		}
		if _, err := fmt.Fprint(fw, buildPostmortemReadme(rec)); err != nil {
			return fmt.Errorf("write README.md: %w", err)
		}
	}

	return zw.Close()
}

// buildPostmortemReadme generates a human-readable postmortem template pre-filled
// with incident details.
func buildPostmortemReadme(rec PostmortemRecord) string {
	inc := rec.Incident
	var sb strings.Builder

	sb.WriteString(fmt.Sprintf("# Postmortem: %s\n\n", inc.Title))
	sb.WriteString(fmt.Sprintf("**Incident ID:** %s  \n", inc.ID))
	sb.WriteString(fmt.Sprintf("**Severity:** %s  \n", inc.Severity))
	sb.WriteString(fmt.Sprintf("**Status:** %s  \n", inc.Status))
	sb.WriteString(fmt.Sprintf("**Namespace:** %s  \n", inc.Namespace))
	sb.WriteString(fmt.Sprintf("**Start Time:** %s  \n", inc.StartedAt.UTC().Format(time.RFC3339)))

	if inc.ResolvedAt != nil {
		sb.WriteString(fmt.Sprintf("**End Time:** %s  \n", inc.ResolvedAt.UTC().Format(time.RFC3339)))
		duration := inc.ResolvedAt.Sub(inc.StartedAt)
		sb.WriteString(fmt.Sprintf("**Duration:** %s  \n", duration.Round(time.Second)))
	} else {
		sb.WriteString("**End Time:** (ongoing)  \n")
	}

	sb.WriteString("\n## Summary\n\n")
	sb.WriteString("_Fill in the executive summary here._\n\n")

	sb.WriteString("## Root Cause\n\n")
	if cause := confirmedRootCause(rec.Hypotheses); cause != "" {
		sb.WriteString(cause + "\n\n")
	} else if inc.FailureReason != "" {
		sb.WriteString(fmt.Sprintf("_Investigation failed: %s_\n\n", inc.FailureReason))
	} else {
		sb.WriteString("_Root cause not yet determined._\n\n")
	}

	sb.WriteString("## Remediation\n\n")
	if len(rec.Actions) > 0 {
		for _, a := range rec.Actions {
			outcome := "failed"
			if a.Success {
				outcome = "succeeded"
			}
			sb.WriteString(fmt.Sprintf("- **%s** on `%s` (%s, %s)", a.Type, a.Target, a.Mode, outcome))
			if a.Message != "" {
				sb.WriteString(": " + a.Message)
			}
			sb.WriteString("\n")
		}
		sb.WriteString("\n")
	} else {
		sb.WriteString("_No remediation actions executed._\n\n")
	}

	sb.WriteString("## Timeline\n\n")
	if len(rec.Timeline) > 0 {
		for _, e := range rec.Timeline {
			sb.WriteString(fmt.Sprintf("- **%s** [%s] %s\n",
				e.Timestamp.UTC().Format("2006-01-02 15:04:05 UTC"),
				e.Type,
				e.Description,
			))
		}
	} else {
		sb.WriteString("_No timeline entries recorded._\n")
	}

	sb.WriteString("\n## Action Items\n\n")
	sb.WriteString("- [ ] _Add follow-up items here._\n")

	return sb.String()
}

func confirmedRootCause(hyps []Hypothesis) string {
	for _, h := range hyps {
		if h.Status == HypothesisConfirmed {
			return h.RootCause
		}
	}
	return ""
}
