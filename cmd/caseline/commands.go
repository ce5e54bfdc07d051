package main

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/kalambet/caseline/internal/config"
)

// --- investigate ---

var investigateCmd = &cobra.Command{
	Use:   "investigate <entity-id>",
	Short: "Run a full investigation against an entity",
	Long: `Run a full investigation against an entity.

Creates the investigation, attaches settings, starts analysis, and (unless
--no-wait is given) polls until a terminal state, then prints the results.

Examples:
  caseline investigate acct-4411 --type account
  caseline investigate merchant-9 --type merchant --domains transactions,network
  caseline investigate acct-4411 --scope region=eu --scope channel=card`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		entityID := args[0]
		entityType, _ := cmd.Flags().GetString("type")
		domainsStr, _ := cmd.Flags().GetString("domains")
		scopePairs, _ := cmd.Flags().GetStringArray("scope")
		noWait, _ := cmd.Flags().GetBool("no-wait")
		timeout, _ := cmd.Flags().GetDuration("timeout")

		var domains []string
		if domainsStr != "" {
			domains = strings.Split(domainsStr, ",")
			for i := range domains {
				domains[i] = strings.TrimSpace(domains[i])
			}
		}

		scope := make(map[string]string)
		for _, pair := range scopePairs {
			k, v, ok := strings.Cut(pair, "=")
			if !ok {
				return fmt.Errorf("invalid --scope %q, expected key=value", pair)
			}
			scope[k] = v
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		ctx := cmd.Context()

		printStep("Creating investigation...")
		resp, err := client.post(ctx, "/investigations", map[string]any{})
		if err != nil {
			return err
		}
		var inv struct {
			ID      string `json:"investigation_id"`
			Version int64  `json:"version"`
		}
		if err := decodeJSON(resp, &inv); err != nil {
			return err
		}
		printStatus("Investigation", "%s", inv.ID)

		printStep("Attaching settings...")
		settings := map[string]any{
			"entity_id":   entityID,
			"entity_type": entityType,
		}
		if len(domains) > 0 {
			settings["domains"] = domains
		}
		if len(scope) > 0 {
			settings["scope"] = scope
		}
		resp, err = client.post(ctx, "/investigations/"+inv.ID+"/settings", map[string]any{
			"settings":         settings,
			"expected_version": inv.Version,
		})
		if err != nil {
			return err
		}
		if err := decodeJSON(resp, &inv); err != nil {
			return err
		}

		printStep("Starting analysis...")
		resp, err = client.post(ctx, "/investigations/"+inv.ID+"/advance", map[string]any{
			"expected_version": inv.Version,
		})
		if err != nil {
			return err
		}
		if err := decodeJSON(resp, &inv); err != nil {
			return err
		}

		if noWait {
			printSuccess("Analysis started; poll with: caseline case status %s", inv.ID)
			return nil
		}

		status, err := pollUntilTerminal(cmd, client, inv.ID, timeout)
		if err != nil {
			return err
		}
		if status.Status != "COMPLETED" {
			printWarning("Investigation finished with status %s", status.Status)
			if status.Error != "" {
				printStatus("Error", "%s", status.Error)
			}
			return nil
		}
		return printResults(cmd, client, inv.ID)
	},
}

type statusView struct {
	InvestigationID    string  `json:"investigation_id"`
	Stage              string  `json:"lifecycle_stage"`
	Status             string  `json:"status"`
	CurrentPhase       string  `json:"current_phase"`
	ProgressPercentage float64 `json:"progress_percentage"`
	Error              string  `json:"error"`
	Version            int64   `json:"version"`
	PollIntervalMs     int64   `json:"recommended_poll_interval_ms"`
}

func fetchStatus(cmd *cobra.Command, client *apiClient, id string) (statusView, error) {
	resp, err := client.get(cmd.Context(), "/investigations/"+id+"/status")
	if err != nil {
		return statusView{}, err
	}
	var status statusView
	if err := decodeJSON(resp, &status); err != nil {
		return statusView{}, err
	}
	return status, nil
}

func pollUntilTerminal(cmd *cobra.Command, client *apiClient, id string, timeout time.Duration) (statusView, error) {
	deadline := time.Now().Add(timeout)
	lastPhase := ""
	for {
		status, err := fetchStatus(cmd, client, id)
		if err != nil {
			return statusView{}, err
		}
		if status.CurrentPhase != "" && status.CurrentPhase != lastPhase {
			printStep("%s (%.0f%%)", status.CurrentPhase, status.ProgressPercentage)
			lastPhase = status.CurrentPhase
		}
		switch status.Status {
		case "COMPLETED", "ERROR", "CANCELLED":
			return status, nil
		}
		if time.Now().After(deadline) {
			return status, fmt.Errorf("timed out after %s waiting for investigation %s", timeout, id)
		}

		// The server tells pollers how fast to come back.
		interval := time.Duration(status.PollIntervalMs) * time.Millisecond
		if interval <= 0 {
			interval = 2 * time.Second
		}
		select {
		case <-cmd.Context().Done():
			return status, cmd.Context().Err()
		case <-time.After(interval):
		}
	}
}

func printResults(cmd *cobra.Command, client *apiClient, id string) error {
	resp, err := client.get(cmd.Context(), "/investigations/"+id+"/results")
	if err != nil {
		return err
	}
	var results struct {
		RiskDisplay  string `json:"risk_display"`
		RiskLevel    string `json:"risk_level"`
		FusionStatus string `json:"fusion_status"`
		Findings     []struct {
			Domain     string   `json:"domain"`
			RiskScore  *float64 `json:"risk_score"`
			Confidence float64  `json:"confidence"`
			Status     string   `json:"status"`
			Evidence   int      `json:"evidence_count"`
		} `json:"findings"`
		Recommendations []string `json:"recommendations"`
		Metadata        struct {
			EvidenceStrength float64 `json:"evidence_strength"`
		} `json:"metadata"`
	}
	if err := decodeJSON(resp, &results); err != nil {
		return err
	}

	printSuccess("Investigation completed")
	printStatus("Risk", "%s (%s)", results.RiskDisplay, results.RiskLevel)
	printStatus("Fusion status", "%s", results.FusionStatus)
	printStatus("Evidence strength", "%.2f", results.Metadata.EvidenceStrength)
	for _, f := range results.Findings {
		score := "n/a"
		if f.RiskScore != nil {
			score = fmt.Sprintf("%.2f", *f.RiskScore)
		}
		printStatus("Finding "+f.Domain, "score=%s confidence=%.2f evidence=%d status=%s",
			score, f.Confidence, f.Evidence, f.Status)
	}
	for _, rec := range results.Recommendations {
		printStep("%s", rec)
	}
	return nil
}

func init() {
	investigateCmd.Flags().String("type", "account", "entity type under investigation")
	investigateCmd.Flags().String("domains", "", "comma-separated analysis domains (default: all configured)")
	investigateCmd.Flags().StringArray("scope", nil, "scope entry as key=value (repeatable)")
	investigateCmd.Flags().Bool("no-wait", false, "start analysis and return without waiting")
	investigateCmd.Flags().Duration("timeout", 5*time.Minute, "maximum time to wait for completion")
}

// --- case ---

var caseCmd = &cobra.Command{
	Use:   "case",
	Short: "Inspect or act on an existing investigation",
}

var caseStatusCmd = &cobra.Command{
	Use:   "status <id>",
	Short: "Show investigation status as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/investigations/"+args[0]+"/status")
		if err != nil {
			return err
		}

		var status any
		if err := decodeJSON(resp, &status); err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(status)
	},
}

var caseResultsCmd = &cobra.Command{
	Use:   "results <id>",
	Short: "Show final results for a completed investigation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		jsonOut, _ := cmd.Flags().GetBool("json")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		if jsonOut {
			resp, err := client.get(cmd.Context(), "/investigations/"+args[0]+"/results")
			if err != nil {
				return err
			}
			var results any
			if err := decodeJSON(resp, &results); err != nil {
				return err
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(results)
		}
		return printResults(cmd, client, args[0])
	},
}

var caseCancelCmd = &cobra.Command{
	Use:   "cancel <id>",
	Short: "Cancel an investigation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		status, err := fetchStatus(cmd, client, args[0])
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/investigations/"+args[0]+"/cancel", map[string]any{
			"expected_version": status.Version,
		})
		if err != nil {
			return err
		}
		var inv struct {
			Status string `json:"status"`
		}
		if err := decodeJSON(resp, &inv); err != nil {
			return err
		}

		printSuccess("Investigation %s is %s", args[0], inv.Status)
		return nil
	},
}

var caseEvidenceCmd = &cobra.Command{
	Use:   "evidence <id>",
	Short: "Upload an evidence document to an investigation",
	Long: `Upload an evidence document to an investigation.

Text is attached verbatim; PDF files are base64-encoded and queued for
extraction by the server.

Examples:
  caseline case evidence inv-1 --text "chargeback filed on 2026-08-12" --source "dispute desk"
  caseline case evidence inv-1 --file ./statement.pdf --source "bank statement"`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		text, _ := cmd.Flags().GetString("text")
		file, _ := cmd.Flags().GetString("file")
		source, _ := cmd.Flags().GetString("source")
		title, _ := cmd.Flags().GetString("title")

		if (text == "") == (file == "") {
			return fmt.Errorf("exactly one of --text or --file is required")
		}
		if source == "" {
			return fmt.Errorf("--source is required")
		}

		req := map[string]any{
			"source": source,
		}
		if title != "" {
			req["title"] = title
		}

		switch {
		case text != "":
			req["content_type"] = "text"
			req["content"] = text
		case file != "":
			data, err := os.ReadFile(file)
			if err != nil {
				return fmt.Errorf("reading file: %w", err)
			}
			if strings.EqualFold(filepath.Ext(file), ".pdf") {
				req["content_type"] = "pdf"
				req["content"] = base64.StdEncoding.EncodeToString(data)
			} else {
				req["content_type"] = "text"
				req["content"] = string(data)
			}
			if title == "" {
				req["title"] = filepath.Base(file)
			}
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/investigations/"+args[0]+"/evidence", req)
		if err != nil {
			return err
		}

		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Queued evidence doc %s", result["id"])
		return nil
	},
}

func init() {
	caseResultsCmd.Flags().Bool("json", false, "print the raw results JSON")
	caseEvidenceCmd.Flags().String("text", "", "text content to attach")
	caseEvidenceCmd.Flags().String("file", "", "file path to attach (.pdf files are sent for extraction)")
	caseEvidenceCmd.Flags().String("source", "", "where the evidence came from")
	caseEvidenceCmd.Flags().String("title", "", "title for the document")

	caseCmd.AddCommand(caseStatusCmd)
	caseCmd.AddCommand(caseResultsCmd)
	caseCmd.AddCommand(caseCancelCmd)
	caseCmd.AddCommand(caseEvidenceCmd)
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		keys := config.ShowAll(cfg)
		for _, k := range keys {
			fmt.Printf("  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}
