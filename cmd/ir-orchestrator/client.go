package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"ir-orchestrator/internal/analytics"
	"ir-orchestrator/internal/model"
	"ir-orchestrator/internal/render"
)

var statusCmd = &cobra.Command{
	Use:   "status <incident-id>",
	Short: "Show the response for an incident from a running server",
	Args:  cobra.ExactArgs(1),
	RunE:  runStatus,
}

var analyticsCmd = &cobra.Command{
	Use:   "analytics",
	Short: "Show response analytics from a running server",
	RunE:  runAnalytics,
}

func init() {
	for _, c := range []*cobra.Command{statusCmd, analyticsCmd} {
		c.Flags().String("server", "http://localhost:8090", "operator API base URL")
		c.Flags().String("api-key", os.Getenv("IR_API_KEY"), "API key sent in X-API-Key")
	}
	analyticsCmd.Flags().String("tenant", "", "tenant id (all tenants when empty)")
	analyticsCmd.Flags().Duration("window", 24*time.Hour, "analytics window ending now")
	analyticsCmd.Flags().Bool("history", false, "aggregate the ClickHouse history")
	rootCmd.AddCommand(statusCmd, analyticsCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	var r model.IncidentResponse
	if err := getJSON(cmd, "/v1/incidents/"+url.PathEscape(args[0]), &r); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), render.Response(&r, time.Now()))
	return nil
}

func runAnalytics(cmd *cobra.Command, args []string) error {
	tenant, _ := cmd.Flags().GetString("tenant")
	window, _ := cmd.Flags().GetDuration("window")
	history, _ := cmd.Flags().GetBool("history")

	q := url.Values{}
	q.Set("window", window.String())
	if tenant != "" {
		q.Set("tenant_id", tenant)
	}
	if history {
		q.Set("source", "history")
	}

	var a analytics.Analytics
	if err := getJSON(cmd, "/v1/analytics?"+q.Encode(), &a); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), render.Analytics(a))
	return nil
}

func getJSON(cmd *cobra.Command, path string, dst any) error {
	server, _ := cmd.Flags().GetString("server")
	key, _ := cmd.Flags().GetString("api-key")

	req, err := http.NewRequestWithContext(cmd.Context(), http.MethodGet, strings.TrimRight(server, "/")+path, nil)
	if err != nil {
		return err
	}
	if key != "" {
		req.Header.Set("X-API-Key", key)
	}

	client := &http.Client{Timeout: 15 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var apiErr struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&apiErr)
		return fmt.Errorf("%s: %s %s", path, resp.Status, apiErr.Error)
	}
	return json.NewDecoder(resp.Body).Decode(dst)
}
