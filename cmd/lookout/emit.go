package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cuemby/lookout/pkg/types"
	"github.com/spf13/cobra"
)

var emitCmd = &cobra.Command{
	Use:   "emit",
	Short: "Log an event against an application",
	Long: `Log an event through the server's ingestion API. The event is stored
and pushed to every subscriber of the application whose filter accepts it.

Example:
  lookout emit -a 42 -u alice --level error --category Payments -m "card declined"`,
	RunE: runEmit,
}

func init() {
	emitCmd.Flags().Int64P("application", "a", 0, "Application id (required)")
	emitCmd.Flags().StringP("user", "u", "", "User id sent in the identity header (required)")
	emitCmd.Flags().StringP("level", "l", "information", "Event level")
	emitCmd.Flags().String("category", "", "Event category")
	emitCmd.Flags().StringP("message", "m", "", "Event message (required)")
	emitCmd.Flags().String("exception", "", "Exception text")
	emitCmd.Flags().Int("event-id", 0, "Application specific event id")
	emitCmd.Flags().String("server", "http://127.0.0.1:8080", "Lookout HTTP address")
	_ = emitCmd.MarkFlagRequired("application")
	_ = emitCmd.MarkFlagRequired("user")
	_ = emitCmd.MarkFlagRequired("message")
}

func runEmit(cmd *cobra.Command, args []string) error {
	appID, _ := cmd.Flags().GetInt64("application")
	user, _ := cmd.Flags().GetString("user")
	server, _ := cmd.Flags().GetString("server")

	level, _ := cmd.Flags().GetString("level")
	parsed, err := types.ParseLevel(level)
	if err != nil {
		return err
	}

	ev := &types.Event{Level: parsed}
	ev.Category, _ = cmd.Flags().GetString("category")
	ev.Message, _ = cmd.Flags().GetString("message")
	ev.Exception, _ = cmd.Flags().GetString("exception")
	ev.EventID, _ = cmd.Flags().GetInt("event-id")

	body, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	url := fmt.Sprintf("%s/api/applications/%d/events", strings.TrimSuffix(server, "/"), appID)
	req, err := http.NewRequestWithContext(cmd.Context(), http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(cfg.Auth.UserHeader, user)

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach server: %v", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusCreated {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("server refused event (%s): %s", resp.Status, apiErr.Error)
		}
		return fmt.Errorf("server refused event: %s", resp.Status)
	}

	var stored struct {
		Events []*types.Event `json:"events"`
	}
	if err := json.Unmarshal(data, &stored); err != nil {
		return err
	}
	if len(stored.Events) == 1 {
		fmt.Fprintf(cmd.OutOrStdout(), "✓ Event #%d logged against application %d\n", stored.Events[0].GlobalID, appID)
	}
	return nil
}
