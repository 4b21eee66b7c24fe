package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os/signal"
	"strings"
	"syscall"

	"github.com/cuemby/lookout/pkg/api"
	"github.com/cuemby/lookout/pkg/gateway"
	"github.com/cuemby/lookout/pkg/types"
	"github.com/spf13/cobra"
)

var tailCmd = &cobra.Command{
	Use:   "tail",
	Short: "Stream events for an application",
	Long: `Stream events for an application as they are logged.

Examples:
  # Follow everything logged against application 42
  lookout tail --application 42 --user alice

  # Only errors and worse, over gRPC
  lookout tail --application 42 --user alice --levels error,critical --grpc`,
	RunE: runTail,
}

func init() {
	tailCmd.Flags().Int64P("application", "a", 0, "Application id (required)")
	tailCmd.Flags().StringP("user", "u", "", "User id sent in the identity header (required)")
	tailCmd.Flags().String("levels", "", "Comma separated levels to receive (default all)")
	tailCmd.Flags().String("server", "http://127.0.0.1:8080", "Lookout HTTP address")
	tailCmd.Flags().Bool("grpc", false, "Subscribe over gRPC instead of websocket")
	tailCmd.Flags().String("grpc-addr", "", "gRPC address (defaults to config grpc_addr)")
	tailCmd.Flags().Bool("json", false, "Print raw JSON messages")
	_ = tailCmd.MarkFlagRequired("application")
	_ = tailCmd.MarkFlagRequired("user")
}

// messageSource yields gateway messages until the subscription ends
type messageSource func() (*gateway.Message, error)

func runTail(cmd *cobra.Command, args []string) error {
	appID, _ := cmd.Flags().GetInt64("application")
	user, _ := cmd.Flags().GetString("user")
	levelsFlag, _ := cmd.Flags().GetString("levels")
	useGRPC, _ := cmd.Flags().GetBool("grpc")
	jsonOut, _ := cmd.Flags().GetBool("json")

	var levels []types.Level
	if levelsFlag != "" {
		set, err := types.ParseLevelSet(strings.Split(levelsFlag, ","))
		if err != nil {
			return err
		}
		levels = set.Slice()
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var (
		next    messageSource
		welcome *gateway.Message
	)
	if useGRPC {
		addr, _ := cmd.Flags().GetString("grpc-addr")
		if addr == "" {
			addr = cfg.GRPCAddr
		}
		client, err := api.DialGRPC(addr)
		if err != nil {
			return err
		}
		defer client.Close()

		sub, err := client.Subscribe(ctx, user, appID, levels)
		if err != nil {
			return fmt.Errorf("failed to subscribe: %v", err)
		}
		next, welcome = sub.Next, sub.Welcome
	} else {
		server, _ := cmd.Flags().GetString("server")
		u, err := gateway.WebSocketURL(server, appID, levels)
		if err != nil {
			return err
		}
		header := http.Header{}
		header.Set(cfg.Auth.UserHeader, user)

		client, err := gateway.Dial(ctx, u, header)
		if err != nil {
			return err
		}
		defer client.Close()

		// unblock Next when interrupted
		go func() {
			<-ctx.Done()
			client.Close()
		}()
		next, welcome = client.Next, client.Welcome
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(cmd.ErrOrStderr(), "Watching application %d as %s (connection %s, levels %s)\n",
		welcome.ApplicationID, user, welcome.ConnectionID, joinLevels(welcome.Levels))

	for {
		msg, err := next()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if err := printMessage(out, msg, jsonOut); err != nil {
			return err
		}
	}
}

func printMessage(w io.Writer, msg *gateway.Message, jsonOut bool) error {
	if jsonOut {
		return json.NewEncoder(w).Encode(msg)
	}

	switch msg.Type {
	case gateway.MessageEvent:
		_, err := fmt.Fprintln(w, formatEvent(msg.Event))
		return err
	case gateway.MessageFilter:
		_, err := fmt.Fprintf(w, "-- filter now %s\n", joinLevels(msg.Levels))
		return err
	case gateway.MessageError:
		_, err := fmt.Fprintf(w, "-- server error: %s\n", msg.Error)
		return err
	}
	return nil
}

func formatEvent(ev *types.Event) string {
	if ev == nil {
		return ""
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s %-11s #%d", ev.Timestamp.Format("2006-01-02T15:04:05.000Z07:00"), strings.ToUpper(string(ev.Level)), ev.GlobalID)
	if ev.Category != "" {
		fmt.Fprintf(&b, " [%s]", ev.Category)
	}
	b.WriteString(" ")
	b.WriteString(ev.Message)
	if ev.Exception != "" {
		b.WriteString("\n    ")
		b.WriteString(strings.ReplaceAll(ev.Exception, "\n", "\n    "))
	}
	return b.String()
}

func joinLevels(levels []types.Level) string {
	names := make([]string, len(levels))
	for i, l := range levels {
		names[i] = string(l)
	}
	return strings.Join(names, ",")
}
