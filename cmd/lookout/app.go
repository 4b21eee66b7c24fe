package main

import (
	"fmt"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/cuemby/lookout/pkg/storage"
	"github.com/cuemby/lookout/pkg/types"
	"github.com/spf13/cobra"
)

// Application commands operate on the data directory directly, so they
// fail while a server holds the database open.
var appCmd = &cobra.Command{
	Use:   "app",
	Short: "Manage applications in the local store",
}

var appCreateCmd = &cobra.Command{
	Use:   "create NAME",
	Short: "Create an application",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, _ := cmd.Flags().GetString("key")
		description, _ := cmd.Flags().GetString("description")
		disabled, _ := cmd.Flags().GetBool("disabled")
		users, _ := cmd.Flags().GetStringSlice("user")

		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		app := &types.Application{
			AppKey:      key,
			Name:        args[0],
			Description: description,
			Enabled:     !disabled,
			Users:       users,
		}
		if err := store.CreateApplication(app); err != nil {
			return fmt.Errorf("failed to create application: %v", err)
		}

		fmt.Fprintf(cmd.OutOrStdout(), "✓ Application created: %s (ID: %d)\n", app.Name, app.ID)
		return nil
	},
}

var appListCmd = &cobra.Command{
	Use:   "list",
	Short: "List applications",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		apps, err := store.ListApplications()
		if err != nil {
			return fmt.Errorf("failed to list applications: %v", err)
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tKEY\tNAME\tENABLED\tEVENTS\tUSERS")
		for _, app := range apps {
			count, err := store.CountEvents(app.ID)
			if err != nil {
				return err
			}
			fmt.Fprintf(w, "%d\t%s\t%s\t%t\t%d\t%s\n",
				app.ID, app.AppKey, app.Name, app.Enabled, count, strings.Join(app.Users, ","))
		}
		return w.Flush()
	},
}

var appGrantCmd = &cobra.Command{
	Use:   "grant APP_ID USER...",
	Short: "Allow users to view an application's events",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return changeAccess(cmd, args, true)
	},
}

var appRevokeCmd = &cobra.Command{
	Use:   "revoke APP_ID USER...",
	Short: "Remove users from an application's viewers",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return changeAccess(cmd, args, false)
	},
}

func init() {
	appCmd.AddCommand(appCreateCmd)
	appCmd.AddCommand(appListCmd)
	appCmd.AddCommand(appGrantCmd)
	appCmd.AddCommand(appRevokeCmd)
	appCmd.AddCommand(appApplyCmd)

	appCreateCmd.Flags().String("key", "", "Application key used by producers")
	appCreateCmd.Flags().String("description", "", "Description")
	appCreateCmd.Flags().Bool("disabled", false, "Create the application disabled")
	appCreateCmd.Flags().StringSlice("user", nil, "Users allowed to view the application")
}

func openStore() (*storage.BoltStore, error) {
	store, err := storage.NewBoltStore(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to open store at %s (is a server running?): %v", cfg.DataDir, err)
	}
	return store, nil
}

func changeAccess(cmd *cobra.Command, args []string, grant bool) error {
	appID, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil || appID <= 0 {
		return fmt.Errorf("invalid application id %q", args[0])
	}

	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	for _, user := range args[1:] {
		if grant {
			err = store.GrantAccess(appID, user)
		} else {
			err = store.RevokeAccess(appID, user)
		}
		if err != nil {
			return fmt.Errorf("failed to update access for %s: %v", user, err)
		}
	}

	verb := "granted"
	if !grant {
		verb = "revoked"
	}
	fmt.Fprintf(cmd.OutOrStdout(), "✓ Access %s on application %d: %s\n", verb, appID, strings.Join(args[1:], ", "))
	return nil
}
