package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/cuemby/lookout/pkg/storage"
	"github.com/cuemby/lookout/pkg/types"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var appApplyCmd = &cobra.Command{
	Use:   "apply",
	Short: "Apply application definitions from a YAML file",
	Long: `Create or update applications from a YAML file. Applications are
matched on metadata.name, which is the application key. Multiple
documents may be separated with ---.

Example file:

  apiVersion: lookout/v1
  kind: Application
  metadata:
    name: billing
  spec:
    displayName: Billing
    enabled: true
    users: [alice, bob]`,
	RunE: runApply,
}

func init() {
	appApplyCmd.Flags().StringP("file", "f", "", "YAML file to apply (required)")
	_ = appApplyCmd.MarkFlagRequired("file")
}

// Resource is one YAML document accepted by apply
type Resource struct {
	APIVersion string           `yaml:"apiVersion"`
	Kind       string           `yaml:"kind"`
	Metadata   ResourceMetadata `yaml:"metadata"`
	Spec       ApplicationSpec  `yaml:"spec"`
}

type ResourceMetadata struct {
	Name string `yaml:"name"`
}

type ApplicationSpec struct {
	DisplayName string   `yaml:"displayName"`
	Description string   `yaml:"description"`
	Enabled     *bool    `yaml:"enabled"`
	Users       []string `yaml:"users"`
}

func runApply(cmd *cobra.Command, args []string) error {
	filename, _ := cmd.Flags().GetString("file")

	f, err := os.Open(filename)
	if err != nil {
		return fmt.Errorf("failed to read file: %v", err)
	}
	defer f.Close()

	resources, err := decodeResources(f)
	if err != nil {
		return err
	}

	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	for _, r := range resources {
		msg, err := applyApplication(store, r)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), msg)
	}
	return nil
}

func decodeResources(r io.Reader) ([]*Resource, error) {
	dec := yaml.NewDecoder(r)
	var out []*Resource
	for {
		var res Resource
		err := dec.Decode(&res)
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return nil, fmt.Errorf("failed to parse YAML: %v", err)
		}
		if res.Kind != "Application" {
			return nil, fmt.Errorf("unsupported resource kind: %q", res.Kind)
		}
		if res.Metadata.Name == "" {
			return nil, errors.New("metadata.name is required")
		}
		out = append(out, &res)
	}
}

// applyApplication creates the application named by r or updates the
// existing one with the same key. Users are only ever added.
func applyApplication(store storage.Store, r *Resource) (string, error) {
	apps, err := store.ListApplications()
	if err != nil {
		return "", err
	}

	var existing *types.Application
	for _, app := range apps {
		if app.AppKey == r.Metadata.Name {
			existing = app
			break
		}
	}

	name := r.Spec.DisplayName
	if name == "" {
		name = r.Metadata.Name
	}

	if existing == nil {
		app := &types.Application{
			AppKey:      r.Metadata.Name,
			Name:        name,
			Description: r.Spec.Description,
			Enabled:     r.Spec.Enabled == nil || *r.Spec.Enabled,
			Users:       r.Spec.Users,
		}
		if err := store.CreateApplication(app); err != nil {
			return "", fmt.Errorf("failed to create application %s: %v", r.Metadata.Name, err)
		}
		return fmt.Sprintf("✓ Application created: %s (ID: %d)", app.AppKey, app.ID), nil
	}

	existing.Name = name
	existing.Description = r.Spec.Description
	if r.Spec.Enabled != nil {
		existing.Enabled = *r.Spec.Enabled
	}
	for _, u := range r.Spec.Users {
		if !existing.HasUser(u) {
			existing.Users = append(existing.Users, u)
		}
	}
	if err := store.UpdateApplication(existing); err != nil {
		return "", fmt.Errorf("failed to update application %s: %v", r.Metadata.Name, err)
	}
	return fmt.Sprintf("✓ Application updated: %s (ID: %d)", existing.AppKey, existing.ID), nil
}
