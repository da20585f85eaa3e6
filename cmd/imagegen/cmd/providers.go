package cmd

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/psantana5/imagegen/pkg/models"
)

var refreshModels bool

var providersCmd = &cobra.Command{
	Use:   "providers",
	Short: "Inspect image providers",
	RunE:  runProvidersList,
}

var providersModelsCmd = &cobra.Command{
	Use:   "models <provider>",
	Short: "List the models available to the provider key",
	Args:  cobra.ExactArgs(1),
	RunE:  runProvidersModels,
}

var providersValidateCmd = &cobra.Command{
	Use:   "validate-key <provider>",
	Short: "Check the provider key against the provider",
	Args:  cobra.ExactArgs(1),
	RunE:  runProvidersValidate,
}

func init() {
	rootCmd.AddCommand(providersCmd)
	providersCmd.AddCommand(providersModelsCmd)
	providersCmd.AddCommand(providersValidateCmd)

	providersModelsCmd.Flags().BoolVar(&refreshModels, "refresh", false, "bypass the server's model cache")
}

func runProvidersList(cmd *cobra.Command, args []string) error {
	httpReq, err := CreateAuthenticatedRequest("GET", GetServerURL()+"/providers", nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	body, err := doRequest(httpReq, http.StatusOK)
	if err != nil {
		return err
	}

	var result struct {
		Providers []string `json:"providers"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	if IsJSONOutput() {
		return printJSON(result)
	}
	fmt.Println(strings.Join(result.Providers, "\n"))
	return nil
}

func runProvidersModels(cmd *cobra.Command, args []string) error {
	endpoint := GetServerURL() + "/providers/" + url.PathEscape(args[0]) + "/models"
	if refreshModels {
		endpoint += "?refresh=true"
	}
	httpReq, err := CreateAuthenticatedRequest("GET", endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	body, err := doRequest(httpReq, http.StatusOK)
	if err != nil {
		return err
	}

	var result struct {
		Models []models.ModelSpec `json:"models"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	if IsJSONOutput() {
		return printJSON(result)
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("ID", "Name", "Default Size", "Steps", "CFG")
	for _, m := range result.Models {
		l := m.Limits
		table.Append(m.ID, m.Name,
			fmt.Sprintf("%dx%d", m.DefaultWidth, m.DefaultHeight),
			fmt.Sprintf("%d-%d (%d)", l.MinSteps, l.MaxSteps, l.DefaultSteps),
			strconv.FormatFloat(l.DefaultCFG, 'f', -1, 64))
	}
	table.Render()
	return nil
}

func runProvidersValidate(cmd *cobra.Command, args []string) error {
	endpoint := GetServerURL() + "/providers/" + url.PathEscape(args[0]) + "/validate-key"
	httpReq, err := CreateAuthenticatedRequest("POST", endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if _, err := doRequest(httpReq, http.StatusOK); err != nil {
		return err
	}
	fmt.Printf("Key is valid for %s\n", args[0])
	return nil
}
