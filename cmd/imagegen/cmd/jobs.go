package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/psantana5/imagegen/pkg/imaging"
	"github.com/psantana5/imagegen/pkg/models"
)

var (
	// Job submit flags
	submitProvider string
	submitModel    string
	submitPrompt   string
	submitWidth    int
	submitHeight   int
	submitSteps    int
	submitCFG      float64
	submitSeed     int64
	submitMode     string
	submitSession  string
	submitWait     bool

	// Job status flags
	followStatus bool

	// Job list flags
	listStatus   string
	listProvider string
	listSession  string
	listLimit    int

	// Job result flags
	resultFile string
)

// jobsCmd represents the jobs command
var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Manage generation jobs",
	Long:  `Commands for submitting, inspecting and downloading image generation jobs.`,
}

var jobsSubmitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit a new job",
	Long: `Submit a generation job. The provider credential is taken from
--provider-key, provider_key in the config file or IMAGEGEN_PROVIDER_KEY.`,
	RunE: runJobsSubmit,
}

var jobsStatusCmd = &cobra.Command{
	Use:   "status <job-id>",
	Short: "Get job status",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsStatus,
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent jobs",
	RunE:  runJobsList,
}

var jobsResultCmd = &cobra.Command{
	Use:   "result <job-id>",
	Short: "Download the image of a finished job",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsResult,
}

func init() {
	rootCmd.AddCommand(jobsCmd)
	jobsCmd.AddCommand(jobsSubmitCmd)
	jobsCmd.AddCommand(jobsStatusCmd)
	jobsCmd.AddCommand(jobsListCmd)
	jobsCmd.AddCommand(jobsResultCmd)

	jobsSubmitCmd.Flags().StringVar(&submitProvider, "provider", "", "provider id (required, e.g., together or gemini)")
	jobsSubmitCmd.Flags().StringVar(&submitModel, "model", "", "model id (required)")
	jobsSubmitCmd.Flags().StringVar(&submitPrompt, "prompt", "", "text prompt (required)")
	jobsSubmitCmd.Flags().IntVar(&submitWidth, "width", 0, "image width in pixels (default from model)")
	jobsSubmitCmd.Flags().IntVar(&submitHeight, "height", 0, "image height in pixels (default from model)")
	jobsSubmitCmd.Flags().IntVar(&submitSteps, "steps", 0, "inference steps (default from model)")
	jobsSubmitCmd.Flags().Float64Var(&submitCFG, "cfg", 0, "guidance scale (default from model)")
	jobsSubmitCmd.Flags().Int64Var(&submitSeed, "seed", 0, "seed, 0 for random")
	jobsSubmitCmd.Flags().StringVar(&submitMode, "mode", "", "model specific mode")
	jobsSubmitCmd.Flags().StringVar(&submitSession, "session", "", "session id used for per-session limits")
	jobsSubmitCmd.Flags().BoolVar(&submitWait, "wait", false, "poll until the job finishes")
	jobsSubmitCmd.MarkFlagRequired("provider")
	jobsSubmitCmd.MarkFlagRequired("model")
	jobsSubmitCmd.MarkFlagRequired("prompt")

	jobsStatusCmd.Flags().BoolVar(&followStatus, "follow", false, "poll job status every 2 seconds until completion")

	jobsListCmd.Flags().StringVar(&listStatus, "status", "", "filter by status (queued, running, done, error)")
	jobsListCmd.Flags().StringVar(&listProvider, "provider", "", "filter by provider")
	jobsListCmd.Flags().StringVar(&listSession, "session", "", "filter by session id")
	jobsListCmd.Flags().IntVar(&listLimit, "limit", 50, "maximum number of jobs")

	jobsResultCmd.Flags().StringVarP(&resultFile, "file", "f", "", "destination file (default <job-id>.<ext>)")
}

type jobRequest struct {
	Provider string  `json:"provider"`
	Model    string  `json:"model"`
	Prompt   string  `json:"prompt"`
	Width    int     `json:"width,omitempty"`
	Height   int     `json:"height,omitempty"`
	Steps    int     `json:"steps,omitempty"`
	CFGScale float64 `json:"cfg_scale,omitempty"`
	Seed     int64   `json:"seed,omitempty"`
	Mode     string  `json:"mode,omitempty"`
}

type submitResponse struct {
	JobID  string `json:"job_id"`
	Status string `json:"status"`
}

func runJobsSubmit(cmd *cobra.Command, args []string) error {
	reqBody, err := json.Marshal(jobRequest{
		Provider: submitProvider,
		Model:    submitModel,
		Prompt:   submitPrompt,
		Width:    submitWidth,
		Height:   submitHeight,
		Steps:    submitSteps,
		CFGScale: submitCFG,
		Seed:     submitSeed,
		Mode:     submitMode,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := CreateAuthenticatedRequest("POST", GetServerURL()+"/jobs", bytes.NewBuffer(reqBody))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if submitSession != "" {
		httpReq.Header.Set("X-Session-ID", submitSession)
	}

	body, err := doRequest(httpReq, http.StatusAccepted)
	if err != nil {
		return err
	}

	var result submitResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}

	if submitWait {
		return followJob(result.JobID)
	}

	if IsJSONOutput() {
		return printJSON(result)
	}
	fmt.Printf("Job submitted: %s (%s)\n", result.JobID, result.Status)
	return nil
}

func runJobsStatus(cmd *cobra.Command, args []string) error {
	if followStatus {
		return followJob(args[0])
	}
	job, err := fetchJob(args[0])
	if err != nil {
		return err
	}
	return printJob(job)
}

// followJob polls until the job is terminal and prints the final record
func followJob(id string) error {
	if !IsJSONOutput() {
		fmt.Printf("Following job %s (press Ctrl+C to stop)...\n", id)
	}
	last := models.JobStatus("")
	for {
		job, err := fetchJob(id)
		if err != nil {
			return err
		}
		if job.Status != last && !IsJSONOutput() {
			fmt.Printf("[%s] %s\n", time.Now().Format("15:04:05"), job.Status)
			last = job.Status
		}
		if models.IsTerminalState(job.Status) {
			return printJob(job)
		}
		time.Sleep(2 * time.Second)
	}
}

func fetchJob(id string) (*models.Job, error) {
	httpReq, err := CreateAuthenticatedRequest("GET", GetServerURL()+"/jobs/"+url.PathEscape(id), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	body, err := doRequest(httpReq, http.StatusOK)
	if err != nil {
		return nil, err
	}
	var job models.Job
	if err := json.Unmarshal(body, &job); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	return &job, nil
}

func printJob(job *models.Job) error {
	if IsJSONOutput() {
		return printJSON(job)
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Field", "Value")
	table.Append("ID", job.ID)
	table.Append("Status", string(job.Status))
	table.Append("Provider", job.Provider)
	table.Append("Model", job.Model)
	table.Append("Prompt", truncate(job.Prompt, 60))
	table.Append("Size", fmt.Sprintf("%dx%d", job.Width, job.Height))
	table.Append("Steps", strconv.Itoa(job.Steps))
	table.Append("Attempts", strconv.Itoa(job.Attempts))
	table.Append("Created At", job.CreatedAt.Format(time.RFC3339))
	if job.DurationMs != nil {
		table.Append("Duration", (time.Duration(*job.DurationMs) * time.Millisecond).String())
	}
	if job.ErrorCode != "" {
		table.Append("Error", job.ErrorCode+": "+job.ErrorMessage)
	}
	if job.ResultPath != "" {
		table.Append("Result", job.ResultPath)
	}
	table.Render()
	return nil
}

func runJobsList(cmd *cobra.Command, args []string) error {
	q := url.Values{}
	if listStatus != "" {
		q.Set("status", listStatus)
	}
	if listProvider != "" {
		q.Set("provider", listProvider)
	}
	if listSession != "" {
		q.Set("session_id", listSession)
	}
	q.Set("limit", strconv.Itoa(listLimit))

	httpReq, err := CreateAuthenticatedRequest("GET", GetServerURL()+"/jobs?"+q.Encode(), nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	body, err := doRequest(httpReq, http.StatusOK)
	if err != nil {
		return err
	}

	var result struct {
		Jobs  []*models.Job `json:"jobs"`
		Count int           `json:"count"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}

	if IsJSONOutput() {
		return printJSON(result)
	}

	if result.Count == 0 {
		fmt.Println("No jobs found")
		return nil
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("ID", "Status", "Provider", "Model", "Prompt", "Created")
	for _, job := range result.Jobs {
		table.Append(job.ID, string(job.Status), job.Provider, job.Model,
			truncate(job.Prompt, 32), job.CreatedAt.Format("2006-01-02 15:04:05"))
	}
	table.Render()
	fmt.Printf("\nTotal: %d jobs\n", result.Count)
	return nil
}

func runJobsResult(cmd *cobra.Command, args []string) error {
	id := args[0]
	httpReq, err := CreateAuthenticatedRequest("GET", GetServerURL()+"/jobs/"+url.PathEscape(id)+"/result", nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	body, err := doRequest(httpReq, http.StatusOK)
	if err != nil {
		return err
	}

	dest := resultFile
	if dest == "" {
		dest = id + "." + imaging.ExtensionFor(body)
	}
	if err := os.WriteFile(dest, body, 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", dest, err)
	}
	fmt.Printf("Saved %s (%d bytes)\n", dest, len(body))
	return nil
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}

func printJSON(v interface{}) error {
	output, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal JSON: %w", err)
	}
	fmt.Println(string(output))
	return nil
}
