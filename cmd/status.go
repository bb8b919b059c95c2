package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/spf13/cobra"
)

var serverURL string

var statusCmd = &cobra.Command{
	Use:   "status [job-id]",
	Short: "Query server status or specific job",
	Long: `Queries a running "serve" instance. Without a job ID all jobs are
listed; with one, the job's detailed status is shown.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().StringVar(&serverURL, "server", "http://localhost:8080", "Server URL")
	rootCmd.AddCommand(statusCmd)
}

// jobStatus is the subset of the server's job JSON shown here.
type jobStatus struct {
	ID              string     `json:"id"`
	State           string     `json:"state"`
	OptimizerState  string     `json:"optimizerState"`
	Iterations      int        `json:"iterations"`
	InitialValue    float64    `json:"initialValue"`
	Value           float64    `json:"value"`
	LearningRate    float64    `json:"learningRate"`
	StopDescription string     `json:"stopDescription"`
	Parameters      []float64  `json:"parameters"`
	Elapsed         float64    `json:"elapsed"`
	StartTime       time.Time  `json:"startTime"`
	EndTime         *time.Time `json:"endTime"`
	Error           string     `json:"error"`
	Spec            struct {
		Transform string `json:"transform"`
		Optimizer struct {
			Iterations int `json:"iterations"`
		} `json:"optimizer"`
	} `json:"spec"`
}

func runStatus(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	if len(args) == 0 {
		var jobs []jobStatus
		if err := getJSON(serverURL+"/api/v1/jobs", &jobs); err != nil {
			return err
		}
		if len(jobs) == 0 {
			fmt.Fprintln(out, "No jobs found")
			return nil
		}
		fmt.Fprintf(out, "Found %d job(s):\n\n", len(jobs))
		for _, job := range jobs {
			fmt.Fprintf(out, "Job ID: %s\n", job.ID)
			fmt.Fprintf(out, "  State: %s\n", job.State)
			fmt.Fprintf(out, "  Transform: %s\n", job.Spec.Transform)
			fmt.Fprintf(out, "  Iterations: %d / %d\n", job.Iterations, job.Spec.Optimizer.Iterations)
			if job.Iterations > 0 {
				fmt.Fprintf(out, "  Value: %.6g -> %.6g\n", job.InitialValue, job.Value)
			}
			fmt.Fprintln(out)
		}
		return nil
	}

	jobID := args[0]
	var job jobStatus
	if err := getJSON(fmt.Sprintf("%s/api/v1/jobs/%s/status", serverURL, jobID), &job); err != nil {
		return err
	}

	fmt.Fprintf(out, "Job: %s\n", job.ID)
	fmt.Fprintf(out, "State: %s", job.State)
	if job.StopDescription != "" {
		fmt.Fprintf(out, " (%s)", job.StopDescription)
	}
	fmt.Fprintln(out)
	fmt.Fprintf(out, "Transform: %s\n", job.Spec.Transform)
	fmt.Fprintf(out, "Iterations: %d / %d\n", job.Iterations, job.Spec.Optimizer.Iterations)
	fmt.Fprintf(out, "Value: %.6g -> %.6g\n", job.InitialValue, job.Value)
	fmt.Fprintf(out, "Learning rate: %.6g\n", job.LearningRate)
	if len(job.Parameters) > 0 {
		fmt.Fprintf(out, "Parameters: %v\n", job.Parameters)
	}
	fmt.Fprintf(out, "Elapsed: %s\n", time.Duration(job.Elapsed*float64(time.Second)).Round(time.Millisecond))
	if job.Error != "" {
		fmt.Fprintf(out, "\nError: %s\n", job.Error)
	}
	return nil
}

func getJSON(url string, v any) error {
	resp, err := http.Get(url)
	if err != nil {
		return fmt.Errorf("failed to connect to server: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("not found: %s", url)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("server returned error: %s", string(body))
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
