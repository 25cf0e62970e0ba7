// Ingest tool for submitting raw sales batches to a running Heron server.
//
// Usage:
//   go run cmd/ingest/main.go -csv /path/to/sales_2026-08-20.csv -url http://localhost:8080
//
// This tool:
//   1. Reads a raw sales CSV (the header row names the record fields)
//   2. Submits the rows to POST /batches in chunks
//   3. Optionally triggers a pipeline run for the batch date
//   4. Polls the run until it settles and prints the outcome
package main

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// SubmitBatchRequest is the Heron batch inbox request format
type SubmitBatchRequest struct {
	Date    string              `json:"date"`
	Records []map[string]string `json:"records"`
}

type SubmitBatchResponse struct {
	Date     string `json:"date"`
	Received int    `json:"received"`
	Total    int    `json:"total"`
}

// TriggerRunRequest is the Heron run trigger request format
type TriggerRunRequest struct {
	Date string `json:"date"`
}

type TriggerRunResponse struct {
	RunID  string `json:"runId"`
	Status string `json:"status"`
}

// RunResponse mirrors the run ledger entry returned by GET /runs/{id}
type RunResponse struct {
	ID      string `json:"id"`
	Date    string `json:"date"`
	Status  string `json:"status"`
	Summary struct {
		TotalRecords int `json:"totalRecords"`
		Accepted     int `json:"accepted"`
		Rejected     int `json:"rejected"`
		FactsLoaded  int `json:"factsLoaded"`
		FlagsRaised  int `json:"flagsRaised"`
	} `json:"summary"`
	FailedTasks []string `json:"failedTasks"`
	Error       string   `json:"error"`
}

func main() {
	// Parse flags
	csvPath := flag.String("csv", "", "Path to sales CSV file")
	baseURL := flag.String("url", "http://localhost:8080", "Heron base URL")
	date := flag.String("date", "", "Batch date YYYY-MM-DD (default: from sales_<date>.csv filename)")
	chunkSize := flag.Int("chunk", 500, "Records per POST /batches request")
	trigger := flag.Bool("trigger", false, "Trigger a pipeline run after upload")
	wait := flag.Int("wait", 120, "Seconds to wait for a triggered run to settle")
	flag.Parse()

	if *csvPath == "" {
		fmt.Println("Usage: ingest -csv /path/to/sales_2026-08-20.csv [-url http://localhost:8080]")
		fmt.Println("\nFlags:")
		flag.PrintDefaults()
		os.Exit(1)
	}

	batchDate := *date
	if batchDate == "" {
		inferred, err := dateFromFileName(*csvPath)
		if err != nil {
			fmt.Printf("ERROR: %v\n", err)
			fmt.Println("\nPass the batch date explicitly with -date YYYY-MM-DD")
			os.Exit(1)
		}
		batchDate = inferred
	}
	if _, err := time.Parse("2006-01-02", batchDate); err != nil {
		fmt.Printf("ERROR: invalid batch date %q, expected YYYY-MM-DD\n", batchDate)
		os.Exit(1)
	}

	fmt.Println("╔═══════════════════════════════════════════════════════════════╗")
	fmt.Println("║               HERON INGEST - Sales Batch Upload               ║")
	fmt.Println("╚═══════════════════════════════════════════════════════════════╝")
	fmt.Printf("\nCSV File:    %s\n", *csvPath)
	fmt.Printf("Heron URL:   %s\n", *baseURL)
	fmt.Printf("Batch Date:  %s\n", batchDate)
	fmt.Printf("Chunk Size:  %d\n", *chunkSize)
	fmt.Printf("Trigger Run: %v\n", *trigger)
	fmt.Println()

	// Check Heron is running
	if err := checkHealth(*baseURL); err != nil {
		fmt.Printf("ERROR: Heron not reachable at %s: %v\n", *baseURL, err)
		fmt.Println("\nMake sure Heron is running with the memory source:")
		fmt.Println("  heron serve --source memory")
		os.Exit(1)
	}
	fmt.Println("✓ Heron is healthy")

	// Read sales data
	fmt.Printf("\nReading sales data from %s...\n", *csvPath)
	records, skipped, err := readSalesCSV(*csvPath)
	if err != nil {
		fmt.Printf("ERROR: Failed to read CSV: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("✓ Loaded %d records", len(records))
	if skipped > 0 {
		fmt.Printf(" (%d unparseable rows skipped)", skipped)
	}
	fmt.Println()

	if len(records) == 0 {
		fmt.Println("ERROR: batch is empty, nothing to submit")
		os.Exit(1)
	}

	// Upload in chunks
	client := &http.Client{Timeout: 30 * time.Second}
	startTime := time.Now()
	total, err := uploadBatch(client, *baseURL, batchDate, records, *chunkSize)
	if err != nil {
		fmt.Printf("ERROR: Upload failed: %v\n", err)
		os.Exit(1)
	}
	uploadDuration := time.Since(startTime)

	fmt.Printf("\n📦 UPLOAD\n")
	fmt.Printf("   Submitted:   %d records\n", len(records))
	fmt.Printf("   Inbox Total: %d records for %s\n", total, batchDate)
	fmt.Printf("   Duration:    %v\n", uploadDuration.Round(time.Millisecond))
	if secs := uploadDuration.Seconds(); secs > 0 {
		fmt.Printf("   Throughput:  %.0f records/sec\n", float64(len(records))/secs)
	}

	if !*trigger {
		fmt.Printf("\nBatch staged in the inbox. Trigger the run with:\n")
		fmt.Printf("  curl -X POST %s/runs -d '{\"date\":\"%s\"}'\n\n", *baseURL, batchDate)
		return
	}

	// Trigger and wait
	fmt.Printf("\nTriggering pipeline run for %s...\n", batchDate)
	runID, err := triggerRun(client, *baseURL, batchDate)
	if err != nil {
		fmt.Printf("ERROR: Failed to trigger run: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("✓ Run %s accepted\n", runID)

	run, err := waitForRun(client, *baseURL, runID, time.Duration(*wait)*time.Second)
	if err != nil {
		fmt.Printf("ERROR: %v\n", err)
		os.Exit(1)
	}

	printRunResults(run)

	switch run.Status {
	case "SUCCEEDED":
		os.Exit(0)
	case "CANCELLED":
		os.Exit(2)
	default:
		os.Exit(1)
	}
}

// dateFromFileName infers the batch date from a sales_YYYY-MM-DD.csv name.
func dateFromFileName(path string) (string, error) {
	base := filepath.Base(path)
	name := strings.TrimSuffix(base, ".csv")
	if !strings.HasPrefix(name, "sales_") {
		return "", fmt.Errorf("cannot infer batch date from %q", base)
	}
	date := strings.TrimPrefix(name, "sales_")
	if _, err := time.Parse("2006-01-02", date); err != nil {
		return "", fmt.Errorf("cannot infer batch date from %q", base)
	}
	return date, nil
}

func checkHealth(baseURL string) error {
	resp, err := http.Get(baseURL + "/health")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}
	return nil
}

func readSalesCSV(path string) ([]map[string]string, int, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, 0, err
	}
	defer file.Close()

	reader := csv.NewReader(file)
	reader.FieldsPerRecord = -1

	// Read header
	header, err := reader.Read()
	if err != nil {
		return nil, 0, fmt.Errorf("failed to read header: %w", err)
	}
	for i, col := range header {
		header[i] = strings.ToLower(strings.TrimSpace(col))
	}

	var records []map[string]string
	skipped := 0

	for {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			skipped++
			continue
		}

		rec := make(map[string]string, len(header))
		for i, col := range header {
			if i < len(row) {
				rec[col] = row[i]
			}
		}
		records = append(records, rec)
	}

	return records, skipped, nil
}

func uploadBatch(client *http.Client, baseURL, date string, records []map[string]string, chunkSize int) (int, error) {
	if chunkSize <= 0 {
		chunkSize = len(records)
	}

	total := 0
	for start := 0; start < len(records); start += chunkSize {
		end := start + chunkSize
		if end > len(records) {
			end = len(records)
		}

		body, err := json.Marshal(SubmitBatchRequest{Date: date, Records: records[start:end]})
		if err != nil {
			return 0, err
		}

		resp, err := client.Post(baseURL+"/batches", "application/json", bytes.NewReader(body))
		if err != nil {
			return 0, err
		}

		if resp.StatusCode != http.StatusOK {
			msg, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			return 0, fmt.Errorf("chunk %d-%d rejected: status %d: %s", start, end, resp.StatusCode, strings.TrimSpace(string(msg)))
		}

		var result SubmitBatchResponse
		err = json.NewDecoder(resp.Body).Decode(&result)
		resp.Body.Close()
		if err != nil {
			return 0, err
		}
		total = result.Total
	}

	return total, nil
}

func triggerRun(client *http.Client, baseURL, date string) (string, error) {
	body, err := json.Marshal(TriggerRunRequest{Date: date})
	if err != nil {
		return "", err
	}

	resp, err := client.Post(baseURL+"/runs", "application/json", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		msg, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var result TriggerRunResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", err
	}
	return result.RunID, nil
}

func waitForRun(client *http.Client, baseURL, runID string, timeout time.Duration) (*RunResponse, error) {
	deadline := time.Now().Add(timeout)

	for time.Now().Before(deadline) {
		resp, err := client.Get(baseURL + "/runs/" + runID)
		if err != nil {
			return nil, err
		}

		var run RunResponse
		err = json.NewDecoder(resp.Body).Decode(&run)
		resp.Body.Close()
		if err != nil {
			return nil, err
		}

		switch run.Status {
		case "SUCCEEDED", "FAILED", "CANCELLED":
			return &run, nil
		}

		time.Sleep(500 * time.Millisecond)
	}

	return nil, fmt.Errorf("run %s did not settle within %v", runID, timeout)
}

func printRunResults(run *RunResponse) {
	fmt.Println("\n╔═══════════════════════════════════════════════════════════════╗")
	fmt.Println("║                         RUN RESULTS                           ║")
	fmt.Println("╚═══════════════════════════════════════════════════════════════╝")

	fmt.Printf("\n📊 PIPELINE RUN\n")
	fmt.Printf("   Run ID:      %s\n", run.ID)
	fmt.Printf("   Date:        %s\n", run.Date)
	fmt.Printf("   Status:      %s\n", run.Status)

	fmt.Printf("\n🧹 VALIDATION\n")
	fmt.Printf("   Total:       %d\n", run.Summary.TotalRecords)
	fmt.Printf("   Accepted:    %d\n", run.Summary.Accepted)
	fmt.Printf("   Rejected:    %d\n", run.Summary.Rejected)
	if run.Summary.TotalRecords > 0 {
		rate := 100 * float64(run.Summary.Rejected) / float64(run.Summary.TotalRecords)
		fmt.Printf("   Reject Rate: %.2f%%\n", rate)
	}

	fmt.Printf("\n🏭 WAREHOUSE\n")
	fmt.Printf("   Facts:       %d loaded\n", run.Summary.FactsLoaded)
	fmt.Printf("   Flags:       %d raised\n", run.Summary.FlagsRaised)

	if len(run.FailedTasks) > 0 {
		fmt.Printf("\n❌ FAILED TASKS\n")
		for _, name := range run.FailedTasks {
			fmt.Printf("   - %s\n", name)
		}
	}
	if run.Error != "" {
		fmt.Printf("\n   Error: %s\n", run.Error)
	}

	fmt.Println()
}
