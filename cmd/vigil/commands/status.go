package commands

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// statusCmd asks a running daemon for its state over the HTTP API.
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon status",
	Long:  `Query a running daemon and display its arousal level, latest findings and tracked metrics.`,
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)

	statusCmd.Flags().String("api-url", "http://localhost:8090", "daemon API base URL")
	statusCmd.Flags().String("format", "table", "output format (table, json, yaml)")
	statusCmd.Flags().Bool("watch", false, "refresh continuously")
	statusCmd.Flags().Duration("interval", 5*time.Second, "watch refresh interval")
}

type statusFindings struct {
	Issues    int       `json:"issues" yaml:"issues"`
	Critical  bool      `json:"critical" yaml:"critical"`
	CheckedAt time.Time `json:"checked_at" yaml:"checked_at"`
}

type statusTransition struct {
	From      string    `json:"from_state" yaml:"from_state"`
	To        string    `json:"to_state" yaml:"to_state"`
	Reason    string    `json:"reason" yaml:"reason"`
	Timestamp time.Time `json:"timestamp" yaml:"timestamp"`
}

type statusPayload struct {
	Level             string             `json:"level" yaml:"level"`
	Since             time.Time          `json:"since" yaml:"since"`
	UptimeSeconds     float64            `json:"uptime_seconds" yaml:"uptime_seconds"`
	Findings          statusFindings     `json:"findings" yaml:"findings"`
	Metrics           []string           `json:"metrics" yaml:"metrics"`
	StoreSizeMB       float64            `json:"store_size_mb" yaml:"store_size_mb"`
	RecentTransitions []statusTransition `json:"recent_transitions" yaml:"recent_transitions"`
}

func runStatus(cmd *cobra.Command, args []string) error {
	apiURL, _ := cmd.Flags().GetString("api-url")
	format, _ := cmd.Flags().GetString("format")
	watch, _ := cmd.Flags().GetBool("watch")
	interval, _ := cmd.Flags().GetDuration("interval")

	if watch {
		for {
			// Clear screen.
			fmt.Print("\033[H\033[2J")
			if err := displayStatus(apiURL, format); err != nil {
				return err
			}
			time.Sleep(interval)
		}
	}
	return displayStatus(apiURL, format)
}

func displayStatus(apiURL, format string) error {
	status, err := fetchStatus(apiURL)
	if err != nil {
		return fmt.Errorf("failed to fetch status: %w", err)
	}

	switch format {
	case "json":
		out, err := json.MarshalIndent(status, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
	case "yaml":
		out, err := yaml.Marshal(status)
		if err != nil {
			return err
		}
		fmt.Print(string(out))
	default:
		printStatusTable(status)
	}
	return nil
}

func fetchStatus(apiURL string) (*statusPayload, error) {
	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Get(apiURL + "/api/v1/status")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var envelope struct {
		Success bool          `json:"success"`
		Data    statusPayload `json:"data"`
		Error   string        `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK || !envelope.Success {
		if envelope.Error != "" {
			return nil, fmt.Errorf("daemon returned %d: %s", resp.StatusCode, envelope.Error)
		}
		return nil, fmt.Errorf("daemon returned status %d", resp.StatusCode)
	}
	return &envelope.Data, nil
}

func printStatusTable(status *statusPayload) {
	fmt.Printf("Vigil %s - %s\n\n", Version, time.Now().Format("2006-01-02 15:04:05"))

	fmt.Printf("  Level      : %s (since %s)\n", status.Level, humanize.Time(status.Since))
	uptime := time.Duration(status.UptimeSeconds * float64(time.Second)).Round(time.Second)
	fmt.Printf("  Uptime     : %s\n", uptime)

	fmt.Printf("  Issues     : %d", status.Findings.Issues)
	if status.Findings.Critical {
		fmt.Print(" (critical)")
	}
	fmt.Println()
	if !status.Findings.CheckedAt.IsZero() {
		fmt.Printf("  Last scan  : %s\n", humanize.Time(status.Findings.CheckedAt))
	}

	fmt.Printf("  Store size : %.1f MB\n", status.StoreSizeMB)
	fmt.Printf("  Metrics    : %s\n", strings.Join(status.Metrics, ", "))

	if len(status.RecentTransitions) > 0 {
		fmt.Println("\nRecent transitions:")
		for _, tr := range status.RecentTransitions {
			fmt.Printf("  %s  %s -> %s  (%s)\n",
				tr.Timestamp.Format("01-02 15:04"), tr.From, tr.To, tr.Reason)
		}
	}
}
