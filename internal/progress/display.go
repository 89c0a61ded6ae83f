package progress

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
)

// Display periodically renders a tracker to a terminal
type Display struct {
	tracker  *Tracker
	interval time.Duration
	out      io.Writer
	stopCh   chan struct{}
	done     chan struct{}
	once     sync.Once
}

// NewDisplay creates a new progress display writing to out
func NewDisplay(tracker *Tracker, interval time.Duration, out io.Writer) *Display {
	return &Display{
		tracker:  tracker,
		interval: interval,
		out:      out,
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start starts the progress display
func (d *Display) Start() {
	go d.displayLoop()
}

// Stop renders the final summary and stops the display
func (d *Display) Stop() {
	d.once.Do(func() {
		close(d.stopCh)
		<-d.done
	})
}

func (d *Display) displayLoop() {
	defer close(d.done)

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			fmt.Fprintln(d.out, strings.Join(d.generateDisplay(d.tracker.GetStatus()), "\n"))
		case <-d.stopCh:
			fmt.Fprintln(d.out, strings.Join(d.generateFinalDisplay(d.tracker.GetStatus()), "\n"))
			return
		}
	}
}

func (d *Display) generateDisplay(status Status) []string {
	percent := d.tracker.GetProgressPercent()
	lines := []string{
		"",
		fmt.Sprintf("Task %s", status.TaskID),
		strings.Repeat("=", 51),
		fmt.Sprintf("Nodes: %d/%d (%.1f%%)", status.ProcessedNodes, status.TotalNodes, percent),
		"    " + generateProgressBar(percent, 40),
		fmt.Sprintf("  copied %d  archived %d  skipped %d  failed %d",
			status.SuccessNodes, status.ArchivedNodes, status.SkippedNodes, status.FailedNodes),
		fmt.Sprintf("Data: %s  current %s/s  average %s/s",
			humanize.IBytes(uint64(status.ProcessedBytes)),
			humanize.IBytes(uint64(status.CurrentSpeed)),
			humanize.IBytes(uint64(status.AverageSpeed))),
		fmt.Sprintf("Elapsed: %s  remaining: %s",
			FormatDuration(time.Since(status.StartTime)), FormatDuration(status.ETA)),
	}
	if status.ETA > 0 {
		lines = append(lines, fmt.Sprintf("Estimated completion: %s", time.Now().Add(status.ETA).Format("15:04:05")))
	}
	return lines
}

func (d *Display) generateFinalDisplay(status Status) []string {
	return []string{
		"",
		fmt.Sprintf("Task %s finished this run", status.TaskID),
		strings.Repeat("=", 51),
		fmt.Sprintf("Processed: %d of %d nodes", status.ProcessedNodes, status.TotalNodes),
		fmt.Sprintf("Data: %s", humanize.IBytes(uint64(status.ProcessedBytes))),
		fmt.Sprintf("Copied: %d  archived: %d  skipped: %d  failed: %d",
			status.SuccessNodes, status.ArchivedNodes, status.SkippedNodes, status.FailedNodes),
		fmt.Sprintf("Elapsed: %s  average %s/s",
			FormatDuration(time.Since(status.StartTime)),
			humanize.IBytes(uint64(status.AverageSpeed))),
	}
}

func generateProgressBar(percent float64, width int) string {
	if percent > 100 {
		percent = 100
	}
	if percent < 0 {
		percent = 0
	}

	filled := int(percent * float64(width) / 100)
	bar := strings.Repeat("█", filled) + strings.Repeat("░", width-filled)

	return fmt.Sprintf("[%s] %.1f%%", bar, percent)
}

// FormatDuration formats duration in human readable format
func FormatDuration(d time.Duration) string {
	if d <= 0 {
		return "-"
	}

	hours := int(d.Hours())
	minutes := int(d.Minutes()) % 60
	seconds := int(d.Seconds()) % 60

	switch {
	case hours > 0:
		return fmt.Sprintf("%dh%dm%ds", hours, minutes, seconds)
	case minutes > 0:
		return fmt.Sprintf("%dm%ds", minutes, seconds)
	default:
		return fmt.Sprintf("%ds", seconds)
	}
}

// IsTerminalSupported checks if stdout is a terminal
func IsTerminalSupported() bool {
	fileInfo, err := os.Stdout.Stat()
	if err != nil {
		return false
	}
	return fileInfo.Mode()&os.ModeCharDevice != 0
}
