package observability

import (
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"
	"sync"
	"time"

	"golang.org/x/term"
)

var startTime = time.Now()

const (
	colorReset    = "\033[0m"
	colorPurple   = "\033[35m"
	colorNeonCyan = "\033[96m"
	colorNeonMag  = "\033[95m"
)

var radarFrames = []string{"◜", "◝", "◞", "◟"}
var radarIdx = 0

// termMu synchronizes ALL terminal output so that the cursor
// save/restore in PrintLiveStatus can never be interrupted by a log write.
var termMu sync.Mutex

func isTerminal() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}

func termWidth() int {
	w, _, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil {
		return 80
	}
	return w
}

func clamp(v, min, max int) int {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

type termWriter struct {
	w io.Writer
}

func (tw termWriter) Write(p []byte) (n int, err error) {
	termMu.Lock()
	defer termMu.Unlock()
	return tw.w.Write(p)
}

// NewTermWriter returns an io.Writer suitable for log.SetOutput().
// It serialises writes with PrintLiveStatus via termMu.
func NewTermWriter() io.Writer {
	return termWriter{w: os.Stderr}
}

// PrintBanner prints the startup banner. Non-terminals get one plain line.
func PrintBanner(version string) {
	if !isTerminal() {
		fmt.Printf("agentichq %s\n", version)
		return
	}

	banner := `
    ___                    __  _      __  ______
   /   | ____ ____  ____  / /_(_)____/ / / / __ \
  / /| |/ __ '/ _ \/ __ \/ __/ / ___/ /_/ / / / /
 / ___ / /_/ /  __/ / / / /_/ / /__/ __  / /_/ /
/_/  |_\__, /\___/_/ /_/\__/_/\___/_/ /_/\___\_\
      /____/
          >> PLAN EXECUTION ENGINE ` + version + ` <<
`

	width := termWidth()
	for _, l := range strings.Split(banner, "\n") {
		padding := (width - len(l)) / 2
		if padding < 0 {
			padding = 0
		}
		fmt.Printf("%s%s%s\n", strings.Repeat(" ", padding), colorNeonCyan+l, colorReset)
	}
}

// InitializeTerminal reserves the top 10 lines for the banner and the status
// line; logs scroll below.
func InitializeTerminal() {
	fmt.Print("\033[2J\033[H")
	fmt.Print("\033[12;r")
	fmt.Print("\033[12;1H")
}

func CleanupTerminal() {
	fmt.Print("\033[r\033[2J\033[H")
}

// PrintLiveStatus redraws the status line on row 10.
func PrintLiveStatus() {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	st := GetStatus()
	memMB := float64(m.Alloc) / 1024 / 1024

	pulseIcon, pulseText, pulseColor := "🔴", "OFFLINE", colorNeonMag
	delta := time.Since(st.LastHeartbeat)
	if delta < 40*time.Second {
		pulseIcon, pulseText, pulseColor = "🟢", "HEALTHY", colorNeonCyan
	} else if delta < 90*time.Second {
		pulseIcon, pulseText, pulseColor = "🟡", "LAGGING", colorPurple
	}

	radar := " "
	if len(st.ActivePlans) > 0 {
		radar = radarFrames[radarIdx]
		radarIdx = (radarIdx + 1) % len(radarFrames)
	}

	displayTool := st.CurrentTool
	if displayTool == "" {
		displayTool = "Waiting..."
	}
	if len(displayTool) > 25 {
		displayTool = displayTool[:22] + "..."
	}

	totalMB := float64(m.Sys) / 1024 / 1024
	memPercent := memMB / totalMB
	barWidth := 20
	filled := clamp(int(memPercent*float64(barWidth)), 0, barWidth)
	bar := strings.Repeat("█", filled) + strings.Repeat("▒", barWidth-filled)
	barColor := colorNeonCyan
	if memPercent > 0.7 {
		barColor = colorNeonMag
	}

	statusStr := fmt.Sprintf(
		"\033[s\033[10;1H\033[K%s[%s] %s%s %-8s%s | PLANS %d [%s] %s%s%s [%s] [%s%s %.1fMB%s]\033[u",
		colorReset,
		st.LastHeartbeat.Format("15:04:05"),
		pulseColor, pulseIcon, pulseText, colorReset,
		len(st.ActivePlans),
		displayTool,
		colorPurple, radar, colorReset,
		st.Uptime,
		barColor, bar, memMB, colorReset,
	)

	termMu.Lock()
	fmt.Print(statusStr)
	termMu.Unlock()
}
