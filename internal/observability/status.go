package observability

import (
	"sort"
	"sync"
	"time"
)

// SystemStatus is the process-wide view shown on the dashboard and /health.
type SystemStatus struct {
	mu            sync.RWMutex
	active        map[string]string // plan id -> tool of the running step
	LastHeartbeat time.Time
}

// Snapshot is a copy of SystemStatus.
type Snapshot struct {
	ActivePlans   []string  `json:"activePlans"`
	CurrentTool   string    `json:"currentTool,omitempty"`
	LastHeartbeat time.Time `json:"lastHeartbeat"`
	Uptime        string    `json:"uptime"`
}

var globalStatus = &SystemStatus{
	active:        make(map[string]string),
	LastHeartbeat: time.Now(),
}

// SetActiveStep records the tool a plan is running. An empty tool keeps the
// plan listed as active between steps.
func SetActiveStep(planID, tool string) {
	globalStatus.mu.Lock()
	defer globalStatus.mu.Unlock()
	globalStatus.active[planID] = tool
}

// ClearPlan removes a finished plan.
func ClearPlan(planID string) {
	globalStatus.mu.Lock()
	defer globalStatus.mu.Unlock()
	delete(globalStatus.active, planID)
}

// GetStatus retrieves a copy of the global system status.
func GetStatus() Snapshot {
	globalStatus.mu.RLock()
	defer globalStatus.mu.RUnlock()

	s := Snapshot{
		ActivePlans:   make([]string, 0, len(globalStatus.active)),
		LastHeartbeat: globalStatus.LastHeartbeat,
		Uptime:        time.Since(startTime).Round(time.Second).String(),
	}
	for id := range globalStatus.active {
		s.ActivePlans = append(s.ActivePlans, id)
	}
	sort.Strings(s.ActivePlans)
	for _, id := range s.ActivePlans {
		if tool := globalStatus.active[id]; tool != "" {
			s.CurrentTool = tool
			break
		}
	}
	return s
}

// Heartbeat updates the last heartbeat time.
func Heartbeat() {
	globalStatus.mu.Lock()
	defer globalStatus.mu.Unlock()
	globalStatus.LastHeartbeat = time.Now()
}
