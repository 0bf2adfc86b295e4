// Package monitoring runs the per-process resource monitor: it samples memory
// against a configured ceiling, cancels tasks that run past their maximum
// duration, and keeps bookkeeping over ancillary resources (headless-browser
// instances, database sessions) whose lifetime is governed by their real
// owners.
package monitoring

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"agentfleet/leaktrack"
	"agentfleet/log"
)

// BackgroundPrefix marks non-essential task names. Tasks carrying it are the
// first to be cancelled under memory pressure.
const BackgroundPrefix = "background:"

// Cancelable is the minimal contract for a long-running execution the monitor
// can stop.
type Cancelable interface {
	Cancel()
}

// CancelFunc adapts a plain function to Cancelable.
type CancelFunc func()

func (f CancelFunc) Cancel() { f() }

// Config contains the resource monitor thresholds.
type Config struct {
	// Interval is how often the monitoring cycle runs.
	Interval time.Duration
	// MemoryCeilingMB triggers emergency cleanup when the heap exceeds it. Zero disables the check.
	MemoryCeilingMB uint64
	// MaxTaskDuration is the longest a registered task may run before cancellation.
	MaxTaskDuration time.Duration
}

// DefaultMonitorConfig returns a default configuration.
func DefaultMonitorConfig() Config {
	return Config{
		Interval:        10 * time.Minute,
		MemoryCeilingMB: 2048,
		MaxTaskDuration: time.Hour,
	}
}

type trackedTask struct {
	name      string
	startedAt time.Time
	task      Cancelable
}

// Stats is a snapshot of monitor state.
type Stats struct {
	TrackedTasks     int
	BrowserHandles   int
	DBSessionHandles int
	HeapMB           uint64
	SampledAt        time.Time
}

// ResourceMonitor is a long-lived service object constructed once at process
// start. All public operations are safe to call concurrently.
type ResourceMonitor struct {
	config Config
	leaks  *leaktrack.Tracker // optional, joined to the emergency cascade

	mu         sync.Mutex
	tasks      map[string]*trackedTask
	browsers   map[string]func() bool
	dbSessions map[string]func() bool
	lastHeapMB uint64
	lastSample time.Time

	stopCh  chan struct{}
	wg      sync.WaitGroup
	started bool
}

// NewResourceMonitor creates a monitor. leaks may be nil if no session
// tracker participates in the emergency cascade.
func NewResourceMonitor(config Config, leaks *leaktrack.Tracker) *ResourceMonitor {
	return &ResourceMonitor{
		config:     config,
		leaks:      leaks,
		tasks:      make(map[string]*trackedTask),
		browsers:   make(map[string]func() bool),
		dbSessions: make(map[string]func() bool),
	}
}

// Start begins the background monitoring loop.
func (m *ResourceMonitor) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.started {
		return fmt.Errorf("resource monitor already started")
	}
	m.stopCh = make(chan struct{})
	m.started = true

	m.wg.Add(1)
	go m.loop(m.stopCh)
	return nil
}

// Stop halts the monitoring loop and waits for it to exit.
func (m *ResourceMonitor) Stop() error {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return fmt.Errorf("resource monitor not started")
	}
	m.started = false
	stop := m.stopCh
	m.mu.Unlock()

	close(stop)
	m.wg.Wait()
	return nil
}

func (m *ResourceMonitor) loop(stop chan struct{}) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			m.cycle()
		}
	}
}

// cycle is one monitoring pass: sample memory, enforce task durations, hint
// the garbage collector.
func (m *ResourceMonitor) cycle() {
	heapMB := sampleHeapMB()

	m.mu.Lock()
	m.lastHeapMB = heapMB
	m.lastSample = time.Now()
	ceiling := m.config.MemoryCeilingMB
	m.mu.Unlock()

	if ceiling > 0 && heapMB > ceiling {
		log.WarningLog.Printf("heap %dMB above ceiling %dMB", heapMB, ceiling)
		m.EmergencyCleanup()
	}

	m.cancelOverdueTasks()

	// The GC hint is allocator-specific relief; the real relief above is
	// cancelling work and releasing tracked handles.
	runtime.GC()
	debug.FreeOSMemory()
}

// cancelOverdueTasks cancels and untracks every task running longer than the
// configured maximum.
func (m *ResourceMonitor) cancelOverdueTasks() {
	now := time.Now()

	m.mu.Lock()
	var overdue []*trackedTask
	for name, t := range m.tasks {
		if now.Sub(t.startedAt) > m.config.MaxTaskDuration {
			overdue = append(overdue, t)
			delete(m.tasks, name)
		}
	}
	m.mu.Unlock()

	for _, t := range overdue {
		log.WarningLog.Printf("cancelling task %s running %v", t.name, now.Sub(t.startedAt).Round(time.Second))
		t.task.Cancel()
	}
}

// EmergencyCleanup is the best-effort cascade run under memory pressure: it
// cancels non-essential tasks, prunes dead ancillary handles, and clears
// session-tracker bookkeeping. It never fails.
func (m *ResourceMonitor) EmergencyCleanup() {
	log.WarningLog.Printf("emergency cleanup triggered")

	m.mu.Lock()
	var background []*trackedTask
	for name, t := range m.tasks {
		if strings.HasPrefix(t.name, BackgroundPrefix) {
			background = append(background, t)
			delete(m.tasks, name)
		}
	}
	m.mu.Unlock()

	for _, t := range background {
		t.task.Cancel()
	}
	prunedBrowsers := m.pruneDead(m.browsers)
	prunedSessions := m.pruneDead(m.dbSessions)
	if len(background) > 0 || prunedBrowsers > 0 || prunedSessions > 0 {
		log.InfoLog.Printf("emergency cleanup: cancelled %d background tasks, pruned %d browser and %d db session handles",
			len(background), prunedBrowsers, prunedSessions)
	}

	if m.leaks != nil {
		m.leaks.ForceCleanupAll()
	}
}

// pruneDead removes handle-table entries whose owner reports dead. Liveness
// callbacks run outside the mutex so a callback may consult the monitor
// without deadlocking. Live entries are left alone: resource lifetime belongs
// to the resource's owner, the monitor only drops bookkeeping that is already
// stale.
func (m *ResourceMonitor) pruneDead(handles map[string]func() bool) int {
	m.mu.Lock()
	snapshot := make(map[string]func() bool, len(handles))
	for token, alive := range handles {
		snapshot[token] = alive
	}
	m.mu.Unlock()

	var dead []string
	for token, alive := range snapshot {
		if !alive() {
			dead = append(dead, token)
		}
	}

	m.mu.Lock()
	for _, token := range dead {
		delete(handles, token)
	}
	m.mu.Unlock()
	return len(dead)
}

// RegisterTask puts a task under duration enforcement. Omitting registration
// is safe; the task is simply unmonitored.
func (m *ResourceMonitor) RegisterTask(name string, task Cancelable) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks[name] = &trackedTask{name: name, startedAt: time.Now(), task: task}
}

// UnregisterTask removes a task from duration enforcement.
func (m *ResourceMonitor) UnregisterTask(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tasks, name)
}

// TrackBrowser records a headless-browser instance via its liveness callback
// and returns a release token.
func (m *ResourceMonitor) TrackBrowser(alive func() bool) string {
	token := uuid.NewString()
	m.mu.Lock()
	m.browsers[token] = alive
	m.mu.Unlock()
	return token
}

// ReleaseBrowser drops the handle registered under token.
func (m *ResourceMonitor) ReleaseBrowser(token string) {
	m.mu.Lock()
	delete(m.browsers, token)
	m.mu.Unlock()
}

// TrackDBSession records a database session via its liveness callback and
// returns a release token.
func (m *ResourceMonitor) TrackDBSession(alive func() bool) string {
	token := uuid.NewString()
	m.mu.Lock()
	m.dbSessions[token] = alive
	m.mu.Unlock()
	return token
}

// ReleaseDBSession drops the handle registered under token.
func (m *ResourceMonitor) ReleaseDBSession(token string) {
	m.mu.Lock()
	delete(m.dbSessions, token)
	m.mu.Unlock()
}

// Stats returns a snapshot of monitor state.
func (m *ResourceMonitor) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{
		TrackedTasks:     len(m.tasks),
		BrowserHandles:   len(m.browsers),
		DBSessionHandles: len(m.dbSessions),
		HeapMB:           m.lastHeapMB,
		SampledAt:        m.lastSample,
	}
}

func sampleHeapMB() uint64 {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return ms.HeapAlloc / (1 << 20)
}
