// Package accounting periodically samples CPU and storage usage for ready
// sessions and enforces per-workspace quotas against the configured period.
// Grounded on the original cgroup-probing sampler and the workspace quota
// ledger it fed.
package accounting

import (
	"bufio"
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/astraforge/sandbox-core/internal/astra/astraerrors"
	"github.com/astraforge/sandbox-core/internal/astra/metrics"
	"github.com/astraforge/sandbox-core/internal/astra/model"
	"github.com/astraforge/sandbox-core/internal/astra/runtime"
	"github.com/astraforge/sandbox-core/internal/observability"
)

// cpuCgroupPaths mirrors the cgroup v1/v2 locations the probe script
// checks, in order, stopping at the first that exists.
var cpuCgroupPaths = []string{
	"/sys/fs/cgroup/cpu.stat",
	"/sys/fs/cgroup/cpu/cpuacct.usage",
	"/sys/fs/cgroup/cpuacct/cpuacct.usage",
}

// buildCPUProbeScript returns a shell snippet that prints the first cgroup
// accounting file that exists, prefixed with a path marker so the caller
// knows which format to parse.
func buildCPUProbeScript() string {
	var b strings.Builder
	b.WriteString("for path in ")
	b.WriteString(strings.Join(cpuCgroupPaths, " "))
	b.WriteString(`; do if [ -f "$path" ]; then echo "__PATH:$path__"; cat "$path"; exit 0; fi; done; exit 1`)
	return b.String()
}

// parseCPUUsagePayload parses the stdout from buildCPUProbeScript into a
// cumulative CPU-seconds figure. cgroup v2's cpu.stat reports usage_usec in
// microseconds; cgroup v1's cpuacct.usage reports nanoseconds as a bare
// number.
func parseCPUUsagePayload(payload string) (float64, bool) {
	lines := nonEmptyLines(payload)
	if len(lines) == 0 {
		return 0, false
	}

	var pathHint string
	if strings.HasPrefix(lines[0], "__PATH:") && strings.HasSuffix(lines[0], "__") {
		pathHint = lines[0][len("__PATH:") : len(lines[0])-2]
		lines = lines[1:]
	}
	if len(lines) == 0 {
		return 0, false
	}

	if strings.HasSuffix(pathHint, "cpu.stat") {
		for _, line := range lines {
			fields := strings.Fields(line)
			if len(fields) == 2 && (fields[0] == "usage_usec" || fields[0] == "usage_us") {
				usec, err := strconv.ParseFloat(fields[1], 64)
				if err == nil {
					return maxFloat(0, usec/1_000_000), true
				}
			}
		}
	}

	nanoseconds, err := strconv.ParseFloat(lines[0], 64)
	if err != nil {
		return 0, false
	}
	return maxFloat(0, nanoseconds/1_000_000_000), true
}

func nonEmptyLines(payload string) []string {
	var out []string
	scanner := bufio.NewScanner(strings.NewReader(payload))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" {
			out = append(out, line)
		}
	}
	return out
}

func maxFloat(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

// SessionExecutor is the slice of the Sandbox Lifecycle Manager the sampler
// needs: run a probe command and read back its result.
type SessionExecutor interface {
	Execute(ctx context.Context, sess *model.Session, command []string, cwd string, timeoutSec int) (*runtime.ExecResult, error)
}

// SessionStore is the slice of store.Store the sampler needs.
type SessionStore interface {
	ListReadySessions(ctx context.Context) ([]*model.Session, error)
	SaveSession(ctx context.Context, sess *model.Session) error
}

// Sampler periodically probes every ready session's CPU/storage usage and
// folds it into a per-workspace QuotaLedger.
type Sampler struct {
	exec     SessionExecutor
	store    SessionStore
	ledger   *QuotaLedger
	metrics  *metrics.Metrics
	log      *observability.Logger
	interval time.Duration
}

// New constructs a Sampler. interval defaults to 30s when zero or negative.
func New(exec SessionExecutor, store SessionStore, ledger *QuotaLedger, m *metrics.Metrics, log *observability.Logger, interval time.Duration) *Sampler {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Sampler{exec: exec, store: store, ledger: ledger, metrics: m, log: log, interval: interval}
}

// Run blocks, sampling every interval until ctx is cancelled.
func (s *Sampler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sampleOnce(ctx)
		}
	}
}

func (s *Sampler) sampleOnce(ctx context.Context) {
	sessions, err := s.store.ListReadySessions(ctx)
	if err != nil {
		if s.log != nil {
			s.log.Warn(ctx, "accounting: list ready sessions failed", "error", err)
		}
		return
	}
	for _, sess := range sessions {
		s.sampleSession(ctx, sess)
	}
}

func (s *Sampler) sampleSession(ctx context.Context, sess *model.Session) {
	if cpuRes, err := s.exec.Execute(ctx, sess, []string{"sh", "-c", buildCPUProbeScript()}, "", 5); err == nil {
		if cpuSeconds, ok := parseCPUUsagePayload(cpuRes.Stdout); ok {
			delta := cpuSeconds - sess.CPUSeconds
			sess.CPUSeconds = cpuSeconds
			if delta > 0 && s.ledger != nil {
				s.ledger.RecordRuntime(sess.Workspace, delta)
			}
		}
	}

	if duRes, err := s.exec.Execute(ctx, sess, []string{"du", "-sb", sess.WorkspacePath}, "", 10); err == nil {
		if bytes, ok := parseDiskUsagePayload(duRes.Stdout); ok {
			delta := bytes - sess.StorageBytes
			sess.StorageBytes = bytes
			if s.ledger != nil {
				s.ledger.RecordStorage(sess.Workspace, delta)
			}
		}
	}

	if err := s.store.SaveSession(ctx, sess); err != nil && s.log != nil {
		s.log.Warn(ctx, "accounting: save sampled session failed", "session_id", sess.ID, "error", err)
	}
}

// parseDiskUsagePayload parses `du -sb <path>` output ("<bytes>\t<path>").
func parseDiskUsagePayload(payload string) (int64, bool) {
	lines := nonEmptyLines(payload)
	if len(lines) == 0 {
		return 0, false
	}
	fields := strings.Fields(lines[0])
	if len(fields) == 0 {
		return 0, false
	}
	bytes, err := strconv.ParseInt(fields[0], 10, 64)
	if err != nil {
		return 0, false
	}
	return bytes, true
}

// workspaceLedger is one workspace's accumulated usage within the current
// quota period.
type workspaceLedger struct {
	periodStart      time.Time
	cpuSeconds       float64
	storageBytes     int64
	activeSessions   int
}

// QuotaLedger enforces AccountingConfig's limits against per-workspace
// usage, resetting each workspace's CPU counter at the start of a new
// QuotaPeriod. Storage and active-session counts are not period-scoped:
// storage is a standing balance and active sessions are a live count.
type QuotaLedger struct {
	mu      sync.Mutex
	ledgers map[string]*workspaceLedger
	metrics *metrics.Metrics

	period             time.Duration
	maxCPUSeconds      float64
	maxStorageBytes    int64
	maxConcurrent      int
	now                func() time.Time
}

// NewQuotaLedger constructs a QuotaLedger from the orchestrator's
// AccountingConfig fields.
func NewQuotaLedger(period time.Duration, maxCPUSeconds float64, maxStorageBytes int64, maxConcurrent int, m *metrics.Metrics) *QuotaLedger {
	return &QuotaLedger{
		ledgers:         make(map[string]*workspaceLedger),
		metrics:         m,
		period:          period,
		maxCPUSeconds:   maxCPUSeconds,
		maxStorageBytes: maxStorageBytes,
		maxConcurrent:   maxConcurrent,
		now:             time.Now,
	}
}

func (q *QuotaLedger) entry(workspace string) *workspaceLedger {
	l, ok := q.ledgers[workspace]
	now := q.now()
	if !ok {
		l = &workspaceLedger{periodStart: now}
		q.ledgers[workspace] = l
		return l
	}
	if q.period > 0 && now.Sub(l.periodStart) >= q.period {
		l.periodStart = now
		l.cpuSeconds = 0
	}
	return l
}

// RegisterSessionStart enforces the concurrent-session ceiling and, if the
// workspace is under it, counts the new session. Returns
// astraerrors.ErrPolicyBlocked when the ceiling is exceeded.
func (q *QuotaLedger) RegisterSessionStart(workspace string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	l := q.entry(workspace)
	if q.maxConcurrent > 0 && l.activeSessions >= q.maxConcurrent {
		if q.metrics != nil {
			q.metrics.QuotaRejections.WithLabelValues("concurrent_sessions").Inc()
		}
		return fmt.Errorf("%w: workspace %q has %d active sessions (limit %d)",
			astraerrors.ErrPolicyBlocked, workspace, l.activeSessions, q.maxConcurrent)
	}
	l.activeSessions++
	return nil
}

// RegisterSessionEnd decrements the active-session count for workspace.
func (q *QuotaLedger) RegisterSessionEnd(workspace string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	l := q.entry(workspace)
	if l.activeSessions > 0 {
		l.activeSessions--
	}
}

// RecordRuntime folds cpuSecondsDelta into workspace's period usage and
// reports whether the workspace is now over its CPU-seconds budget.
func (q *QuotaLedger) RecordRuntime(workspace string, cpuSecondsDelta float64) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	l := q.entry(workspace)
	l.cpuSeconds += cpuSecondsDelta
	over := q.maxCPUSeconds > 0 && l.cpuSeconds > q.maxCPUSeconds
	if over && q.metrics != nil {
		q.metrics.QuotaRejections.WithLabelValues("cpu_seconds").Inc()
	}
	return over
}

// RecordStorage folds bytesDelta into workspace's standing storage balance
// and reports whether it now exceeds the configured ceiling.
func (q *QuotaLedger) RecordStorage(workspace string, bytesDelta int64) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	l := q.entry(workspace)
	l.storageBytes += bytesDelta
	if l.storageBytes < 0 {
		l.storageBytes = 0
	}
	over := q.maxStorageBytes > 0 && l.storageBytes > q.maxStorageBytes
	if over && q.metrics != nil {
		q.metrics.QuotaRejections.WithLabelValues("storage_bytes").Inc()
	}
	return over
}
