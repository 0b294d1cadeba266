package accounting

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseCPUUsagePayload_CgroupV2(t *testing.T) {
	payload := "__PATH:/sys/fs/cgroup/cpu.stat__\nusage_usec 2500000\nuser_usec 1000000\nsystem_usec 1500000\n"
	seconds, ok := parseCPUUsagePayload(payload)
	assert.True(t, ok)
	assert.InDelta(t, 2.5, seconds, 0.0001)
}

func TestParseCPUUsagePayload_CgroupV1(t *testing.T) {
	payload := "__PATH:/sys/fs/cgroup/cpuacct/cpuacct.usage__\n4200000000\n"
	seconds, ok := parseCPUUsagePayload(payload)
	assert.True(t, ok)
	assert.InDelta(t, 4.2, seconds, 0.0001)
}

func TestParseCPUUsagePayload_Empty(t *testing.T) {
	_, ok := parseCPUUsagePayload("")
	assert.False(t, ok)
}

func TestParseCPUUsagePayload_Garbage(t *testing.T) {
	_, ok := parseCPUUsagePayload("not a number\n")
	assert.False(t, ok)
}

func TestParseDiskUsagePayload(t *testing.T) {
	bytes, ok := parseDiskUsagePayload("1048576\t/workspace\n")
	assert.True(t, ok)
	assert.Equal(t, int64(1048576), bytes)
}

func TestQuotaLedger_ConcurrentSessionLimit(t *testing.T) {
	q := NewQuotaLedger(0, 0, 0, 2, nil)

	assert.NoError(t, q.RegisterSessionStart("ws-1"))
	assert.NoError(t, q.RegisterSessionStart("ws-1"))
	err := q.RegisterSessionStart("ws-1")
	assert.Error(t, err)

	q.RegisterSessionEnd("ws-1")
	assert.NoError(t, q.RegisterSessionStart("ws-1"))
}

func TestQuotaLedger_CPUBudget(t *testing.T) {
	q := NewQuotaLedger(0, 10, 0, 0, nil)

	assert.False(t, q.RecordRuntime("ws-1", 4))
	assert.False(t, q.RecordRuntime("ws-1", 4))
	assert.True(t, q.RecordRuntime("ws-1", 4))
}

func TestQuotaLedger_StorageBudget(t *testing.T) {
	q := NewQuotaLedger(0, 0, 100, 0, nil)

	assert.False(t, q.RecordStorage("ws-1", 60))
	assert.True(t, q.RecordStorage("ws-1", 60))

	// a negative delta (files deleted) should never push the balance
	// below zero.
	assert.False(t, q.RecordStorage("ws-1", -1000))
}
