package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"resolver/internal/billing"
)

type fakeAuditor struct {
	olderThan time.Duration
	limit     int
	repair    bool
	report    billing.AuditReport
	err       error
}

func (f *fakeAuditor) AuditOrphans(_ context.Context, olderThan time.Duration, limit int, repair bool) (billing.AuditReport, error) {
	f.olderThan, f.limit, f.repair = olderThan, limit, repair
	return f.report, f.err
}

func newTestRunner(a *fakeAuditor) *auditRunner {
	return &auditRunner{auditor: a, logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
}

func TestHandle_Defaults(t *testing.T) {
	a := &fakeAuditor{report: billing.AuditReport{Checked: 1, Orphans: []string{"inv-1"}}}
	flushed := 0
	r := newTestRunner(a)
	r.flush = func(context.Context) { flushed++ }

	report, err := r.Handle(context.Background(), AuditEvent{})

	require.NoError(t, err)
	assert.Equal(t, []string{"inv-1"}, report.Orphans)
	assert.Equal(t, defaultOlderThan, a.olderThan)
	assert.Zero(t, a.limit)
	assert.False(t, a.repair)
	assert.Equal(t, 1, flushed)
}

func TestHandle_EventOverrides(t *testing.T) {
	a := &fakeAuditor{report: billing.AuditReport{Checked: 2, Repaired: 2}}
	r := newTestRunner(a)

	report, err := r.Handle(context.Background(), AuditEvent{OlderThan: "1h", Limit: 10, Repair: true})

	require.NoError(t, err)
	assert.Equal(t, 2, report.Repaired)
	assert.Equal(t, time.Hour, a.olderThan)
	assert.Equal(t, 10, a.limit)
	assert.True(t, a.repair)
}

func TestHandle_InvalidDuration(t *testing.T) {
	for _, in := range []string{"soon", "-5m"} {
		a := &fakeAuditor{}
		_, err := newTestRunner(a).Handle(context.Background(), AuditEvent{OlderThan: in})
		assert.Error(t, err, in)
	}
}

func TestHandle_AuditError(t *testing.T) {
	a := &fakeAuditor{err: errors.New("database unavailable")}
	flushed := false
	r := newTestRunner(a)
	r.flush = func(context.Context) { flushed = true }

	_, err := r.Handle(context.Background(), AuditEvent{})

	assert.Error(t, err)
	assert.True(t, flushed)
}

func TestRunOnce_ParsesFlags(t *testing.T) {
	a := &fakeAuditor{}
	r := newTestRunner(a)

	require.NoError(t, runOnce(context.Background(), r, []string{"--older-than=30m", "--limit=7", "--repair"}))

	assert.Equal(t, 30*time.Minute, a.olderThan)
	assert.Equal(t, 7, a.limit)
	assert.True(t, a.repair)
}

func TestRunOnce_BadFlag(t *testing.T) {
	r := newTestRunner(&fakeAuditor{})
	assert.Error(t, runOnce(context.Background(), r, []string{"--nope"}))
}
