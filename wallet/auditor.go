/*
auditor.go - Scheduled ledger audit

PURPOSE:
  Periodically checks that every wallet's materialized balance equals the
  net of its transaction history, and reports wallets that disagree.
  The audit only reads; drift is logged and exported as a gauge for a human
  (or a separate reconciliation job) to investigate.

DESIGN:
  - Runs on a cron schedule (robfig/cron), default every hour
  - Runs once immediately on Start
  - Overlapping runs are skipped, not queued

USAGE:
  auditor := wallet.NewAuditor(service, "@every 1h")
  auditor.Start()
  // ... later
  auditor.Stop()
*/
package wallet

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/warp/credeat/metrics"
)

// DefaultAuditSchedule is used when no schedule is configured.
const DefaultAuditSchedule = "@every 1h"

// AuditReport summarizes one audit run.
type AuditReport struct {
	StartedAt time.Time
	Checked   int
	Drifted   []Reconciliation
	Failed    int
}

type Auditor struct {
	Service  *Service
	Schedule string
	Log      logrus.FieldLogger

	cron    *cron.Cron
	mu      sync.Mutex // guards cron
	running sync.Mutex // held while an audit runs
	lastMu  sync.Mutex
	last    *AuditReport
}

func NewAuditor(service *Service, schedule string) *Auditor {
	if schedule == "" {
		schedule = DefaultAuditSchedule
	}
	return &Auditor{
		Service:  service,
		Schedule: schedule,
		Log:      service.Log,
	}
}

// Start begins the scheduler.
func (a *Auditor) Start() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.cron != nil {
		return nil
	}

	c := cron.New()
	if _, err := c.AddFunc(a.Schedule, a.runScheduled); err != nil {
		return fmt.Errorf("invalid audit schedule %q: %w", a.Schedule, err)
	}
	a.cron = c
	c.Start()
	go a.runScheduled()

	a.Log.WithField("schedule", a.Schedule).Info("[Auditor] Started")
	return nil
}

// Stop stops the scheduler and waits for a running audit to finish.
func (a *Auditor) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.cron == nil {
		return
	}
	<-a.cron.Stop().Done()
	a.running.Lock()
	a.running.Unlock()
	a.cron = nil
	a.Log.Info("[Auditor] Stopped")
}

// LastReport returns the most recent completed report, if any.
func (a *Auditor) LastReport() *AuditReport {
	a.lastMu.Lock()
	defer a.lastMu.Unlock()
	return a.last
}

func (a *Auditor) runScheduled() {
	if !a.running.TryLock() {
		a.Log.Warn("[Auditor] Previous run still in progress, skipping")
		return
	}
	defer a.running.Unlock()

	report, err := a.RunOnce(context.Background())
	if err != nil {
		a.Log.WithField("error", err.Error()).Error("[Auditor] Run failed")
		return
	}

	a.lastMu.Lock()
	a.last = &report
	a.lastMu.Unlock()
}

// RunOnce audits every wallet and updates the drift gauge.
func (a *Auditor) RunOnce(ctx context.Context) (AuditReport, error) {
	report := AuditReport{StartedAt: a.Service.Now()}

	wallets, err := a.Service.Store.ListWallets(ctx)
	if err != nil {
		return report, fmt.Errorf("failed to list wallets: %w", err)
	}

	for _, w := range wallets {
		rec, err := a.Service.Verify(ctx, w.UserID)
		if err != nil {
			report.Failed++
			a.Log.WithFields(logrus.Fields{"user_id": w.UserID, "error": err.Error()}).Warn("[Auditor] Verify failed")
			continue
		}
		report.Checked++
		if !rec.Consistent() {
			report.Drifted = append(report.Drifted, rec)
			a.Log.WithFields(logrus.Fields{
				"user_id":  rec.UserID,
				"balance":  rec.Balance.String(),
				"computed": rec.Computed.String(),
				"drift":    rec.Drift.String(),
			}).Error("[Auditor] Ledger drift detected")
		}
	}

	metrics.LedgerDriftWallets.Set(float64(len(report.Drifted)))
	a.Log.WithFields(logrus.Fields{
		"checked": report.Checked,
		"drifted": len(report.Drifted),
		"failed":  report.Failed,
	}).Info("[Auditor] Run complete")
	return report, nil
}
