package approval

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"segforge/internal/client"
	"segforge/internal/remote"
)

// Timing budgets for the approval flow. Verification tolerates an
// eventually-consistent metrics backend by polling on a fixed interval with
// a hard attempt cap.
const (
	settleAfterReview  = 2 * time.Second
	verifyPollInterval = 5 * time.Second
	verifyPollAttempts = 12
)

// StateMachine walks one uploaded job through review, approval, and
// metric-verified completion.
type StateMachine struct {
	svc *remote.Service
	log *zap.Logger

	// Reviewer is requested on the PENDING step when set.
	Reviewer string
	// Requester rides on the verification metrics query.
	Requester string

	sleep func(context.Context, time.Duration) error
}

func NewStateMachine(svc *remote.Service, log *zap.Logger) *StateMachine {
	if log == nil {
		log = zap.NewNop()
	}
	return &StateMachine{svc: svc, log: log, sleep: sleepCtx}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Run takes an UPLOADED job to VERIFIED or FAILED. Any error is terminal
// for this job only and lands in job.Diag.
func (m *StateMachine) Run(ctx context.Context, job *Job) {
	if job.State != StateUploaded {
		job.fail(fmt.Sprintf("approval started from state %s, want UPLOADED", job.State))
		return
	}
	log := m.log.With(
		zap.Int64("campaign_id", job.CampaignID),
		zap.Int64("definition_id", job.DefinitionID),
		zap.Int("market_id", job.MarketID))

	log.Info("requesting review")
	if err := m.svc.RequestReview(ctx, job.CampaignID, job.MarketID, m.Reviewer); err != nil {
		job.fail(fmt.Sprintf("review request failed: %v", err))
		return
	}
	job.State = StatePendingReview

	if err := m.sleep(ctx, settleAfterReview); err != nil {
		job.fail(err.Error())
		return
	}

	log.Info("approving")
	if err := m.svc.Approve(ctx, job.CampaignID, job.MarketID); err != nil {
		job.fail(fmt.Sprintf("approve failed: %v", err))
		return
	}
	job.State = StateApproved

	m.verify(ctx, job, log)
}

// verify polls the approval metrics until approvedCount turns positive.
// Running out of budget is a job failure carrying the last snapshot, not a
// panic or an unbounded wait.
func (m *StateMachine) verify(ctx context.Context, job *Job, log *zap.Logger) {
	var last string
	for attempt := 1; attempt <= verifyPollAttempts; attempt++ {
		metrics, err := m.svc.LoadApprovalMetrics(ctx, job.CampaignID, job.MarketID, m.Requester)
		if err != nil {
			last = err.Error()
		} else {
			last = metrics.String()
			if metrics.ApprovedCount > 0 {
				job.State = StateVerified
				job.Diag = last
				log.Info("approval verified", zap.Int("approved_count", metrics.ApprovedCount))
				return
			}
		}
		if attempt < verifyPollAttempts {
			if err := m.sleep(ctx, verifyPollInterval); err != nil {
				job.fail(err.Error())
				return
			}
		}
	}
	timeout := &client.Error{
		Class:   client.ClassPollTimeout,
		Snippet: fmt.Sprintf("approved count never became positive, last=%s", last),
	}
	job.fail(timeout.Error())
	log.Warn("approval verification timed out", zap.String("last_metrics", last))
}
