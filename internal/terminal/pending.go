package terminal

import (
	"context"
	"sync"
	"time"

	"github.com/danmuck/ecrlink/internal/protocol/ecr"
)

type OutcomeStatus string

const (
	OutcomeCompleted      OutcomeStatus = "completed"
	OutcomeCancelled      OutcomeStatus = "cancelled"
	OutcomeTimeout        OutcomeStatus = "timeout"
	OutcomeTransportError OutcomeStatus = "transport_error"
)

// Outcome is the terminal result of one Pending transaction.
type Outcome struct {
	ID          string              `json:"id"`
	RefNum      string              `json:"ref_num,omitempty"`
	Type        ecr.TransactionType `json:"type"`
	Amount      int64               `json:"amount,omitempty"`
	Request     ecr.Request         `json:"-"`
	Status      OutcomeStatus       `json:"status"`
	Response    *ecr.Response       `json:"response,omitempty"`
	Err         error               `json:"-"`
	SubmittedAt time.Time           `json:"submitted_at"`
	CompletedAt time.Time           `json:"completed_at"`
}

func (o Outcome) Duration() time.Duration {
	return o.CompletedAt.Sub(o.SubmittedAt)
}

// Pending is the single outstanding transaction of a Session.
type Pending struct {
	ID          string
	RefNum      string
	Request     ecr.Request
	SubmittedAt time.Time
	Deadline    time.Time

	timer   *time.Timer
	once    sync.Once
	done    chan struct{}
	outcome Outcome
}

func newPending(id string, req ecr.Request, now time.Time, timeout time.Duration) *Pending {
	return &Pending{
		ID:          id,
		RefNum:      req.RefNum,
		Request:     req,
		SubmittedAt: now,
		Deadline:    now.Add(timeout),
		done:        make(chan struct{}),
	}
}

// Done is closed once the Outcome is available.
func (p *Pending) Done() <-chan struct{} {
	return p.done
}

// Outcome returns the result and true once Done is closed.
func (p *Pending) Outcome() (Outcome, bool) {
	select {
	case <-p.done:
		return p.outcome, true
	default:
		return Outcome{}, false
	}
}

// Wait blocks until the Outcome is delivered or ctx ends.
func (p *Pending) Wait(ctx context.Context) (Outcome, error) {
	select {
	case <-p.done:
		return p.outcome, nil
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
}

// complete fills the slot. Only the first call has any effect. observe runs
// before Done is closed, so waiters see everything it recorded.
func (p *Pending) complete(status OutcomeStatus, resp *ecr.Response, err error, observe func(Outcome)) bool {
	fired := false
	p.once.Do(func() {
		if p.timer != nil {
			p.timer.Stop()
		}
		p.outcome = Outcome{
			ID:          p.ID,
			RefNum:      p.RefNum,
			Type:        p.Request.Type,
			Amount:      p.Request.Amount,
			Request:     p.Request,
			Status:      status,
			Response:    resp,
			Err:         err,
			SubmittedAt: p.SubmittedAt,
			CompletedAt: time.Now(),
		}
		if observe != nil {
			observe(p.outcome)
		}
		close(p.done)
		fired = true
	})
	return fired
}
