package propagator

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/FACorreiaa/go-trip-planner/internal/types"
)

// progressRun is the cosmetic progress animation of one generation. Its
// percentages are not derived from the generation itself; they only grow
// and never pass the cap, and the real result is signalled by complete or error.
type progressRun struct {
	progress int
	stop     chan struct{}
	done     chan struct{}
}

// BeginGeneration broadcasts generating at 0% and then, every interval,
// a randomly larger percentage until the run is stopped by Publish, Fail,
// Cancel or Clear.
func (p *Propagator) BeginGeneration(ctx context.Context, sessionID uuid.UUID) {
	p.stopProgress(sessionID)

	run := &progressRun{stop: make(chan struct{}), done: make(chan struct{})}
	p.mu.Lock()
	p.runs[sessionID] = run
	zero := 0
	p.notifyLocked(ctx, sessionID, p.event(sessionID, types.StatusGenerating, &zero, nil, "", 0))
	p.mu.Unlock()

	go p.animate(context.WithoutCancel(ctx), sessionID, run)
}

func (p *Propagator) animate(ctx context.Context, sessionID uuid.UUID, run *progressRun) {
	defer close(run.done)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-run.stop:
			return
		case <-ticker.C:
			p.mu.Lock()
			select {
			case <-run.stop:
				p.mu.Unlock()
				return
			default:
			}
			run.progress = min(p.progressCap, run.progress+1+p.randIntN(10))
			progress := run.progress
			p.notifyLocked(ctx, sessionID, p.event(sessionID, types.StatusGenerating, &progress, nil, "", 0))
			p.mu.Unlock()
		}
	}
}

// stopProgress ends the session's animation and waits for it, so no
// generating event can follow the event the caller is about to send.
func (p *Propagator) stopProgress(sessionID uuid.UUID) {
	p.mu.Lock()
	run, ok := p.runs[sessionID]
	if ok {
		delete(p.runs, sessionID)
		close(run.stop)
	}
	p.mu.Unlock()
	if ok {
		<-run.done
	}
}
