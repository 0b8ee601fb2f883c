package scheduler

import (
	"context"
	"log"

	"github.com/robfig/cron/v3"

	"marketplace-sync-orchestrator/internal/pipeline"
	"marketplace-sync-orchestrator/internal/syncmgr"
)

// Scheduler triggers recurring syncs for a fixed tenant list on a cron
// schedule. A tenant whose previous run is still active is skipped; the
// one-active-run invariant makes that the expected steady state for slow
// tenants, not an error.
type Scheduler struct {
	cron    *cron.Cron
	manager *syncmgr.Manager
	tenants []string
}

func New(manager *syncmgr.Manager, tenants []string) *Scheduler {
	return &Scheduler{
		cron:    cron.New(),
		manager: manager,
		tenants: tenants,
	}
}

// Start registers the trigger under spec and begins firing. An empty spec or
// tenant list disables the scheduler.
func (s *Scheduler) Start(spec string) error {
	if spec == "" || len(s.tenants) == 0 {
		return nil
	}
	if _, err := s.cron.AddFunc(spec, s.trigger); err != nil {
		return err
	}
	s.cron.Start()
	log.Printf("scheduler: recurring sync %q for %d tenants", spec, len(s.tenants))
	return nil
}

// Stop halts the cron loop and waits for a running trigger to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

func (s *Scheduler) trigger() {
	ctx := context.Background()
	for _, tenant := range s.tenants {
		_, err := s.manager.Start(ctx, tenant, syncmgr.StartOptions{})
		switch {
		case err == nil:
			log.Printf("scheduler: started sync for tenant %s", tenant)
		case pipeline.IsConflict(err):
			log.Printf("scheduler: tenant %s still syncing, skipped", tenant)
		default:
			log.Printf("scheduler: start sync for tenant %s: %v", tenant, err)
		}
	}
}
