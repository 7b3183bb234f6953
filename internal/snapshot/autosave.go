package snapshot

import (
	"context"
	"log"
	"time"

	"github.com/robfig/cron/v3"
)

// DefaultSchedule saves once a minute.
const DefaultSchedule = "* * * * *"

// Source produces the snapshot to persist on each scheduled save.
type Source func() *Snapshot

// AutoSaver periodically captures a snapshot from its source and writes it
// to the store on a cron schedule.
type AutoSaver struct {
	cron   *cron.Cron
	store  Store
	source Source
}

// NewAutoSaver schedules periodic saves. The schedule uses standard cron
// syntax; an empty schedule means DefaultSchedule.
func NewAutoSaver(store Store, source Source, schedule string) (*AutoSaver, error) {
	if schedule == "" {
		schedule = DefaultSchedule
	}

	a := &AutoSaver{
		cron:   cron.New(),
		store:  store,
		source: source,
	}
	if _, err := a.cron.AddFunc(schedule, a.saveOnce); err != nil {
		return nil, err
	}
	return a, nil
}

// Start begins scheduled saving.
func (a *AutoSaver) Start() {
	a.cron.Start()
}

// Stop halts the schedule and waits for an in-flight save to finish.
func (a *AutoSaver) Stop() {
	<-a.cron.Stop().Done()
}

func (a *AutoSaver) saveOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	snap := a.source()
	if snap == nil {
		return
	}
	if err := a.store.Save(ctx, snap); err != nil {
		log.Printf("snapshot auto-save failed: %v", err)
	}
}
