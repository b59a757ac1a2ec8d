package main

import (
	"fmt"
	"log"
	"time"

	"github.com/go-co-op/gocron/v2"

	"img2brick.ai/internal/quilt"
)

// startSweeper returns lapsed reservations to the pool every interval.
func startSweeper(alloc *quilt.Allocator, every time.Duration, logger *log.Logger) (gocron.Scheduler, error) {
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("create scheduler: %w", err)
	}
	_, err = s.NewJob(
		gocron.DurationJob(every),
		gocron.NewTask(func() {
			if n := alloc.ExpireReservations(time.Now()); n > 0 {
				logger.Printf("expired %d reservations", n)
			}
		}),
		gocron.WithName("reservation-sweep"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		_ = s.Shutdown()
		return nil, fmt.Errorf("schedule sweep: %w", err)
	}
	s.Start()
	return s, nil
}
