package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"time"

	"github.com/robfig/cron/v3"
)

// cronParser uses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// nextCronDuration parses a 5-field cron expression and returns the duration
// until the next fire time. Returns 0 on parse error.
func nextCronDuration(expr string, now time.Time) time.Duration {
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return 0
	}
	d := sched.Next(now).Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

type reportCounter interface {
	GetTodayCount(ctx context.Context) (int64, error)
	GetTotalCount(ctx context.Context) (int64, error)
}

type reportWatch interface {
	Running() bool
}

// statusReport is the line printed on every report tick.
func statusReport(ctx context.Context, store reportCounter, watch reportWatch) (string, error) {
	today, err := store.GetTodayCount(ctx)
	if err != nil {
		return "", err
	}
	total, err := store.GetTotalCount(ctx)
	if err != nil {
		return "", err
	}
	state := "stopped"
	if watch.Running() {
		state = "watching"
	}
	return fmt.Sprintf("Status: %s, %s delivered today, %s total", state, formatCount(today), formatCount(total)), nil
}

// startReporter schedules statusReport on expr. An empty expr returns a
// stopped scheduler.
func startReporter(expr string, store reportCounter, watch reportWatch, out io.Writer) (*cron.Cron, error) {
	c := cron.New(cron.WithParser(cronParser))
	if expr == "" {
		return c, nil
	}
	_, err := c.AddFunc(expr, func() {
		line, err := statusReport(context.Background(), store, watch)
		if err != nil {
			log.Printf("report: %v", err)
			return
		}
		fmt.Fprintln(out, line)
	})
	if err != nil {
		return nil, fmt.Errorf("report: schedule %q: %w", expr, err)
	}
	c.Start()
	fmt.Fprintf(out, "Status report scheduled (%s), next in %s\n", expr, nextCronDuration(expr, time.Now()).Round(time.Second))
	return c, nil
}
