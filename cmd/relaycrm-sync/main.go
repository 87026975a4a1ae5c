package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/agentworkforce/relaycrm/internal/app"
	"github.com/agentworkforce/relaycrm/internal/config"
	"github.com/agentworkforce/relaycrm/internal/crm"
	"github.com/agentworkforce/relaycrm/internal/query"
	"github.com/agentworkforce/relaycrm/internal/syncengine"
)

func main() {
	cfg := config.Load()
	code := flag.String("code", "", "authorization code to exchange before syncing")
	interval := flag.Duration("interval", config.DurationEnv("RELAYCRM_SYNC_INTERVAL", 5*time.Minute), "sync interval")
	intervalJitter := flag.Float64("interval-jitter", config.FloatEnv("RELAYCRM_SYNC_INTERVAL_JITTER", 0.2), "sync interval jitter ratio (0.0-1.0)")
	timeout := flag.Duration("timeout", config.DurationEnv("RELAYCRM_SYNC_TIMEOUT", 10*time.Minute), "per-pass timeout")
	once := flag.Bool("once", false, "run one sync pass and exit")
	pageSize := flag.Int("page-size", cfg.SyncPageSize, "contacts per page")
	search := flag.String("search", "", "filter the printed view by name, email, phone or source")
	document := flag.String("document", "", "resume filter: has or none")
	appointment := flag.String("appointment", "", "appointment filter: has or none")
	sortField := flag.String("sort", query.SortDateAdded, "sort field (name, dateAdded, or any contact field)")
	desc := flag.Bool("desc", true, "sort descending")
	limit := flag.Int("limit", 20, "rows to print after each pass (0 disables)")
	flag.Parse()

	if *interval <= 0 {
		*interval = 5 * time.Minute
	}
	if *timeout <= 0 {
		*timeout = 10 * time.Minute
	}
	*intervalJitter = clampJitterRatio(*intervalJitter)
	cfg.SyncPageSize = *pageSize

	runtime, err := app.Build(cfg, app.Options{
		Logger: log.Default(),
		OnProgress: func(p syncengine.Progress) {
			log.Printf("sync progress %d/%d", p.Current, p.Total)
		},
	})
	if err != nil {
		log.Fatalf("failed to initialize relaycrm: %v", err)
	}
	defer runtime.Close()

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if strings.TrimSpace(*code) != "" {
		if err := cfg.ValidateOAuth(); err != nil {
			log.Fatalf("configuration error: %v", err)
		}
		result, err := runtime.Exchange(rootCtx, *code)
		if err != nil {
			log.Fatalf("code exchange failed: %v", err)
		}
		if result.Duplicate {
			log.Printf("authorization code already exchanged, continuing with the stored credential")
		} else {
			log.Printf("connected location %s", result.TenantID)
		}
	}

	view := query.Options{
		Search:         *search,
		HasDocument:    query.ParseFilter(*document),
		HasAppointment: query.ParseFilter(*appointment),
		Sort:           query.Sort{Field: *sortField, Desc: *desc},
	}
	run := func() {
		ctx, cancel := context.WithTimeout(rootCtx, *timeout)
		defer cancel()
		result, err := runtime.Engine.Run(ctx)
		if err != nil {
			log.Printf("sync pass %s: %v", result.Status, err)
		} else {
			log.Printf("sync pass %s: %d pages, %d records", result.Status, result.Pages, runtime.Engine.Len())
		}
		if *limit > 0 {
			printView(os.Stdout, runtime.Engine, view, *limit)
		}
	}

	run()
	if *once {
		return
	}

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	timer := time.NewTimer(jitteredIntervalWithSample(*interval, *intervalJitter, rng.Float64()))
	defer timer.Stop()
	for {
		select {
		case <-rootCtx.Done():
			log.Printf("relaycrm sync stopping: %v", rootCtx.Err())
			return
		case <-timer.C:
			run()
			timer.Reset(jitteredIntervalWithSample(*interval, *intervalJitter, rng.Float64()))
		}
	}
}

type snapshotView interface {
	Records() []crm.Record
	Appointments() []crm.Record
	AppointmentsKnown() bool
	CustomFields() []crm.Record
}

func printView(w io.Writer, snap snapshotView, opts query.Options, limit int) {
	rows := query.Apply(snap.Records(), query.Aux{
		Appointments:      snap.Appointments(),
		AppointmentsKnown: snap.AppointmentsKnown(),
		CustomFields:      snap.CustomFields(),
	}, opts)
	if opts.HasAppointment != query.Any && !snap.AppointmentsKnown() {
		fmt.Fprintln(w, "calendar unavailable, appointment filter ignored")
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tEMAIL\tPHONE\tSOURCE\tADDED")
	for i, r := range rows {
		if i >= limit {
			break
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", r.ID(), query.DisplayName(r), r.String("email"), r.String("phone"), r.String("source"), r.String("dateAdded"))
	}
	_ = tw.Flush()
	if len(rows) > limit {
		fmt.Fprintf(w, "... %d more of %d\n", len(rows)-limit, len(rows))
	}
}

func clampJitterRatio(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}

func jitteredIntervalWithSample(base time.Duration, jitterRatio, sample float64) time.Duration {
	if base <= 0 {
		return 0
	}
	jitterRatio = clampJitterRatio(jitterRatio)
	if jitterRatio == 0 {
		return base
	}
	if sample < 0 {
		sample = 0
	} else if sample > 1 {
		sample = 1
	}
	factor := 1 + ((sample*2)-1)*jitterRatio
	if factor < 0 {
		factor = 0
	}
	delay := time.Duration(float64(base) * factor)
	if delay < time.Millisecond {
		return time.Millisecond
	}
	return delay
}
