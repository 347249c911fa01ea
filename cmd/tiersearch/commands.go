package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v2"

	"github.com/hupe1980/tiersearch"
	"github.com/hupe1980/tiersearch/ingest"
	"github.com/hupe1980/tiersearch/model"
)

func searchCommand(c *cli.Context) error {
	q := strings.Join(c.Args().Slice(), " ")
	if q == "" {
		return errors.New("query is required")
	}
	db, err := openDB(c)
	if err != nil {
		return err
	}
	defer db.Close()

	opts := tiersearch.SearchOptions{
		Limit:   c.Int("limit"),
		Archive: c.Bool("archive"),
		Timeout: c.Duration("timeout"),
	}
	from, to := c.Timestamp("from"), c.Timestamp("to")
	if from != nil || to != nil {
		opts.DateRange = &tiersearch.DateRange{}
		if from != nil {
			opts.DateRange.From = *from
		}
		if to != nil {
			// Inclusive end of day.
			opts.DateRange.To = to.Add(24*time.Hour - time.Nanosecond)
		}
	}

	res, err := db.SearchString(c.Context, q, opts)
	if err != nil {
		return err
	}
	if c.Bool("json") {
		return writeJSON(c.App.Writer, res)
	}
	return printHits(c.App.Writer, res)
}

func printHits(w io.Writer, res *tiersearch.SearchResponse) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SCORE\tTIER\tMODIFIED\tSIZE\tPATH")
	for _, h := range res.Hits {
		path, modified, size := h.Key.String(), "", ""
		if h.Meta != nil {
			path = h.Meta.Path
			modified = h.Meta.Modified.Format(time.DateTime)
			size = fmt.Sprint(h.Meta.Size)
		}
		fmt.Fprintf(tw, "%.3f\t%s\t%s\t%s\t%s\n", h.Score, h.Tier, modified, size, path)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(w, "%d hits in %s", len(res.Hits), res.Took.Round(time.Microsecond))
	if res.Partial {
		fmt.Fprintf(w, " (partial, skipped %v)", res.SkippedTiers)
	}
	fmt.Fprintln(w)
	return nil
}

func statusCommand(c *cli.Context) error {
	db, err := openDB(c)
	if err != nil {
		return err
	}
	defer db.Close()

	st, err := db.Status(c.Context)
	if err != nil {
		return err
	}
	if c.Bool("json") {
		return writeJSON(c.App.Writer, st)
	}

	w := c.App.Writer
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TIER\tMETA\tCONTENT")
	fmt.Fprintf(tw, "%s\t%d\t%d\n", model.TierDelta, st.DeltaSize.Meta, st.DeltaSize.Content)
	for _, t := range model.DiskTiers {
		if n, ok := st.PerTierDocCounts[t]; ok {
			fmt.Fprintf(tw, "%s\t%d\t%d\n", t, n.Meta, n.Content)
		}
	}
	fmt.Fprintln(tw)
	fmt.Fprintln(tw, "JOB\tSTATE\tCURSOR\tATTEMPTS\tERROR")
	for _, j := range st.Jobs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n", j.ID, j.State, j.Cursor, j.Attempts, j.LastError)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(w, "queue depth %d", st.MigrationQueueDepth)
	if !st.LastFlushTime.IsZero() {
		fmt.Fprintf(w, ", last flush %s", st.LastFlushTime.Format(time.DateTime))
	}
	if len(st.UnhealthyTiers) > 0 {
		fmt.Fprintf(w, ", unhealthy %v", st.UnhealthyTiers)
	}
	fmt.Fprintln(w)
	return nil
}

func ingestCommand(c *cli.Context) error {
	in := io.Reader(os.Stdin)
	if path := c.Args().First(); path != "" && path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		in = f
	}

	db, err := openDB(c)
	if err != nil {
		return err
	}
	defer db.Close()

	var pipe *ingest.Pipeline
	if c.Bool("extract") {
		pipe, err = ingest.New(ingest.Config{Timeout: c.Duration("extract-timeout")},
			ingest.WithExtractor(ingest.TextExtractor{}))
		if err != nil {
			return err
		}
		defer pipe.Release()
	}

	n, err := applyEvents(c.Context, db, pipe, in)
	fmt.Fprintf(c.App.Writer, "applied %d events\n", n)
	if err != nil {
		return err
	}
	// Close flushes what is left in the delta.
	return db.Close()
}

func applyEvents(ctx context.Context, db *tiersearch.DB, pipe *ingest.Pipeline, in io.Reader) (int, error) {
	sc := bufio.NewScanner(in)
	sc.Buffer(make([]byte, 64<<10), 16<<20)
	n, line := 0, 0
	for sc.Scan() {
		line++
		raw := strings.TrimSpace(sc.Text())
		if raw == "" {
			continue
		}
		var we wireEvent
		if err := json.Unmarshal([]byte(raw), &we); err != nil {
			return n, fmt.Errorf("line %d: %w", line, err)
		}
		ev, err := we.event()
		if err != nil {
			return n, fmt.Errorf("line %d: %w", line, err)
		}
		if pipe != nil && ev.Kind == model.ChangeUpsert && ev.Meta != nil && ev.Content == nil {
			if ev, err = pipe.Event(ctx, *ev.Meta); err != nil {
				return n, fmt.Errorf("line %d: %w", line, err)
			}
		}
		if err := db.Apply(ctx, ev); err != nil {
			return n, fmt.Errorf("line %d: %w", line, err)
		}
		n++
	}
	return n, sc.Err()
}

func tickCommand(c *cli.Context) error {
	db, err := openDB(c)
	if err != nil {
		return err
	}
	defer db.Close()

	r, err := db.Tick(c.Context)
	if err != nil {
		return err
	}
	w := c.App.Writer
	if r.Flushed {
		fmt.Fprintf(w, "flushed %d entries, %d remaining\n", r.FlushedDocs, r.Remaining)
	}
	for _, j := range r.Jobs {
		state := "in progress"
		if j.Done {
			state = "done"
		}
		if j.Err != nil {
			state = j.Err.Error()
		}
		fmt.Fprintf(w, "%s: moved %d records (%d bytes), %s\n", j.ID, j.Files, j.Bytes, state)
	}
	return nil
}

func rebuildCommand(c *cli.Context) error {
	t, err := model.ParseTier(c.Args().First())
	if err != nil {
		return err
	}
	db, err := openDB(c)
	if err != nil {
		return err
	}
	defer db.Close()
	return db.RebuildTier(c.Context, t)
}

func serveCommand(c *cli.Context) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	db, err := openDB(c, tiersearch.WithMetricsObserver(tiersearch.NewPrometheusObserver(reg)))
	if err != nil {
		return err
	}
	defer db.Close()

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		st, err := db.Status(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = writeJSON(w, st)
	})
	srv := &http.Server{Addr: c.String("metrics-addr"), Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errc := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	if err := db.Start(ctx); err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "serving metrics on %s\n", srv.Addr)

	select {
	case <-ctx.Done():
	case err = <-errc:
	}
	db.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return errors.Join(err, srv.Shutdown(shutdownCtx), db.Close())
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
