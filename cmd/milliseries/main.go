// The milliseries command operates a database of append-only
// time-series directories on local disk: creating series, appending
// batches of entries, and scanning or aggregating them back out.
package main

import (
	"bufio"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/alecthomas/kingpin/v2"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/oklog/run"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mseriesdb/milliseries"
	"github.com/mseriesdb/milliseries/aggregate"
)

var (
	appendedEntries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "milliseries",
		Name:      "entries_appended_total",
		Help:      "Number of entries successfully written, per series.",
	}, []string{"series"})
	scannedEntries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "milliseries",
		Name:      "entries_scanned_total",
		Help:      "Number of entries read back out by a scan, per series.",
	}, []string{"series"})
)

func init() {
	prometheus.MustRegister(appendedEntries, scannedEntries)
}

func main() {
	logger := log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr))
	logger = log.With(logger, "ts", log.DefaultTimestampUTC, "caller", log.DefaultCaller)

	a := kingpin.New(filepath.Base(os.Args[0]), "Operate a milliseries append-only time-series database.")
	a.HelpFlag.Short('h')

	dbRoot := a.Flag("db", "Database root directory.").Default("./milliseries-data").String()
	metricsAddr := a.Flag("web.listen-address", "Address to serve /metrics on.").Default("127.0.0.1:9091").String()

	createCmd := a.Command("create", "Create a new series.")
	createName := createCmd.Arg("name", "Series name.").Required().String()

	appendCmd := a.Command("append", "Append entries to a series.")
	appendName := appendCmd.Arg("name", "Series name.").Required().String()
	appendPairs := appendCmd.Arg("entry", "ts:value pair, repeatable.").Required().Strings()

	scanCmd := a.Command("scan", "Scan entries from a series.")
	scanName := scanCmd.Arg("name", "Series name.").Required().String()
	scanFrom := scanCmd.Flag("from", "Lower ts bound, inclusive.").Default("-9223372036854775808").Int64()

	showCmd := a.Command("show", "Report a series' committed state.")
	showName := showCmd.Arg("name", "Series name.").Required().String()

	aggCmd := a.Command("aggregate", "Group a scan into fixed-width buckets and report mean/min/max.")
	aggName := aggCmd.Arg("name", "Series name.").Required().String()
	aggBucketMS := aggCmd.Flag("bucket-ms", "Bucket width in milliseconds.").Default("3600000").Int64()
	aggFrom := aggCmd.Flag("from", "Lower ts bound, inclusive.").Default("-9223372036854775808").Int64()
	aggLimit := aggCmd.Flag("limit", "Maximum rows to emit, 0 for unlimited.").Default("0").Int()

	serveCmd := a.Command("serve", "Run the /metrics endpoint until interrupted.")

	cmd, err := a.Parse(os.Args[1:])
	if err != nil {
		kingpin.Fatalf("%v", err)
	}

	db, err := milliseries.Open(*dbRoot, milliseries.WithLogger(logger))
	if err != nil {
		level.Error(logger).Log("msg", "failed to open database", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	switch cmd {
	case createCmd.FullCommand():
		err = runCreate(db, *createName)
	case appendCmd.FullCommand():
		err = runAppend(db, *appendName, *appendPairs)
	case scanCmd.FullCommand():
		err = runScan(db, *scanName, *scanFrom)
	case showCmd.FullCommand():
		err = runShow(db, *showName)
	case aggCmd.FullCommand():
		err = runAggregate(db, *aggName, *aggFrom, *aggBucketMS, *aggLimit)
	case serveCmd.FullCommand():
		err = runServe(logger, *metricsAddr)
	}
	if err != nil {
		level.Error(logger).Log("msg", "command failed", "cmd", cmd, "err", err)
		os.Exit(1)
	}
}

func runCreate(db *milliseries.Database, name string) error {
	_, err := db.Create(name)
	return err
}

func parseEntry(s string) (milliseries.Entry, error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return milliseries.Entry{}, errors.Errorf("entry %q must be ts:value", s)
	}
	ts, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return milliseries.Entry{}, errors.Wrapf(err, "parse ts in %q", s)
	}
	val, err := strconv.ParseFloat(parts[1], 64)
	if err != nil {
		return milliseries.Entry{}, errors.Wrapf(err, "parse value in %q", s)
	}
	return milliseries.Entry{TS: ts, Val: val}, nil
}

func runAppend(db *milliseries.Database, name string, pairs []string) error {
	h, err := db.OpenSeries(name)
	if err != nil {
		return err
	}
	entries := make([]milliseries.Entry, 0, len(pairs))
	for _, p := range pairs {
		e, err := parseEntry(p)
		if err != nil {
			return err
		}
		entries = append(entries, e)
	}
	res, err := h.Append(entries)
	if err != nil {
		return err
	}
	appendedEntries.WithLabelValues(name).Add(float64(res.EntriesWritten))
	fmt.Printf("wrote %d entries\n", res.EntriesWritten)
	return nil
}

func runScan(db *milliseries.Database, name string, from int64) error {
	h, err := db.OpenSeries(name)
	if err != nil {
		return err
	}
	it, err := h.Scan(from)
	if err != nil {
		return err
	}
	defer it.Close()

	w := bufio.NewWriter(os.Stdout)
	defer w.Flush()

	n := 0
	for it.Next() {
		e := it.At()
		fmt.Fprintf(w, "%d %g\n", e.TS, e.Val)
		n++
	}
	if it.Err() != nil {
		return it.Err()
	}
	scannedEntries.WithLabelValues(name).Add(float64(n))
	return nil
}

func runShow(db *milliseries.Database, name string) error {
	h, err := db.OpenSeries(name)
	if err != nil {
		return err
	}
	stat := h.Stat()
	fmt.Printf("data_offset=%d index_offset=%d highest_ts=%d blocks=%d\n",
		stat.DataOffset, stat.IndexOffset, stat.HighestTS, stat.BlockCount)
	return nil
}

func runAggregate(db *milliseries.Database, name string, from, bucketMS int64, limit int) error {
	h, err := db.OpenSeries(name)
	if err != nil {
		return err
	}
	bucket := func(ts int64) int64 { return (ts / bucketMS) * bucketMS }
	kinds := []aggregate.Kind{aggregate.Mean, aggregate.Min, aggregate.Max}

	rows, err := h.Aggregate(from, bucket, kinds, limit)
	if err != nil {
		return err
	}
	for _, r := range rows {
		fmt.Printf("%d mean=%g min=%g max=%g\n", r.Bucket, r.Values[aggregate.Mean], r.Values[aggregate.Min], r.Values[aggregate.Max])
	}
	return nil
}

func runServe(logger log.Logger, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}

	var g run.Group
	{
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		g.Add(func() error {
			<-sig
			return nil
		}, func(error) {
			close(sig)
		})
	}
	{
		g.Add(func() error {
			level.Info(logger).Log("msg", "serving metrics", "addr", addr)
			return srv.ListenAndServe()
		}, func(error) {
			srv.Close()
		})
	}
	return g.Run()
}
