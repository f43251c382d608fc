// Command calhistory lists archived circle calibrations.
//
//	calhistory -dir calibrations -day "May 2, 2026"
//	calhistory -bucket results -circle discus
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"text/tabwriter"
	"time"

	"github.com/araddon/dateparse"

	"polyfield-edm/internal/archive"
	"polyfield-edm/internal/calibration"
)

func main() {
	dir := flag.String("dir", "calibrations", "archive directory")
	bucket := flag.String("bucket", "", "S3 bucket holding the archive (overrides -dir)")
	gz := flag.Bool("gzip", false, "archive objects are gzipped")
	day := flag.String("day", "", "day to list, in any common date format (default today)")
	circle := flag.String("circle", "", "show only the latest calibration for this circle type")
	flag.Parse()

	ctx := context.Background()
	var (
		store archive.Store
		err   error
	)
	if *bucket != "" {
		store, err = archive.NewS3Store(ctx, *bucket, *gz)
	} else {
		store, err = archive.NewFileStore(*dir)
	}
	if err != nil {
		log.Fatalf("%v: %v", os.Args[0], err)
	}

	var recs []calibration.Record
	if *circle != "" {
		t, err := calibration.ParseCircleType(*circle)
		if err != nil {
			log.Fatalf("%v: %v", os.Args[0], err)
		}
		rec, err := store.Latest(ctx, t)
		if err != nil {
			log.Fatalf("%v: %v", os.Args[0], err)
		}
		recs = append(recs, rec)
	} else {
		d, err := parseDay(*day, time.Now())
		if err != nil {
			log.Fatalf("%v: invalid -day %q: %v", os.Args[0], *day, err)
		}
		recs, err = store.List(ctx, d)
		if err != nil {
			log.Fatalf("%v: %v", os.Args[0], err)
		}
		if len(recs) == 0 {
			fmt.Printf("no calibrations on %s\n", archive.DayKey(d))
			return
		}
	}
	if err := printRecords(os.Stdout, recs); err != nil {
		log.Fatalf("%v: %v", os.Args[0], err)
	}
}

// parseDay reads a day in any layout dateparse understands. Empty means
// the day containing now.
func parseDay(s string, now time.Time) (time.Time, error) {
	if s == "" {
		return now, nil
	}
	return dateparse.ParseIn(s, time.UTC)
}

func printRecords(w io.Writer, recs []calibration.Record) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "CREATED (UTC)\tCIRCLE\tSTATION X\tSTATION Y\tEDGE DIFF\tEDGE\tSECTOR\tID")
	for _, r := range recs {
		edge := "PASS"
		if !r.Edge.WithinTolerance {
			edge = "ACK"
		}
		fmt.Fprintf(tw, "%s\t%s\t%.4f\t%.4f\t%+.1fmm\t%s\t%.2fm\t%s\n",
			r.CreatedAt.UTC().Format("2006-01-02 15:04:05"), r.CircleType,
			r.Station.X, r.Station.Y, r.Edge.DeviationM*1000, edge,
			r.Sector.DistanceBeyondCircleM, r.ID)
	}
	return tw.Flush()
}
