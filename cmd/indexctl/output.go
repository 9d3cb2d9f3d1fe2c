package main

import (
	"encoding/json"
	"fmt"
	"sort"
	"text/tabwriter"
	"time"

	"assetindex/internal/audit"
	"assetindex/internal/jobs"
)

func (o *options) writeJSON(payload any) error {
	enc := json.NewEncoder(o.out)
	enc.SetIndent("", "  ")
	return enc.Encode(payload)
}

func (o *options) printf(format string, args ...any) {
	fmt.Fprintf(o.out, format, args...)
}

func (o *options) table() *tabwriter.Writer {
	return tabwriter.NewWriter(o.out, 0, 4, 2, ' ', 0)
}

// sortedCounts returns the keys of a state count map in a stable order.
func sortedCounts[K ~string](counts map[K]int) []K {
	keys := make([]K, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

func (o *options) writeJobs(list []jobs.Job) error {
	if o.jsonOutput {
		return o.writeJSON(list)
	}
	if len(list) == 0 {
		o.printf("No jobs\n")
		return nil
	}
	tw := o.table()
	fmt.Fprintln(tw, "ID\tKIND\tTARGET\tSTATE\tATTEMPTS\tFINISHED\tERROR")
	for _, j := range list {
		finished := "-"
		if j.FinishedAt != nil {
			finished = j.FinishedAt.Format(time.RFC3339)
		}
		fmt.Fprintf(tw, "%d\t%s\t%d\t%s\t%d\t%s\t%s\n", j.ID, j.Kind, j.TargetID, j.State, j.Attempts, finished, j.LastError)
	}
	return tw.Flush()
}

func (o *options) writeRecords(records []audit.Record) error {
	if o.jsonOutput {
		for _, r := range records {
			data, err := json.Marshal(r)
			if err != nil {
				return err
			}
			o.printf("%s\n", data)
		}
		return nil
	}
	for _, r := range records {
		o.printf("%d %s %-18s %-10s %s %s\n", r.ID, r.CreatedAt.Format(time.RFC3339), r.Kind, r.Actor, r.Subject, r.Detail)
	}
	return nil
}
