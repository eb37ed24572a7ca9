package bench

import (
	"fmt"
	"io"
	"text/tabwriter"

	"gopkg.in/yaml.v3"
)

// WriteTable prints one row per message size in the classic ping-pong layout.
func WriteTable(w io.Writer, rep *Report) error {
	if rep == nil {
		return nil
	}
	if _, err := fmt.Fprintf(w, "# rdvbench %s rank %d run %s\n", rep.Variant, rep.Rank, rep.RunID); err != nil {
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintln(tw, "Size\tIterations\tLatency(us)\tMsgRate(Mmsg/s)\tBandwidth(MiB/s)\tRTT p50(us)\tRTT p99(us)\t")
	for _, r := range rep.Results {
		fmt.Fprintf(tw, "%d\t%d\t%.3f\t%.3f\t%.3f\t%.3f\t%.3f\t\n",
			r.Size, r.Iterations, r.LatencyUS, r.MsgRateM, r.BandwidthMiB, r.RTTP50US, r.RTTP99US)
	}
	return tw.Flush()
}

// WriteYAML encodes the reports as a YAML sequence.
func WriteYAML(w io.Writer, reps []*Report) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(reps); err != nil {
		return err
	}
	return enc.Close()
}
