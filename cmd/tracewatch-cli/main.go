package main

import (
	"fmt"

	"github.com/alecthomas/kong"
	jsoniter "github.com/json-iterator/go"
)

type globalOptions struct {
	Endpoint string `help:"tracewatch api endpoint" default:"http://localhost:3600"`
}

var cli struct {
	globalOptions

	Health      healthCmd      `cmd:"" help:"Show overall and per-service health."`
	Anomalies   anomaliesCmd   `cmd:"" help:"List active anomalies, or past ones with --hours."`
	Baselines   baselinesCmd   `cmd:"" help:"Dump learned latency baselines."`
	Recalculate recalculateCmd `cmd:"" help:"Trigger a baseline recalculation."`
	Analyze     analyzeCmd     `cmd:"" help:"Request an explanation for one trace."`
	Correlate   correlateCmd   `cmd:"" help:"Correlate a service's anomalies with infra metrics."`
	Stream      streamCmd      `cmd:"" help:"Tail the live event stream."`

	Amounts struct {
		Baselines amountBaselinesCmd `cmd:"" help:"Dump learned amount baselines."`
		Check     amountCheckCmd     `cmd:"" help:"Check one transaction amount."`
	} `cmd:""`

	Training struct {
		List   trainingListCmd   `cmd:"" help:"List rated training examples."`
		Stats  trainingStatsCmd  `cmd:"" help:"Show training corpus counts."`
		Rate   trainingRateCmd   `cmd:"" help:"Rate an analysis as good or bad."`
		Export trainingExportCmd `cmd:"" help:"Export the corpus as JSONL."`
		Delete trainingDeleteCmd `cmd:"" help:"Delete one training example."`
	} `cmd:""`
}

func main() {
	ctx := kong.Parse(&cli,
		kong.Name("tracewatch-cli"),
		kong.Description("Operational tooling for tracewatch."),
		kong.UsageOnError(),
	)

	err := ctx.Run(&cli.globalOptions)
	ctx.FatalIfErrorf(err)
}

func printAsJSON(v any) error {
	out, err := jsoniter.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}

	fmt.Println(string(out))
	return nil
}
