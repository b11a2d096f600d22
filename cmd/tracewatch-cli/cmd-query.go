package main

import (
	"time"

	"github.com/kx-labs/tracewatch/pkg/httpclient"
)

type healthCmd struct{}

func (cmd *healthCmd) Run(opts *globalOptions) error {
	health, err := httpclient.New(opts.Endpoint).Health()
	if err != nil {
		return err
	}
	return printAsJSON(health)
}

type anomaliesCmd struct {
	Hours   int    `help:"query past anomalies from this many hours instead of the live set"`
	Service string `help:"only show anomalies for this service"`
}

func (cmd *anomaliesCmd) Run(opts *globalOptions) error {
	client := httpclient.New(opts.Endpoint)

	if cmd.Hours > 0 {
		resp, err := client.AnomalyHistory(cmd.Hours, cmd.Service)
		if err != nil {
			return err
		}
		return printAsJSON(resp)
	}

	anomalies, err := client.Anomalies()
	if err != nil {
		return err
	}
	if cmd.Service != "" {
		filtered := anomalies[:0]
		for _, a := range anomalies {
			if a.Service == cmd.Service {
				filtered = append(filtered, a)
			}
		}
		anomalies = filtered
	}
	return printAsJSON(anomalies)
}

type baselinesCmd struct {
	Time bool `help:"show the time-bucketed baselines and recalculation status"`
}

func (cmd *baselinesCmd) Run(opts *globalOptions) error {
	client := httpclient.New(opts.Endpoint)

	if cmd.Time {
		resp, err := client.TimeBaselines()
		if err != nil {
			return err
		}
		return printAsJSON(resp)
	}

	baselines, err := client.Baselines()
	if err != nil {
		return err
	}
	return printAsJSON(baselines)
}

type recalculateCmd struct {
	Full bool `help:"discard watermarks and rebuild from the full lookback window"`
}

func (cmd *recalculateCmd) Run(opts *globalOptions) error {
	result, err := httpclient.New(opts.Endpoint).Recalculate(cmd.Full)
	if err != nil {
		return err
	}
	return printAsJSON(result)
}

type analyzeCmd struct {
	TraceID   string `arg:"" help:"trace to explain"`
	AnomalyID string `help:"optional anomaly id when the trace has several"`
}

func (cmd *analyzeCmd) Run(opts *globalOptions) error {
	analysis, err := httpclient.New(opts.Endpoint).Analyze(cmd.TraceID, cmd.AnomalyID)
	if err != nil {
		return err
	}
	return printAsJSON(analysis)
}

type correlateCmd struct {
	Service   string `arg:"" help:"service to correlate"`
	Timestamp string `help:"point in time to inspect, ISO8601. Defaults to now."`
}

func (cmd *correlateCmd) Run(opts *globalOptions) error {
	var ts time.Time
	if cmd.Timestamp != "" {
		var err error
		ts, err = time.Parse(time.RFC3339, cmd.Timestamp)
		if err != nil {
			return err
		}
	}

	correlation, err := httpclient.New(opts.Endpoint).Correlate(cmd.Service, ts)
	if err != nil {
		return err
	}
	return printAsJSON(correlation)
}
