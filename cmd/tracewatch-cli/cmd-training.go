package main

import (
	"os"

	"github.com/kx-labs/tracewatch/pkg/httpclient"
	"github.com/kx-labs/tracewatch/pkg/model"
)

type trainingListCmd struct{}

func (cmd *trainingListCmd) Run(opts *globalOptions) error {
	examples, err := httpclient.New(opts.Endpoint).TrainingExamples()
	if err != nil {
		return err
	}
	return printAsJSON(examples)
}

type trainingStatsCmd struct{}

func (cmd *trainingStatsCmd) Run(opts *globalOptions) error {
	stats, err := httpclient.New(opts.Endpoint).TrainingStats()
	if err != nil {
		return err
	}
	return printAsJSON(stats)
}

type trainingRateCmd struct {
	Rating     string `arg:"" enum:"good,bad" help:"good or bad"`
	Prompt     string `help:"prompt that produced the analysis"`
	Completion string `help:"analysis text being rated"`
	Correction string `help:"corrected analysis, only meaningful with a bad rating"`
	Notes      string `help:"free-form reviewer notes"`
}

func (cmd *trainingRateCmd) Run(opts *globalOptions) error {
	rated, err := httpclient.New(opts.Endpoint).RateTraining(model.TrainingExample{
		Prompt:     cmd.Prompt,
		Completion: cmd.Completion,
		Rating:     cmd.Rating,
		Correction: cmd.Correction,
		Notes:      cmd.Notes,
	})
	if err != nil {
		return err
	}
	return printAsJSON(rated)
}

type trainingExportCmd struct {
	Output string `help:"write the JSONL corpus here instead of stdout" type:"path"`
}

func (cmd *trainingExportCmd) Run(opts *globalOptions) error {
	out := os.Stdout
	if cmd.Output != "" {
		f, err := os.Create(cmd.Output)
		if err != nil {
			return err
		}
		defer func() { _ = f.Close() }()
		out = f
	}

	return httpclient.New(opts.Endpoint).ExportTraining(out)
}

type trainingDeleteCmd struct {
	ID string `arg:"" help:"training example id"`
}

func (cmd *trainingDeleteCmd) Run(opts *globalOptions) error {
	return httpclient.New(opts.Endpoint).DeleteTraining(cmd.ID)
}
