package main

import (
	"github.com/kx-labs/tracewatch/pkg/httpclient"
)

type amountBaselinesCmd struct{}

func (cmd *amountBaselinesCmd) Run(opts *globalOptions) error {
	baselines, err := httpclient.New(opts.Endpoint).AmountBaselines()
	if err != nil {
		return err
	}
	return printAsJSON(baselines)
}

type amountCheckCmd struct {
	Type      string  `arg:"" help:"operation type, eg. BUY or WITHDRAW"`
	Asset     string  `arg:"" help:"asset symbol"`
	Amount    float64 `arg:"" help:"transaction amount"`
	Reference string  `arg:"" help:"order or transfer reference"`
}

func (cmd *amountCheckCmd) Run(opts *globalOptions) error {
	resp, err := httpclient.New(opts.Endpoint).CheckAmount(cmd.Type, cmd.Asset, cmd.Amount, cmd.Reference)
	if err != nil {
		return err
	}
	return printAsJSON(resp)
}
