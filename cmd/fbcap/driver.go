package main

import (
	"fmt"

	"github.com/breeze-rmm/fbcapture/internal/capture"
	"github.com/breeze-rmm/fbcapture/internal/capture/nvfbc"
	"github.com/breeze-rmm/fbcapture/internal/capture/simdriver"
	"github.com/breeze-rmm/fbcapture/internal/config"
)

// newLoader picks the capture backend named by cfg.Driver.
func newLoader(cfg *config.Config) (capture.Loader, error) {
	switch cfg.Driver {
	case "nvfbc":
		return nvfbc.NewLoader(), nil
	case "sim":
		return simdriver.NewLoader(simConfig(cfg.Sim)), nil
	default:
		return nil, fmt.Errorf("unknown driver %q", cfg.Driver)
	}
}

// simConfig lays n equal outputs side by side.
func simConfig(sc config.SimConfig) simdriver.Config {
	out := simdriver.Config{
		ScreenWidth:     sc.Width * sc.Outputs,
		ScreenHeight:    sc.Height,
		DirectAvailable: sc.Direct,
		NotDirectGrabs:  sc.NotDirectGrabs,
	}
	for i := 0; i < sc.Outputs; i++ {
		out.Outputs = append(out.Outputs, capture.OutputInfo{
			ID:   uint32(0x100 + i),
			Name: fmt.Sprintf("SIM-%d", i),
			Region: capture.Region{
				X:      i * sc.Width,
				Width:  sc.Width,
				Height: sc.Height,
			},
		})
	}
	return out
}
