package main

import (
	"github.com/spf13/cobra"

	"github.com/sondeworks/sonde/internal/orch"
	"github.com/sondeworks/sonde/internal/runstore"
)

// engineFlags are the driver knobs shared by tick and run.
type engineFlags struct {
	driver            string
	maxParallel       int
	wave1Fixtures     string
	wave2Fixtures     string
	summariesFixtures string
	synthesisFixture  string
	reviewBundle      string
	citationFixtures  string
}

func (f *engineFlags) register(cmd *cobra.Command) {
	fl := cmd.Flags()
	fl.StringVar(&f.driver, "driver", "", "fixture, task, or live (default from run config)")
	fl.IntVar(&f.maxParallel, "max-parallel", 0, "live-driver agent fan-out cap")
	fl.StringVar(&f.wave1Fixtures, "fixtures-wave1", "", "directory of wave-1 output fixtures")
	fl.StringVar(&f.wave2Fixtures, "fixtures-wave2", "", "directory of wave-2 output fixtures")
	fl.StringVar(&f.summariesFixtures, "fixtures-summaries", "", "directory of summary fixtures")
	fl.StringVar(&f.synthesisFixture, "fixtures-synthesis", "", "synthesis draft fixture file")
	fl.StringVar(&f.reviewBundle, "fixtures-review-bundle", "", "review bundle fixture file")
	fl.StringVar(&f.citationFixtures, "citation-fixtures", "", "citation fixtures document")
}

// buildEngine assembles the orchestration engine for an opened store. The
// driver defaults to the run config's; no LLM runner ships in this binary,
// so the live driver only works through the library seam.
func (f *engineFlags) buildEngine(st *runstore.Store) (*orch.Engine, error) {
	driver := f.driver
	if driver == "" {
		cfg, err := st.Config()
		if err != nil {
			return nil, err
		}
		driver = cfg.Drivers.Default
	}
	return &orch.Engine{
		Store:       st,
		Driver:      driver,
		MaxParallel: f.maxParallel,
		Fixtures: orch.Fixtures{
			Wave1Dir:             f.wave1Fixtures,
			Wave2Dir:             f.wave2Fixtures,
			SummariesDir:         f.summariesFixtures,
			SynthesisPath:        f.synthesisFixture,
			ReviewBundlePath:     f.reviewBundle,
			CitationFixturesPath: f.citationFixtures,
		},
		Logger: newLogger(),
	}, nil
}
