package mapper

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sfmsession/sessiond/pkg/config"
	"github.com/sfmsession/sessiond/pkg/engine"
	"github.com/sfmsession/sessiond/pkg/reconstruction"
)

// fakePrompter returns the scripted verdicts in order and false (perform the
// stage) once they run out; prompts records every prompt it was asked, so
// tests can count them.
type fakePrompter struct {
	verdicts []bool
	prompts  []string
}

func (f *fakePrompter) PromptStage(prompt string) bool {
	f.prompts = append(f.prompts, prompt)
	if len(f.verdicts) == 0 {
		return false
	}
	v := f.verdicts[0]
	f.verdicts = f.verdicts[1:]
	return v
}

type fakeExporter struct {
	exports   []string
	snapshots int
}

func (f *fakeExporter) Export(_ *reconstruction.Reconstruction, suffix string) error {
	f.exports = append(f.exports, suffix)
	return nil
}

func (f *fakeExporter) Snapshot(_ *reconstruction.Reconstruction) error {
	f.snapshots++
	return nil
}

func newTestMapper(cfg *config.MapperConfig, prompter StagePrompter, exporter Exporter) (*Mapper, *engine.Simulated) {
	sim := engine.NewSimulated()
	return New(sim, cfg, prompter, exporter), sim
}

func TestReconstructFullPipelinePerformsEveryRecommendedStage(t *testing.T) {
	cfg := config.DefaultMapperConfig()
	prompter := &fakePrompter{}
	exporter := &fakeExporter{}
	m, _ := newTestMapper(cfg, prompter, exporter)

	recon := reconstruction.New()
	result, err := m.Reconstruct(context.Background(), recon, Options{
		TargetImageIDs: []int{1, 2, 3},
		FullPipeline:   true,
	})

	require.NoError(t, err)
	assert.Equal(t, config.StatusSuccess, result.Status)
	assert.Equal(t, 3, recon.NumRegImages())
	assert.Empty(t, prompter.prompts, "full_pipeline must never prompt the client")
	assert.Contains(t, exporter.exports, string(config.StepTriangulation))
}

func TestReconstructStageByStagePromptsForEachStage(t *testing.T) {
	cfg := config.DefaultMapperConfig()
	prompter := &fakePrompter{verdicts: []bool{false, true, false}} // perform TRIANGULATION, skip LOCAL_BA, perform GLOBAL_BA
	exporter := &fakeExporter{}
	m, sim := newTestMapper(cfg, prompter, exporter)
	sim.PointsPerImage = 60 // force CheckRunGlobalRefinement to recommend GLOBAL_BA

	recon := reconstruction.New()
	recon.Register(100)
	recon.Register(101)

	result, err := m.Reconstruct(context.Background(), recon, Options{
		TargetImageIDs:       []int{102},
		FullPipeline:         false,
		LetColmapChooseOrder: false,
	})

	require.NoError(t, err)
	assert.Equal(t, config.StatusSuccess, result.Status)
	assert.True(t, recon.IsRegistered(102))
	assert.Contains(t, exporter.exports, string(config.StepTriangulation))
	assert.NotContains(t, exporter.exports, string(config.StepLocalBundleAdjust))
	assert.Contains(t, exporter.exports, string(config.StepGlobalBundleAdjust))
	assert.Len(t, prompter.prompts, 3)
}

func TestReconstructAbandonsSubModelAfterRepeatedFailures(t *testing.T) {
	cfg := config.DefaultMapperConfig()
	cfg.MinModelSize = 10
	prompter := &fakePrompter{}
	exporter := &fakeExporter{}
	m, sim := newTestMapper(cfg, prompter, exporter)
	var targets []int
	for id := 970; id < 1000; id++ { // config.MinNumInitialRegTrials() failing candidates
		sim.FailAlways[id] = true
		targets = append(targets, id)
	}

	recon := reconstruction.New()
	recon.Register(1)
	recon.Register(2)

	result, err := m.Reconstruct(context.Background(), recon, Options{
		TargetImageIDs: targets,
		FullPipeline:   true,
	})

	require.NoError(t, err)
	assert.Equal(t, config.StatusInterrupted, result.Status)
	assert.False(t, recon.IsRegistered(999))
}

func TestReconstructBootstrapsInitialPairWhenEmpty(t *testing.T) {
	cfg := config.DefaultMapperConfig()
	prompter := &fakePrompter{}
	exporter := &fakeExporter{}
	m, _ := newTestMapper(cfg, prompter, exporter)

	recon := reconstruction.New()
	result, err := m.Reconstruct(context.Background(), recon, Options{
		TargetImageIDs: []int{5, 1, 3},
		FullPipeline:   true,
	})

	require.NoError(t, err)
	assert.Equal(t, config.StatusSuccess, result.Status)
	assert.True(t, recon.NumRegImages() >= 2)
}

func TestReconstructNoInitialPairWithFewerThanTwoCandidates(t *testing.T) {
	cfg := config.DefaultMapperConfig()
	prompter := &fakePrompter{}
	exporter := &fakeExporter{}
	m, _ := newTestMapper(cfg, prompter, exporter)

	recon := reconstruction.New()
	result, err := m.Reconstruct(context.Background(), recon, Options{
		TargetImageIDs: []int{1},
		FullPipeline:   true,
	})

	require.NoError(t, err)
	assert.Equal(t, config.StatusNoInitialPair, result.Status)
	assert.Equal(t, 0, recon.NumRegImages())
}

func TestCandidateOrderRespectsLetColmapChooseOrder(t *testing.T) {
	cfg := config.DefaultMapperConfig()
	m, _ := newTestMapper(cfg, &fakePrompter{}, &fakeExporter{})
	recon := reconstruction.New()

	pending := []int{5, 3, 1}
	ordered := m.candidateOrder(context.Background(), recon, pending, Options{LetColmapChooseOrder: true})
	assert.Equal(t, []int{1, 3, 5}, ordered) // Simulated.PreferredOrder sorts ascending

	asIs := m.candidateOrder(context.Background(), recon, pending, Options{LetColmapChooseOrder: false})
	assert.Equal(t, []int{5, 3, 1}, asIs)
}
