package discovery

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/logiwatch/incident-orchestrator/internal/domain"
)

func TestSleepCtx(t *testing.T) {
	require.NoError(t, sleepCtx(context.Background(), time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, sleepCtx(ctx, time.Hour), context.Canceled)
}

func TestSequencer_PacesEachStep(t *testing.T) {
	h := newHarness(t)
	h.seedScenario(t)

	var waits []time.Duration
	seq := h.engine.Sequencer
	seq.InitialDelay, seq.StepDelay, seq.FinalDelay = 10*time.Millisecond, 20*time.Millisecond, 30*time.Millisecond
	seq.Sleep = func(_ context.Context, d time.Duration) error {
		waits = append(waits, d)
		return nil
	}

	_, err := h.engine.Discover(context.Background(), "INC-1")
	require.NoError(t, err)
	h.engine.Wait()

	assert.Equal(t, []time.Duration{
		10 * time.Millisecond,
		20 * time.Millisecond,
		20 * time.Millisecond,
		30 * time.Millisecond,
	}, waits)
}

func TestRevealMessage_KindSpecific(t *testing.T) {
	fac := domain.Candidate{Resource: domain.Resource{ID: "WH-1", Kind: domain.KindFacility}, DistanceMiles: 4.26, Rank: 1}
	drv := domain.Candidate{Resource: domain.Resource{ID: "DRV-1", Name: "Sam Lee", Kind: domain.KindAsset}, DistanceMiles: 12, Rank: 3}

	assert.Equal(t, "#1 facility WH-1 located 4.3 mi away", revealMessage(fac))
	assert.Equal(t, "#3 recovery driver Sam Lee is 12.0 mi out", revealMessage(drv))
}

func TestSummaryMessage(t *testing.T) {
	cands := []domain.Candidate{
		{Resource: domain.Resource{ID: "DRV-1", Name: "Sam Lee", Kind: domain.KindAsset}, DistanceMiles: 1.5, Rank: 1},
		{Resource: domain.Resource{ID: "WH-1", Kind: domain.KindFacility}, DistanceMiles: 2, Rank: 2},
		{Resource: domain.Resource{ID: "WH-2", Kind: domain.KindFacility}, DistanceMiles: 3, Rank: 3},
	}
	assert.Equal(t, "Discovery complete: 2 facilities and 1 driver ranked. Nearest is Sam Lee at 1.5 mi", summaryMessage(cands))
	assert.Equal(t, "Discovery closed before the reveal finished; 3 candidates cached", interruptedSummary(cands))
}
