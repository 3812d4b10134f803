package stage

import (
	"testing"

	"shipline/internal/domain"
)

func TestWeightsSumToHundred(t *testing.T) {
	sum := 0
	for _, s := range Order {
		w, ok := Weights[s]
		if !ok {
			t.Fatalf("stage %s has no weight", s)
		}
		sum += w
	}
	if sum != 100 {
		t.Fatalf("stage weights sum to %d, want 100", sum)
	}
	if len(Weights) != len(Order) {
		t.Fatalf("weight table has %d entries, order has %d", len(Weights), len(Order))
	}
}

func TestSeverityWeights(t *testing.T) {
	cases := map[domain.Severity]int{
		domain.SeverityBlocker:  30,
		domain.SeverityCritical: 20,
		domain.SeverityWarning:  10,
		domain.SeverityInfo:     5,
	}
	for sev, want := range cases {
		if got := sev.Weight(); got != want {
			t.Errorf("weight(%s) = %d, want %d", sev, got, want)
		}
	}
}

func TestProgressScenario(t *testing.T) {
	infos := NewStageInfos()
	done := map[domain.Stage]bool{
		domain.StageQueued:    true,
		domain.StagePreparing: true,
		domain.StageBuilding:  true,
	}
	for i := range infos {
		if done[infos[i].Stage] {
			infos[i].Status = domain.StageCompleted
		}
	}
	if got := Progress(infos); got != 35 {
		t.Fatalf("progress = %d, want 35", got)
	}
}

func TestProgressCountsSkippedAndCaps(t *testing.T) {
	infos := NewStageInfos()
	for i := range infos {
		infos[i].Status = domain.StageSkipped
	}
	if got := Progress(infos); got != 100 {
		t.Fatalf("progress = %d, want 100", got)
	}
}

func TestProgressIgnoresFailedStages(t *testing.T) {
	infos := NewStageInfos()
	for i := range infos {
		switch infos[i].Stage {
		case domain.StageQueued:
			infos[i].Status = domain.StageCompleted
		case domain.StageTesting:
			infos[i].Status = domain.StageFailed
		}
	}
	// Only completed queued (5) counts; the failed stage earns nothing
	// even though testing failures are skippable.
	if got := Progress(infos); got != 5 {
		t.Fatalf("progress = %d, want 5", got)
	}
}

func TestNextWalksFullPipeline(t *testing.T) {
	cur := Order[0]
	seen := 1
	for {
		n := Next(cur)
		if n == "" {
			break
		}
		if Index(n) != Index(cur)+1 {
			t.Fatalf("next(%s) = %s out of order", cur, n)
		}
		cur = n
		seen++
	}
	if seen != len(Order) {
		t.Fatalf("walked %d stages, want %d", seen, len(Order))
	}
	if cur != domain.StageAcceptance {
		t.Fatalf("pipeline ends at %s, want acceptance", cur)
	}
}

func TestEnsureTransition(t *testing.T) {
	valid := []struct{ from, to domain.StageStatus }{
		{domain.StagePending, domain.StageRunning},
		{domain.StagePending, domain.StageSkipped},
		{domain.StageRunning, domain.StageCompleted},
		{domain.StageRunning, domain.StageFailed},
		{domain.StageFailed, domain.StageRunning},
		{domain.StageFailed, domain.StageSkipped},
		{domain.StageCompleted, domain.StageRolledBack},
	}
	for _, c := range valid {
		if err := EnsureTransition(c.from, c.to); err != nil {
			t.Errorf("transition %s -> %s should be allowed: %v", c.from, c.to, err)
		}
	}
	invalid := []struct{ from, to domain.StageStatus }{
		{domain.StagePending, domain.StageCompleted},
		{domain.StageCompleted, domain.StageRunning},
		{domain.StageSkipped, domain.StageRunning},
		{domain.StageRolledBack, domain.StageCompleted},
	}
	for _, c := range invalid {
		if err := EnsureTransition(c.from, c.to); err == nil {
			t.Errorf("transition %s -> %s should be rejected", c.from, c.to)
		}
	}
}

func TestVerdict(t *testing.T) {
	all := func(status domain.StageStatus) []domain.StageInfo {
		infos := NewStageInfos()
		for i := range infos {
			infos[i].Status = status
		}
		return infos
	}

	if got := Verdict(all(domain.StageCompleted)); got != domain.SessionCompleted {
		t.Fatalf("all completed -> %s, want completed", got)
	}

	infos := all(domain.StageCompleted)
	for i := range infos {
		if infos[i].Stage == domain.StageVerifying {
			infos[i].Status = domain.StageFailed
		}
	}
	if got := Verdict(infos); got != domain.SessionPartial {
		t.Fatalf("skippable failure -> %s, want partial", got)
	}

	infos = all(domain.StageCompleted)
	for i := range infos {
		if infos[i].Stage == domain.StageDeploying {
			infos[i].Status = domain.StageFailed
		}
	}
	if got := Verdict(infos); got != domain.SessionFailed {
		t.Fatalf("blocking failure -> %s, want failed", got)
	}
}
