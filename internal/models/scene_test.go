package models

import (
	"testing"
)

func TestCanTransitionForwardPath(t *testing.T) {
	path := []string{SceneDiscovered, SceneDownloading, SceneDownloaded, SceneProcessing, SceneProcessed, SceneArchived}
	for i := 0; i < len(path)-1; i++ {
		if !CanTransition(path[i], path[i+1]) {
			t.Fatalf("expected %s -> %s to be legal", path[i], path[i+1])
		}
	}
}

func TestCanTransitionRejectsBackward(t *testing.T) {
	cases := [][2]string{
		{SceneDownloaded, SceneDiscovered},
		{SceneProcessed, SceneDownloading},
		{SceneDownloading, SceneDiscovered},
		{SceneArchived, SceneProcessed},
	}
	for _, c := range cases {
		if CanTransition(c[0], c[1]) {
			t.Fatalf("expected %s -> %s to be illegal", c[0], c[1])
		}
	}
}

func TestFailureBranches(t *testing.T) {
	if !CanTransition(SceneDownloading, SceneDownloadFailed) {
		t.Fatalf("downloading must be able to fail")
	}
	if !CanTransition(SceneProcessing, SceneProcessingFailed) {
		t.Fatalf("processing must be able to fail")
	}
	if CanTransition(SceneDownloadFailed, SceneDownloading) {
		t.Fatalf("terminal failure must not resume without a reset")
	}
}

func TestInvalidReachableFromNonTerminal(t *testing.T) {
	for _, from := range []string{SceneDiscovered, SceneDownloading, SceneDownloaded, SceneProcessing} {
		if !CanTransition(from, SceneInvalid) {
			t.Fatalf("expected %s -> invalid to be legal", from)
		}
	}
}

func TestIsTerminal(t *testing.T) {
	for _, status := range []string{SceneDownloadFailed, SceneProcessingFailed, SceneInvalid, SceneArchived} {
		if !IsTerminal(status) {
			t.Fatalf("%s should be terminal", status)
		}
	}
	for _, status := range []string{SceneDiscovered, SceneDownloading, SceneDownloaded, SceneProcessing, SceneProcessed} {
		if IsTerminal(status) {
			t.Fatalf("%s should not be terminal", status)
		}
	}
}

func TestStatusRankMonotonic(t *testing.T) {
	path := []string{SceneDiscovered, SceneDownloading, SceneDownloaded, SceneProcessing, SceneProcessed, SceneArchived}
	for i := 0; i < len(path)-1; i++ {
		if StatusRank(path[i]) >= StatusRank(path[i+1]) {
			t.Fatalf("rank of %s should be below %s", path[i], path[i+1])
		}
	}
	if StatusRank("bogus") != -1 {
		t.Fatalf("unknown status should rank -1")
	}
}
