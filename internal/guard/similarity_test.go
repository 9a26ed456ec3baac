package guard

import "testing"

func TestSimilarityIdentical(t *testing.T) {
	if got := Similarity("deploy the latest build", "deploy the latest build"); got != 1.0 {
		t.Errorf("identical texts should score 1.0, got %v", got)
	}
}

func TestSimilaritySymmetric(t *testing.T) {
	a := "please restart the staging server"
	b := "restart staging server please now"
	if Similarity(a, b) != Similarity(b, a) {
		t.Errorf("similarity must be symmetric: %v vs %v", Similarity(a, b), Similarity(b, a))
	}
}

func TestSimilarityDisjoint(t *testing.T) {
	if got := Similarity("deploy the build", "weather looks nice today"); got != 0.0 {
		t.Errorf("disjoint texts should score 0.0, got %v", got)
	}
}

func TestSimilarityEmptyRules(t *testing.T) {
	if got := Similarity("", ""); got != 1.0 {
		t.Errorf("two empty texts should score 1.0, got %v", got)
	}
	if got := Similarity("deploy the build", ""); got != 0.0 {
		t.Errorf("one empty text should score 0.0, got %v", got)
	}
	// Texts of only short filler tokens normalize to empty sets.
	if got := Similarity("a to is", "ok no"); got != 1.0 {
		t.Errorf("filler-only texts should score 1.0, got %v", got)
	}
}

func TestSimilarityIgnoresCaseAndPunctuation(t *testing.T) {
	if got := Similarity("Deploy, the BUILD!", "deploy the build"); got != 1.0 {
		t.Errorf("case and punctuation should not matter, got %v", got)
	}
}

func TestSimilarityPartialOverlap(t *testing.T) {
	// {deploy, build} vs {deploy, build, staging}: 2/3
	got := Similarity("deploy the build", "deploy the build staging")
	want := 2.0 / 3.0
	if got < want-1e-9 || got > want+1e-9 {
		t.Errorf("expected %v, got %v", want, got)
	}
}
