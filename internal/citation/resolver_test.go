package citation

import (
	"strings"
	"testing"
)

type fakeAssets struct {
	urls map[string]string
}

func (f *fakeAssets) URL(filename string) (string, bool) {
	url, ok := f.urls[filename]
	return url, ok
}

func TestResolveAssignsNumbersInFirstAppearanceOrder(t *testing.T) {
	r := NewResolver(nil)

	text := "Revenue grew [[cite:report_page_1_chunk_0]] while costs fell [[cite:report_page_2_chunk_3]]."
	out, cites := r.Resolve(text)

	if len(cites) != 2 {
		t.Fatalf("citations = %d, want 2", len(cites))
	}
	if cites[0].Number != 1 || cites[1].Number != 2 {
		t.Errorf("numbers = %d, %d; want 1, 2", cites[0].Number, cites[1].Number)
	}
	if cites[0].SourceID != "report" || cites[0].Page != 1 || cites[0].Chunk != 0 {
		t.Errorf("first citation = %+v", cites[0])
	}
	if !strings.Contains(out, "[[ref:1|report|1|0]]") {
		t.Errorf("output missing first ref token: %q", out)
	}
	if !strings.Contains(out, "[[ref:2|report|2|3]]") {
		t.Errorf("output missing second ref token: %q", out)
	}
}

func TestResolveHyphenatedSourceID(t *testing.T) {
	r := NewResolver(nil)

	// Source IDs are file basenames; hyphenated names must resolve.
	out, cites := r.Resolve("Growth was strong [[cite:q2-report_page_1_chunk_0]].")

	if len(cites) != 1 {
		t.Fatalf("citations = %d, want 1", len(cites))
	}
	if cites[0].SourceID != "q2-report" || cites[0].Page != 1 || cites[0].Chunk != 0 {
		t.Errorf("citation = %+v", cites[0])
	}
	if !strings.Contains(out, "[[ref:1|q2-report|1|0]]") {
		t.Errorf("output missing ref token: %q", out)
	}
}

func TestResolveDeduplicatesRepeatedLocator(t *testing.T) {
	r := NewResolver(nil)

	text := "[[cite:a_page_1_chunk_0]] then [[cite:b_page_1_chunk_0]] then [[cite:a_page_1_chunk_0]] again."
	out, cites := r.Resolve(text)

	if len(cites) != 2 {
		t.Fatalf("citations = %d, want 2 (repeat deduplicated)", len(cites))
	}
	if strings.Count(out, "[[ref:1|a|1|0]]") != 2 {
		t.Errorf("expected locator a to appear twice as ref 1: %q", out)
	}
	if strings.Count(out, "[[ref:2|b|1|0]]") != 1 {
		t.Errorf("expected locator b as ref 2: %q", out)
	}
}

func TestResolveIsIdempotentPerText(t *testing.T) {
	r := NewResolver(nil)
	text := "[[cite:x_page_3_chunk_1]] and [[cite:y_page_1_chunk_0]] and [[cite:x_page_3_chunk_1]]"

	out1, cites1 := r.Resolve(text)
	out2, cites2 := r.Resolve(text)

	if out1 != out2 {
		t.Errorf("re-resolving differs:\n%q\n%q", out1, out2)
	}
	if len(cites1) != len(cites2) {
		t.Fatalf("citation counts differ: %d vs %d", len(cites1), len(cites2))
	}
	for i := range cites1 {
		if cites1[i] != cites2[i] {
			t.Errorf("citation %d differs: %+v vs %+v", i, cites1[i], cites2[i])
		}
	}
}

func TestResolveMalformedMarkersPassThrough(t *testing.T) {
	r := NewResolver(nil)

	tests := []string{
		"[[cite:report_page_1]]",            // missing chunk
		"[[cite:report]]",                   // bare source
		"[[cite:report_page_x_chunk_0]]",    // non-numeric page
		"[[cite:_page_1_chunk_0 extra]]",    // junk payload
		"[[cite:]]",                         // empty payload
		"stray [[brackets]] in plain prose", // not a marker at all
	}

	for _, text := range tests {
		out, cites := r.Resolve(text)
		if out != text {
			t.Errorf("Resolve(%q) rewrote to %q, want verbatim", text, out)
		}
		if len(cites) != 0 {
			t.Errorf("Resolve(%q) produced citations %v, want none", text, cites)
		}
	}
}

func TestResolveMixedValidAndMalformed(t *testing.T) {
	r := NewResolver(nil)

	text := "good [[cite:s1_page_1_chunk_2]] bad [[cite:busted]] good [[cite:s2_page_4_chunk_0]]"
	out, cites := r.Resolve(text)

	if len(cites) != 2 {
		t.Fatalf("citations = %d, want 2", len(cites))
	}
	if !strings.Contains(out, "[[cite:busted]]") {
		t.Errorf("malformed marker was not preserved: %q", out)
	}
	if !strings.Contains(out, "[[ref:1|s1|1|2]]") || !strings.Contains(out, "[[ref:2|s2|4|0]]") {
		t.Errorf("valid markers not rewritten: %q", out)
	}
}

func TestResolveImageMarkers(t *testing.T) {
	r := NewResolver(&fakeAssets{urls: map[string]string{
		"chart.png": "/v1/artifacts/chart.png",
	}})

	out, cites := r.Resolve("Here: [[image:chart.png]] and missing [[image:nope.png]]")

	if len(cites) != 0 {
		t.Errorf("image markers produced citations: %v", cites)
	}
	if !strings.Contains(out, "[[artifact:/v1/artifacts/chart.png]]") {
		t.Errorf("known image not rewritten: %q", out)
	}
	if !strings.Contains(out, "[[image:nope.png]]") {
		t.Errorf("unknown image not preserved: %q", out)
	}
}

func TestResolveImageWithoutAssetResolver(t *testing.T) {
	r := NewResolver(nil)

	text := "[[image:chart.png]]"
	out, _ := r.Resolve(text)
	if out != text {
		t.Errorf("image marker rewritten without resolver: %q", out)
	}
}
