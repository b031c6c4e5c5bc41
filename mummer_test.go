package dotdb

import (
	"strings"
	"testing"
)

const deltaSample = `/data/ref.fa /data/qry.fa
NUCMER
>chr1 ctgA 2000000 1000000
1000 2000 500 1500 50 10 0
100
-50
25
0
3000 4000 3500 2500 30 5 0
0
>chr1 ctgB 2000000 800000
10 110 20 120 0 0 0
0
`

func TestParseDelta(t *testing.T) {
	res, err := ParseDelta(strings.NewReader(deltaSample))
	if err != nil {
		t.Fatalf("ParseDelta: %v", err)
	}
	if len(res.Anchors) != 3 {
		t.Fatalf("anchors = %d, want 3", len(res.Anchors))
	}

	a := res.Anchors[0]
	if a.TargetStart != 999 || a.TargetEnd != 2000 || a.QueryStart != 499 || a.QueryEnd != 1500 {
		t.Errorf("half-open intervals = %+v", a)
	}
	if a.Strand != Forward {
		t.Error("first alignment should be forward")
	}
	if a.EngineTag != "mummer" {
		t.Errorf("engine tag = %q", a.EngineTag)
	}
	// 50 errors over a 1001-long alignment.
	if !a.HasIdentity || a.Identity != float32(951)/float32(1001) {
		t.Errorf("identity = %g/%v", a.Identity, a.HasIdentity)
	}

	// A query interval listed end-before-start is the reverse strand,
	// normalized to ascending coordinates.
	rev := res.Anchors[1]
	if rev.Strand != Reverse {
		t.Error("second alignment should be reverse")
	}
	if rev.QueryStart != 2499 || rev.QueryEnd != 3500 {
		t.Errorf("normalized reverse interval = %d-%d", rev.QueryStart, rev.QueryEnd)
	}

	if len(res.TargetContigs) != 1 || res.TargetContigs[0].Name != "chr1" ||
		res.TargetContigs[0].Length != 2000000 {
		t.Errorf("target contigs = %+v", res.TargetContigs)
	}
	if len(res.QueryContigs) != 2 || res.QueryContigs[1].Name != "ctgB" {
		t.Errorf("query contigs = %+v", res.QueryContigs)
	}
	if res.Anchors[2].QueryID != 1 || res.Anchors[2].TargetID != 0 {
		t.Errorf("interned ids = %d/%d", res.Anchors[2].QueryID, res.Anchors[2].TargetID)
	}
}

func TestParseDeltaErrors(t *testing.T) {
	tests := []struct {
		name, input, wantSub string
	}{
		{"empty", "", "missing delta header"},
		{"no program", "/r /q\n", "missing delta program"},
		{"bad program", "/r /q\nBLAST\n", "unrecognized delta program"},
		{"short header", "/r /q\nNUCMER\n>chr1 ctgA 2000\n", "malformed sequence header"},
		{"alignment first", "/r /q\nNUCMER\n1 2 1 2 0 0 0\n0\n", "alignment before sequence header"},
		{"bad value", "/r /q\nNUCMER\n>c q 10 10\n1 x 1 2 0 0 0\n0\n", "invalid value"},
		{"unterminated", "/r /q\nNUCMER\n>c q 10 10\n1 5 1 5 0 0 0\n7\n", "unterminated delta block"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseDelta(strings.NewReader(tt.input))
			if err == nil || !strings.Contains(err.Error(), tt.wantSub) {
				t.Errorf("err = %v, want mention of %q", err, tt.wantSub)
			}
		})
	}
}

const coordsSample = `/data/ref.fa /data/qry.fa
NUCMER

[S1] [E1] [S2] [E2] [LEN 1] [LEN 2] [% IDY] [TAGS]
===========================================================
1000	2000	500	1500	1001	1001	85.50	chr1	ctgA
3000	4000	3500	2500	1001	1001	92.75	chr1	ctgB
`

func TestParseCoords(t *testing.T) {
	res, err := ParseCoords(strings.NewReader(coordsSample))
	if err != nil {
		t.Fatalf("ParseCoords: %v", err)
	}
	if len(res.Anchors) != 2 {
		t.Fatalf("anchors = %d, want 2", len(res.Anchors))
	}

	a := res.Anchors[0]
	if a.TargetStart != 999 || a.TargetEnd != 2000 || a.QueryStart != 499 || a.QueryEnd != 1500 {
		t.Errorf("intervals = %+v", a)
	}
	if !a.HasIdentity || a.Identity != float32(85.50/100) {
		t.Errorf("identity = %g/%v, want 0.855", a.Identity, a.HasIdentity)
	}
	if res.Anchors[1].Strand != Reverse {
		t.Error("reversed query interval not detected")
	}

	// Without declared lengths, the table carries the furthest aligned
	// end seen per contig.
	if res.TargetContigs[0].Length != 4000 {
		t.Errorf("target length = %d, want 4000", res.TargetContigs[0].Length)
	}
}

func TestParseCoordsErrors(t *testing.T) {
	input := coordsSample + "1000\t2000\t500\n"
	_, err := ParseCoords(strings.NewReader(input))
	if err == nil || !strings.Contains(err.Error(), "at least 9 fields") {
		t.Fatalf("err = %v", err)
	}
	if !strings.Contains(err.Error(), "line 8") {
		t.Errorf("err = %v, want line 8", err)
	}

	bad := strings.Replace(coordsSample, "85.50", "120.0", 1)
	if _, err := ParseCoords(strings.NewReader(bad)); err == nil ||
		!strings.Contains(err.Error(), "invalid identity") {
		t.Errorf("identity above 100%% accepted: %v", err)
	}
}

func TestParseMUMmerSniff(t *testing.T) {
	res, err := parseMUMmerSniff(strings.NewReader(deltaSample))
	if err != nil {
		t.Fatalf("delta sniff: %v", err)
	}
	if len(res.Anchors) != 3 {
		t.Errorf("delta sniff anchors = %d, want 3", len(res.Anchors))
	}

	// A coords banner's first line is also two file paths, so sniffing
	// a headerless coords stream must still work.
	headerless := "1000\t2000\t500\t1500\t1001\t1001\t85.50\tchr1\tctgA\n"
	res, err = parseMUMmerSniff(strings.NewReader(headerless))
	if err != nil {
		t.Fatalf("coords sniff: %v", err)
	}
	if len(res.Anchors) != 1 {
		t.Errorf("coords sniff anchors = %d, want 1", len(res.Anchors))
	}
}
