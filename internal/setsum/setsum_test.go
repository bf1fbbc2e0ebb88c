package setsum

import (
	"math/rand"
	"testing"
)

func TestSetsumIdentity(t *testing.T) {
	z := New()
	if !z.IsZero() {
		t.Errorf("New() is not zero")
	}
	x := New().AddBytes([]byte("hello"))
	if x.Union(z) != x {
		t.Errorf("x + identity != x")
	}
	if x.Difference(x) != z {
		t.Errorf("x - x != identity, got %+v", x.Difference(x))
	}
}

func TestSetsumCommutesAndAssociates(t *testing.T) {
	a := New().AddBytes([]byte("alpha"))
	b := New().AddBytes([]byte("bravo"))
	c := New().AddBytes([]byte("charlie"))

	if a.Union(b) != b.Union(a) {
		t.Errorf("Union not commutative")
	}
	if a.Union(b).Union(c) != a.Union(b.Union(c)) {
		t.Errorf("Union not associative")
	}
}

// TestSetsumGroupLaw exercises the additive group law: setsum of a union
// equals the sum of setsums of its parts, regardless of how the multiset is
// partitioned or the order entries are folded in.
func TestSetsumGroupLaw(t *testing.T) {
	members := [][]byte{[]byte("x1"), []byte("x2"), []byte("x3"), []byte("x4"), []byte("x5")}

	whole := New()
	for _, m := range members {
		whole = whole.AddBytes(m)
	}

	part1 := New().AddBytes(members[0]).AddBytes(members[1]).AddBytes(members[2])
	part2 := New().AddBytes(members[3]).AddBytes(members[4])
	if part1.Union(part2) != whole {
		t.Errorf("setsum(part1)+setsum(part2) != setsum(whole)")
	}

	// Removing a member by subtraction equals the setsum of the remainder.
	remainder := New()
	for _, m := range members[1:] {
		remainder = remainder.AddBytes(m)
	}
	x1 := New().AddBytes(members[0])
	if whole.Difference(x1) != remainder {
		t.Errorf("setsum(S) - setsum({x1}) != setsum(S \\ {x1})")
	}
}

func TestSetsumOrderIndependent(t *testing.T) {
	members := []string{"one", "two", "three", "four", "five", "six"}

	forward := New()
	for _, m := range members {
		forward = forward.AddBytes([]byte(m))
	}

	rng := rand.New(rand.NewSource(1))
	for trial := 0; trial < 20; trial++ {
		shuffled := append([]string(nil), members...)
		rng.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })
		got := New()
		for _, m := range shuffled {
			got = got.AddBytes([]byte(m))
		}
		if got != forward {
			t.Fatalf("trial %d: setsum depends on insertion order", trial)
		}
	}
}

func TestSetsumFinalizeParseRoundTrip(t *testing.T) {
	s := New().AddBytes([]byte("payload"))
	enc := s.Finalize()
	got, err := Parse(enc)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if got != s {
		t.Errorf("Parse(Finalize(s)) != s")
	}
}

func TestParseRejectsUnreducedColumn(t *testing.T) {
	s := New().AddBytes([]byte("payload"))
	enc := s.Finalize()
	// Column 0 occupies the first 4 bytes; force it to 0xFFFFFFFF, which is
	// >= every column prime.
	enc[0], enc[1], enc[2], enc[3] = 0xFF, 0xFF, 0xFF, 0xFF
	if _, err := Parse(enc); err != ErrMalformedSetsum {
		t.Errorf("Parse(unreduced column) = %v, want ErrMalformedSetsum", err)
	}
}

func TestHashDistinguishesPutAndTombstone(t *testing.T) {
	put := Hash([]byte("k"), 5, []byte("v"), false)
	tomb := Hash([]byte("k"), 5, nil, true)
	if put == tomb {
		t.Errorf("Put and Tombstone hash to the same setsum")
	}
}

func TestCanonicalEncodingTombstoneOmitsValue(t *testing.T) {
	enc := CanonicalEncoding([]byte("k"), 5, []byte("ignored"), true)
	// tag(1) + key_len(4) + key(1) + ts(8) + value_len(4), no value bytes.
	want := 1 + 4 + 1 + 8 + 4
	if len(enc) != want {
		t.Errorf("tombstone canonical encoding length = %d, want %d", len(enc), want)
	}
}

func TestLedgerBalanceAcrossIngestAndCompaction(t *testing.T) {
	// Models the ledger arithmetic: ingesting two batches then
	// "compacting" one of them into an output that drops a tombstone must
	// leave the ledger equal to G minus the dropped entry.
	a := Hash([]byte("a"), 1, []byte("A"), false)
	b := Hash([]byte("b"), 2, []byte("B"), false)
	dropped := Hash([]byte("c"), 3, nil, true)

	batchA := New().Union(a)
	batchB := New().Union(b).Union(dropped)

	g := New().Union(batchA).Union(batchB)

	// Compact batchB: the tombstone for "c" is dropped, contributing to the
	// edit's removed-side accounting via D, while "b" survives into the
	// output.
	output := New().Union(b)
	removed := batchB
	added := output

	gAfter := g.Difference(removed).Union(added)
	if gAfter != g.Difference(dropped) {
		t.Errorf("ledger did not balance after dropping tombstone")
	}
	// And the ledger equals the original ingested sum minus only the
	// explicitly dropped entry.
	if gAfter != batchA.Union(New().Union(b)) {
		t.Errorf("ledger after compaction = %+v, want ingested sum minus dropped tombstone", gAfter)
	}
}
