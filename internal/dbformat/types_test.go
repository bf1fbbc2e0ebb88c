package dbformat

import (
	"bytes"
	"errors"
	"testing"
)

func TestPackUnpackSequenceAndType(t *testing.T) {
	tests := []struct {
		name string
		seq  SequenceNumber
		kind EntryKind
	}{
		{"zero", 0, EntryKindTombstone},
		{"one_put", 1, EntryKindPut},
		{"max_seq", MaxSequenceNumber, EntryKindPut},
		{"midrange", 12345, EntryKindTombstone},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			packed := PackSequenceAndType(tt.seq, tt.kind)
			gotSeq, gotKind := UnpackSequenceAndType(packed)

			if gotSeq != tt.seq {
				t.Errorf("Sequence mismatch: got %d, want %d", gotSeq, tt.seq)
			}
			if gotKind != tt.kind {
				t.Errorf("Kind mismatch: got %d, want %d", gotKind, tt.kind)
			}
		})
	}
}

func TestInternalKeyEncodeDecode(t *testing.T) {
	tests := []struct {
		name    string
		userKey []byte
		seq     SequenceNumber
		kind    EntryKind
	}{
		{"empty_key", []byte{}, 0, EntryKindPut},
		{"simple", []byte("hello"), 1, EntryKindPut},
		{"binary_key", []byte{0x00, 0x01, 0xFF}, 12345, EntryKindTombstone},
		{"max_seq", []byte("test"), MaxSequenceNumber, EntryKindTombstone},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			key := NewInternalKey(tt.userKey, tt.seq, tt.kind)

			expectedLen := len(tt.userKey) + NumInternalBytes
			if len(key) != expectedLen {
				t.Errorf("Key length = %d, want %d", len(key), expectedLen)
			}

			parsed, err := key.Parse()
			if err != nil {
				t.Fatalf("Parse error: %v", err)
			}

			if !bytes.Equal(parsed.UserKey, tt.userKey) {
				t.Errorf("UserKey mismatch: got %v, want %v", parsed.UserKey, tt.userKey)
			}
			if parsed.Sequence != tt.seq {
				t.Errorf("Sequence mismatch: got %d, want %d", parsed.Sequence, tt.seq)
			}
			if parsed.Kind != tt.kind {
				t.Errorf("Kind mismatch: got %d, want %d", parsed.Kind, tt.kind)
			}

			if !bytes.Equal(key.UserKey(), tt.userKey) {
				t.Errorf("UserKey() mismatch")
			}
			if key.Sequence() != tt.seq {
				t.Errorf("Sequence() mismatch")
			}
			if key.Kind() != tt.kind {
				t.Errorf("Kind() mismatch")
			}
			if key.IsTombstone() != (tt.kind == EntryKindTombstone) {
				t.Errorf("IsTombstone() mismatch")
			}
		})
	}
}

func TestInternalKeyValid(t *testing.T) {
	tests := []struct {
		name  string
		key   InternalKey
		valid bool
	}{
		{"valid_simple", NewInternalKey([]byte("test"), 1, EntryKindPut), true},
		{"valid_empty_user_key", NewInternalKey([]byte{}, 0, EntryKindPut), true},
		{"too_short", InternalKey([]byte{0, 1, 2}), false},
		{"empty", InternalKey([]byte{}), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.key.Valid(); got != tt.valid {
				t.Errorf("Valid() = %v, want %v", got, tt.valid)
			}
		})
	}
}

func TestParseInternalKeyErrors(t *testing.T) {
	tests := []struct {
		name    string
		data    []byte
		wantErr error
	}{
		{"empty", []byte{}, ErrKeyTooSmall},
		{"too_short_1", []byte{0x00}, ErrKeyTooSmall},
		{"too_short_7", []byte{0, 1, 2, 3, 4, 5, 6}, ErrKeyTooSmall},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseInternalKey(tt.data)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("ParseInternalKey error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestParseInternalKeyInvalidKind(t *testing.T) {
	key := NewInternalKey([]byte("k"), 1, EntryKindPut)
	// Corrupt the kind byte (low byte of the little-endian trailer, stored
	// first) to an unrecognized value.
	key[len(key)-NumInternalBytes] = 0x7F
	_, err := ParseInternalKey(key)
	if !errors.Is(err, ErrInvalidEntryKind) {
		t.Errorf("ParseInternalKey error = %v, want ErrInvalidEntryKind", err)
	}
}

func TestIsValidEntryKind(t *testing.T) {
	if !IsValidEntryKind(EntryKindPut) {
		t.Error("IsValidEntryKind(EntryKindPut) = false, want true")
	}
	if !IsValidEntryKind(EntryKindTombstone) {
		t.Error("IsValidEntryKind(EntryKindTombstone) = false, want true")
	}
	if IsValidEntryKind(EntryKind(0x02)) {
		t.Error("IsValidEntryKind(2) = true, want false")
	}
	if IsValidEntryKind(EntryKind(0xFF)) {
		t.Error("IsValidEntryKind(0xFF) = true, want false")
	}
}

func TestExtractFunctions(t *testing.T) {
	userKey := []byte("mykey")
	seq := SequenceNumber(12345)
	kind := EntryKindPut

	key := NewInternalKey(userKey, seq, kind)

	if !bytes.Equal(ExtractUserKey(key), userKey) {
		t.Error("ExtractUserKey mismatch")
	}
	if ExtractSequenceNumber(key) != seq {
		t.Error("ExtractSequenceNumber mismatch")
	}
	if ExtractEntryKind(key) != kind {
		t.Error("ExtractEntryKind mismatch")
	}
}

func TestParsedInternalKeyEncodedLength(t *testing.T) {
	pik := &ParsedInternalKey{
		UserKey:  []byte("hello"),
		Sequence: 100,
		Kind:     EntryKindPut,
	}

	expectedLen := 5 + 8 // 5 bytes for "hello" + 8 bytes trailer
	if pik.EncodedLength() != expectedLen {
		t.Errorf("EncodedLength() = %d, want %d", pik.EncodedLength(), expectedLen)
	}
}

func TestMaxSequenceNumber(t *testing.T) {
	expected := SequenceNumber((1 << 56) - 1)
	if MaxSequenceNumber != expected {
		t.Errorf("MaxSequenceNumber = %d, want %d", MaxSequenceNumber, expected)
	}

	packed := PackSequenceAndType(MaxSequenceNumber, EntryKindPut)
	gotSeq, _ := UnpackSequenceAndType(packed)
	if gotSeq != MaxSequenceNumber {
		t.Errorf("Max sequence roundtrip failed: got %d", gotSeq)
	}
}

// Golden test - the binary trailer layout is fixed on disk and must not drift.
func TestInternalKeyGoldenFormat(t *testing.T) {
	userKey := []byte("key")
	seq := SequenceNumber(0x123456789AB)
	kind := EntryKindPut

	key := NewInternalKey(userKey, seq, kind)

	// Packed = (0x123456789AB << 8) | 0x00 = 0x123456789AB00
	// Little-endian bytes: 0x00, 0xAB, 0x89, 0x67, 0x45, 0x23, 0x01, 0x00
	expectedTrailer := []byte{0x00, 0xAB, 0x89, 0x67, 0x45, 0x23, 0x01, 0x00}
	expected := append([]byte("key"), expectedTrailer...)

	if !bytes.Equal(key, expected) {
		t.Errorf("Internal key binary format mismatch:\ngot:  %v\nwant: %v", []byte(key), expected)
	}
}

func TestUpdateInternalKey(t *testing.T) {
	userKey := []byte("abcdefghijklmnopqrstuvwxyz")
	originalSeq := SequenceNumber(100)
	originalKind := EntryKindPut

	key := NewInternalKey(userKey, originalSeq, originalKind)
	originalLen := len(key)

	newSeq := SequenceNumber(0x123456)
	newKind := EntryKindTombstone

	UpdateInternalKey(&key, newSeq, newKind)

	if len(key) != originalLen {
		t.Errorf("Length changed: got %d, want %d", len(key), originalLen)
	}

	parsed, err := key.Parse()
	if err != nil {
		t.Fatalf("Parse error: %v", err)
	}

	if !bytes.Equal(parsed.UserKey, userKey) {
		t.Errorf("UserKey changed")
	}
	if parsed.Sequence != newSeq {
		t.Errorf("Sequence = %d, want %d", parsed.Sequence, newSeq)
	}
	if parsed.Kind != newKind {
		t.Errorf("Kind = %d, want %d", parsed.Kind, newKind)
	}
}

func TestInternalKeyEncodeDecodeComprehensive(t *testing.T) {
	keys := []string{"", "k", "hello", "longggggggggggggggggggggg"}
	seqs := []SequenceNumber{
		1, 2, 3,
		(1 << 8) - 1, 1 << 8, (1 << 8) + 1,
		(1 << 16) - 1, 1 << 16, (1 << 16) + 1,
		(1 << 32) - 1, 1 << 32, (1 << 32) + 1,
	}

	for _, keyStr := range keys {
		for _, seq := range seqs {
			for _, kind := range []EntryKind{EntryKindPut, EntryKindTombstone} {
				key := NewInternalKey([]byte(keyStr), seq, kind)
				parsed, err := key.Parse()
				if err != nil {
					t.Fatalf("Parse error for key=%q seq=%d kind=%d: %v", keyStr, seq, kind, err)
				}
				if string(parsed.UserKey) != keyStr {
					t.Errorf("UserKey mismatch")
				}
				if parsed.Sequence != seq {
					t.Errorf("Sequence mismatch: got %d, want %d", parsed.Sequence, seq)
				}
				if parsed.Kind != kind {
					t.Errorf("Kind mismatch")
				}
			}
		}
	}
}

func TestInternalKeyCompare(t *testing.T) {
	// Keys sort by user key first, then by decreasing sequence number: the
	// packed trailer embeds the sequence in its high bits, so a higher
	// sequence number produces a larger packed value, and
	// CompareInternalKeys orders larger trailers first.
	k1 := NewInternalKey([]byte("foo"), 100, EntryKindPut)
	k2 := NewInternalKey([]byte("foo"), 99, EntryKindPut)
	k3 := NewInternalKey([]byte("foo"), 101, EntryKindPut)
	k4 := NewInternalKey([]byte("bar"), 100, EntryKindPut)

	if CompareInternalKeys(k1, k2) >= 0 {
		t.Errorf("k1 seq=100 should sort before k2 seq=99")
	}
	if CompareInternalKeys(k3, k1) >= 0 {
		t.Errorf("k3 seq=101 should sort before k1 seq=100")
	}
	if CompareInternalKeys(k4, k1) >= 0 {
		t.Errorf("bar should sort before foo")
	}
}

func TestNumInternalBytes(t *testing.T) {
	if NumInternalBytes != 8 {
		t.Errorf("NumInternalBytes = %d, want 8", NumInternalBytes)
	}
}

func TestEntryKindConstants(t *testing.T) {
	if uint8(EntryKindPut) != 0x00 {
		t.Errorf("EntryKindPut = %d, want 0", EntryKindPut)
	}
	if uint8(EntryKindTombstone) != 0x01 {
		t.Errorf("EntryKindTombstone = %d, want 1", EntryKindTombstone)
	}
}

func TestInternalKeyUserKeySlice(t *testing.T) {
	original := []byte("myuserkey")
	key := NewInternalKey(original, 100, EntryKindPut)

	userKey := key.UserKey()

	if !bytes.Equal(userKey, original) {
		t.Errorf("UserKey mismatch")
	}
}

func TestPackingEdgeCases(t *testing.T) {
	tests := []struct {
		seq  SequenceNumber
		kind EntryKind
	}{
		{0, EntryKindTombstone},
		{0, EntryKindPut},
		{1, EntryKindTombstone},
		{MaxSequenceNumber, EntryKindTombstone},
		{(1 << 56) - 1, EntryKindPut}, // max valid sequence
	}

	for _, tt := range tests {
		packed := PackSequenceAndType(tt.seq, tt.kind)
		gotSeq, gotKind := UnpackSequenceAndType(packed)

		if gotSeq != tt.seq {
			t.Errorf("Sequence roundtrip failed for seq=%d: got %d", tt.seq, gotSeq)
		}
		if gotKind != tt.kind {
			t.Errorf("Kind roundtrip failed for kind=%d: got %d", tt.kind, gotKind)
		}
	}
}

func TestParsedInternalKeyString(t *testing.T) {
	pik := &ParsedInternalKey{
		UserKey:  []byte("mykey"),
		Sequence: 999,
		Kind:     EntryKindTombstone,
	}

	str := pik.String()
	if str == "" {
		t.Error("String returned empty string")
	}
	if !bytes.Contains([]byte(str), []byte("mykey")) {
		t.Errorf("String should contain user key: %s", str)
	}
}

func TestExtractUserKeyTooShort(t *testing.T) {
	shortKey := []byte("short")
	result := ExtractUserKey(shortKey)
	if result != nil {
		t.Errorf("Expected nil for short key, got %v", result)
	}
}

func TestExtractEntryKindTooShort(t *testing.T) {
	shortKey := []byte("short")
	result := ExtractEntryKind(shortKey)
	if result != EntryKindForSeek {
		t.Errorf("Expected EntryKindForSeek for short key, got %d", result)
	}
}

func TestExtractSequenceNumberTooShort(t *testing.T) {
	shortKey := []byte("short")
	result := ExtractSequenceNumber(shortKey)
	if result != 0 {
		t.Errorf("Expected 0 for short key, got %d", result)
	}
}

func TestUpdateInternalKeyTooShort(t *testing.T) {
	shortKey := InternalKey([]byte("short"))
	originalLen := len(shortKey)

	// Should not panic, just return early.
	UpdateInternalKey(&shortKey, 999, EntryKindPut)

	if len(shortKey) != originalLen {
		t.Error("Short key should be unchanged")
	}
}

func TestUpdateInternalKeyValid(t *testing.T) {
	key := NewInternalKey([]byte("test"), 100, EntryKindPut)

	UpdateInternalKey(&key, 200, EntryKindTombstone)

	parsed, err := ParseInternalKey(key)
	if err != nil {
		t.Fatalf("ParseInternalKey failed: %v", err)
	}
	if parsed.Sequence != 200 {
		t.Errorf("Sequence = %d, want 200", parsed.Sequence)
	}
	if parsed.Kind != EntryKindTombstone {
		t.Errorf("Kind = %d, want EntryKindTombstone", parsed.Kind)
	}
}
