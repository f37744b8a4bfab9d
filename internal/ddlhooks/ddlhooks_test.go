package ddlhooks

import "testing"

func TestParseFingerprintFileNameValid(t *testing.T) {
	id, ok := parseFingerprintFileName("/tmp/fpcache/42.fp")
	if !ok || id != 42 {
		t.Errorf("parseFingerprintFileName = (%d, %v), want (42, true)", id, ok)
	}
}

func TestParseFingerprintFileNameRejectsWrongSuffix(t *testing.T) {
	if _, ok := parseFingerprintFileName("/tmp/fpcache/42.tmp"); ok {
		t.Errorf("expected rejection of non-.fp file")
	}
}

func TestParseFingerprintFileNameRejectsNonNumeric(t *testing.T) {
	if _, ok := parseFingerprintFileName("/tmp/fpcache/source.fp"); ok {
		t.Errorf("expected rejection of non-numeric source id")
	}
}

func TestFingerprintStableUnderColumnReordering(t *testing.T) {
	a := []ColumnDef{{Name: "id", DataType: "bigint", Position: 1}, {Name: "name", DataType: "text", Position: 2}}
	b := []ColumnDef{{Name: "name", DataType: "text", Position: 2}, {Name: "id", DataType: "bigint", Position: 1}}
	if Fingerprint(a) != Fingerprint(b) {
		t.Errorf("fingerprint should be stable regardless of input slice order, sorted by Position")
	}
}

func TestFingerprintChangesOnTypeChange(t *testing.T) {
	a := []ColumnDef{{Name: "id", DataType: "bigint", Position: 1}}
	b := []ColumnDef{{Name: "id", DataType: "text", Position: 1}}
	if Fingerprint(a) == Fingerprint(b) {
		t.Errorf("fingerprint should change when a column's data type changes")
	}
}

func TestFingerprintChangesOnColumnAdd(t *testing.T) {
	a := []ColumnDef{{Name: "id", DataType: "bigint", Position: 1}}
	b := []ColumnDef{{Name: "id", DataType: "bigint", Position: 1}, {Name: "extra", DataType: "text", Position: 2}}
	if Fingerprint(a) == Fingerprint(b) {
		t.Errorf("fingerprint should change when a column is added")
	}
}
