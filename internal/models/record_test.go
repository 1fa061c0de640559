package models

import "testing"

func TestStringListValue(t *testing.T) {
	v, err := StringList{"washed", "honey"}.Value()
	if err != nil {
		t.Fatalf("Value() = %v", err)
	}
	if v != `["washed","honey"]` {
		t.Errorf("Value() = %v", v)
	}

	v, err = StringList(nil).Value()
	if err != nil || v != "[]" {
		t.Errorf("nil list Value() = %v, %v; want \"[]\"", v, err)
	}
}

func TestStringListScan(t *testing.T) {
	var l StringList
	if err := l.Scan(`["a","b"]`); err != nil {
		t.Fatalf("Scan() = %v", err)
	}
	if len(l) != 2 || l[0] != "a" {
		t.Errorf("scanned = %v", l)
	}

	if err := l.Scan(nil); err != nil || l != nil {
		t.Errorf("Scan(nil) = %v, list = %v", err, l)
	}

	if err := l.Scan(42); err == nil {
		t.Error("Scan(int) should fail")
	}
}

func TestStringListContains(t *testing.T) {
	l := StringList{"fruity", "floral"}
	if !l.Contains("floral") || l.Contains("earthy") {
		t.Errorf("Contains misbehaved on %v", l)
	}
}

func TestDomainTableWhitelists(t *testing.T) {
	if !IsDomainTable(TablePosts) || IsDomainTable("sqlite_master") {
		t.Error("IsDomainTable misclassified")
	}
	if !IsDomainColumn(TablePosts, "title") {
		t.Error("title should be a post column")
	}
	if IsDomainColumn(TablePosts, "sync_status") {
		t.Error("engine-owned columns are not domain columns")
	}
	if !IsCounterColumn(TablePosts, "like_count") || IsCounterColumn(TablePosts, "title") {
		t.Error("IsCounterColumn misclassified")
	}
	if IsCounterColumn(TableComments, "like_count") {
		t.Error("counters are per-table")
	}
}

func TestActionValid(t *testing.T) {
	for _, a := range []Action{ActionCreate, ActionUpdate, ActionDelete} {
		if !a.Valid() {
			t.Errorf("%s should be valid", a)
		}
	}
	if Action("upsert").Valid() {
		t.Error("upsert is not a valid action")
	}
}
