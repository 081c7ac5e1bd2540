package blocklist

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	store "github.com/nodewatch/fleetctl/internal/store/panel"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := store.Migrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func TestParseListSkipsBlankAndCommentLines(t *testing.T) {
	body := []byte("1.2.3.4\n# comment\n\n5.6.7.8/24\n")
	got := parseList(body)
	want := []string{"1.2.3.4", "5.6.7.8/24"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("entry %d: got %q, want %q", i, got[i], want[i])
		}
	}
}

func TestParseListTrimsTrailingCommentsAndWhitespace(t *testing.T) {
	body := []byte("9.9.9.9 # some note\n10.0.0.0/8\t# another\n")
	got := parseList(body)
	if len(got) != 2 || got[0] != "9.9.9.9" || got[1] != "10.0.0.0/8" {
		t.Errorf("got %v, want trimmed entries", got)
	}
}

func TestEffectiveDeduplicatesAndMergesGlobalAndPerServer(t *testing.T) {
	db := newTestDB(t)
	db.Create(&store.BlocklistRule{IPCIDR: "1.1.1.1", ServerID: nil, Direction: "in"})
	var serverID uint = 7
	db.Create(&store.BlocklistRule{IPCIDR: "2.2.2.2", ServerID: &serverID, Direction: "in"})
	db.Create(&store.BlocklistRule{IPCIDR: "1.1.1.1", ServerID: nil, Direction: "in"})
	db.Create(&store.BlocklistRule{IPCIDR: "3.3.3.3", ServerID: nil, Direction: "out"})

	s := New(db, zerolog.Nop(), nil)
	got, err := s.Effective(context.Background(), serverID, "in")
	if err != nil {
		t.Fatalf("Effective: %v", err)
	}

	seen := map[string]bool{}
	for _, ip := range got {
		seen[ip] = true
	}
	if len(seen) != 2 || !seen["1.1.1.1"] || !seen["2.2.2.2"] {
		t.Errorf("got %v, want deduplicated {1.1.1.1, 2.2.2.2}", got)
	}
}

func TestEffectiveExcludesOtherServersRules(t *testing.T) {
	db := newTestDB(t)
	var serverA uint = 1
	var serverB uint = 2
	db.Create(&store.BlocklistRule{IPCIDR: "4.4.4.4", ServerID: &serverB, Direction: "in"})

	s := New(db, zerolog.Nop(), nil)
	got, err := s.Effective(context.Background(), serverA, "in")
	if err != nil {
		t.Fatalf("Effective: %v", err)
	}
	for _, ip := range got {
		if ip == "4.4.4.4" {
			t.Error("expected another server's per-server rule to be excluded")
		}
	}
}
