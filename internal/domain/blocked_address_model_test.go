package domain

import (
	"sync"
	"testing"

	"gorm.io/gorm/schema"
)

func TestBlockedAddress_UniqueIndexOnIP(t *testing.T) {
	s, err := schema.Parse(&BlockedAddress{}, &sync.Map{}, schema.NamingStrategy{})
	if err != nil {
		t.Fatalf("schema.Parse returned error: %v", err)
	}
	if s.Table != "blocked_addresses" {
		t.Fatalf("table = %q, want blocked_addresses", s.Table)
	}

	found := false
	for _, idx := range s.ParseIndexes() {
		if idx.Name != "idx_blocked_addresses_ip" {
			continue
		}
		found = true
		if idx.Class != "UNIQUE" {
			t.Fatalf("index class = %q, want UNIQUE", idx.Class)
		}
		if len(idx.Fields) != 1 || idx.Fields[0].DBName != "ip" {
			t.Fatalf("index fields = %+v, want only ip", idx.Fields)
		}
	}
	if !found {
		t.Fatal("missing unique index idx_blocked_addresses_ip")
	}

	ip := s.LookUpField("ip")
	if ip == nil || !ip.NotNull || ip.DataType != "inet" {
		t.Fatalf("ip field = %+v, want NOT NULL inet", ip)
	}
}
