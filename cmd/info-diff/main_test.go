package main

import (
	"strings"
	"testing"
)

func TestParseReplicationInfo(t *testing.T) {
	text := "# Replication\r\nrole:slave\r\nmaster_host:localhost\r\nmaster_link_status:up\r\nslave_repl_offset:68\r\nmaster_repl_offset:68\r\n"

	info := parseReplicationInfo(text)

	if info["role"] != "slave" || info["master_host"] != "localhost" {
		t.Errorf("unexpected fields %v", info)
	}
	if _, ok := info["# Replication"]; ok {
		t.Error("section header should be skipped")
	}
	if info.Offset() != 68 {
		t.Errorf("expected offset 68, got %d", info.Offset())
	}
}

func TestCompareReplicationInfo(t *testing.T) {
	master := ReplicationInfo{"role": "master", "master_replid": "abc", "master_repl_offset": "100"}

	tests := []struct {
		name    string
		replica ReplicationInfo
		want    []string
	}{
		{
			name:    "in sync",
			replica: ReplicationInfo{"role": "slave", "master_link_status": "up", "master_replid": "abc", "slave_repl_offset": "100"},
		},
		{
			name:    "lagging",
			replica: ReplicationInfo{"role": "slave", "master_link_status": "up", "slave_repl_offset": "63"},
			want:    []string{"lag 37 bytes"},
		},
		{
			name:    "link down and other replid",
			replica: ReplicationInfo{"role": "slave", "master_link_status": "down", "master_replid": "def", "slave_repl_offset": "100"},
			want:    []string{`link is "down"`, "replid differs"},
		},
		{
			name:    "not a replica",
			replica: ReplicationInfo{"role": "master", "master_link_status": "up", "master_repl_offset": "100"},
			want:    []string{`replica reports role "master"`},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			diffs := compareReplicationInfo(master, tt.replica)
			if len(diffs) != len(tt.want) {
				t.Fatalf("expected %d differences, got %v", len(tt.want), diffs)
			}
			for i, want := range tt.want {
				if !strings.Contains(diffs[i], want) {
					t.Errorf("difference %d: expected %q in %q", i, want, diffs[i])
				}
			}
		})
	}
}
