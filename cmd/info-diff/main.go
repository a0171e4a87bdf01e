// Command info-diff compares the replication state of a master and one
// of its replicas. Nodes of this module must run with --strict so the
// client handshake gets an answer.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// ReplicationInfo holds the fields of an INFO replication reply
type ReplicationInfo map[string]string

// Offset returns the replication offset the node reports for itself
func (ri ReplicationInfo) Offset() int64 {
	key := "master_repl_offset"
	if ri["role"] == "slave" {
		key = "slave_repl_offset"
	}
	n, _ := strconv.ParseInt(ri[key], 10, 64)
	return n
}

func main() {
	var masterAddr = flag.String("master", "", "Master endpoint (host:port)")
	var replicaAddr = flag.String("replica", "", "Replica endpoint (host:port)")
	var keysFlag = flag.String("keys", "", "Comma-separated keys whose values are compared")
	var waitFlag = flag.Duration("wait", 0, "Run WAIT 1 on the master with this timeout before comparing")
	var helpFlag = flag.Bool("help", false, "Show help message")

	flag.Parse()

	if *helpFlag || *masterAddr == "" || *replicaAddr == "" {
		fmt.Println("Replication Comparison Tool")
		fmt.Println("===========================")
		fmt.Println("Usage: info-diff --master=host:port --replica=host:port [--keys=a,b] [--wait=1s]")
		fmt.Println("")
		fmt.Println("Flags:")
		fmt.Println("  --master   Master endpoint (e.g., localhost:6379)")
		fmt.Println("  --replica  Replica endpoint (e.g., localhost:6380)")
		fmt.Println("  --keys     Optional: keys whose values must match")
		fmt.Println("  --wait     Optional: let the replica catch up with WAIT first")
		fmt.Println("  --help     Show this help message")
		fmt.Println("")
		fmt.Println("Example:")
		fmt.Println("  info-diff --master=localhost:6379 --replica=localhost:6380 --keys=foo,bar --wait=1s")
		os.Exit(0)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	master := newClient(*masterAddr)
	defer master.Close()
	replica := newClient(*replicaAddr)
	defer replica.Close()

	if *waitFlag > 0 {
		n, err := master.Wait(ctx, 1, *waitFlag).Result()
		if err != nil {
			log.Fatalf("WAIT on master %s failed: %v", *masterAddr, err)
		}
		fmt.Printf("WAIT acknowledged by %d replica(s)\n\n", n)
	}

	masterInfo, err := getReplicationInfo(ctx, master)
	if err != nil {
		log.Fatalf("Failed to get replication info from master %s: %v", *masterAddr, err)
	}
	replicaInfo, err := getReplicationInfo(ctx, replica)
	if err != nil {
		log.Fatalf("Failed to get replication info from replica %s: %v", *replicaAddr, err)
	}

	differences := compareReplicationInfo(masterInfo, replicaInfo)

	if *keysFlag != "" {
		for _, key := range strings.Split(*keysFlag, ",") {
			key = strings.TrimSpace(key)
			if key == "" {
				continue
			}
			diff, err := compareKey(ctx, master, replica, key)
			if err != nil {
				log.Fatalf("Failed to compare key %q: %v", key, err)
			}
			if diff != "" {
				differences = append(differences, diff)
			}
		}
	}

	fmt.Println("Comparison Results:")
	fmt.Println("===================")
	fmt.Printf("  master:  role=%s offset=%d replid=%s\n", masterInfo["role"], masterInfo.Offset(), masterInfo["master_replid"])
	fmt.Printf("  replica: role=%s offset=%d link=%s\n", replicaInfo["role"], replicaInfo.Offset(), replicaInfo["master_link_status"])
	fmt.Println()

	if len(differences) == 0 {
		fmt.Println("SUCCESS: replica is in sync")
		return
	}
	for _, d := range differences {
		fmt.Printf("  DIFF: %s\n", d)
	}
	fmt.Printf("FAILURE: %d differences found\n", len(differences))
	os.Exit(1)
}

func newClient(addr string) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:            addr,
		Protocol:        2,
		DisableIdentity: true,
		DialTimeout:     5 * time.Second,
	})
}

// getReplicationInfo runs INFO replication and parses the reply
func getReplicationInfo(ctx context.Context, client *redis.Client) (ReplicationInfo, error) {
	text, err := client.Info(ctx, "replication").Result()
	if err != nil {
		return nil, err
	}
	return parseReplicationInfo(text), nil
}

// parseReplicationInfo parses "key:value" lines, skipping section headers
func parseReplicationInfo(text string) ReplicationInfo {
	info := make(ReplicationInfo)
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if k, v, ok := strings.Cut(line, ":"); ok {
			info[k] = v
		}
	}
	return info
}

// compareReplicationInfo lists what keeps the replica from being in
// sync with the master
func compareReplicationInfo(master, replica ReplicationInfo) []string {
	var diffs []string

	if master["role"] != "master" {
		diffs = append(diffs, fmt.Sprintf("master reports role %q", master["role"]))
	}
	if replica["role"] != "slave" {
		diffs = append(diffs, fmt.Sprintf("replica reports role %q", replica["role"]))
	}
	if replica["master_link_status"] != "up" {
		diffs = append(diffs, fmt.Sprintf("replica link is %q", replica["master_link_status"]))
	}
	if id, ok := replica["master_replid"]; ok && id != master["master_replid"] {
		diffs = append(diffs, fmt.Sprintf("replid differs: master=%s replica=%s", master["master_replid"], id))
	}
	if m, r := master.Offset(), replica.Offset(); m != r {
		diffs = append(diffs, fmt.Sprintf("offset differs: master=%d replica=%d (lag %d bytes)", m, r, m-r))
	}

	return diffs
}

// compareKey returns a description of the difference for key, or ""
func compareKey(ctx context.Context, master, replica *redis.Client, key string) (string, error) {
	mv, merr := getValue(ctx, master, key)
	if merr != nil {
		return "", merr
	}
	rv, rerr := getValue(ctx, replica, key)
	if rerr != nil {
		return "", rerr
	}
	if mv != rv {
		return fmt.Sprintf("key %q: master=%s replica=%s", key, mv, rv), nil
	}
	return "", nil
}

func getValue(ctx context.Context, client *redis.Client, key string) (string, error) {
	v, err := client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "(nil)", nil
	}
	if err != nil {
		return "", err
	}
	return strconv.Quote(v), nil
}
