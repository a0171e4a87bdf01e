// Package replication implements both sides of master/replica
// replication.
//
// On a master, a Manager owns the replication offset and the registry of
// connected replicas. Every accepted write goes through Propagate, which
// applies it to the store, advances the offset by the command's encoded
// length and queues the command for every replica in one critical
// section. Each replica link is served by a forwarder that drains its
// queue onto the socket and an ack reader that records the replica's
// REPLCONF ACK offsets. Wait implements the WAIT quorum command on top of
// those acknowledgements.
//
// On a replica, a Client performs the handshake against its master:
//
//	client := replication.NewClient("localhost:6379", store)
//	client.SetListeningPort(6380)
//	mc, err := client.Handshake(ctx)
//	if err != nil {
//		log.Fatal(err)
//	}
//
// The handshake loads the master's RDB snapshot into the store and
// leaves the returned reader's offset at the master's announced
// replication offset. Run repeats the handshake after the link drops.
package replication
