// Package redisnode provides an in-memory key-value server that speaks
// the Redis wire protocol and replicates between a master and its
// replicas.
//
// A master accepts SET and GET from clients, streams every write to the
// connected replicas in order and answers WAIT with the number of
// replicas that acknowledged the writes so far. A replica performs the
// PSYNC handshake, loads the snapshot the master sends and then applies
// the command stream, reporting its processed byte offset on request.
//
// Basic usage:
//
//	master, err := redisnode.New(redisnode.WithAddr(":6379"))
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer master.Close()
//
//	if err := master.Start(context.Background()); err != nil {
//		log.Fatal(err)
//	}
//
//	replica, err := redisnode.New(
//		redisnode.WithAddr(":6380"),
//		redisnode.WithReplicaOf("localhost", 6379),
//	)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer replica.Close()
//
//	if err := replica.Start(context.Background()); err != nil {
//		log.Fatal(err)
//	}
//	if err := replica.WaitForSync(ctx); err != nil {
//		log.Fatal(err)
//	}
//
// The supported commands are PING, ECHO, SET (with PX or EX), GET, INFO,
// REPLCONF, PSYNC and WAIT. Everything else is ignored, or answered with
// an error when strict commands are enabled.
package redisnode
