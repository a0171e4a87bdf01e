// Package protocol implements the Redis Serialization Protocol (RESP)
// subset spoken by the node: command arrays in, simple strings,
// integers and bulk strings out.
//
// The Reader counts every byte it consumes. That count is the
// replication offset: a replica reports it back to its master in
// REPLCONF ACK, and the master advances its own offset by the encoded
// size of each propagated command.
//
// Basic usage:
//
//	reader := protocol.NewReader(conn)
//	writer := protocol.NewWriter(conn)
//	for {
//		before := reader.Offset()
//		args, err := reader.ReadCommand()
//		if err != nil {
//			break
//		}
//		// dispatch args[0] ...
//		writer.WriteSimpleString("OK")
//		writer.Flush()
//	}
package protocol
