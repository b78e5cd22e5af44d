// Package canopen implements the core of a CANopen master stack :
// a layered lifecycle engine driving a chain of slave nodes over a
// CAN bus, and the PDO mapping machinery that moves process data
// between node object dictionaries and the wire.
//
// The layer engine lives in pkg/layer, the PDO subsystem in pkg/pdo,
// and pkg/master assembles driver, SYNC producer, EMCY handlers,
// node state machines and heartbeat into the supervised stack.
package canopen
