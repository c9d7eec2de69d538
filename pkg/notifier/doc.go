/*
Package notifier provides the per-operation-id broadcast bus of spec.md
§4.G.

A subscription is opened for one operation id and receives every state
transition the executor applies for it from that point on; history is
not replayed. Non-terminal events are dropped for a subscriber whose
buffer is full, but a terminal event (success, failure, cancellation) is
retried until delivered or the subscription closes, so a slow UI never
misses the final outcome of an operation.

	sub := n.Subscribe(opID)
	defer sub.Close()
	for ev := range sub.Events {
		...
	}
*/
package notifier
