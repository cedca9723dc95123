// Package remote implements the wire protocol between flowmirror and the
// sources it mirrors.
//
// # Overview
//
// A source exposes two endpoints, both Redis servers (they may be the same one):
// a request endpoint answering one-shot queries and a publish endpoint emitting
// deltas. A Contact holds everything needed to reach both.
//
// # Requests
//
// Requests are JSON envelopes pushed onto a per-source list. The reply is
// pushed by the source onto a per-request list which the requester blocks on:
//
//	RPUSH flow:{name}:requests {"id":..., "method":..., "args":{...}, "reply_to":"flow:{name}:reply:{id}"}
//	BLPOP flow:{name}:reply:{id} <timeout>
//
// Replies carry {"ok": bool, "error": string, "data": <json>}. A missing reply
// surfaces as ErrTimeout, an unreachable endpoint as ErrConnection.
//
// # Deltas
//
// Each topic is published on its own Pub/Sub channel:
//
//	flow:{name}:delta:{topic}
//
// Delivery is at-most-once. Gaps are detected downstream by checksum and
// repaired with a data_elements request.
//
// # Usage Example
//
//	conn, err := remote.DialRedis(2*time.Second)(ctx, contact)
//	if err != nil {
//		return err
//	}
//	defer conn.Close()
//
//	data, err := conn.Request(ctx, remote.MethodEntireWorkflow, nil)
package remote
