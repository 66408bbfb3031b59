// Package gateway is the WebSocket front door of collabd.
//
// A client connects to /ws?client_id=...&user_id=.... Admission is decided
// before the upgrade, so a refused client gets a plain HTTP status: 429
// when rate limited, 409 for a duplicate id and 503 otherwise. An accepted
// client receives a welcome message naming its worker and may then join
// rooms, publish events to them and ping.
//
// The Hub tracks live sessions and rooms. It implements worker.Notifier, so
// a client learns when rebalancing moves it to another worker and is
// disconnected when its worker evicts it.
//
// Protocol (JSON text frames):
//
//	-> {"type":"join","room":"r1"}
//	<- {"type":"joined","room":"r1","record":{...}}
//	-> {"type":"event","room":"r1","event":"move","payload":{...}}
//	<- {"type":"event","room":"r1","event":"move","payload":{...},"from":"c1"}
//	-> {"type":"ping"}
//	<- {"type":"pong"}
//	<- {"type":"migrated","worker_id":3}
package gateway
