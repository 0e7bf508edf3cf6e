// Package client implements the reconnecting side of the multiplexing
// protocol.
//
// A Session owns one logical connection. It dials through a
// transport.Dialer, publishes its lifecycle as a replay-latest Status and
// redials after a fixed delay whenever the connection drops for a transport
// reason. Only Close ends it for good.
//
// Requests and subscriptions are layered on top:
//
//	s := client.Dial(ctx, "ws://localhost:8080/cana")
//	defer s.Close()
//
//	var out struct{ A int `json:"a"` }
//	if err := s.RequestInto(ctx, "echo", map[string]int{"a": 1}, &out); err != nil {
//	    return err
//	}
//
//	sub, err := s.Subscribe(ctx, "ticker", nil)
//	if err != nil {
//	    return err
//	}
//	for v := range sub.C() {
//	    fmt.Println(string(v))
//	}
//
// A subscription is re-established with a fresh id on every new connection,
// so values of a restartable topic repeat after a reconnect. Nothing is
// queued while disconnected: requests wait for an open connection before
// they are sent, and a request whose connection drops before the reply
// waits until its context ends.
package client
