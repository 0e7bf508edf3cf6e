// Package server implements the server side of the multiplexing protocol: a
// Registry of topics, methods and extensions shared by every connection, and
// a Router per connection that dispatches inbound frames against it.
//
// Layers & Roles
//
//	Registry -> named topics and methods, ordered preSub extensions
//	Router   -> one per connection; owns sid -> subscription, replies to rid
//	Server   -> accepts connections (websocket via ServeHTTP, any transport via ServeConn)
//
// # Topics
//
// A topic handler is a function that pushes values through emit until it
// returns or its context is cancelled:
//
//	reg.Topic("camp", server.TopicConfig{
//	    Handler: func(ctx context.Context, sc *server.SubContext, emit server.EmitFunc) error {
//	        for i := 0; i < 5; i++ {
//	            if err := emit(ctx, i); err != nil {
//	                return err
//	            }
//	        }
//	        return nil
//	    },
//	})
//
// Cancellation is the teardown signal: a subscription is disposed when the
// client sends 'dispose' or when its connection closes, whichever comes first.
//
// # Methods
//
// A method handler answers one request. Its error, if any, is replied as
// {rid, error:{message}}; requests for unknown commands are answered with
// "Command not found".
//
// # Extensions
//
// preSub extensions run in registration order before every topic handler and
// may enrich the SubContext or abort the attempt by returning an error. An
// aborted attempt is not reported to the client.
package server
