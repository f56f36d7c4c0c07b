// Package acl is the connection layer of an AVS device client: it keeps an
// authenticated HTTP/2 connection to a gateway, sends events as multipart
// requests and hands directives and binary attachments back to the caller.
//
// # Overview
//
//   - HTTP2Transport owns one connection: a downchannel for directives, one
//     stream per event and a ping when the connection has been idle.
//   - MessageRouter holds the transports and moves between gateways.
//   - Dispatcher delivers inbound messages to handlers in server order.
//   - MessageRequest reports the outcome of every send exactly once.
//
// # Quick Start
//
//	config := acl.NewConfig()
//	client, err := acl.NewClient(config)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer client.Close()
//
//	client.AddMessageHandler(acl.CreateLoggingMessageHandler(nil, true))
//	client.AddErrorHandler(acl.CreateErrorLoggingHandler(nil, "Main"))
//
//	if err := client.Connect(); err != nil {
//		log.Fatal(err)
//	}
//
//	result, err := client.SendEvent(ctx, "System", "SynchronizeState", nil)
//
// # Configuration
//
// NewConfig starts from defaults and applies a .env file and AVS_* variables:
//
//	AVS_ENDPOINT=https://avs-alexa-eu.amazon.com
//	AVS_TOKEN_ENDPOINT=https://auth.example.com/token
//	AVS_QUEUE_WHEN_DISCONNECTED=true
//
// LoadConfig reads the same settings from YAML first.
//
// # Attachments
//
// Binary parts received from the cloud are written into the client's
// attachment.Manager under GenerateAttachmentID(contextID, contentID). A
// directive refers to them with a "cid:" URL; CreateAttachmentHandler opens
// the matching reader:
//
//	client.AddMessageHandler(acl.CreateAttachmentHandler(client.Attachments(), nil,
//		func(msg *acl.InboundMessage, r *attachment.Reader) {
//			defer r.Close()
//			io.Copy(speaker, r)
//		}))
//
// # Delivery guarantees
//
// Requests are opened in submission order. A request whose stream was open
// when the connection dropped completes with CONNECTION_LOST and is never
// re-sent; one that never reached a stream completes with NOT_CONNECTED.
package acl
