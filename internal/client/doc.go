// Package client provides a Go client for the Parley gateway.
//
// The client is designed for programmatic use against a running gateway
// (no authentication) and is useful for integration testing and for tools
// built on top of the WebSocket protocol.
//
// # Basic Usage
//
// Create a client and check the gateway:
//
//	c := client.New("http://localhost:8080")
//	info, err := c.Health(ctx)
//
// # WebSocket Connection
//
// Connect for real-time interaction:
//
//	conn, err := c.Connect(ctx, client.Callbacks{
//	    OnConnected: func(clientID string) {
//	        fmt.Printf("Connected as %s\n", clientID)
//	    },
//	    OnUpdate: func(s web.SessionPayload) {
//	        fmt.Printf("Session %d: %d bytes\n", s.ID, len(s.Content))
//	    },
//	    OnComplete: func(id, subtaskID int64) {
//	        fmt.Println("Done!")
//	    },
//	})
//	defer conn.Close()
//
//	// Send a message
//	conn.Start(web.StartPayload{Message: "Hello, world!"})
//
// # Simplified Exchange Helper
//
// For simple request-response patterns, use SendAndWait:
//
//	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
//	defer cancel()
//
//	result, err := c.SendAndWait(ctx, web.StartPayload{Message: "Explain this code"})
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	fmt.Printf("Conversation %d replied with %d bytes\n",
//	    result.ConversationID, len(result.Session.Content))
//
// # Thread Safety
//
// The Client and Conn types are safe for concurrent use from multiple
// goroutines. However, the Callbacks are invoked from a single goroutine
// (the WebSocket read loop), so callback implementations must be
// thread-safe if they access shared state.
package client
