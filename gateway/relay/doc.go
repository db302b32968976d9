/*
Package relay connects WebSocket clients to agent sessions. Each connection runs a small state machine that starts, queries and ends sessions, and streams agent output back as JSON frames.

Sessions are scoped to the WebSocket connection: if the connection dies for any reason, its session is removed and the agent is terminated.

Messages are JSON objects with a "type" field, described in types.go. A typical exchange:

 1. The client opens a WebSocket connection and receives a "connected" frame.
 2. The client sends "start_session", optionally with a session ID and options, and receives "session_started".
    Sending "query" without starting a session first starts one implicitly.
 3. For each "query", the server sends "query_start", then one "message" frame per chunk of agent output in the order the agent produced it, then "query_complete" or "error".
 4. The client sends "end_session" and receives "session_ended", or just closes the connection.

If the agent exits on its own, the server sends "session_closed" with the exit code and the connection goes back to having no session.

Malformed input produces exactly one "error" frame and does not change the connection's state.
*/
package relay
