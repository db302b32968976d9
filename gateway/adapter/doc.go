/*
Package adapter wraps one external agent invocation behind a small streaming interface.

An Adapter is either backed by a spawned CLI process or by the vendor SDK. CLI adapters run in one of two modes:

  - oneshot: every WriteLine spawns a fresh process that receives the whole prompt and is expected to exit.
    The adapter itself survives across turns, and later turns resume the agent's conversation by session ID.
  - interactive: a single long-lived process receives one line on stdin per turn.

All output is delivered on the Events channel in the order it was produced. Data events carry stdout chunks (or SDK
text deltas), and each turn ends with either a TurnComplete or a TurnFailed event. When the adapter dies for good, an
Exit event is sent and the channel is closed.

Stderr is never delivered as data. It is logged and the tail of it is attached to ProcessExitError values.
*/
package adapter
