// Package commentary implements the live commentary engine.
//
// An [Engine] periodically captures a screen frame, picks a
// conversational block for one or more personas, asks the hosted inference
// function for their lines, then speaks them through a [TtsPlayer] while an
// overlay bubble is shown. Typed user messages preempt timed commentary at
// any point.
//
// # Architecture
//
//	Engine
//	├── Scheduler            (weighted block selection)
//	├── Pipeline             (single and multi-persona runs)
//	│   ├── History          (per-persona rolling transcript)
//	│   └── TtsPlayer        (speech synthesis + playback)
//	│       └── StreamingAudioPlayer
//	└── ContextLoop          (background scene descriptions)
//
// Every stage reports through the Bus. Presentation layers, the
// DebugLogger and metrics collectors subscribe to it; nothing in the engine
// depends on who listens.
//
// # Cancellation
//
// Runs are cancelled through their context. A user message cancels the timed
// cycle in flight; the run then reports pipeline:abort and still closes with
// pipeline:end, and any overlay it showed is dismissed.
package commentary
