// Package sem defines the semantic event wire format and the normalizer that
// turns raw frames into a closed set of timeline events.
//
// Ownership model:
//   - Transports (websocket channel, history fetch) deliver opaque frames.
//   - Normalizer owns frame decoding, correlation-id resolution and arrival
//     ordering; it never fails hard on bad input (malformed frames become a
//     ParseError the caller can count and drop).
//   - Consumers (timeline reducer, session loop) only ever see Event values.
package sem
