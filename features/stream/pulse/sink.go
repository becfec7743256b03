// Package pulse exposes a stream.Sink implementation that publishes session
// events to goa.design/pulse streams. It mirrors the layering used by existing
// Pulse deployments: services build a Redis client, pass it to the Pulse client,
// and hand the resulting sink to the stream bridge.
package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"goa.design/ensemble/features/stream/pulse/clients/pulse"
	"goa.design/ensemble/runtime/stream"
)

type (
	// Options configures the Pulse sink.
	Options struct {
		// Client is the Pulse client used to publish events. Required.
		Client pulse.Client
		// StreamID derives the target Pulse stream from an event. Defaults to
		// `session/<SessionID>`.
		StreamID func(stream.Event) (string, error)
		// MarshalEnvelope allows overriding the envelope serialization (primarily for tests).
		MarshalEnvelope func(envelope) ([]byte, error)
		// OnPublished is invoked after each successful publish with the entry ID
		// assigned by Redis. Callers use it to checkpoint consumer positions or
		// record delivery metrics. A non-nil return fails the Send.
		OnPublished func(ctx context.Context, ev PublishedEvent) error
	}

	// PublishedEvent describes one successfully published stream entry.
	PublishedEvent struct {
		// Event is the event that was published.
		Event stream.Event
		// StreamID is the Pulse stream the event was appended to.
		StreamID string
		// EntryID is the Redis-assigned entry ID (e.g., "1234567890-0").
		EntryID string
	}

	// Sink publishes stream Event values into Pulse streams. It delegates
	// serialization to the configured envelope marshaler.
	// Thread-safe for concurrent Send operations.
	Sink struct {
		client pulse.Client
		opts   sinkOptions
	}

	// sinkOptions holds internal configuration derived from Options.
	sinkOptions struct {
		streamID        func(stream.Event) (string, error)
		marshalEnvelope func(envelope) ([]byte, error)
		onPublished     func(ctx context.Context, ev PublishedEvent) error
	}

	// envelope wraps stream events for transmission over Pulse streams.
	// It adds metadata and serializes the event content as JSON.
	envelope struct {
		// Type identifies the event kind (e.g., "tool_end", "workflow").
		Type string `json:"type"`
		// SessionID links the event to a specific session.
		SessionID string `json:"session_id"`
		// Timestamp records when the event was published (UTC).
		Timestamp time.Time `json:"timestamp"`
		// Payload contains the event-specific data, if any.
		Payload any `json:"payload,omitempty"`
	}
)

// NewSink constructs a Pulse-backed stream sink. The Client field in opts is
// required; StreamID and MarshalEnvelope default to the built-in
// implementations if not provided.
func NewSink(opts Options) (*Sink, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	cfg := sinkOptions{
		streamID:        defaultStreamID,
		marshalEnvelope: defaultMarshal,
		onPublished:     opts.OnPublished,
	}
	if opts.StreamID != nil {
		cfg.streamID = opts.StreamID
	}
	if opts.MarshalEnvelope != nil {
		cfg.marshalEnvelope = opts.MarshalEnvelope
	}
	return &Sink{
		client: opts.Client,
		opts:   cfg,
	}, nil
}

// Send publishes the event to the derived Pulse stream. It derives the stream
// ID, wraps the event in an envelope, marshals it to JSON, and publishes it via
// the Pulse client. Thread-safe for concurrent calls.
func (s *Sink) Send(ctx context.Context, event stream.Event) error {
	streamID, err := s.opts.streamID(event)
	if err != nil {
		return err
	}
	handle, err := s.client.Stream(streamID)
	if err != nil {
		return err
	}
	env := envelope{
		Type:      string(event.Type()),
		SessionID: event.SessionID(),
		Timestamp: time.Now().UTC(),
		Payload:   event.Payload(),
	}
	payload, err := s.opts.marshalEnvelope(env)
	if err != nil {
		return err
	}
	entryID, err := handle.Add(ctx, env.Type, payload)
	if err != nil {
		return err
	}
	if s.opts.onPublished != nil {
		return s.opts.onPublished(ctx, PublishedEvent{
			Event:    event,
			StreamID: streamID,
			EntryID:  entryID,
		})
	}
	return nil
}

// Close releases resources owned by the sink. This delegates to the underlying
// Pulse client, which may or may not close the Redis connection depending on
// the client implementation.
func (s *Sink) Close(ctx context.Context) error {
	return s.client.Close(ctx)
}

// defaultStreamID derives the Pulse stream name from the event's SessionID.
// Returns an error if the SessionID is empty.
func defaultStreamID(event stream.Event) (string, error) {
	if event.SessionID() == "" {
		return "", errors.New("stream event missing session id")
	}
	return fmt.Sprintf("session/%s", event.SessionID()), nil
}

// defaultMarshal serializes an envelope to JSON.
func defaultMarshal(env envelope) ([]byte, error) {
	return json.Marshal(env)
}
