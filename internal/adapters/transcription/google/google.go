// Package google provides a Google Cloud Speech-to-Text streaming adapter.
package google

import (
	"context"
	"errors"
	"io"

	speech "cloud.google.com/go/speech/apiv1"
	"cloud.google.com/go/speech/apiv1/speechpb"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"voice-notes-service/internal/adapters"
	"voice-notes-service/internal/adapters/transcription"
)

// Adapter implements transcription.StreamingTranscriber using Google Cloud
// Speech-to-Text.
type Adapter struct {
	client       *speech.Client
	stream       speechpb.Speech_StreamingRecognizeClient
	cb           transcription.Callback
	languageCode string
	sampleRateHz int
	interim      bool
}

// New creates a new Google STT adapter.
// Requires GOOGLE_APPLICATION_CREDENTIALS environment variable to be set.
func New(ctx context.Context, languageCode string, sampleRateHz int, interimResults bool) (*Adapter, error) {
	c, err := speech.NewClient(ctx)
	if err != nil {
		return nil, classify(err)
	}
	return &Adapter{
		client:       c,
		languageCode: languageCode,
		sampleRateHz: sampleRateHz,
		interim:      interimResults,
	}, nil
}

// Start begins a streaming recognition session and sends the initial config.
func (a *Adapter) Start(ctx context.Context, cb transcription.Callback) error {
	stream, err := a.client.StreamingRecognize(ctx)
	if err != nil {
		return classify(err)
	}
	a.stream = stream
	a.cb = cb

	// Streaming config must be the first message.
	err = stream.Send(&speechpb.StreamingRecognizeRequest{
		StreamingRequest: &speechpb.StreamingRecognizeRequest_StreamingConfig{
			StreamingConfig: &speechpb.StreamingRecognitionConfig{
				Config: &speechpb.RecognitionConfig{
					Encoding:        speechpb.RecognitionConfig_LINEAR16,
					SampleRateHertz: int32(a.sampleRateHz),
					LanguageCode:    a.languageCode,
				},
				InterimResults: a.interim,
			},
		},
	})
	if err != nil {
		return classify(err)
	}

	go a.listen()
	return nil
}

// SendAudio sends audio bytes to Google Speech-to-Text.
func (a *Adapter) SendAudio(ctx context.Context, audio []byte) error {
	err := a.stream.Send(&speechpb.StreamingRecognizeRequest{
		StreamingRequest: &speechpb.StreamingRecognizeRequest_AudioContent{
			AudioContent: audio,
		},
	})
	if err != nil {
		return classify(err)
	}
	return nil
}

// Close ends the streaming session.
func (a *Adapter) Close() error {
	if a.stream != nil {
		return a.stream.CloseSend()
	}
	return nil
}

// listen receives transcript responses from Google and invokes callbacks.
func (a *Adapter) listen() {
	for {
		resp, err := a.stream.Recv()
		if errors.Is(err, io.EOF) {
			return
		}
		if err != nil {
			a.cb.OnError(classify(err))
			return
		}

		for _, r := range resp.Results {
			if len(r.Alternatives) == 0 {
				continue
			}
			alt := r.Alternatives[0]
			if r.IsFinal {
				a.cb.OnFinal(alt.Transcript, float64(alt.Confidence))
				a.cb.OnEndOfUtterance()
			} else {
				a.cb.OnPartial(alt.Transcript)
			}
		}
	}
}

// classify maps a gRPC failure to the shared adapter taxonomy.
func classify(err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return adapters.Transient(adapters.CodeUnavailable, err)
	}
	switch st.Code() {
	case codes.ResourceExhausted:
		return adapters.Transient(adapters.CodeRateLimited, err)
	case codes.Unavailable, codes.DeadlineExceeded, codes.Aborted, codes.Internal:
		return adapters.Transient(adapters.CodeUnavailable, err)
	case codes.InvalidArgument:
		return adapters.Permanent(adapters.CodeUnsupportedFormat, err)
	case codes.PermissionDenied, codes.FailedPrecondition:
		return adapters.Permanent(adapters.CodeContentPolicy, err)
	default:
		return adapters.Transient(adapters.CodeUnavailable, err)
	}
}
